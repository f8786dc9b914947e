package server

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/ValentinKolb/skv/rpc/codec"
)

var (
	errLimitWithoutApprox = store.NewError(store.RetCInvalidOperation, "syntax error, LIMIT cannot be used without the special ~ option")
	errNegativeMaxLen     = store.NewError(store.RetCInvalidOperation, "The MAXLEN argument must be >= 0.")
	errNegativeTimeout    = store.NewError(store.RetCInvalidOperation, "timeout is negative")
	errUnbalancedStreams  = store.NewError(store.RetCInvalidOperation, "Unbalanced list of streams: for each stream key an ID must be specified.")
)

// --------------------------------------------------------------------------
// Append, Range and Trim
// --------------------------------------------------------------------------

// parseTrim reads MAXLEN|MINID [=|~] threshold [LIMIT count] starting at args[i]
// and returns the index after it
func parseTrim(args []string, i int) (stream.TrimOptions, int, error) {
	var o stream.TrimOptions
	switch strings.ToUpper(args[i]) {
	case "MAXLEN":
		o.Strategy = stream.TrimMaxLen
	case "MINID":
		o.Strategy = stream.TrimMinID
	default:
		return o, i, store.ErrSyntax
	}
	i++
	if i < len(args) && (args[i] == "~" || args[i] == "=") {
		o.Approx = args[i] == "~"
		i++
	}
	if i >= len(args) {
		return o, i, store.ErrSyntax
	}

	if o.Strategy == stream.TrimMaxLen {
		n, err := parseInt(args[i])
		if err != nil {
			return o, i, err
		}
		if n < 0 {
			return o, i, errNegativeMaxLen
		}
		o.MaxLen = int(n)
	} else {
		id, err := stream.ParseID(args[i])
		if err != nil {
			return o, i, store.FromError(err)
		}
		o.MinID = id
	}
	i++

	if i+1 < len(args) && strings.EqualFold(args[i], "LIMIT") {
		if !o.Approx {
			return o, i, errLimitWithoutApprox
		}
		n, err := parseCount(args[i+1])
		if err != nil {
			return o, i, err
		}
		o.Limit = n
		return o, i + 2, nil
	}
	if o.Approx {
		o.Limit = stream.DefaultTrimLimit
	}
	return o, i, nil
}

// cmdXAdd runs XADD key [NOMKSTREAM] [MAXLEN|MINID [=|~] threshold [LIMIT count]] id field value [field value ...]
func cmdXAdd(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	var xa store.XAddArgs
	i := 2
options:
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "NOMKSTREAM":
			xa.NoMkStream = true
			i++
		case "MAXLEN", "MINID":
			trim, next, err := parseTrim(args, i)
			if err != nil {
				return errReply(err)
			}
			xa.Trim, i = trim, next
		default:
			break options
		}
	}

	rest := args[i:]
	if len(rest) < 3 || len(rest)%2 == 0 {
		return errReply(wrongArgs(args[0]))
	}
	id, err := stream.ParseAddID(rest[0])
	if err != nil {
		return errReply(err)
	}
	xa.ID = id
	xa.Fields = make([]db.FieldValue, 0, len(rest)/2)
	for j := 1; j < len(rest); j += 2 {
		xa.Fields = append(xa.Fields, db.FieldValue{Field: rest[j], Value: []byte(rest[j+1])})
	}

	added, ok, err := sess.shard.XAdd(args[1], xa)
	switch {
	case err != nil:
		return errReply(err)
	case !ok:
		return codec.NullBulk()
	}
	return codec.BulkString(added.String())
}

func cmdXLen(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	return intReply(sess.shard.XLen(args[1]))
}

func cmdXDel(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	ids, err := parseIDs(args[2:])
	if err != nil {
		return errReply(err)
	}
	return intReply(sess.shard.XDel(args[1], ids))
}

func cmdXTrim(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	o, next, err := parseTrim(args, 2)
	if err != nil {
		return errReply(err)
	}
	if next != len(args) {
		return errReply(store.ErrSyntax)
	}
	return intReply(sess.shard.XTrim(args[1], o))
}

// rangeCount reads the optional COUNT of XRANGE and XREVRANGE. ok is false
// if the count rules out any result.
func rangeCount(args []string) (count int, ok bool, err error) {
	switch {
	case len(args) == 0:
		return 0, true, nil
	case len(args) == 2 && strings.EqualFold(args[0], "COUNT"):
		n, err := parseInt(args[1])
		if err != nil {
			return 0, false, err
		}
		return int(max(n, 0)), n > 0, nil
	}
	return 0, false, store.ErrSyntax
}

func cmdXRange(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	return xrange(sess, args[1], args[2], args[3], args[4:], false)
}

// cmdXRevRange runs XREVRANGE key end start [COUNT count]
func cmdXRevRange(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	return xrange(sess, args[1], args[3], args[2], args[4:], true)
}

func xrange(sess *session, key, start, end string, opts []string, rev bool) codec.Value {
	lo, hi, empty, err := stream.ParseInterval(start, end)
	if err != nil {
		return errReply(err)
	}
	count, ok, err := rangeCount(opts)
	if err != nil {
		return errReply(err)
	}
	if empty || !ok {
		return codec.Array()
	}

	var entries []stream.Entry
	if rev {
		entries, err = sess.shard.XRevRange(key, hi, lo, count)
	} else {
		entries, err = sess.shard.XRange(key, lo, hi, count)
	}
	if err != nil {
		return errReply(err)
	}
	return entriesValue(entries)
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

type readArgs struct {
	count int
	block time.Duration
	noAck bool
	keys  []string
	ids   []string
}

// parseRead reads [COUNT count] [BLOCK ms] [NOACK] STREAMS key [key ...] id [id ...]
func parseRead(args []string, group bool) (readArgs, error) {
	r := readArgs{block: store.NoBlock}
	for i := 0; i < len(args); i++ {
		opt := strings.ToUpper(args[i])
		switch {
		case opt == "COUNT" && i+1 < len(args):
			n, err := parseInt(args[i+1])
			if err != nil {
				return r, err
			}
			r.count = int(max(n, 0))
			i++
		case opt == "BLOCK" && i+1 < len(args):
			ms, err := parseInt(args[i+1])
			if err != nil {
				return r, err
			}
			if ms < 0 {
				return r, errNegativeTimeout
			}
			r.block = time.Duration(ms) * time.Millisecond
			i++
		case opt == "NOACK" && group:
			r.noAck = true
		case opt == "STREAMS":
			rest := args[i+1:]
			if len(rest) == 0 || len(rest)%2 != 0 {
				return r, errUnbalancedStreams
			}
			r.keys, r.ids = rest[:len(rest)/2], rest[len(rest)/2:]
			return r, nil
		default:
			return r, store.ErrSyntax
		}
	}
	return r, store.ErrSyntax
}

// cmdXRead runs XREAD [COUNT count] [BLOCK ms] STREAMS key [key ...] id [id ...]
func cmdXRead(ctx context.Context, _ *Server, sess *session, args []string) codec.Value {
	r, err := parseRead(args[1:], false)
	if err != nil {
		return errReply(err)
	}
	res, err := sess.shard.XRead(ctx, store.XReadArgs{Keys: r.keys, IDs: r.ids, Count: r.count, Block: r.block})
	if err != nil {
		return errReply(err)
	}
	return streamsValue(res)
}

// cmdXReadGroup runs XREADGROUP GROUP group consumer [COUNT count] [BLOCK ms] [NOACK] STREAMS ...
func cmdXReadGroup(ctx context.Context, _ *Server, sess *session, args []string) codec.Value {
	if !strings.EqualFold(args[1], "GROUP") {
		return errReply(store.ErrSyntax)
	}
	r, err := parseRead(args[4:], true)
	if err != nil {
		return errReply(err)
	}
	res, err := sess.shard.XReadGroup(ctx, store.XReadGroupArgs{
		Group:    args[2],
		Consumer: args[3],
		Keys:     r.keys,
		IDs:      r.ids,
		Count:    r.count,
		Block:    r.block,
		NoAck:    r.noAck,
	})
	if err != nil {
		return errReply(err)
	}
	return streamsValue(res)
}

// --------------------------------------------------------------------------
// Pending Entries
// --------------------------------------------------------------------------

func cmdXAck(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	ids, err := parseIDs(args[3:])
	if err != nil {
		return errReply(err)
	}
	return intReply(sess.shard.XAck(args[1], args[2], ids))
}

// cmdXClaim runs XCLAIM key group consumer min-idle id [id ...] [IDLE ms] [TIME ms]
// [RETRYCOUNT count] [FORCE] [JUSTID]. The ids end at the first argument that
// is not an id.
func cmdXClaim(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	minIdle, err := parseInt(args[4])
	if err != nil {
		return errReply(err)
	}

	i := 5
	var ids []stream.ID
	for ; i < len(args); i++ {
		id, err := stream.ParseID(args[i])
		if err != nil {
			if len(ids) == 0 {
				return errReply(err)
			}
			break
		}
		ids = append(ids, id)
	}

	var o stream.ClaimOptions
	for ; i < len(args); i++ {
		opt := strings.ToUpper(args[i])
		switch opt {
		case "FORCE":
			o.Force = true
			continue
		case "JUSTID":
			o.JustID = true
			continue
		case "IDLE", "TIME", "RETRYCOUNT":
		default:
			return errReply(store.Errorf(store.RetCInvalidOperation, "Unrecognized XCLAIM option '%s'", args[i]))
		}
		if i+1 >= len(args) {
			return errReply(store.ErrSyntax)
		}
		n, err := parseInt(args[i+1])
		if err != nil {
			return errReply(err)
		}
		v := uint64(max(n, 0))
		switch opt {
		case "IDLE":
			o.Idle, o.HasIdle = v, true
		case "TIME":
			o.Time, o.HasTime = v, true
		case "RETRYCOUNT":
			o.RetryCount, o.HasRetryCount = v, true
		}
		i++
	}

	entries, err := sess.shard.XClaim(args[1], args[2], args[3], time.Duration(max(minIdle, 0))*time.Millisecond, ids, o)
	if err != nil {
		return errReply(err)
	}
	if o.JustID {
		elems := make([]codec.Value, len(entries))
		for j, e := range entries {
			elems[j] = codec.BulkString(e.ID.String())
		}
		return codec.Array(elems...)
	}
	return entriesValue(entries)
}

// cmdXPending runs the summary form XPENDING key group and the extended
// form XPENDING key group [IDLE ms] start end count [consumer]
func cmdXPending(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	key, group := args[1], args[2]
	if len(args) == 3 {
		return xpendingSummary(sess, key, group)
	}

	var q stream.PendingQuery
	rest := args[3:]
	if strings.EqualFold(rest[0], "IDLE") {
		if len(rest) < 2 {
			return errReply(store.ErrSyntax)
		}
		ms, err := parseInt(rest[1])
		if err != nil {
			return errReply(err)
		}
		q.MinIdle = uint64(max(ms, 0))
		rest = rest[2:]
	}
	if len(rest) != 3 && len(rest) != 4 {
		return errReply(store.ErrSyntax)
	}

	lo, hi, empty, err := stream.ParseInterval(rest[0], rest[1])
	if err != nil {
		return errReply(err)
	}
	n, err := parseInt(rest[2])
	if err != nil {
		return errReply(err)
	}
	q.Lo, q.Hi, q.Count = lo, hi, int(max(n, 0))
	if empty {
		// still asks the store so a missing group is reported
		q.Count = 0
	}
	if len(rest) == 4 {
		q.Consumer = rest[3]
	}

	pending, err := sess.shard.XPendingRange(key, group, q)
	if err != nil {
		return errReply(err)
	}
	elems := make([]codec.Value, len(pending))
	for i, p := range pending {
		elems[i] = codec.Array(
			codec.BulkString(p.ID.String()),
			codec.BulkString(p.Consumer),
			codec.Int(int64(p.Idle)),
			codec.Int(int64(p.DeliveryCount)),
		)
	}
	return codec.Array(elems...)
}

// xpendingSummary replies [count, lowest id, highest id, [[consumer, count], ...]],
// the ids and the consumers are null for an empty pending list
func xpendingSummary(sess *session, key, group string) codec.Value {
	sum, err := sess.shard.XPending(key, group)
	if err != nil {
		return errReply(err)
	}
	if sum.Count == 0 {
		return codec.Array(codec.Int(0), codec.NullBulk(), codec.NullBulk(), codec.NullArray())
	}
	consumers := make([]codec.Value, len(sum.Consumers))
	for i, c := range sum.Consumers {
		consumers[i] = codec.Array(codec.BulkString(c.Name), codec.BulkString(strconv.Itoa(c.Count)))
	}
	return codec.Array(
		codec.Int(int64(sum.Count)),
		codec.BulkString(sum.Lowest.String()),
		codec.BulkString(sum.Highest.String()),
		codec.Array(consumers...),
	)
}

// --------------------------------------------------------------------------
// Groups
// --------------------------------------------------------------------------

// xgroupArity is the argument count of each XGROUP subcommand, CREATE takes an optional MKSTREAM
var xgroupArity = map[string]int{"CREATE": 5, "DESTROY": 4, "SETID": 5, "CREATECONSUMER": 5, "DELCONSUMER": 5}

func cmdXGroup(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	sub := strings.ToUpper(args[1])
	want, ok := xgroupArity[sub]
	if !ok {
		return unknownSubcommand(args[0], args[1])
	}
	if len(args) != want && !(sub == "CREATE" && len(args) == want+1) {
		return errReply(wrongArgs("xgroup|" + sub))
	}
	key, group := args[2], args[3]

	switch sub {
	case "CREATE":
		mkStream := false
		if len(args) == 6 {
			if !strings.EqualFold(args[5], "MKSTREAM") {
				return errReply(store.ErrSyntax)
			}
			mkStream = true
		}
		if err := sess.shard.XGroupCreate(key, group, args[4], mkStream); err != nil {
			return errReply(err)
		}
		return okReply

	case "DESTROY":
		ok, err := sess.shard.XGroupDestroy(key, group)
		if err != nil {
			return errReply(err)
		}
		return boolReply(ok)

	case "SETID":
		if err := sess.shard.XGroupSetID(key, group, args[4]); err != nil {
			return errReply(err)
		}
		return okReply

	case "CREATECONSUMER":
		ok, err := sess.shard.XGroupCreateConsumer(key, group, args[4])
		if err != nil {
			return errReply(err)
		}
		return boolReply(ok)

	default: // DELCONSUMER
		return intReply(sess.shard.XGroupDelConsumer(key, group, args[4]))
	}
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

func cmdXInfo(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	switch sub := strings.ToUpper(args[1]); sub {
	case "STREAM":
		if len(args) != 3 {
			return errReply(wrongArgs("xinfo|stream"))
		}
		info, err := sess.shard.XInfoStream(args[2])
		if err != nil {
			return errReply(err)
		}
		return streamInfoValue(info)

	case "GROUPS":
		if len(args) != 3 {
			return errReply(wrongArgs("xinfo|groups"))
		}
		groups, err := sess.shard.XInfoGroups(args[2])
		if err != nil {
			return errReply(err)
		}
		elems := make([]codec.Value, len(groups))
		for i, g := range groups {
			elems[i] = codec.Array(
				codec.BulkString("name"), codec.BulkString(g.Name),
				codec.BulkString("consumers"), codec.Int(int64(g.Consumers)),
				codec.BulkString("pending"), codec.Int(int64(g.Pending)),
				codec.BulkString("last-delivered-id"), codec.BulkString(g.LastDeliveredID.String()),
			)
		}
		return codec.Array(elems...)

	case "CONSUMERS":
		if len(args) != 4 {
			return errReply(wrongArgs("xinfo|consumers"))
		}
		consumers, err := sess.shard.XInfoConsumers(args[2], args[3])
		if err != nil {
			return errReply(err)
		}
		elems := make([]codec.Value, len(consumers))
		for i, c := range consumers {
			elems[i] = codec.Array(
				codec.BulkString("name"), codec.BulkString(c.Name),
				codec.BulkString("pending"), codec.Int(int64(c.Pending)),
				codec.BulkString("idle"), codec.Int(int64(c.Idle)),
				codec.BulkString("inactive"), codec.Int(c.Inactive),
			)
		}
		return codec.Array(elems...)

	default:
		return unknownSubcommand(args[0], args[1])
	}
}

func streamInfoValue(info stream.Info) codec.Value {
	entry := func(e *stream.Entry) codec.Value {
		if e == nil {
			return codec.NullBulk()
		}
		return entryValue(*e)
	}
	return codec.Array(
		codec.BulkString("length"), codec.Int(int64(info.Length)),
		codec.BulkString("nodes"), codec.Int(int64(info.Nodes)),
		codec.BulkString("groups"), codec.Int(int64(info.Groups)),
		codec.BulkString("last-generated-id"), codec.BulkString(info.LastGeneratedID.String()),
		codec.BulkString("max-deleted-entry-id"), codec.BulkString(info.MaxDeletedID.String()),
		codec.BulkString("entries-added"), codec.Int(int64(info.EntriesAdded)),
		codec.BulkString("first-entry"), entry(info.FirstEntry),
		codec.BulkString("last-entry"), entry(info.LastEntry),
	)
}
