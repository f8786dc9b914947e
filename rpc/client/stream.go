package client

import (
	"context"
	"strconv"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
)

// --------------------------------------------------------------------------
// Argument and Result Types
// --------------------------------------------------------------------------

// Message is an entry read from a stream by XREAD or XREADGROUP.
// Fields is nil for pending entries that were deleted from the stream.
type Message struct {
	Stream string
	stream.Entry
}

// StreamOffset names a stream and the id to read after.
// XREAD accepts "$" (entries added after the call), XREADGROUP ">" (new entries).
type StreamOffset struct {
	Key string
	ID  string
}

// BlockForever makes a read wait without timeout
const BlockForever time.Duration = -1

// ReadOptions are the optional arguments of XREAD and XREADGROUP
type ReadOptions struct {
	Count int
	// Block is how long to wait for entries: 0 returns at once, BlockForever waits without timeout.
	// A timeout yields no messages and no error.
	Block time.Duration
	// NoAck skips the pending list (XREADGROUP only)
	NoAck bool
}

// XAddOptions are the optional arguments of XADD
type XAddOptions struct {
	// NoMkStream fails the append (ok == false) instead of creating the stream
	NoMkStream bool
	// Trim is applied after the append, Strategy TrimNone disables it
	Trim stream.TrimOptions
}

// PendingRange selects entries for the extended form of XPENDING
type PendingRange struct {
	Start, End string // bounds as for XRANGE
	Count      int
	Consumer   string        // empty for all consumers
	MinIdle    time.Duration // 0 for no filter
}

// --------------------------------------------------------------------------
// Appends and Ranges
// --------------------------------------------------------------------------

// XAdd appends an entry with the given id ("*", "<ms>-*" or explicit) and returns its id.
// ok is false if the stream does not exist and NoMkStream is set.
func (c *Client) XAdd(ctx context.Context, key string, opts XAddOptions, id string, fields ...db.FieldValue) (stream.ID, bool, error) {
	if _, err := stream.ParseAddID(id); err != nil {
		return stream.ID{}, false, store.FromError(err)
	}
	if len(fields) == 0 {
		return stream.ID{}, false, store.ErrSyntax
	}

	args := []string{"XADD", key}
	if opts.NoMkStream {
		args = append(args, "NOMKSTREAM")
	}
	args = append(args, trimArgs(opts.Trim)...)
	args = append(args, id)
	for _, f := range fields {
		args = append(args, f.Field, string(f.Value))
	}

	v, err := c.do(ctx, args...)
	if err != nil {
		return stream.ID{}, false, err
	}
	if v.Null {
		return stream.ID{}, false, nil
	}
	got, err := asID(v)
	return got, err == nil, err
}

// XLen returns the number of entries in a stream, 0 if it does not exist
func (c *Client) XLen(ctx context.Context, key string) (int, error) {
	return c.integer(ctx, "XLEN", key)
}

// XRange yields the entries between start and end in ascending order.
// Bounds are "-", "+", "<ms>" or "<ms>-<seq>", a leading "(" excludes the bound.
// count <= 0 returns every entry.
func (c *Client) XRange(ctx context.Context, key, start, end string, count int) *Iterator[stream.Entry] {
	if _, _, _, err := stream.ParseInterval(start, end); err != nil {
		return failed[stream.Entry](store.FromError(err))
	}
	return streamed(ctx, c, asEntry, append([]string{"XRANGE", key, start, end}, countArgs(count)...)...)
}

// XRevRange is XRange in descending order, note that end comes first
func (c *Client) XRevRange(ctx context.Context, key, end, start string, count int) *Iterator[stream.Entry] {
	if _, _, _, err := stream.ParseInterval(start, end); err != nil {
		return failed[stream.Entry](store.FromError(err))
	}
	return streamed(ctx, c, asEntry, append([]string{"XREVRANGE", key, end, start}, countArgs(count)...)...)
}

// XDel removes entries and returns how many existed
func (c *Client) XDel(ctx context.Context, key string, ids ...string) (int, error) {
	if err := checkIDs(ids); err != nil {
		return 0, err
	}
	return c.integer(ctx, append([]string{"XDEL", key}, ids...)...)
}

// XTrim removes the oldest entries and returns how many were removed
func (c *Client) XTrim(ctx context.Context, key string, opts stream.TrimOptions) (int, error) {
	if opts.Strategy == stream.TrimNone {
		return 0, store.ErrSyntax
	}
	return c.integer(ctx, append([]string{"XTRIM", key}, trimArgs(opts)...)...)
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// XRead yields the entries after the given ids, waiting as configured by opts
func (c *Client) XRead(ctx context.Context, opts ReadOptions, streams ...StreamOffset) *Iterator[Message] {
	if len(streams) == 0 {
		return failed[Message](store.ErrSyntax)
	}
	for _, s := range streams {
		if s.ID == "$" {
			continue
		}
		if _, err := stream.ParseID(s.ID); err != nil {
			return failed[Message](store.FromError(err))
		}
	}

	args := append([]string{"XREAD"}, readArgs(opts, false)...)
	return c.read(ctx, opts, append(args, streamArgs(streams)...))
}

// XReadGroup reads on behalf of a consumer of a group. ">" yields entries never
// delivered to the group and records them as pending for the consumer, any
// other id replays the consumer's pending entries after it (without waiting).
func (c *Client) XReadGroup(ctx context.Context, group, consumer string, opts ReadOptions, streams ...StreamOffset) *Iterator[Message] {
	if len(streams) == 0 {
		return failed[Message](store.ErrSyntax)
	}
	for _, s := range streams {
		if _, err := stream.ParseReadOffset(s.ID); err != nil {
			return failed[Message](store.FromError(err))
		}
	}

	args := append([]string{"XREADGROUP", "GROUP", group, consumer}, readArgs(opts, true)...)
	return c.read(ctx, opts, append(args, streamArgs(streams)...))
}

// read runs a possibly blocking read. The reply is decoded at once, the
// server sends it only when the wait ended.
func (c *Client) read(ctx context.Context, opts ReadOptions, args []string) *Iterator[Message] {
	req := request(args...)
	req.Blocking = opts.Block != 0
	v, err := c.doRequest(ctx, req)
	if err != nil {
		return failed[Message](err)
	}
	msgs, err := asMessages(v)
	if err != nil {
		return failed[Message](err)
	}
	return fromSlice(msgs)
}

// --------------------------------------------------------------------------
// Consumer Groups
// --------------------------------------------------------------------------

// XAck acknowledges pending entries and returns how many were pending
func (c *Client) XAck(ctx context.Context, key, group string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, store.ErrSyntax
	}
	if err := checkIDs(ids); err != nil {
		return 0, err
	}
	return c.integer(ctx, append([]string{"XACK", key, group}, ids...)...)
}

// XClaim transfers pending entries idle for at least minIdle to consumer and yields them.
// Entries deleted from the stream are dropped from the pending list and not yielded.
func (c *Client) XClaim(ctx context.Context, key, group, consumer string, minIdle time.Duration, opts stream.ClaimOptions, ids ...string) *Iterator[stream.Entry] {
	opts.JustID = false
	args, err := claimArgs(key, group, consumer, minIdle, opts, ids)
	if err != nil {
		return failed[stream.Entry](err)
	}
	return streamed(ctx, c, asEntry, args...)
}

// XClaimJustID is XClaim with JUSTID: it yields the ids only and leaves the delivery counts alone
func (c *Client) XClaimJustID(ctx context.Context, key, group, consumer string, minIdle time.Duration, opts stream.ClaimOptions, ids ...string) *Iterator[stream.ID] {
	opts.JustID = true
	args, err := claimArgs(key, group, consumer, minIdle, opts, ids)
	if err != nil {
		return failed[stream.ID](err)
	}
	return streamed(ctx, c, asID, args...)
}

// XPending returns the summary of the pending list of a group
func (c *Client) XPending(ctx context.Context, key, group string) (stream.PendingSummary, error) {
	v, err := c.do(ctx, "XPENDING", key, group)
	if err != nil {
		return stream.PendingSummary{}, err
	}
	elems, err := asArray(v)
	if err != nil {
		return stream.PendingSummary{}, err
	}
	if len(elems) != 4 {
		return stream.PendingSummary{}, unexpected("XPENDING", v)
	}

	var sum stream.PendingSummary
	count, err := elems[0].Integer()
	if err != nil {
		return sum, err
	}
	sum.Count = int(count)
	if sum.Lowest, err = asOptionalID(elems[1]); err != nil {
		return sum, err
	}
	if sum.Highest, err = asOptionalID(elems[2]); err != nil {
		return sum, err
	}
	if elems[3].Null {
		return sum, nil
	}
	consumers, err := asArray(elems[3])
	if err != nil {
		return sum, err
	}
	for _, cv := range consumers {
		pair, err := asArray(cv)
		if err != nil || len(pair) != 2 {
			return sum, unexpected("XPENDING", cv)
		}
		name, err := asString(pair[0])
		if err != nil {
			return sum, err
		}
		n, err := pair[1].Integer()
		if err != nil {
			return sum, err
		}
		sum.Consumers = append(sum.Consumers, stream.ConsumerPending{Name: name, Count: int(n)})
	}
	return sum, nil
}

// XPendingRange yields the pending entries selected by r in ascending id order
func (c *Client) XPendingRange(ctx context.Context, key, group string, r PendingRange) *Iterator[stream.PendingInfo] {
	if _, _, _, err := stream.ParseInterval(r.Start, r.End); err != nil {
		return failed[stream.PendingInfo](store.FromError(err))
	}
	if r.Count < 0 || r.MinIdle < 0 {
		return failed[stream.PendingInfo](store.ErrSyntax)
	}

	args := []string{"XPENDING", key, group}
	if r.MinIdle > 0 {
		args = append(args, "IDLE", strconv.FormatInt(r.MinIdle.Milliseconds(), 10))
	}
	args = append(args, r.Start, r.End, strconv.Itoa(r.Count))
	if r.Consumer != "" {
		args = append(args, r.Consumer)
	}
	return streamed(ctx, c, asPendingInfo, args...)
}

// XGroupCreate creates a group that delivers the entries after id ("$" for the last entry).
// mkStream creates an empty stream if the key does not exist.
func (c *Client) XGroupCreate(ctx context.Context, key, group, id string, mkStream bool) error {
	if err := checkGroupID(id); err != nil {
		return err
	}
	args := []string{"XGROUP", "CREATE", key, group, id}
	if mkStream {
		args = append(args, "MKSTREAM")
	}
	_, err := c.do(ctx, args...)
	return err
}

// XGroupDestroy removes a group, false if it did not exist
func (c *Client) XGroupDestroy(ctx context.Context, key, group string) (bool, error) {
	return c.boolean(ctx, "XGROUP", "DESTROY", key, group)
}

// XGroupSetID moves the last delivered id of a group
func (c *Client) XGroupSetID(ctx context.Context, key, group, id string) error {
	if err := checkGroupID(id); err != nil {
		return err
	}
	_, err := c.do(ctx, "XGROUP", "SETID", key, group, id)
	return err
}

// XGroupCreateConsumer adds a consumer to a group, false if it already existed
func (c *Client) XGroupCreateConsumer(ctx context.Context, key, group, consumer string) (bool, error) {
	return c.boolean(ctx, "XGROUP", "CREATECONSUMER", key, group, consumer)
}

// XGroupDelConsumer removes a consumer and returns how many pending entries it owned
func (c *Client) XGroupDelConsumer(ctx context.Context, key, group, consumer string) (int, error) {
	return c.integer(ctx, "XGROUP", "DELCONSUMER", key, group, consumer)
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// XInfoStream returns the length, ids and group count of a stream
func (c *Client) XInfoStream(ctx context.Context, key string) (stream.Info, error) {
	v, err := c.do(ctx, "XINFO", "STREAM", key)
	if err != nil {
		return stream.Info{}, err
	}
	return asStreamInfo(v)
}

// XInfoGroups yields the groups of a stream
func (c *Client) XInfoGroups(ctx context.Context, key string) *Iterator[stream.GroupInfo] {
	return streamed(ctx, c, asGroupInfo, "XINFO", "GROUPS", key)
}

// XInfoConsumers yields the consumers of a group
func (c *Client) XInfoConsumers(ctx context.Context, key, group string) *Iterator[stream.ConsumerInfo] {
	return streamed(ctx, c, asConsumerInfo, "XINFO", "CONSUMERS", key, group)
}

// --------------------------------------------------------------------------
// Argument Helpers
// --------------------------------------------------------------------------

func countArgs(count int) []string {
	if count <= 0 {
		return nil
	}
	return []string{"COUNT", strconv.Itoa(count)}
}

func checkIDs(ids []string) error {
	for _, id := range ids {
		if _, err := stream.ParseID(id); err != nil {
			return store.FromError(err)
		}
	}
	return nil
}

func checkGroupID(id string) error {
	if id == "$" {
		return nil
	}
	return checkIDs([]string{id})
}

func trimArgs(o stream.TrimOptions) []string {
	var args []string
	switch o.Strategy {
	case stream.TrimMaxLen:
		args = append(args, "MAXLEN")
	case stream.TrimMinID:
		args = append(args, "MINID")
	default:
		return nil
	}
	if o.Approx {
		args = append(args, "~")
	}
	if o.Strategy == stream.TrimMaxLen {
		args = append(args, strconv.Itoa(o.MaxLen))
	} else {
		args = append(args, o.MinID.String())
	}
	if o.Approx && o.Limit > 0 {
		args = append(args, "LIMIT", strconv.Itoa(o.Limit))
	}
	return args
}

func readArgs(o ReadOptions, group bool) []string {
	args := countArgs(o.Count)
	switch {
	case o.Block == BlockForever:
		args = append(args, "BLOCK", "0")
	case o.Block > 0:
		args = append(args, "BLOCK", strconv.FormatInt(max(1, o.Block.Milliseconds()), 10))
	}
	if group && o.NoAck {
		args = append(args, "NOACK")
	}
	return args
}

func streamArgs(streams []StreamOffset) []string {
	args := make([]string, 0, 1+2*len(streams))
	args = append(args, "STREAMS")
	for _, s := range streams {
		args = append(args, s.Key)
	}
	for _, s := range streams {
		args = append(args, s.ID)
	}
	return args
}

func claimArgs(key, group, consumer string, minIdle time.Duration, o stream.ClaimOptions, ids []string) ([]string, error) {
	if len(ids) == 0 || minIdle < 0 {
		return nil, store.ErrSyntax
	}
	if err := checkIDs(ids); err != nil {
		return nil, err
	}
	args := append([]string{"XCLAIM", key, group, consumer, strconv.FormatInt(minIdle.Milliseconds(), 10)}, ids...)
	if o.HasIdle {
		args = append(args, "IDLE", strconv.FormatUint(o.Idle, 10))
	}
	if o.HasTime {
		args = append(args, "TIME", strconv.FormatUint(o.Time, 10))
	}
	if o.HasRetryCount {
		args = append(args, "RETRYCOUNT", strconv.FormatUint(o.RetryCount, 10))
	}
	if o.Force {
		args = append(args, "FORCE")
	}
	if o.JustID {
		args = append(args, "JUSTID")
	}
	return args, nil
}
