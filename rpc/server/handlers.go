package server

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/ValentinKolb/skv/rpc/codec"
)

// handlerFunc runs one command. args holds the command name followed by its arguments,
// the arity of the command is already checked.
type handlerFunc func(ctx context.Context, s *Server, sess *session, args []string) codec.Value

var handlers = map[string]handlerFunc{
	// connection
	"PING":   cmdPing,
	"SELECT": cmdSelect,
	"CLIENT": cmdClient,

	// keyspace
	"DEL":    cmdDel,
	"EXISTS": cmdExists,
	"TYPE":   cmdType,
	"EXPIRE": cmdExpire,
	"TTL":    cmdTTL,
	"DBSIZE": cmdDBSize,
	"INFO":   cmdInfo,

	// hash
	"HDEL":         cmdHDel,
	"HEXISTS":      cmdHExists,
	"HGET":         cmdHGet,
	"HGETALL":      cmdHGetAll,
	"HINCRBY":      cmdHIncrBy,
	"HINCRBYFLOAT": cmdHIncrByFloat,
	"HKEYS":        cmdHKeys,
	"HLEN":         cmdHLen,
	"HMGET":        cmdHMGet,
	"HMSET":        cmdHMSet,
	"HSCAN":        cmdHScan,
	"HSET":         cmdHSet,
	"HSETNX":       cmdHSetNX,
	"HSTRLEN":      cmdHStrLen,
	"HVALS":        cmdHVals,

	// stream
	"XACK":       cmdXAck,
	"XADD":       cmdXAdd,
	"XCLAIM":     cmdXClaim,
	"XDEL":       cmdXDel,
	"XGROUP":     cmdXGroup,
	"XINFO":      cmdXInfo,
	"XLEN":       cmdXLen,
	"XPENDING":   cmdXPending,
	"XRANGE":     cmdXRange,
	"XREAD":      cmdXRead,
	"XREADGROUP": cmdXReadGroup,
	"XREVRANGE":  cmdXRevRange,
	"XTRIM":      cmdXTrim,
}

// --------------------------------------------------------------------------
// Replies
// --------------------------------------------------------------------------

var (
	okReply       = codec.Status("OK")
	errNotInteger = store.NewError(store.RetCInvalidOperation, "value is not an integer or out of range")
	errNotFloat   = store.NewError(store.RetCInvalidOperation, "value is not a valid float")
)

// errReply turns an error into an error reply, errors without a code become internal errors
func errReply(err error) codec.Value {
	return codec.Err(store.FromError(err).Error())
}

func wrongArgs(name string) error {
	return store.Errorf(store.RetCInvalidOperation, "wrong number of arguments for '%s' command", strings.ToLower(name))
}

func unknownSubcommand(cmd, sub string) codec.Value {
	return errReply(store.Errorf(store.RetCInvalidOperation, "unknown subcommand '%s' for '%s'", sub, strings.ToLower(cmd)))
}

func boolReply(b bool) codec.Value {
	if b {
		return codec.Int(1)
	}
	return codec.Int(0)
}

// intReply replies with n or with the error
func intReply(n int, err error) codec.Value {
	if err != nil {
		return errReply(err)
	}
	return codec.Int(int64(n))
}

func bulkStrings(ss []string) codec.Value {
	elems := make([]codec.Value, len(ss))
	for i, s := range ss {
		elems[i] = codec.BulkString(s)
	}
	return codec.Array(elems...)
}

// fieldsValue is the flat field, value array of a hash or an entry
func fieldsValue(pairs []db.FieldValue) codec.Value {
	elems := make([]codec.Value, 0, 2*len(pairs))
	for _, p := range pairs {
		elems = append(elems, codec.BulkString(p.Field), codec.Bulk(p.Value))
	}
	return codec.Array(elems...)
}

// entryValue is [id, [field, value, ...]], the fields of a deleted entry are null
func entryValue(e stream.Entry) codec.Value {
	if e.Fields == nil {
		return codec.Array(codec.BulkString(e.ID.String()), codec.NullArray())
	}
	return codec.Array(codec.BulkString(e.ID.String()), fieldsValue(e.Fields))
}

func entriesValue(entries []stream.Entry) codec.Value {
	elems := make([]codec.Value, len(entries))
	for i, e := range entries {
		elems[i] = entryValue(e)
	}
	return codec.Array(elems...)
}

// streamsValue is the reply of XREAD and XREADGROUP, null if nothing was read
func streamsValue(res []store.StreamEntries) codec.Value {
	if len(res) == 0 {
		return codec.NullArray()
	}
	elems := make([]codec.Value, len(res))
	for i, r := range res {
		elems[i] = codec.Array(codec.BulkString(r.Key), entriesValue(r.Entries))
	}
	return codec.Array(elems...)
}

// --------------------------------------------------------------------------
// Argument Parsing
// --------------------------------------------------------------------------

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errNotInteger
	}
	return n, nil
}

// parseCount parses a non negative count
func parseCount(s string) (int, error) {
	n, err := parseInt(s)
	if err != nil || n < 0 || n > math.MaxInt32 {
		return 0, errNotInteger
	}
	return int(n), nil
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotFloat
	}
	return f, nil
}

func parseIDs(ss []string) ([]stream.ID, error) {
	ids := make([]stream.ID, len(ss))
	for i, s := range ss {
		id, err := stream.ParseID(s)
		if err != nil {
			return nil, store.FromError(err)
		}
		ids[i] = id
	}
	return ids, nil
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

func cmdPing(_ context.Context, _ *Server, _ *session, args []string) codec.Value {
	switch len(args) {
	case 1:
		return codec.Status("PONG")
	case 2:
		return codec.BulkString(args[1])
	}
	return errReply(wrongArgs(args[0]))
}

func cmdSelect(_ context.Context, s *Server, sess *session, args []string) codec.Value {
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return errReply(store.NewError(store.RetCInvalidOperation, "invalid shard id"))
	}
	st, ok := s.shard(id)
	if !ok {
		return errReply(store.Errorf(store.RetCInvalidOperation, "shard %d is not served", id))
	}
	sess.shardID, sess.shard = id, st
	return okReply
}

func cmdClient(_ context.Context, s *Server, sess *session, args []string) codec.Value {
	switch sub := strings.ToUpper(args[1]); sub {
	case "ID":
		if len(args) != 2 {
			return errReply(wrongArgs("client|id"))
		}
		return codec.Int(sess.id)

	case "UNBLOCK":
		if len(args) != 3 {
			return errReply(wrongArgs("client|unblock"))
		}
		id, err := parseInt(args[2])
		if err != nil {
			return errReply(err)
		}
		other, ok := s.sessions.Load(id)
		return boolReply(ok && other.unblock())

	default:
		return unknownSubcommand(args[0], args[1])
	}
}

// --------------------------------------------------------------------------
// Keyspace
// --------------------------------------------------------------------------

func cmdDel(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	return intReply(sess.shard.Delete(args[1:]...))
}

func cmdExists(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	return intReply(sess.shard.Exists(args[1:]...))
}

func cmdType(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	t, err := sess.shard.Type(args[1])
	if err != nil {
		return errReply(err)
	}
	return codec.Status(t.String())
}

// cmdExpire takes the ttl in seconds
func cmdExpire(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	secs, err := parseInt(args[2])
	if err != nil {
		return errReply(err)
	}
	if secs > math.MaxInt64/int64(time.Second) {
		return errReply(store.NewError(store.RetCInvalidOperation, "invalid expire time in 'expire' command"))
	}
	ok, err := sess.shard.Expire(args[1], time.Duration(secs)*time.Second)
	if err != nil {
		return errReply(err)
	}
	return boolReply(ok)
}

// cmdTTL replies in seconds (rounded), negative values are passed on as they are
func cmdTTL(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	ms, err := sess.shard.TTL(args[1])
	if err != nil {
		return errReply(err)
	}
	if ms < 0 {
		return codec.Int(ms)
	}
	return codec.Int((ms + 500) / 1000)
}

func cmdDBSize(_ context.Context, _ *Server, sess *session, _ []string) codec.Value {
	return intReply(sess.shard.DBSize())
}

func cmdInfo(_ context.Context, _ *Server, sess *session, _ []string) codec.Value {
	info, err := sess.shard.GetDBInfo()
	if err != nil {
		return errReply(err)
	}
	b, err := json.Marshal(info)
	if err != nil {
		return errReply(err)
	}
	return codec.Bulk(b)
}
