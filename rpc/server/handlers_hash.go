package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/hashtable"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/rpc/codec"
)

// defaultScanCount is the batch size of HSCAN without COUNT
const defaultScanCount = 10

// pairs reads the field, value list of HSET and HMSET
func pairs(args []string) ([]db.FieldValue, bool) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, false
	}
	out := make([]db.FieldValue, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		out = append(out, db.FieldValue{Field: args[i], Value: []byte(args[i+1])})
	}
	return out, true
}

func cmdHSet(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	fv, ok := pairs(args[2:])
	if !ok {
		return errReply(wrongArgs(args[0]))
	}
	return intReply(sess.shard.HSet(args[1], fv))
}

func cmdHMSet(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	fv, ok := pairs(args[2:])
	if !ok {
		return errReply(wrongArgs(args[0]))
	}
	if _, err := sess.shard.HSet(args[1], fv); err != nil {
		return errReply(err)
	}
	return okReply
}

func cmdHSetNX(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	ok, err := sess.shard.HSetNX(args[1], args[2], []byte(args[3]))
	if err != nil {
		return errReply(err)
	}
	return boolReply(ok)
}

func cmdHGet(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	v, ok, err := sess.shard.HGet(args[1], args[2])
	switch {
	case err != nil:
		return errReply(err)
	case !ok:
		return codec.NullBulk()
	}
	return codec.Bulk(v)
}

func cmdHMGet(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	values, err := sess.shard.HMGet(args[1], args[2:])
	if err != nil {
		return errReply(err)
	}
	elems := make([]codec.Value, len(values))
	for i, v := range values {
		if v.Ok {
			elems[i] = codec.Bulk(v.Value)
		} else {
			elems[i] = codec.NullBulk()
		}
	}
	return codec.Array(elems...)
}

func cmdHDel(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	return intReply(sess.shard.HDel(args[1], args[2:]))
}

func cmdHExists(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	ok, err := sess.shard.HExists(args[1], args[2])
	if err != nil {
		return errReply(err)
	}
	return boolReply(ok)
}

func cmdHLen(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	return intReply(sess.shard.HLen(args[1]))
}

func cmdHStrLen(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	return intReply(sess.shard.HStrLen(args[1], args[2]))
}

func cmdHIncrBy(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	delta, err := parseInt(args[3])
	if err != nil {
		return errReply(err)
	}
	n, err := sess.shard.HIncrBy(args[1], args[2], delta)
	if err != nil {
		return errReply(err)
	}
	return codec.Int(n)
}

// cmdHIncrByFloat replies with the new value as a bulk string
func cmdHIncrByFloat(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	delta, err := parseFloat(args[3])
	if err != nil {
		return errReply(err)
	}
	f, err := sess.shard.HIncrByFloat(args[1], args[2], delta)
	if err != nil {
		return errReply(err)
	}
	return codec.BulkString(strconv.FormatFloat(f, 'f', -1, 64))
}

func cmdHGetAll(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	fv, err := sess.shard.HGetAll(args[1])
	if err != nil {
		return errReply(err)
	}
	return fieldsValue(fv)
}

func cmdHKeys(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	fields, err := sess.shard.HKeys(args[1])
	if err != nil {
		return errReply(err)
	}
	return bulkStrings(fields)
}

func cmdHVals(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	values, err := sess.shard.HVals(args[1])
	if err != nil {
		return errReply(err)
	}
	elems := make([]codec.Value, len(values))
	for i, v := range values {
		elems[i] = codec.Bulk(v)
	}
	return codec.Array(elems...)
}

// cmdHScan runs HSCAN key cursor [MATCH pattern] [COUNT count].
// The reply is [next cursor, [field, value, ...]].
func cmdHScan(_ context.Context, _ *Server, sess *session, args []string) codec.Value {
	cursor, err := hashtable.ParseCursor(args[2])
	if err != nil {
		return errReply(err)
	}

	match, count := "", defaultScanCount
	for i := 3; i < len(args); i += 2 {
		if i+1 >= len(args) {
			return errReply(store.ErrSyntax)
		}
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			match = args[i+1]
		case "COUNT":
			if count, err = parseCount(args[i+1]); err != nil {
				return errReply(err)
			}
			if count == 0 {
				return errReply(store.ErrSyntax)
			}
		default:
			return errReply(store.ErrSyntax)
		}
	}

	next, fv, err := sess.shard.HScan(args[1], cursor, match, count)
	if err != nil {
		return errReply(err)
	}
	return codec.Array(codec.BulkString(strconv.FormatUint(next, 10)), fieldsValue(fv))
}
