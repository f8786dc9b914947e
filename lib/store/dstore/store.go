package dstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/db/util"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/store/dstore/internal"
	"github.com/ValentinKolb/skv/lib/store/ops"
	"github.com/ValentinKolb/skv/lib/stream"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("store")
)

// storeImpl is the concrete implementation of the store.IStore interface.
// It encapsulates a Dragonboat NodeHost which is used to communicate with the state machine.
type storeImpl struct {
	nh       *dragonboat.NodeHost
	shardID  uint64
	cs       *client.Session
	timeout  time.Duration
	notifier *store.KeyNotifier
}

// NewDistributedStore creates a new distributed store instance which uses raft consensus to ensure strict linearizability
// across multiple nodes.
func NewDistributedStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) store.IStore {
	cs := nh.GetNoOPSession(shardID)
	return &storeImpl{
		nh:       nh,
		shardID:  shardID,
		cs:       cs,
		timeout:  timeout,
		notifier: notifierFor(shardID),
	}
}

func now() uint64 {
	return util.NowMillis(time.Now())
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// write stamps the Command with the current time, encodes it and sends it via SyncPropose.
// It returns the decoded result or a *store.Error.
func (s *storeImpl) write(cmd internal.Command) (internal.Result, error) {
	var res internal.Result
	cmd.Now = now()
	data, err := cmd.Serialize()
	if err != nil {
		return res, store.NewError(store.RetCInternalError, err.Error())
	}

	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		out, err := s.nh.SyncPropose(ctx, s.cs, data)
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}

		if err != nil {
			return res, store.NewError(store.RetCInternalError, err.Error())
		}
		if out.Value != uint64(store.RetCSuccess) {
			return res, store.NewError(store.RetCode(out.Value), string(out.Data))
		}
		if err := res.Deserialize(out.Data); err != nil {
			return res, store.NewError(store.RetCInternalError, err.Error())
		}
		return res, nil
	}
	return res, store.NewError(store.RetCInternalError, "timeout")
}

// read is a generic helper function queries the state machine
// and attempts to convert the response into the expected type R.
//
// This function uses the SyncRead function (dragonboat) by default to Query the state machine.
// If linearizability is not required, the stale parameter can be set to true to use the faster StaleRead function.
//
// If the read operation fails due to a system busy error, the function retries up to 5 times.
func read[R any](r *storeImpl, q internal.Query, stale bool) (R, error) {
	var zero R
	q.Now = now()
	for i := 0; i < retries; i++ {

		var res interface{}
		var err error

		// Query the state machine, use StaleRead if stale is set otherwise use SyncRead (default)
		if stale {
			res, err = r.nh.StaleRead(r.shardID, q)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			res, err = r.nh.SyncRead(ctx, r.shardID, q)
			cancel()
		}

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(r.timeout / 10)
			continue
		}

		if err != nil {
			var se *store.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, store.NewError(store.RetCInternalError, err.Error())
		}

		// The state machine is expected to return the response in the expected type R.
		casted, ok := res.(R)
		if !ok {
			return zero, store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, store.NewError(store.RetCInternalError, "timeout")
}

// --------------------------------------------------------------------------
// Keyspace (docs see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Delete(keys ...string) (int, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTDelete, Keys: keys})
	return int(res.Int), err
}

func (s *storeImpl) Exists(keys ...string) (int, error) {
	return read[int](s, internal.Query{Type: internal.QueryTExists, Keys: keys}, false)
}

func (s *storeImpl) Type(key string) (db.ValueType, error) {
	return read[db.ValueType](s, internal.Query{Type: internal.QueryTType, Key: key}, false)
}

func (s *storeImpl) Expire(key string, ttl time.Duration) (bool, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTExpire, Key: key, Int: ttl.Milliseconds()})
	return res.Bool, err
}

func (s *storeImpl) TTL(key string) (int64, error) {
	return read[int64](s, internal.Query{Type: internal.QueryTTTL, Key: key}, false)
}

func (s *storeImpl) DBSize() (int, error) {
	return read[int](s, internal.Query{Type: internal.QueryTDBSize}, false)
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return read[db.DatabaseInfo](
		s,
		internal.Query{
			Type: internal.QueryTGetDBInfo,
		},
		true, // Note: allow for stale reads
	)
}

func (s *storeImpl) BlockedClients() int {
	return s.notifier.Blocked()
}

// --------------------------------------------------------------------------
// Hash
// --------------------------------------------------------------------------

func (s *storeImpl) HSet(key string, pairs []db.FieldValue) (int, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTHSet, Key: key, Pairs: pairs})
	return int(res.Int), err
}

func (s *storeImpl) HSetNX(key, field string, value []byte) (bool, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTHSetNX, Key: key, Fields: []string{field}, Value: value})
	return res.Bool, err
}

func (s *storeImpl) HGet(key, field string) ([]byte, bool, error) {
	res, err := read[internal.HGetResult](s, internal.Query{Type: internal.QueryTHGet, Key: key, Fields: []string{field}}, false)
	return res.Value, res.Ok, err
}

func (s *storeImpl) HMGet(key string, fields []string) ([]store.OptionalValue, error) {
	return read[[]store.OptionalValue](s, internal.Query{Type: internal.QueryTHMGet, Key: key, Fields: fields}, false)
}

func (s *storeImpl) HDel(key string, fields []string) (int, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTHDel, Key: key, Fields: fields})
	return int(res.Int), err
}

func (s *storeImpl) HExists(key, field string) (bool, error) {
	return read[bool](s, internal.Query{Type: internal.QueryTHExists, Key: key, Fields: []string{field}}, false)
}

func (s *storeImpl) HLen(key string) (int, error) {
	return read[int](s, internal.Query{Type: internal.QueryTHLen, Key: key}, false)
}

func (s *storeImpl) HStrLen(key, field string) (int, error) {
	return read[int](s, internal.Query{Type: internal.QueryTHStrLen, Key: key, Fields: []string{field}}, false)
}

func (s *storeImpl) HIncrBy(key, field string, delta int64) (int64, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTHIncrBy, Key: key, Fields: []string{field}, Int: delta})
	return res.Int, err
}

func (s *storeImpl) HIncrByFloat(key, field string, delta float64) (float64, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTHIncrByFloat, Key: key, Fields: []string{field}, Float: delta})
	return res.Float, err
}

func (s *storeImpl) HGetAll(key string) ([]db.FieldValue, error) {
	return read[[]db.FieldValue](s, internal.Query{Type: internal.QueryTHGetAll, Key: key}, false)
}

func (s *storeImpl) HKeys(key string) ([]string, error) {
	return read[[]string](s, internal.Query{Type: internal.QueryTHKeys, Key: key}, false)
}

func (s *storeImpl) HVals(key string) ([][]byte, error) {
	return read[[][]byte](s, internal.Query{Type: internal.QueryTHVals, Key: key}, false)
}

func (s *storeImpl) HScan(key string, cursor uint64, match string, count int) (uint64, []db.FieldValue, error) {
	res, err := read[internal.ScanResult](s, internal.Query{Type: internal.QueryTHScan, Key: key, Cursor: cursor, Match: match, Count: count}, false)
	return res.Cursor, res.Pairs, err
}

// --------------------------------------------------------------------------
// Stream
// --------------------------------------------------------------------------

func (s *storeImpl) XAdd(key string, args store.XAddArgs) (stream.ID, bool, error) {
	res, err := s.write(internal.Command{
		Type:  internal.CommandTXAdd,
		Key:   key,
		AddID: args.ID,
		Pairs: args.Fields,
		Flag:  args.NoMkStream,
		Trim:  args.Trim,
	})
	return res.ID, res.Bool, err
}

func (s *storeImpl) XLen(key string) (int, error) {
	return read[int](s, internal.Query{Type: internal.QueryTXLen, Key: key}, false)
}

func (s *storeImpl) XRange(key string, lo, hi stream.ID, count int) ([]stream.Entry, error) {
	return read[[]stream.Entry](s, internal.Query{Type: internal.QueryTXRange, Key: key, Lo: lo, Hi: hi, Count: count}, false)
}

func (s *storeImpl) XRevRange(key string, hi, lo stream.ID, count int) ([]stream.Entry, error) {
	return read[[]stream.Entry](s, internal.Query{Type: internal.QueryTXRevRange, Key: key, Lo: lo, Hi: hi, Count: count}, false)
}

func (s *storeImpl) XDel(key string, ids []stream.ID) (int, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTXDel, Key: key, IDs: ids})
	return int(res.Int), err
}

func (s *storeImpl) XTrim(key string, opts stream.TrimOptions) (int, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTXTrim, Key: key, Trim: opts})
	return int(res.Int), err
}

func (s *storeImpl) XRead(ctx context.Context, args store.XReadArgs) ([]store.StreamEntries, error) {
	after, err := read[[]stream.ID](s, internal.Query{Type: internal.QueryTXResolve, Keys: args.Keys, IDs: args.IDs}, false)
	if err != nil {
		return nil, err
	}
	q := internal.Query{Type: internal.QueryTXRead, Keys: args.Keys, After: after, Count: args.Count}
	return store.BlockingRead(ctx, s.notifier, args.Keys, args.Block, func() ([]store.StreamEntries, bool, error) {
		res, err := read[[]store.StreamEntries](s, q, false)
		return res, len(res) > 0, err
	})
}

// XReadGroup is proposed to the log since delivering entries changes the pending lists.
// A blocked read proposes one command per attempt.
func (s *storeImpl) XReadGroup(ctx context.Context, args store.XReadGroupArgs) ([]store.StreamEntries, error) {
	block := args.Block
	if !ops.OnlyNewEntries(args.IDs) {
		block = store.NoBlock
	}
	cmd := internal.Command{
		Type:     internal.CommandTXReadGroup,
		Group:    args.Group,
		Consumer: args.Consumer,
		Keys:     args.Keys,
		Offsets:  args.IDs,
		Count:    args.Count,
		Flag:     args.NoAck,
	}
	return store.BlockingRead(ctx, s.notifier, args.Keys, block, func() ([]store.StreamEntries, bool, error) {
		res, err := s.write(cmd)
		return res.Streams, len(res.Streams) > 0, err
	})
}

func (s *storeImpl) XAck(key, group string, ids []stream.ID) (int, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTXAck, Key: key, Group: group, IDs: ids})
	return int(res.Int), err
}

func (s *storeImpl) XClaim(key, group, consumer string, minIdle time.Duration, ids []stream.ID, opts stream.ClaimOptions) ([]stream.Entry, error) {
	res, err := s.write(internal.Command{
		Type:     internal.CommandTXClaim,
		Key:      key,
		Group:    group,
		Consumer: consumer,
		Int:      minIdle.Milliseconds(),
		IDs:      ids,
		Claim:    opts,
	})
	return res.Entries, err
}

func (s *storeImpl) XPending(key, group string) (stream.PendingSummary, error) {
	return read[stream.PendingSummary](s, internal.Query{Type: internal.QueryTXPending, Key: key, Group: group}, false)
}

func (s *storeImpl) XPendingRange(key, group string, q stream.PendingQuery) ([]stream.PendingInfo, error) {
	return read[[]stream.PendingInfo](s, internal.Query{Type: internal.QueryTXPendingRange, Key: key, Group: group, Pending: q}, false)
}

func (s *storeImpl) XGroupCreate(key, group, id string, mkStream bool) error {
	_, err := s.write(internal.Command{Type: internal.CommandTXGroupCreate, Key: key, Group: group, Target: id, Flag: mkStream})
	return err
}

func (s *storeImpl) XGroupDestroy(key, group string) (bool, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTXGroupDestroy, Key: key, Group: group})
	return res.Bool, err
}

func (s *storeImpl) XGroupSetID(key, group, id string) error {
	_, err := s.write(internal.Command{Type: internal.CommandTXGroupSetID, Key: key, Group: group, Target: id})
	return err
}

func (s *storeImpl) XGroupCreateConsumer(key, group, consumer string) (bool, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTXGroupCreateConsumer, Key: key, Group: group, Consumer: consumer})
	return res.Bool, err
}

func (s *storeImpl) XGroupDelConsumer(key, group, consumer string) (int, error) {
	res, err := s.write(internal.Command{Type: internal.CommandTXGroupDelConsumer, Key: key, Group: group, Consumer: consumer})
	return int(res.Int), err
}

func (s *storeImpl) XInfoStream(key string) (stream.Info, error) {
	return read[stream.Info](s, internal.Query{Type: internal.QueryTXInfoStream, Key: key}, false)
}

func (s *storeImpl) XInfoGroups(key string) ([]stream.GroupInfo, error) {
	return read[[]stream.GroupInfo](s, internal.Query{Type: internal.QueryTXInfoGroups, Key: key}, false)
}

func (s *storeImpl) XInfoConsumers(key, group string) ([]stream.ConsumerInfo, error) {
	return read[[]stream.ConsumerInfo](s, internal.Query{Type: internal.QueryTXInfoConsumers, Key: key, Group: group}, false)
}
