package lstore

import (
	"context"
	"io"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/store/ops"
	"github.com/ValentinKolb/skv/lib/stream"
)

type storeImpl struct {
	db       db.KVDB
	engine   *ops.Engine
	clock    store.Clock
	notifier *store.KeyNotifier
}

// NewLocalStore creates a new local store instance.
// This store implementation is not distributed and only works on a single node.
// Commands are stamped with the wall clock.
func NewLocalStore(factory store.DBFactory) store.IStore {
	return NewLocalStoreWithClock(factory, store.SystemClock{})
}

// NewLocalStoreWithClock creates a local store that takes the command time from clock.
func NewLocalStoreWithClock(factory store.DBFactory, clock store.Clock) store.IStore {
	database := factory()
	return &storeImpl{
		db:       database,
		engine:   ops.New(database),
		clock:    clock,
		notifier: store.NewKeyNotifier(),
	}
}

// now returns the command time and moves the write index of the database
// forward, so reads see keys that expired in the meantime as gone.
func (s *storeImpl) now() uint64 {
	now := s.clock.NowMillis()
	s.db.SetWriteIdx(now)
	return now
}

// require fails with RetCUnsupportedOperation if the database lacks a feature
func (s *storeImpl) require(f db.Feature, op string) error {
	if !s.db.SupportsFeature(f) {
		return store.Errorf(store.RetCUnsupportedOperation, "%s operation is not supported", op)
	}
	return nil
}

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

func (s *storeImpl) Save(w io.Writer) error {
	if err := s.require(db.FeatureSave, "Save"); err != nil {
		return err
	}
	return s.db.Save(w)
}

func (s *storeImpl) Load(r io.Reader) error {
	if err := s.require(db.FeatureLoad, "Load"); err != nil {
		return err
	}
	return s.db.Load(r)
}

// --------------------------------------------------------------------------
// Keyspace (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Delete(keys ...string) (int, error) {
	if err := s.require(db.FeatureDelete, "Delete"); err != nil {
		return 0, err
	}
	n := s.engine.Delete(keys, s.now())
	for _, key := range keys {
		s.notifier.Notify(key)
	}
	return n, nil
}

func (s *storeImpl) Exists(keys ...string) (int, error) {
	s.now()
	return s.engine.Exists(keys), nil
}

func (s *storeImpl) Type(key string) (db.ValueType, error) {
	s.now()
	return s.engine.Type(key), nil
}

func (s *storeImpl) Expire(key string, ttl time.Duration) (bool, error) {
	if err := s.require(db.FeatureExpire, "Expire"); err != nil {
		return false, err
	}
	ok := s.engine.Expire(key, ttl.Milliseconds(), s.now())
	if ok && ttl <= 0 {
		s.notifier.Notify(key)
	}
	return ok, nil
}

func (s *storeImpl) TTL(key string) (int64, error) {
	return s.engine.TTL(key, s.now()), nil
}

func (s *storeImpl) DBSize() (int, error) {
	return s.engine.DBSize(), nil
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.engine.GetInfo(), nil
}

func (s *storeImpl) BlockedClients() int {
	return s.notifier.Blocked()
}

// --------------------------------------------------------------------------
// Hash
// --------------------------------------------------------------------------

func (s *storeImpl) HSet(key string, pairs []db.FieldValue) (int, error) {
	if err := s.require(db.FeatureHash, "HSet"); err != nil {
		return 0, err
	}
	return s.engine.HSet(key, pairs, s.now())
}

func (s *storeImpl) HSetNX(key, field string, value []byte) (bool, error) {
	if err := s.require(db.FeatureHash, "HSetNX"); err != nil {
		return false, err
	}
	return s.engine.HSetNX(key, field, value, s.now())
}

func (s *storeImpl) HGet(key, field string) ([]byte, bool, error) {
	s.now()
	return s.engine.HGet(key, field)
}

func (s *storeImpl) HMGet(key string, fields []string) ([]store.OptionalValue, error) {
	s.now()
	return s.engine.HMGet(key, fields)
}

func (s *storeImpl) HDel(key string, fields []string) (int, error) {
	if err := s.require(db.FeatureHash, "HDel"); err != nil {
		return 0, err
	}
	return s.engine.HDel(key, fields, s.now())
}

func (s *storeImpl) HExists(key, field string) (bool, error) {
	s.now()
	return s.engine.HExists(key, field)
}

func (s *storeImpl) HLen(key string) (int, error) {
	s.now()
	return s.engine.HLen(key)
}

func (s *storeImpl) HStrLen(key, field string) (int, error) {
	s.now()
	return s.engine.HStrLen(key, field)
}

func (s *storeImpl) HIncrBy(key, field string, delta int64) (int64, error) {
	if err := s.require(db.FeatureHash, "HIncrBy"); err != nil {
		return 0, err
	}
	return s.engine.HIncrBy(key, field, delta, s.now())
}

func (s *storeImpl) HIncrByFloat(key, field string, delta float64) (float64, error) {
	if err := s.require(db.FeatureHash, "HIncrByFloat"); err != nil {
		return 0, err
	}
	return s.engine.HIncrByFloat(key, field, delta, s.now())
}

func (s *storeImpl) HGetAll(key string) ([]db.FieldValue, error) {
	s.now()
	return s.engine.HGetAll(key)
}

func (s *storeImpl) HKeys(key string) ([]string, error) {
	s.now()
	return s.engine.HKeys(key)
}

func (s *storeImpl) HVals(key string) ([][]byte, error) {
	s.now()
	return s.engine.HVals(key)
}

func (s *storeImpl) HScan(key string, cursor uint64, match string, count int) (uint64, []db.FieldValue, error) {
	s.now()
	return s.engine.HScan(key, cursor, match, count)
}

// --------------------------------------------------------------------------
// Stream
// --------------------------------------------------------------------------

func (s *storeImpl) XAdd(key string, args store.XAddArgs) (stream.ID, bool, error) {
	if err := s.require(db.FeatureStream, "XAdd"); err != nil {
		return stream.ID{}, false, err
	}
	id, ok, err := s.engine.XAdd(key, args, s.now())
	if ok {
		s.notifier.Notify(key)
	}
	return id, ok, err
}

func (s *storeImpl) XLen(key string) (int, error) {
	s.now()
	return s.engine.XLen(key)
}

func (s *storeImpl) XRange(key string, lo, hi stream.ID, count int) ([]stream.Entry, error) {
	s.now()
	return s.engine.XRange(key, lo, hi, count)
}

func (s *storeImpl) XRevRange(key string, hi, lo stream.ID, count int) ([]stream.Entry, error) {
	s.now()
	return s.engine.XRevRange(key, hi, lo, count)
}

func (s *storeImpl) XDel(key string, ids []stream.ID) (int, error) {
	if err := s.require(db.FeatureStream, "XDel"); err != nil {
		return 0, err
	}
	return s.engine.XDel(key, ids, s.now())
}

func (s *storeImpl) XTrim(key string, opts stream.TrimOptions) (int, error) {
	if err := s.require(db.FeatureStream, "XTrim"); err != nil {
		return 0, err
	}
	return s.engine.XTrim(key, opts, s.now())
}

func (s *storeImpl) XRead(ctx context.Context, args store.XReadArgs) ([]store.StreamEntries, error) {
	s.now()
	// "$" is resolved once, later attempts wait for entries after that id
	after, err := s.engine.XResolveLastIDs(args.Keys, args.IDs)
	if err != nil {
		return nil, err
	}
	return store.BlockingRead(ctx, s.notifier, args.Keys, args.Block, func() ([]store.StreamEntries, bool, error) {
		s.now()
		res, err := s.engine.XRead(args.Keys, after, args.Count)
		return res, len(res) > 0, err
	})
}

func (s *storeImpl) XReadGroup(ctx context.Context, args store.XReadGroupArgs) ([]store.StreamEntries, error) {
	if err := s.require(db.FeatureStream, "XReadGroup"); err != nil {
		return nil, err
	}
	block := args.Block
	if !ops.OnlyNewEntries(args.IDs) {
		block = store.NoBlock
	}
	return store.BlockingRead(ctx, s.notifier, args.Keys, block, func() ([]store.StreamEntries, bool, error) {
		res, err := s.engine.XReadGroup(args, s.now())
		return res, len(res) > 0, err
	})
}

func (s *storeImpl) XAck(key, group string, ids []stream.ID) (int, error) {
	if err := s.require(db.FeatureStream, "XAck"); err != nil {
		return 0, err
	}
	return s.engine.XAck(key, group, ids, s.now())
}

func (s *storeImpl) XClaim(key, group, consumer string, minIdle time.Duration, ids []stream.ID, opts stream.ClaimOptions) ([]stream.Entry, error) {
	if err := s.require(db.FeatureStream, "XClaim"); err != nil {
		return nil, err
	}
	return s.engine.XClaim(key, group, consumer, uint64(max(minIdle.Milliseconds(), 0)), ids, opts, s.now())
}

func (s *storeImpl) XPending(key, group string) (stream.PendingSummary, error) {
	s.now()
	return s.engine.XPending(key, group)
}

func (s *storeImpl) XPendingRange(key, group string, q stream.PendingQuery) ([]stream.PendingInfo, error) {
	return s.engine.XPendingRange(key, group, q, s.now())
}

func (s *storeImpl) XGroupCreate(key, group, id string, mkStream bool) error {
	if err := s.require(db.FeatureStream, "XGroupCreate"); err != nil {
		return err
	}
	return s.engine.XGroupCreate(key, group, id, mkStream, s.now())
}

func (s *storeImpl) XGroupDestroy(key, group string) (bool, error) {
	if err := s.require(db.FeatureStream, "XGroupDestroy"); err != nil {
		return false, err
	}
	destroyed, err := s.engine.XGroupDestroy(key, group, s.now())
	if destroyed {
		s.notifier.Notify(key)
	}
	return destroyed, err
}

func (s *storeImpl) XGroupSetID(key, group, id string) error {
	if err := s.require(db.FeatureStream, "XGroupSetID"); err != nil {
		return err
	}
	if err := s.engine.XGroupSetID(key, group, id, s.now()); err != nil {
		return err
	}
	s.notifier.Notify(key)
	return nil
}

func (s *storeImpl) XGroupCreateConsumer(key, group, consumer string) (bool, error) {
	if err := s.require(db.FeatureStream, "XGroupCreateConsumer"); err != nil {
		return false, err
	}
	return s.engine.XGroupCreateConsumer(key, group, consumer, s.now())
}

func (s *storeImpl) XGroupDelConsumer(key, group, consumer string) (int, error) {
	if err := s.require(db.FeatureStream, "XGroupDelConsumer"); err != nil {
		return 0, err
	}
	return s.engine.XGroupDelConsumer(key, group, consumer, s.now())
}

func (s *storeImpl) XInfoStream(key string) (stream.Info, error) {
	s.now()
	return s.engine.XInfoStream(key)
}

func (s *storeImpl) XInfoGroups(key string) ([]stream.GroupInfo, error) {
	s.now()
	return s.engine.XInfoGroups(key)
}

func (s *storeImpl) XInfoConsumers(key, group string) ([]stream.ConsumerInfo, error) {
	return s.engine.XInfoConsumers(key, group, s.now())
}
