package dstore

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/store/dstore/internal"
	"github.com/ValentinKolb/skv/lib/store/ops"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// notifiers holds one key notifier per shard. State machines of a shard wake
// the readers blocked on the stores of the same shard in this process.
var notifiers = xsync.NewMapOf[uint64, *store.KeyNotifier]()

func notifierFor(shardID uint64) *store.KeyNotifier {
	n, _ := notifiers.LoadOrCompute(shardID, store.NewKeyNotifier)
	return n
}

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// KVStateMachine is a state machine implementation for Dragonboat RAFT
type KVStateMachine struct {
	replicaID uint64
	shardID   uint64
	database  db.KVDB // the actual dataStorage
	engine    *ops.Engine
	notifier  *store.KeyNotifier
}

// CreateStateMaschineFactory returns a function that can be used by dragonboat to create a new state machine for a node host
// The factory pattern is used to enable the caller to pass an interchangeable dbFactory
func CreateStateMaschineFactory(dbFactory store.DBFactory) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		database := dbFactory()
		return &KVStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			database:  database,
			engine:    ops.New(database),
			notifier:  notifierFor(shardID),
		}
	}
}

// Lookup handles read-only queries by mapping each Query to the corresponding engine method.
// The result type of every query is documented on the calling store method.
func (fsm *KVStateMachine) Lookup(itf interface{}) (interface{}, error) {

	// try to parse Query into Query struct
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	e := fsm.engine
	switch q.Type {
	case internal.QueryTHGet:
		v, ok, err := e.HGet(q.Key, q.Fields[0])
		return internal.HGetResult{Value: v, Ok: ok}, err
	case internal.QueryTHMGet:
		return e.HMGet(q.Key, q.Fields)
	case internal.QueryTHExists:
		return e.HExists(q.Key, q.Fields[0])
	case internal.QueryTHLen:
		return e.HLen(q.Key)
	case internal.QueryTHStrLen:
		return e.HStrLen(q.Key, q.Fields[0])
	case internal.QueryTHGetAll:
		return e.HGetAll(q.Key)
	case internal.QueryTHKeys:
		return e.HKeys(q.Key)
	case internal.QueryTHVals:
		return e.HVals(q.Key)
	case internal.QueryTHScan:
		next, pairs, err := e.HScan(q.Key, q.Cursor, q.Match, q.Count)
		return internal.ScanResult{Cursor: next, Pairs: pairs}, err
	case internal.QueryTXLen:
		return e.XLen(q.Key)
	case internal.QueryTXRange:
		return e.XRange(q.Key, q.Lo, q.Hi, q.Count)
	case internal.QueryTXRevRange:
		return e.XRevRange(q.Key, q.Hi, q.Lo, q.Count)
	case internal.QueryTXResolve:
		return e.XResolveLastIDs(q.Keys, q.IDs)
	case internal.QueryTXRead:
		return e.XRead(q.Keys, q.After, q.Count)
	case internal.QueryTXPending:
		return e.XPending(q.Key, q.Group)
	case internal.QueryTXPendingRange:
		return e.XPendingRange(q.Key, q.Group, q.Pending, q.Now)
	case internal.QueryTXInfoStream:
		return e.XInfoStream(q.Key)
	case internal.QueryTXInfoGroups:
		return e.XInfoGroups(q.Key)
	case internal.QueryTXInfoConsumers:
		return e.XInfoConsumers(q.Key, q.Group, q.Now)
	case internal.QueryTExists:
		return e.Exists(q.Keys), nil
	case internal.QueryTType:
		return e.Type(q.Key), nil
	case internal.QueryTTTL:
		return e.TTL(q.Key, q.Now), nil
	case internal.QueryTDBSize:
		return e.DBSize(), nil
	case internal.QueryTGetDBInfo:
		return e.GetInfo(), nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update handles write commands on the KVDB instance
// All write operations are serialized into []byte and are accessible via the entries struct
func (fsm *KVStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {

	// Nothing to do
	if len(entries) == 0 {
		return entries, nil
	}

	// Stats
	start := time.Now()
	var wake []string

	for idx, e := range entries {
		// Deserialize the command
		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = failed(store.NewError(store.RetCInternalError, fmt.Sprintf("failed to deserialize command: %v", err)))
			continue
		}

		// Check if the db supports the operation
		feat, err := cmd.Type.ToDBFeature()
		if err != nil {
			entries[idx].Result = failed(store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Command operation: %s", cmd.Type)))
			continue
		}
		if !fsm.database.SupportsFeature(feat) {
			entries[idx].Result = failed(store.NewError(store.RetCUnsupportedOperation, fmt.Sprintf("%s operation is not supported", cmd.Type)))
			continue
		}

		res, keys, err := fsm.apply(&cmd)
		if err != nil {
			entries[idx].Result = failed(err)
			continue
		}
		wake = append(wake, keys...)

		data, err := res.Serialize()
		if err != nil {
			entries[idx].Result = failed(store.NewError(store.RetCInternalError, err.Error()))
			continue
		}
		entries[idx].Result = sm.Result{Value: uint64(store.RetCSuccess), Data: data}
	}

	for _, key := range wake {
		fsm.notifier.Notify(key)
	}

	// Log if the update took long
	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms:", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// failed turns an error into a raft result: the code goes into Value, the message into Data
func failed(err error) sm.Result {
	var se *store.Error
	if !errors.As(err, &se) {
		se = store.NewError(store.RetCInternalError, err.Error())
	}
	return sm.Result{Value: uint64(se.Code), Data: []byte(se.Msg)}
}

// apply executes one command. It returns the keys whose blocked readers must be woken.
func (fsm *KVStateMachine) apply(cmd *internal.Command) (res internal.Result, wake []string, err error) {
	e, now := fsm.engine, cmd.Now
	var n int

	switch cmd.Type {
	case internal.CommandTHSet:
		n, err = e.HSet(cmd.Key, cmd.Pairs, now)
		res.Int = int64(n)
	case internal.CommandTHSetNX:
		res.Bool, err = e.HSetNX(cmd.Key, cmd.Fields[0], cmd.Value, now)
	case internal.CommandTHDel:
		n, err = e.HDel(cmd.Key, cmd.Fields, now)
		res.Int = int64(n)
	case internal.CommandTHIncrBy:
		res.Int, err = e.HIncrBy(cmd.Key, cmd.Fields[0], cmd.Int, now)
	case internal.CommandTHIncrByFloat:
		res.Float, err = e.HIncrByFloat(cmd.Key, cmd.Fields[0], cmd.Float, now)

	case internal.CommandTXAdd:
		res.ID, res.Bool, err = e.XAdd(cmd.Key, store.XAddArgs{ID: cmd.AddID, Fields: cmd.Pairs, NoMkStream: cmd.Flag, Trim: cmd.Trim}, now)
		if res.Bool {
			wake = []string{cmd.Key}
		}
	case internal.CommandTXDel:
		n, err = e.XDel(cmd.Key, cmd.IDs, now)
		res.Int = int64(n)
	case internal.CommandTXTrim:
		n, err = e.XTrim(cmd.Key, cmd.Trim, now)
		res.Int = int64(n)
	case internal.CommandTXReadGroup:
		res.Streams, err = e.XReadGroup(store.XReadGroupArgs{
			Group:    cmd.Group,
			Consumer: cmd.Consumer,
			Keys:     cmd.Keys,
			IDs:      cmd.Offsets,
			Count:    cmd.Count,
			NoAck:    cmd.Flag,
		}, now)
	case internal.CommandTXAck:
		n, err = e.XAck(cmd.Key, cmd.Group, cmd.IDs, now)
		res.Int = int64(n)
	case internal.CommandTXClaim:
		res.Entries, err = e.XClaim(cmd.Key, cmd.Group, cmd.Consumer, uint64(max(cmd.Int, 0)), cmd.IDs, cmd.Claim, now)
	case internal.CommandTXGroupCreate:
		err = e.XGroupCreate(cmd.Key, cmd.Group, cmd.Target, cmd.Flag, now)
	case internal.CommandTXGroupDestroy:
		res.Bool, err = e.XGroupDestroy(cmd.Key, cmd.Group, now)
		if res.Bool {
			wake = []string{cmd.Key}
		}
	case internal.CommandTXGroupSetID:
		if err = e.XGroupSetID(cmd.Key, cmd.Group, cmd.Target, now); err == nil {
			wake = []string{cmd.Key}
		}
	case internal.CommandTXGroupCreateConsumer:
		res.Bool, err = e.XGroupCreateConsumer(cmd.Key, cmd.Group, cmd.Consumer, now)
	case internal.CommandTXGroupDelConsumer:
		n, err = e.XGroupDelConsumer(cmd.Key, cmd.Group, cmd.Consumer, now)
		res.Int = int64(n)

	case internal.CommandTDelete:
		res.Int = int64(e.Delete(cmd.Keys, now))
		wake = cmd.Keys
	case internal.CommandTExpire:
		res.Bool = e.Expire(cmd.Key, cmd.Int, now)
		if res.Bool && cmd.Int <= 0 {
			wake = []string{cmd.Key}
		}
	default:
		err = store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Command operation: %s", cmd.Type))
	}
	return res, wake, err
}

// PrepareSnapshot is not used. We don't need to prepare anything since we use fuzzy snapshotting
func (fsm *KVStateMachine) PrepareSnapshot() (interface{}, error) {
	return nil, nil
}

// SaveSnapshot saves a fuzzy db snapshot to the writer
func (fsm *KVStateMachine) SaveSnapshot(_ interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	if !fsm.database.SupportsFeature(db.FeatureSave) {
		return fmt.Errorf("the used KVDB implementation does not support Save() operations")
	}
	return fsm.database.Save(writer)
}

// RecoverFromSnapshot replaces the database with the snapshot read from r.
func (fsm *KVStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	if !fsm.database.SupportsFeature(db.FeatureLoad) {
		return fmt.Errorf("the used KVDB implementation does not support Load() operations")
	}
	return fsm.database.Load(r)
}

// Close performs any necessary cleanup.
func (fsm *KVStateMachine) Close() error {
	return fsm.database.Close()
}
