package dstore

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/db/engines/maple"
	"github.com/ValentinKolb/skv/lib/store"
	storetesting "github.com/ValentinKolb/skv/lib/store/testing"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/config"
	"github.com/stretchr/testify/require"
)

// freeAddr returns a local address that is free at the time of the call
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// newNodeHost starts a single node RAFT host in a temporary directory
func newNodeHost(t *testing.T) (*dragonboat.NodeHost, string) {
	t.Helper()
	dir := t.TempDir()
	addr := freeAddr(t)
	nh, err := dragonboat.NewNodeHost(config.NodeHostConfig{
		WALDir:         dir,
		NodeHostDir:    dir,
		RTTMillisecond: 5,
		RaftAddress:    addr,
	})
	require.NoError(t, err)
	t.Cleanup(nh.Close)
	return nh, addr
}

// startShard starts a one replica shard and waits until it has a leader
func startShard(t *testing.T, nh *dragonboat.NodeHost, addr string, shardID uint64) store.IStore {
	t.Helper()
	factory := func() db.KVDB {
		return maple.NewMapleDB(&maple.DBOptions{NumShards: 4, GCInterval: 5 * time.Millisecond})
	}
	err := nh.StartConcurrentReplica(map[uint64]string{1: addr}, false, CreateStateMaschineFactory(factory), config.Config{
		ReplicaID:    1,
		ShardID:      shardID,
		ElectionRTT:  10,
		HeartbeatRTT: 1,
		CheckQuorum:  true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, ok, err := nh.GetLeaderID(shardID)
		return err == nil && ok
	}, 10*time.Second, 10*time.Millisecond, "shard %d has no leader", shardID)

	return NewDistributedStore(nh, shardID, 5*time.Second)
}

func TestDistributedStore(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a RAFT node host")
	}
	nh, addr := newNodeHost(t)

	// every test case gets its own shard
	var shardID atomic.Uint64
	storetesting.RunStoreTests(t, "DistributedStore", func(t *testing.T) store.IStore {
		return startShard(t, nh, addr, 100+shardID.Add(1))
	})
}
