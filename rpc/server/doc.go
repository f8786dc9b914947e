// Package server implements the skv command server. It serves the hash,
// stream and keyspace commands of the configured shards over one transport.
//
// Key Components:
//
//   - Server: Created with NewRPCServer. Serve creates the shards, starts the
//     optional admin endpoint and blocks in the transport until Close.
//
//   - Shards: Every shard is a store.IStore, either a local store (lstore) or a
//     RAFT replicated store (dstore) on a dragonboat NodeHost shared by all
//     remote shards. A connection starts on the lowest shard id and switches
//     with SELECT <id>.
//
//   - Connections: Commands of a connection are decoded by one goroutine and
//     executed in order by another, so a client may pipeline requests and
//     receives the replies in request order. Replies are flushed when no
//     further request is queued.
//
//   - Blocking commands: XREAD and XREADGROUP with BLOCK wait inside the store.
//     The wait ends on data, on timeout, when the connection closes or when
//     another connection sends CLIENT UNBLOCK <id>.
//
// Admin Endpoint:
//
//	With MetricsEndpoint set, an HTTP server answers /metrics with the
//	Prometheus text format (per command counters, error counters and latency
//	histograms, open connections, blocked clients and process metrics) and
//	/healthz with "ok".
//
// Snapshots:
//
//	With SnapshotFile set, every local shard is loaded from "<file>.<shard id>"
//	when the server starts and written back when it is closed. Replicated
//	shards rely on the snapshots of RAFT instead.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Shards: []common.ServerShard{
//	    {ShardID: 1, Type: common.ShardTypeLocal},
//	    {ShardID: 2, Type: common.ShardTypeRemote},
//	  },
//	  ReplicaID:      1,
//	  ClusterMembers: map[uint64]string{1: "localhost:63001"},
//	  RTTMillisecond: 100,
//	  DataDir:        "/tmp/skv",
//	  TimeoutSecond:  5,
//	  Transport:      common.ServerTransportConfig{Endpoint: "0.0.0.0:8080"},
//	}
//
//	s := server.NewRPCServer(config, tcp.NewTCPServerTransport())
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
package server
