package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/db/engines/maple"
	"github.com/ValentinKolb/skv/lib/store"
	"github.com/ValentinKolb/skv/lib/store/dstore"
	"github.com/ValentinKolb/skv/lib/store/lstore"
	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/ValentinKolb/skv/rpc/transport"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// defaultMaxPending is the read-ahead of a connection if not configured
const defaultMaxPending = 1024

// serverShard is a shard served by the server
type serverShard struct {
	ID    uint64
	Type  common.ServerShardType
	Store store.IStore
}

// Server is the skv command server. It serves the configured shards over one
// transport, every connection selects a shard with SELECT (the lowest shard
// id by default).
type Server struct {
	config    common.ServerConfig
	transport transport.IRPCServerTransport

	shards       *xsync.MapOf[uint64, serverShard]
	defaultShard uint64
	sessions     *xsync.MapOf[int64, *session]
	nextID       atomic.Int64

	nodeHost *dragonboat.NodeHost
	metrics  *serverMetrics
	admin    *http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewRPCServer creates a new server
//
// Usage:
//
//	s := server.NewRPCServer(*config, tcp.NewTCPServerTransport())
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(config common.ServerConfig, t transport.IRPCServerTransport) *Server {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &Server{
		config:    config,
		transport: t,
		shards:    xsync.NewMapOf[uint64, serverShard](),
		sessions:  xsync.NewMapOf[int64, *session](),
	}
	s.metrics = newServerMetrics(s)

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())
	return s
}

// Serve creates the shards, starts the admin endpoint and serves connections
// until Close is called
func (s *Server) Serve() error {
	if err := s.init(); err != nil {
		return err
	}
	if s.config.MetricsEndpoint != "" {
		if err := s.startAdmin(s.config.MetricsEndpoint); err != nil {
			return err
		}
	}
	return s.transport.Listen(s.config)
}

// Addr returns the address the transport listens on (nil before Serve runs)
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// Close stops accepting connections, ends the open ones, saves the local
// shards to the snapshot file and stops the raft node host
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		if s.admin != nil {
			if err := s.admin.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close admin endpoint: %w", err))
			}
		}
		if err := s.saveSnapshots(); err != nil {
			errs = append(errs, err)
		}
		if s.nodeHost != nil {
			s.nodeHost.Close()
		}
		s.closeErr = errors.Join(errs...)
		Logger.Infof("Server stopped")
	})
	return s.closeErr
}

// --------------------------------------------------------------------------
// Shards
// --------------------------------------------------------------------------

func (s *Server) init() error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}

	// Function to create a new database instance
	dbFactory := func() db.KVDB { return maple.NewMapleDB(nil) }

	// Only create the NodeHost if we have remote shards
	if s.config.HasRemoteShard() {
		nh, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
		if err != nil {
			return fmt.Errorf("failed to create node host: %w", err)
		}
		s.nodeHost = nh
	}

	// Configure the timeout for the distributed store
	timeout := time.Duration(s.config.TimeoutSecond) * time.Second

	ids := make([]uint64, 0, len(s.config.Shards))
	for _, shardConfig := range s.config.Shards {
		shard := serverShard{ID: shardConfig.ShardID, Type: shardConfig.Type}

		switch shardConfig.Type {
		case common.ShardTypeLocal:
			shard.Store = lstore.NewLocalStore(dbFactory)
			if err := s.loadSnapshot(shard); err != nil {
				return err
			}
			Logger.Infof("created local store for shard %d", shard.ID)

		case common.ShardTypeRemote:
			// Start Raft for the shard
			if err := s.nodeHost.StartConcurrentReplica(s.config.ClusterMembers, false,
				dstore.CreateStateMaschineFactory(dbFactory), s.config.ToDragonboatConfig(shard.ID)); err != nil {
				return fmt.Errorf("failed to start shard %d: %w", shard.ID, err)
			}
			shard.Store = dstore.NewDistributedStore(s.nodeHost, shard.ID, timeout)
			Logger.Infof("created distributed store for shard %d", shard.ID)

		default:
			return fmt.Errorf("invalid shard type: %s", shardConfig.Type)
		}

		s.shards.Store(shard.ID, shard)
		ids = append(ids, shard.ID)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.defaultShard = ids[0]

	s.transport.RegisterHandler(s.ServeConn)
	Logger.Infof("skv setup completed successfully (default shard %d)", s.defaultShard)
	return nil
}

// shard returns the store of a shard
func (s *Server) shard(id uint64) (store.IStore, bool) {
	shard, ok := s.shards.Load(id)
	return shard.Store, ok
}

// blockedClients returns the number of reads blocked on any shard
func (s *Server) blockedClients() int {
	n := 0
	s.shards.Range(func(_ uint64, shard serverShard) bool {
		n += shard.Store.BlockedClients()
		return true
	})
	return n
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// snapshotPath returns the file of a local shard: "<snapshot file>.<shard id>"
func (s *Server) snapshotPath(id uint64) string {
	return fmt.Sprintf("%s.%d", s.config.SnapshotFile, id)
}

func (s *Server) loadSnapshot(shard serverShard) error {
	p, ok := shard.Store.(store.Persister)
	if s.config.SnapshotFile == "" || !ok {
		return nil
	}
	path := s.snapshotPath(shard.ID)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		Logger.Infof("no snapshot for shard %d at %s", shard.ID, path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open snapshot of shard %d: %w", shard.ID, err)
	}
	defer f.Close()
	if err := p.Load(f); err != nil {
		return fmt.Errorf("load snapshot of shard %d: %w", shard.ID, err)
	}
	Logger.Infof("loaded snapshot of shard %d from %s", shard.ID, path)
	return nil
}

// saveSnapshots writes every local shard to a temporary file and renames it into place
func (s *Server) saveSnapshots() error {
	if s.config.SnapshotFile == "" {
		return nil
	}
	var errs []error
	s.shards.Range(func(id uint64, shard serverShard) bool {
		p, ok := shard.Store.(store.Persister)
		if !ok || shard.Type != common.ShardTypeLocal {
			return true
		}
		if err := writeSnapshot(s.snapshotPath(id), p); err != nil {
			errs = append(errs, fmt.Errorf("save snapshot of shard %d: %w", id, err))
			return true
		}
		Logger.Infof("saved snapshot of shard %d to %s", id, s.snapshotPath(id))
		return true
	})
	return errors.Join(errs...)
}

func writeSnapshot(path string, p store.Persister) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := p.Save(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
