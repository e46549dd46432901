// Package db implements the logical database layer: the fixed array of
// databases, the key lookup paths with their expiry gate, MVCC merge for
// active replication, lazy freeing, and the database-level operations
// behind SELECT, FLUSHDB/FLUSHALL, SWAPDB and friends.
package db

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pborman/uuid"

	"github.com/mbridon/KeyDB/internal/aof"
	"github.com/mbridon/KeyDB/internal/cluster"
	"github.com/mbridon/KeyDB/internal/config"
	"github.com/mbridon/KeyDB/internal/keyspace"
	"github.com/mbridon/KeyDB/internal/notify"
	"github.com/mbridon/KeyDB/internal/storage"
)

// ErrDBIndexOutOfRange is returned for SELECT/MOVE/SWAPDB targets outside
// the configured database count.
var ErrDBIndexOutOfRange = errors.New("DB index is out of range")

// Server owns the database array and everything shared across databases:
// configuration, the event stream, the propagation sinks, the cluster slot
// index, statistics and the free thread.
//
// The global lock serializes command execution; workers that run purely
// against a snapshot release it and reacquire it to rejoin.
type Server struct {
	mu  sync.Mutex
	cfg *config.Config
	dbs []*DB

	Notify   *notify.Stream
	aofLog   *aof.Log
	replFeed *aof.ReplicaFeed
	slots    *cluster.SlotIndex
	store    *storage.Store
	lazy     *lazyFree

	runID string

	hasMaster bool
	loading   bool
	// luaTimeStart freezes the expiry clock while a script runs, so a key
	// can expire only at the script's start and replication stays
	// deterministic. Zero means no script is running.
	luaTimeStart int64

	// Bookkeeping of keys given expires by clients of a writable replica.
	slaveKeysWithExpire map[string]struct{}

	statHits    atomic.Int64
	statMisses  atomic.Int64
	statExpired atomic.Int64
	dirty       atomic.Int64

	lastSave       atomic.Int64
	saveInProgress bool
	saveCancel     chan struct{}

	// OnKeyReady is invoked when a list/zset/stream key that has blocked
	// waiters becomes available. OnModified is invoked on every keyspace
	// change for WATCH/tracking invalidation. OnFlush is invoked when a
	// database flushes. All may be nil.
	OnKeyReady func(dbid int, key string)
	OnModified func(dbid int, key string)
	OnFlush    func(dbid int)
}

// NewServer builds the database array and its shared services from cfg.
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg.Databases <= 0 {
		return nil, fmt.Errorf("db: invalid database count %d", cfg.Databases)
	}

	s := &Server{
		cfg:                 cfg,
		Notify:              notify.NewStream(0),
		replFeed:            aof.NewReplicaFeed(),
		lazy:                newLazyFree(),
		runID:               uuid.NewRandom().String(),
		slaveKeysWithExpire: make(map[string]struct{}),
	}
	s.lastSave.Store(time.Now().Unix())

	if cfg.ClusterEnabled {
		s.slots = cluster.NewSlotIndex()
	}
	if cfg.StorageBackend {
		st, err := storage.Open(filepath.Join(cfg.DataDir, "storage"), cfg.SyncWrites)
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	if cfg.AppendOnly {
		l, err := aof.Open(filepath.Join(cfg.DataDir, "appendonly.aof"))
		if err != nil {
			return nil, err
		}
		s.aofLog = l
	}

	s.dbs = make([]*DB, cfg.Databases)
	for i := range s.dbs {
		s.dbs[i] = newDB(s, i)
	}
	return s, nil
}

// Lock acquires the global lock. Every externally invoked keyspace
// operation requires it held.
func (s *Server) Lock() { s.mu.Lock() }

// Unlock releases the global lock.
func (s *Server) Unlock() { s.mu.Unlock() }

// Config returns the server configuration.
func (s *Server) Config() *config.Config { return s.cfg }

// RunID returns the unique identifier of this server process.
func (s *Server) RunID() string { return s.runID }

// ReplicaFeed exposes the replica propagation stream.
func (s *Server) ReplicaFeed() *aof.ReplicaFeed { return s.replFeed }

// Slots returns the cluster slot index, or nil when cluster mode is off.
func (s *Server) Slots() *cluster.SlotIndex { return s.slots }

// DB returns the database at index id.
func (s *Server) DB(id int) (*DB, error) {
	if id < 0 || id >= len(s.dbs) {
		return nil, ErrDBIndexOutOfRange
	}
	return s.dbs[id], nil
}

// NumDBs returns the configured database count.
func (s *Server) NumDBs() int { return len(s.dbs) }

// SetMaster records whether this instance replicates from a master.
func (s *Server) SetMaster(has bool) { s.hasMaster = has }

// HasMaster reports whether this instance replicates from a master.
func (s *Server) HasMaster() bool { return s.hasMaster }

// SetLoading marks the RDB/AOF loading phase, during which nothing
// expires: startup is atemporal.
func (s *Server) SetLoading(v bool) { s.loading = v }

// ScriptStarted freezes the expiry clock at t for the duration of a
// script. ScriptEnded unfreezes it.
func (s *Server) ScriptStarted(t time.Time) { s.luaTimeStart = t.UnixMilli() }

// ScriptEnded unfreezes the expiry clock.
func (s *Server) ScriptEnded() { s.luaTimeStart = 0 }

func (s *Server) mstime() int64 {
	return time.Now().UnixMilli()
}

// expireClock is the timestamp the expiry gate compares deadlines against.
func (s *Server) expireClock() int64 {
	if s.luaTimeStart != 0 {
		return s.luaTimeStart
	}
	return s.mstime()
}

// Propagate feeds a command to the AOF and the replica stream, preserving
// the command sequence.
func (s *Server) Propagate(dbid int, args ...[]byte) {
	s.appendAOF(dbid, args)
	s.feedReplicas(dbid, args)
}

func (s *Server) appendAOF(dbid int, args [][]byte) {
	if s.aofLog == nil {
		return
	}
	if err := s.aofLog.Append(aof.Record{DB: dbid, Args: args}); err != nil {
		panic(fmt.Sprintf("db: aof append: %v", err))
	}
}

func (s *Server) feedReplicas(dbid int, args [][]byte) {
	s.replFeed.Feed(aof.Record{DB: dbid, Args: args})
}

// Dirty returns the number of keyspace changes since the last save.
func (s *Server) Dirty() int64 { return s.dirty.Load() }

// AddDirty bumps the change counter.
func (s *Server) AddDirty(n int64) { s.dirty.Add(n) }

// Stats returns the keyspace hit/miss/expired counters.
func (s *Server) Stats() (hits, misses, expired int64) {
	return s.statHits.Load(), s.statMisses.Load(), s.statExpired.Load()
}

// EmptyDB removes all keys from one database, or from every database when
// dbnum is -1. With async the detached tables are dropped on the free
// thread. Returns the number of keys removed.
func (s *Server) EmptyDB(dbnum int, async bool) (int64, error) {
	if dbnum < -1 || dbnum >= len(s.dbs) {
		return 0, ErrDBIndexOutOfRange
	}

	startdb, enddb := dbnum, dbnum
	if dbnum == -1 {
		startdb, enddb = 0, len(s.dbs)-1
	}

	var removed int64
	for i := startdb; i <= enddb; i++ {
		removed += int64(s.dbs[i].clear(async))
	}
	if s.slots != nil {
		s.slots.Flush()
	}
	if dbnum == -1 {
		s.slaveKeysWithExpire = make(map[string]struct{})
	}
	return removed, nil
}

// SwapDatabases exchanges the keyspaces and TTL accounting of two
// databases, leaving the blocked-client and watched-key tables in place so
// clients stay bound to their logical index. Both swapped databases are
// then rescanned for blocked-list waiters.
func (s *Server) SwapDatabases(id1, id2 int) error {
	if id1 < 0 || id1 >= len(s.dbs) || id2 < 0 || id2 >= len(s.dbs) {
		return ErrDBIndexOutOfRange
	}
	if id1 == id2 {
		return nil
	}
	db1, db2 := s.dbs[id1], s.dbs[id2]

	keyspace.Swap(db1.ks, db2.ks)
	db1.avgTTL, db2.avgTTL = db2.avgTTL, db1.avgTTL
	db1.lastExpireSet, db2.lastExpireSet = db2.lastExpireSet, db1.lastExpireSet

	// A client waiting on list X in db1 may be unblockable now that the
	// swap brought a different X in; dbAdd only signals on creation, so
	// rescan both sides.
	db1.scanForReadyLists()
	db2.scanForReadyLists()
	return nil
}

// SignalModified notifies WATCH bookkeeping and client-side caching of a
// keyspace change.
func (s *Server) SignalModified(dbid int, key string) {
	if s.OnModified != nil {
		s.OnModified(dbid, key)
	}
}

func (s *Server) signalModifiedKey(dbid int, key string) {
	s.SignalModified(dbid, key)
}

// SignalFlushed notifies watchers that a whole database (or all of them,
// dbid -1) flushed.
func (s *Server) SignalFlushed(dbid int) {
	if s.OnFlush != nil {
		s.OnFlush(dbid)
	}
}

// Close releases the shared services. Outstanding lazy frees complete
// first.
func (s *Server) Close() error {
	s.lazy.close()
	var err error
	if s.aofLog != nil {
		err = s.aofLog.Close()
	}
	if s.store != nil {
		if cerr := s.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
