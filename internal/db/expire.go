package db

import (
	"github.com/mbridon/KeyDB/internal/keyspace"
	"github.com/mbridon/KeyDB/internal/notify"
)

// SetExpire sets the deadline of (key, subkey) and folds the new remaining
// TTL into the database's moving average. client may be nil when the
// expire originates internally (replication, RENAME carry).
func (db *DB) SetExpire(c *Client, key, subkey string, when int64) {
	db.updateAvgTTL(when)
	db.ks.SetExpire(key, subkey, when)
	db.rememberWritableSlaveExpire(c, key)
}

// SetExpireEntry installs a carried expiry entry under its key.
func (db *DB) SetExpireEntry(c *Client, e *keyspace.ExpireEntry) {
	db.ks.SetExpireEntry(e)
	db.rememberWritableSlaveExpire(c, e.Key())
}

// A writable replica must expire the keys its own clients made volatile,
// since the master knows nothing about them.
func (db *DB) rememberWritableSlaveExpire(c *Client, key string) {
	writableSlave := db.srv.hasMaster && !db.srv.cfg.ReplicaRO
	if c != nil && writableSlave && !c.IsMaster() {
		db.srv.slaveKeysWithExpire[key] = struct{}{}
	}
}

// updateAvgTTL maintains the exponentially weighted TTL average: elapsed
// wall time drains out, one window entry slides out, and the new
// remaining TTL folds in at weight 1/(expireSize+1). Never negative.
func (db *DB) updateAvgTTL(when int64) {
	now := db.srv.mstime()
	db.avgTTL -= float64(now - db.lastExpireSet)
	if size := db.ks.ExpireSize(); size == 0 {
		db.avgTTL = 0
	} else {
		db.avgTTL -= db.avgTTL / float64(size)
	}
	if db.avgTTL < 0 {
		db.avgTTL = 0
	}
	db.avgTTL += float64(when-now) / float64(db.ks.ExpireSize()+1)
	if db.avgTTL < 0 {
		db.avgTTL = 0
	}
	db.lastExpireSet = now
}

// RemoveExpire drops the expiry of key.
func (db *DB) RemoveExpire(key string) bool {
	return db.ks.RemoveExpire(key)
}

// RemoveSubkeyExpire drops one subkey deadline of key.
func (db *DB) RemoveSubkeyExpire(key, subkey string) bool {
	return db.ks.RemoveSubkeyExpire(key, subkey)
}

// GetExpire returns the expiry entry of key, or nil.
func (db *DB) GetExpire(key string) *keyspace.ExpireEntry {
	return db.ks.GetExpire(key)
}

// KeyIsExpired reports whether the whole-key deadline of key has passed.
// Subkey deadlines do not count. Nothing is expired while loading, and a
// running script sees the clock frozen at its start.
func (db *DB) KeyIsExpired(key string) bool {
	e := db.ks.GetExpire(key)
	if e == nil {
		return false
	}
	if db.srv.loading {
		return false
	}
	when := e.When()
	if when == -1 {
		return false
	}
	return db.srv.expireClock() > when
}

// ExpireIfNeeded is the expiration gate every lookup runs through. On a
// master an expired key is evicted here, with the synthesized DEL/UNLINK
// propagated before the eviction so AOF and replica ordering hold. A
// non-active replica never evicts (the master drives that via DELs) but
// still reports the key as logically expired.
func (db *DB) ExpireIfNeeded(key string) bool {
	if !db.KeyIsExpired(key) {
		return false
	}

	if db.srv.hasMaster && !db.srv.cfg.ActiveReplica {
		return true
	}

	db.srv.statExpired.Add(1)
	db.propagateExpire(key, db.srv.cfg.LazyFreeExpire)
	db.srv.Notify.Notify(notify.EventExpired, key, db.id)
	if db.srv.cfg.LazyFreeExpire {
		return db.AsyncDelete(key)
	}
	return db.SyncDelete(key)
}

// propagateExpire feeds the synthesized deletion into the AOF and the
// replication stream. Active replicas expire independently and do not
// forward their own expirations.
func (db *DB) propagateExpire(key string, lazy bool) {
	cmd := []byte("DEL")
	if lazy {
		cmd = []byte("UNLINK")
	}
	rec := [][]byte{cmd, []byte(key)}

	if db.srv.aofLog != nil {
		db.srv.appendAOF(db.id, rec)
	}
	if !db.srv.cfg.ActiveReplica {
		db.srv.feedReplicas(db.id, rec)
	}
}
