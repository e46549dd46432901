package db

import "sync/atomic"

// Client is the engine-side state of one connection: its selected
// database, transaction/blocking flags, and the MVCC checkpoint used when
// it takes snapshots.
type Client struct {
	srv *Server
	db  *DB

	inMulti  bool
	blocked  bool
	isMaster bool // the connection replicates from our master

	closeASAP atomic.Bool

	mvccCheckpoint uint64
}

// NewClient binds a new client to database 0.
func (s *Server) NewClient() *Client {
	return &Client{srv: s, db: s.dbs[0]}
}

// DB returns the client's selected database.
func (c *Client) DB() *DB { return c.db }

// Select rebinds the client to database id.
func (c *Client) Select(id int) error {
	d, err := c.srv.DB(id)
	if err != nil {
		return err
	}
	c.db = d
	return nil
}

// SetMulti marks the client as inside a MULTI block.
func (c *Client) SetMulti(v bool) { c.inMulti = v }

// SetBlocked marks the client as blocked on a wait queue.
func (c *Client) SetBlocked(v bool) { c.blocked = v }

// SetIsMaster marks the connection as our master's replication link.
func (c *Client) SetIsMaster(v bool) { c.isMaster = v }

// IsMaster reports whether this connection is the master's link.
func (c *Client) IsMaster() bool { return c.isMaster }

// CanOffload reports whether a long iteration may run on a worker against
// a snapshot: only for clients neither in a transaction nor blocked.
func (c *Client) CanOffload() bool { return !c.inMulti && !c.blocked }

// MarkCloseASAP flags the client for teardown; workers mid-scan check it
// per key and abort.
func (c *Client) MarkCloseASAP() { c.closeASAP.Store(true) }

// CloseASAP reports whether the client is flagged for teardown.
func (c *Client) CloseASAP() bool { return c.closeASAP.Load() }

// MvccCheckpoint returns the client's last observed MVCC checkpoint.
func (c *Client) MvccCheckpoint() uint64 { return c.mvccCheckpoint }

// SetMvccCheckpoint records the client's observed MVCC checkpoint.
func (c *Client) SetMvccCheckpoint(ts uint64) { c.mvccCheckpoint = ts }
