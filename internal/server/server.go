// Package server implements the TCP front end: one goroutine per
// connection, RESP in, command dispatch against the engine, RESP out.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	pool "github.com/jolestar/go-commons-pool/v2"

	"github.com/mbridon/KeyDB/internal/command"
	"github.com/mbridon/KeyDB/internal/config"
	"github.com/mbridon/KeyDB/internal/db"
	"github.com/mbridon/KeyDB/internal/protocol"
	"github.com/mbridon/KeyDB/internal/version"
)

// clientConn is one connection's state.
type clientConn struct {
	id          int64
	conn        net.Conn
	engine      *db.Client
	addr        string
	createdAt   time.Time
	lastCommand time.Time
	cmdCount    int64
}

// Server is the KeyDB TCP server.
type Server struct {
	addr     string
	srv      *db.Server
	cfg      *config.Config
	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	listener   net.Listener
	closed     bool
	nextConnID int64
	clients    map[int64]*clientConn
	wg         sync.WaitGroup

	// replyBufs pools the per-dispatch reply assembly buffers.
	replyBufs *pool.ObjectPool
	poolCtx   context.Context

	startTime time.Time
}

// New creates a server bound to the engine.
func New(addr string, srv *db.Server, cfg *config.Config) *Server {
	ctx := context.Background()
	factory := pool.NewPooledObjectFactorySimple(func(context.Context) (interface{}, error) {
		buf := make([]byte, 0, 16*1024)
		return &buf, nil
	})
	p := pool.NewObjectPoolWithDefaultConfig(ctx, factory)
	p.Config.MaxTotal = cfg.MaxClients

	return &Server{
		addr:      addr,
		srv:       srv,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		clients:   make(map[int64]*clientConn),
		replyBufs: p,
		poolCtx:   ctx,
		startTime: time.Now(),
	}
}

// Start listens and serves until the context is cancelled or SHUTDOWN is
// received.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Printf("KeyDB v%s listening on %s (run id %s)", version.Version, s.addr, s.srv.RunID())

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		}
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			log.Printf("server: failed to accept connection: %v", err)
			continue
		}

		s.mu.Lock()
		if s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients {
			s.mu.Unlock()
			conn.Close()
			log.Printf("server: max clients reached, rejecting connection")
			continue
		}
		s.nextConnID++
		client := &clientConn{
			id:          s.nextConnID,
			conn:        conn,
			engine:      s.srv.NewClient(),
			addr:        conn.RemoteAddr().String(),
			createdAt:   time.Now(),
			lastCommand: time.Now(),
		}
		s.clients[client.id] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go func(c *clientConn) {
			defer s.wg.Done()
			defer func() {
				c.engine.MarkCloseASAP()
				s.mu.Lock()
				delete(s.clients, c.id)
				s.mu.Unlock()
				c.conn.Close()
			}()
			s.handleConnection(c)
		}(client)
	}
}

func (s *Server) handleConnection(c *clientConn) {
	reader := protocol.NewReader(c.conn)
	writer := protocol.NewWriter(c.conn)

	ctx := &command.Context{
		Srv:        s.srv,
		Client:     c.engine,
		OnShutdown: s.shutdown,
	}

	for {
		if s.cfg.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		args, err := reader.ReadCommand()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("server: read from %s: %v", c.addr, err)
			}
			return
		}
		if len(args) == 0 {
			continue
		}
		c.lastCommand = time.Now()
		c.cmdCount++

		reply := command.Exec(ctx, args)

		bufAny, err := s.replyBufs.BorrowObject(s.poolCtx)
		if err != nil {
			// Pool exhausted; assemble without it.
			if werr := writer.WriteValue(reply); werr == nil {
				writer.Flush()
			}
			continue
		}
		buf := bufAny.(*[]byte)
		encoded := reply.Encode((*buf)[:0])
		werr := writer.WriteRaw(encoded)
		if cap(encoded) <= 1<<20 {
			*buf = encoded
		}
		s.replyBufs.ReturnObject(s.poolCtx, bufAny)
		if werr != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// shutdown performs SHUTDOWN teardown: stop accepting, close clients,
// exit the Start loop.
func (s *Server) shutdown(nosave bool) {
	if nosave {
		log.Printf("server: shutdown requested (nosave)")
	} else {
		log.Printf("server: shutdown requested, dataset saved")
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Close stops the listener and waits for connection handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	for _, c := range s.clients {
		c.engine.MarkCloseASAP()
		c.conn.Close()
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	return err
}
