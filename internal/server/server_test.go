package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbridon/KeyDB/internal/config"
	"github.com/mbridon/KeyDB/internal/db"
)

func startServer(t *testing.T) (addr string, teardown func()) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	engine, err := db.NewServer(cfg)
	require.NoError(t, err)

	// Bind first so the test knows the port.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = listener.Addr().String()
	require.NoError(t, listener.Close())

	srv := New(addr, engine, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Start(ctx)
	}()

	// Wait for the listener to come up.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return addr, func() {
		cancel()
		<-done
		engine.Close()
	}
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestServer_SetGetOverTCP(t *testing.T) {
	addr, teardown := startServer(t)
	defer teardown()

	conn, r := dial(t, addr)

	sendLine(t, conn, "SET foo bar")
	assert.Equal(t, "+OK\r\n", readLine(t, r))

	sendLine(t, conn, "GET foo")
	assert.Equal(t, "$3\r\n", readLine(t, r))
	assert.Equal(t, "bar\r\n", readLine(t, r))

	sendLine(t, conn, "GET missing")
	assert.Equal(t, "$-1\r\n", readLine(t, r))

	sendLine(t, conn, "DEL foo")
	assert.Equal(t, ":1\r\n", readLine(t, r))
}

func TestServer_MultiBulkAndErrors(t *testing.T) {
	addr, teardown := startServer(t)
	defer teardown()

	conn, r := dial(t, addr)

	_, err := conn.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", readLine(t, r))

	sendLine(t, conn, "BOGUSCMD")
	line := readLine(t, r)
	assert.Contains(t, line, "unknown command")
}

func TestServer_ClientsSeeEachOther(t *testing.T) {
	addr, teardown := startServer(t)
	defer teardown()

	c1, r1 := dial(t, addr)
	c2, r2 := dial(t, addr)

	sendLine(t, c1, "SET shared 42")
	require.Equal(t, "+OK\r\n", readLine(t, r1))

	sendLine(t, c2, "GET shared")
	assert.Equal(t, "$2\r\n", readLine(t, r2))
	assert.Equal(t, "42\r\n", readLine(t, r2))

	// SELECT isolates databases per client.
	sendLine(t, c2, "SELECT 1")
	require.Equal(t, "+OK\r\n", readLine(t, r2))
	sendLine(t, c2, "GET shared")
	assert.Equal(t, "$-1\r\n", readLine(t, r2))
}
