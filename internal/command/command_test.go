package command

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbridon/KeyDB/internal/aof"
	"github.com/mbridon/KeyDB/internal/config"
	"github.com/mbridon/KeyDB/internal/db"
	"github.com/mbridon/KeyDB/internal/object"
	"github.com/mbridon/KeyDB/internal/protocol"
)

func testContext(t *testing.T, mutate ...func(*config.Config)) *Context {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	for _, fn := range mutate {
		fn(cfg)
	}
	s, err := db.NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &Context{Srv: s, Client: s.NewClient()}
}

func run(ctx *Context, line string) protocol.Value {
	fields := strings.Fields(line)
	args := make([][]byte, len(fields))
	for i, f := range fields {
		args[i] = []byte(f)
	}
	return Exec(ctx, args)
}

func assertOK(t *testing.T, v protocol.Value) {
	t.Helper()
	require.Equal(t, byte(protocol.TypeSimpleString), v.Type, "reply: %s", v.Str)
	assert.Equal(t, "OK", string(v.Str))
}

func assertInt(t *testing.T, v protocol.Value, want int64) {
	t.Helper()
	require.Equal(t, byte(protocol.TypeInteger), v.Type, "reply: %s", v.Str)
	assert.Equal(t, want, v.Num)
}

func assertNull(t *testing.T, v protocol.Value) {
	t.Helper()
	assert.True(t, v.Null, "expected null, got %+v", v)
}

func arrayKeys(t *testing.T, v protocol.Value) []string {
	t.Helper()
	require.Equal(t, byte(protocol.TypeArray), v.Type)
	out := make([]string, len(v.Array))
	for i, item := range v.Array {
		out[i] = string(item.Str)
	}
	return out
}

func drain(ch <-chan aof.Record) []aof.Record {
	var out []aof.Record
	for {
		select {
		case rec := <-ch:
			out = append(out, rec)
		default:
			return out
		}
	}
}

func TestScenario_ExpireToZeroPropagatesDel(t *testing.T) {
	ctx := testContext(t)
	id, feed := ctx.Srv.ReplicaFeed().Subscribe(64)
	defer ctx.Srv.ReplicaFeed().Unsubscribe(id)

	assertOK(t, run(ctx, "SET foo bar"))
	sizeBefore := ctx.Client.DB().Size()

	assertInt(t, run(ctx, "PEXPIRE foo 0"), 1)
	assertNull(t, run(ctx, "GET foo"))

	assert.Equal(t, sizeBefore-1, ctx.Client.DB().Size())

	var sawDel bool
	for _, rec := range drain(feed) {
		if strings.EqualFold(string(rec.Args[0]), "del") && string(rec.Args[1]) == "foo" {
			sawDel = true
		}
	}
	assert.True(t, sawDel, "propagation sink should receive DEL foo")
}

func TestScenario_ScanSeesAllKeys(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "MSET a 1 b 2"))

	reply := run(ctx, "SCAN 0 MATCH * COUNT 100")
	require.Equal(t, byte(protocol.TypeArray), reply.Type)
	require.Len(t, reply.Array, 2)
	assert.Equal(t, "0", string(reply.Array[0].Str))
	assert.ElementsMatch(t, []string{"a", "b"}, arrayKeys(t, reply.Array[1]))
}

func TestScenario_RenameNX(t *testing.T) {
	ctx := testContext(t)

	assertOK(t, run(ctx, "SET k v"))
	// Same source and destination: 0, no error.
	assertInt(t, run(ctx, "RENAMENX k k"), 0)
	// Absent destination: renamed.
	assertInt(t, run(ctx, "RENAMENX k j"), 1)
	assertInt(t, run(ctx, "EXISTS j"), 1)
	assertInt(t, run(ctx, "EXISTS k"), 0)
}

func TestScenario_SelectInClusterMode(t *testing.T) {
	ctx := testContext(t, func(c *config.Config) { c.ClusterEnabled = true })

	reply := run(ctx, "SELECT 1")
	require.True(t, reply.IsError())
	assert.Contains(t, string(reply.Str), "SELECT is not allowed in cluster mode")

	assertOK(t, run(ctx, "SELECT 0"))
}

func TestScenario_SwapDB(t *testing.T) {
	ctx := testContext(t)

	assertOK(t, run(ctx, "MSET x 1 y 2"))
	assertOK(t, run(ctx, "SELECT 1"))
	assertOK(t, run(ctx, "SET z 3"))
	assertOK(t, run(ctx, "SELECT 0"))

	assertOK(t, run(ctx, "SWAPDB 0 1"))
	assertInt(t, run(ctx, "DBSIZE"), 1)
	reply := run(ctx, "GET z")
	assert.Equal(t, "3", string(reply.Str))
}

func TestScenario_SnapshotIteration(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "MSET a 1 b 2"))

	d := ctx.Client.DB()
	ctx.Srv.Lock()
	snap := d.Keyspace().CreateSnapshot(0)
	ctx.Srv.Unlock()

	assertInt(t, run(ctx, "DEL a"), 1)
	assertOK(t, run(ctx, "SET c 3"))

	// The snapshot still includes the deleted key and excludes the new
	// one.
	seen := map[string]bool{}
	snap.IterateThreadsafe(func(key string, _ *object.Object) bool {
		seen[key] = true
		return true
	})
	assert.True(t, seen["a"])
	assert.False(t, seen["c"])

	ctx.Srv.Lock()
	d.Keyspace().EndSnapshot(snap)
	ctx.Srv.Unlock()

	keys := arrayKeys(t, run(ctx, "KEYS *"))
	assert.ElementsMatch(t, []string{"b", "c"}, keys)
}

func TestCommand_DelAndUnlink(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "MSET a 1 b 2 c 3"))

	assertInt(t, run(ctx, "DEL a b missing"), 2)
	assertInt(t, run(ctx, "UNLINK c missing"), 1)
	assertInt(t, run(ctx, "DBSIZE"), 0)
}

func TestCommand_DelOfExpiredKeyCountsZero(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "SET k v"))
	d := ctx.Client.DB()
	ctx.Srv.Lock()
	d.SetExpire(ctx.Client, "k", "", time.Now().Add(-time.Second).UnixMilli())
	ctx.Srv.Unlock()

	// The expiry gate runs first, so nothing remains to delete.
	assertInt(t, run(ctx, "DEL k"), 0)
}

func TestCommand_TypeAndExists(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "SET s v"))
	assertInt(t, run(ctx, "LPUSH l a"), 1)
	assertInt(t, run(ctx, "SADD st m"), 1)
	assertInt(t, run(ctx, "HSET h f v"), 1)
	assertInt(t, run(ctx, "ZADD z 1 m"), 1)

	for key, want := range map[string]string{
		"s": "string", "l": "list", "st": "set", "h": "hash", "z": "zset", "nope": "none",
	} {
		reply := run(ctx, "TYPE "+key)
		assert.Equal(t, want, string(reply.Str), "TYPE %s", key)
	}

	assertInt(t, run(ctx, "EXISTS s l st h z nope"), 5)
}

func TestCommand_RenameCarriesExpire(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "SET src v"))
	assertInt(t, run(ctx, "EXPIRE src 100"), 1)

	assertOK(t, run(ctx, "RENAME src dst"))
	assertInt(t, run(ctx, "EXISTS src"), 0)

	ttl := run(ctx, "TTL dst")
	require.Equal(t, byte(protocol.TypeInteger), ttl.Type)
	assert.InDelta(t, 100, ttl.Num, 2)

	reply := run(ctx, "RENAME ghost other")
	require.True(t, reply.IsError())
	assert.Contains(t, string(reply.Str), "no such key")
}

func TestCommand_Move(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "SET k v"))
	assertInt(t, run(ctx, "EXPIRE k 100"), 1)

	assertInt(t, run(ctx, "MOVE k 1"), 1)
	assertInt(t, run(ctx, "EXISTS k"), 0)

	assertOK(t, run(ctx, "SELECT 1"))
	assertInt(t, run(ctx, "EXISTS k"), 1)
	ttl := run(ctx, "TTL k")
	assert.InDelta(t, 100, ttl.Num, 2)

	// Conflict: target database already holds the key.
	assertOK(t, run(ctx, "SELECT 0"))
	assertOK(t, run(ctx, "SET k other"))
	assertInt(t, run(ctx, "MOVE k 1"), 0)
	assertInt(t, run(ctx, "EXISTS k"), 1)

	// Same database is an explicit error.
	reply := run(ctx, "MOVE k 0")
	require.True(t, reply.IsError())
	assert.Contains(t, string(reply.Str), "source and destination objects are the same")
}

func TestCommand_MoveRejectedInClusterMode(t *testing.T) {
	ctx := testContext(t, func(c *config.Config) { c.ClusterEnabled = true })
	reply := run(ctx, "MOVE k 1")
	require.True(t, reply.IsError())
	assert.Contains(t, string(reply.Str), "MOVE is not allowed in cluster mode")

	reply = run(ctx, "SWAPDB 0 1")
	require.True(t, reply.IsError())
	assert.Contains(t, string(reply.Str), "SWAPDB is not allowed in cluster mode")
}

func TestCommand_FlushDB(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "MSET a 1 b 2"))

	assertOK(t, run(ctx, "FLUSHDB"))
	assertInt(t, run(ctx, "DBSIZE"), 0)

	assertOK(t, run(ctx, "MSET a 1 b 2"))
	assertOK(t, run(ctx, "FLUSHDB ASYNC"))
	assertInt(t, run(ctx, "DBSIZE"), 0)

	reply := run(ctx, "FLUSHDB NOW")
	require.True(t, reply.IsError())
}

func TestCommand_FlushAll(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "SET a 1"))
	assertOK(t, run(ctx, "SELECT 1"))
	assertOK(t, run(ctx, "SET b 2"))

	before := ctx.Srv.LastSave()
	time.Sleep(1100 * time.Millisecond)
	assertOK(t, run(ctx, "FLUSHALL"))

	assertInt(t, run(ctx, "DBSIZE"), 0)
	assertOK(t, run(ctx, "SELECT 0"))
	assertInt(t, run(ctx, "DBSIZE"), 0)
	// FLUSHALL forces an immediate save.
	assert.Greater(t, ctx.Srv.LastSave(), before)
}

func TestCommand_RandomKey(t *testing.T) {
	ctx := testContext(t)
	assertNull(t, run(ctx, "RANDOMKEY"))

	assertOK(t, run(ctx, "SET only v"))
	reply := run(ctx, "RANDOMKEY")
	assert.Equal(t, "only", string(reply.Str))
}

func TestCommand_KeysGlob(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "MSET one 1 two 2 three 3"))

	assert.ElementsMatch(t, []string{"one", "two", "three"}, arrayKeys(t, run(ctx, "KEYS *")))
	assert.ElementsMatch(t, []string{"two", "three"}, arrayKeys(t, run(ctx, "KEYS t*")))
	assert.ElementsMatch(t, []string{"one"}, arrayKeys(t, run(ctx, "KEYS on?")))
	assert.Empty(t, arrayKeys(t, run(ctx, "KEYS nomatch*")))
}

func TestCommand_KeysSkipsExpired(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "MSET live 1 dead 2"))
	d := ctx.Client.DB()
	ctx.Srv.Lock()
	d.SetExpire(ctx.Client, "dead", "", time.Now().Add(-time.Second).UnixMilli())
	ctx.Srv.Unlock()

	assert.ElementsMatch(t, []string{"live"}, arrayKeys(t, run(ctx, "KEYS *")))
}

func TestCommand_ScanFilters(t *testing.T) {
	ctx := testContext(t)
	assertOK(t, run(ctx, "MSET s1 a s2 b"))
	assertInt(t, run(ctx, "LPUSH list1 x"), 1)

	reply := run(ctx, "SCAN 0 COUNT 100 TYPE list")
	require.Equal(t, byte(protocol.TypeArray), reply.Type)
	assert.ElementsMatch(t, []string{"list1"}, arrayKeys(t, reply.Array[1]))

	reply = run(ctx, "SCAN 0 MATCH s* COUNT 100")
	assert.ElementsMatch(t, []string{"s1", "s2"}, arrayKeys(t, reply.Array[1]))

	// Invalid cursors are rejected.
	assert.True(t, run(ctx, "SCAN notanumber").IsError())
	assert.True(t, run(ctx, "SCAN -1").IsError())
	assert.True(t, run(ctx, "SCAN 0 BOGUS").IsError())
}

func TestCommand_ScanFullWalkUnderWrites(t *testing.T) {
	ctx := testContext(t)
	for _, k := range []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8"} {
		assertOK(t, run(ctx, "SET "+k+" v"))
	}

	got := map[string]bool{}
	cursor := "0"
	for i := 0; ; i++ {
		reply := run(ctx, "SCAN "+cursor+" COUNT 2")
		require.Equal(t, byte(protocol.TypeArray), reply.Type)
		for _, k := range arrayKeys(t, reply.Array[1]) {
			got[k] = true
		}
		cursor = string(reply.Array[0].Str)
		if cursor == "0" {
			break
		}
		// Interleave unrelated writes.
		run(ctx, "SET churn"+cursor+" v")
	}
	for _, k := range []string{"w1", "w2", "w3", "w4", "w5", "w6", "w7", "w8"} {
		assert.True(t, got[k], "missing %s", k)
	}
}

func TestCommand_TTLAndPersist(t *testing.T) {
	ctx := testContext(t)
	assertInt(t, run(ctx, "TTL nope"), -2)

	assertOK(t, run(ctx, "SET k v"))
	assertInt(t, run(ctx, "TTL k"), -1)

	assertInt(t, run(ctx, "EXPIRE k 100"), 1)
	ttl := run(ctx, "TTL k")
	assert.InDelta(t, 100, ttl.Num, 2)

	pttl := run(ctx, "PTTL k")
	assert.InDelta(t, 100000, pttl.Num, 2000)

	assertInt(t, run(ctx, "PERSIST k"), 1)
	assertInt(t, run(ctx, "TTL k"), -1)
	assertInt(t, run(ctx, "PERSIST k"), 0)
}

func TestCommand_ExpireMember(t *testing.T) {
	ctx := testContext(t)
	assertInt(t, run(ctx, "HSET h f1 v1 f2 v2"), 2)

	assertInt(t, run(ctx, "EXPIREMEMBER h f1 100"), 1)
	// The whole key survives a subkey deadline.
	assertInt(t, run(ctx, "EXISTS h"), 1)

	// Deleting the field drops its deadline; the entry shrinks back.
	assertInt(t, run(ctx, "EXPIREMEMBER h f2 100"), 1)
	assertInt(t, run(ctx, "HDEL h f1"), 1)
	d := ctx.Client.DB()
	ctx.Srv.Lock()
	e := d.GetExpire("h")
	ctx.Srv.Unlock()
	require.NotNil(t, e)
	for _, sub := range e.Subs() {
		assert.NotEqual(t, "f1", sub.Subkey)
	}

	assertInt(t, run(ctx, "EXPIREMEMBER missing f 100"), 0)
	assert.True(t, run(ctx, "EXPIREMEMBER h f notanint").IsError())
}

func TestCommand_StringOps(t *testing.T) {
	ctx := testContext(t)

	assertInt(t, run(ctx, "APPEND a hello"), 5)
	assertInt(t, run(ctx, "APPEND a world"), 10)
	assert.Equal(t, "helloworld", string(run(ctx, "GET a").Str))
	assertInt(t, run(ctx, "STRLEN a"), 10)

	assertInt(t, run(ctx, "INCR n"), 1)
	assertInt(t, run(ctx, "INCRBY n 9"), 10)
	assertInt(t, run(ctx, "DECR n"), 9)

	// INCR preserves the TTL where SET clears it.
	assertInt(t, run(ctx, "EXPIRE n 100"), 1)
	assertInt(t, run(ctx, "INCR n"), 10)
	ttl := run(ctx, "TTL n")
	assert.InDelta(t, 100, ttl.Num, 2)
	assertOK(t, run(ctx, "SET n 5"))
	assertInt(t, run(ctx, "TTL n"), -1)

	assert.True(t, run(ctx, "INCR a").IsError())

	old := run(ctx, "GETSET n 7")
	assert.Equal(t, "5", string(old.Str))
	assert.Equal(t, "7", string(run(ctx, "GET n").Str))

	// SET options.
	assertNull(t, run(ctx, "SET n v NX"))
	assertOK(t, run(ctx, "SET n v XX"))
	assertNull(t, run(ctx, "SET newkey v XX"))
	assertOK(t, run(ctx, "SET vol v EX 100"))
	ttl = run(ctx, "TTL vol")
	assert.InDelta(t, 100, ttl.Num, 2)
}

func TestCommand_WrongType(t *testing.T) {
	ctx := testContext(t)
	assertInt(t, run(ctx, "LPUSH l a"), 1)

	for _, line := range []string{"GET l", "INCR l", "APPEND l x", "SADD l m", "HSET l f v"} {
		reply := run(ctx, line)
		require.True(t, reply.IsError(), "expected WRONGTYPE for %q", line)
		assert.Contains(t, string(reply.Str), "WRONGTYPE")
	}
}

func TestCommand_UnknownAndArity(t *testing.T) {
	ctx := testContext(t)

	reply := run(ctx, "NOSUCHCMD a b")
	require.True(t, reply.IsError())
	assert.Contains(t, string(reply.Str), "unknown command")

	reply = run(ctx, "GET")
	require.True(t, reply.IsError())
	assert.Contains(t, string(reply.Str), "wrong number of arguments")

	// Extraction-only entries do not dispatch.
	reply = run(ctx, "ZUNIONSTORE dst 1 src")
	require.True(t, reply.IsError())
	assert.Contains(t, string(reply.Str), "unknown command")
}

func TestCommand_WritePropagation(t *testing.T) {
	ctx := testContext(t)
	id, feed := ctx.Srv.ReplicaFeed().Subscribe(64)
	defer ctx.Srv.ReplicaFeed().Unsubscribe(id)

	assertOK(t, run(ctx, "SET k v"))
	// A read never propagates.
	run(ctx, "GET k")
	// A no-op write never propagates.
	run(ctx, "DEL missing")

	recs := drain(feed)
	require.Len(t, recs, 1)
	assert.Equal(t, "SET", string(recs[0].Args[0]))
}

func TestCommand_LastSave(t *testing.T) {
	ctx := testContext(t)
	reply := run(ctx, "LASTSAVE")
	require.Equal(t, byte(protocol.TypeInteger), reply.Type)
	assert.InDelta(t, time.Now().Unix(), reply.Num, 5)
}
