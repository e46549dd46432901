package command

import (
	"strconv"
	"strings"
	"time"

	"github.com/mbridon/KeyDB/internal/db"
	"github.com/mbridon/KeyDB/internal/keyspace"
	"github.com/mbridon/KeyDB/internal/object"
	"github.com/mbridon/KeyDB/internal/protocol"
)

func init() {
	register(&Command{Name: "scan", Exec: scanCommand, Arity: -2, Flags: FlagReadOnly})
}

// parseScanCursor rejects anything but a plain unsigned decimal.
func parseScanCursor(arg []byte) (uint64, bool) {
	s := string(arg)
	if s == "" || s[0] == ' ' || s[0] == '\t' {
		return 0, false
	}
	cursor, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return cursor, true
}

// scanCommand implements SCAN cursor [MATCH pattern] [COUNT n] [TYPE t].
// Collection happens against the keyspace's hash-ordered index; pattern,
// type and expiry filters apply after collection. COUNT is a hint.
func scanCommand(ctx *Context, args [][]byte) protocol.Value {
	cursor, ok := parseScanCursor(args[1])
	if !ok {
		return protocol.Err("ERR invalid cursor")
	}

	count := 10
	var pattern, typeName string
	usePattern := false

	i := 2
	for i < len(args) {
		remaining := len(args) - i
		opt := strings.ToLower(string(args[i]))
		switch {
		case opt == "count" && remaining >= 2:
			n, err := strconv.Atoi(string(args[i+1]))
			if err != nil || n < 1 {
				return protocol.SyntaxErr()
			}
			count = n
			i += 2
		case opt == "match" && remaining >= 2:
			pattern = string(args[i+1])
			usePattern = pattern != "*"
			i += 2
		case opt == "type" && remaining >= 2:
			typeName = string(args[i+1])
			i += 2
		default:
			return protocol.SyntaxErr()
		}
	}

	d := ctx.Client.DB()
	keys, next := d.Keyspace().Scan(cursor, count)

	filtered := keys[:0]
	for _, key := range keys {
		if usePattern && !globMatch(pattern, key) {
			continue
		}
		if typeName != "" {
			o := d.LookupKeyReadWithFlags(key, db.LookupNoTouch)
			if !strings.EqualFold(typeName, object.TypeName(o)) {
				continue
			}
		}
		if d.ExpireIfNeeded(key) {
			continue
		}
		filtered = append(filtered, key)
	}

	items := make([][]byte, len(filtered))
	for i, key := range filtered {
		items[i] = []byte(key)
	}
	return protocol.Array(
		protocol.BulkString(strconv.FormatUint(next, 10)),
		protocol.BulkArray(items),
	)
}

// keysCommand implements KEYS pattern. When the client is neither in a
// transaction nor blocked, the walk runs against a freshly-taken snapshot
// with the global lock released, so a huge keyspace never stalls the
// command loop; the lock is reacquired to release the snapshot and reply.
func keysCommand(ctx *Context, args [][]byte) protocol.Value {
	pattern := string(args[1])
	d := ctx.Client.DB()

	if !ctx.Client.CanOffload() {
		return keysCore(ctx.Client, d.Keyspace(), pattern, time.Now().UnixMilli())
	}

	snap := d.Keyspace().CreateSnapshot(ctx.Client.MvccCheckpoint())
	ctx.Client.SetBlocked(true)
	now := time.Now().UnixMilli()

	ctx.Srv.Unlock()
	reply := keysCore(ctx.Client, snap, pattern, now)
	ctx.Srv.Lock()

	ctx.Client.SetBlocked(false)
	d.Keyspace().EndSnapshot(snap)
	return reply
}

// keysCore walks one keyspace view collecting keys that match the pattern
// and are not logically expired. It checks the client's close-asap flag
// per key so an abandoned scan stops early.
func keysCore(c *db.Client, view *keyspace.Keyspace, pattern string, now int64) protocol.Value {
	allkeys := pattern == "*"
	var result [][]byte

	view.IterateThreadsafe(func(key string, o *object.Object) bool {
		if allkeys || globMatch(pattern, key) {
			expired := false
			if o.Expires() {
				if e := view.GetExpire(key); e != nil {
					if when := e.When(); when != -1 && now > when {
						expired = true
					}
				}
			}
			if !expired {
				result = append(result, []byte(key))
			}
		}
		return !c.CloseASAP()
	})

	return protocol.BulkArray(result)
}
