package command

import (
	"strconv"

	"github.com/mbridon/KeyDB/internal/db"
	"github.com/mbridon/KeyDB/internal/keyspace"
	"github.com/mbridon/KeyDB/internal/notify"
	"github.com/mbridon/KeyDB/internal/object"
	"github.com/mbridon/KeyDB/internal/protocol"
)

func init() {
	register(&Command{Name: "del", Exec: delCommand, Arity: -2, Flags: FlagWrite, FirstKey: 1, LastKey: -1, KeyStep: 1})
	register(&Command{Name: "unlink", Exec: unlinkCommand, Arity: -2, Flags: FlagWrite, FirstKey: 1, LastKey: -1, KeyStep: 1})
	register(&Command{Name: "exists", Exec: existsCommand, Arity: -2, Flags: FlagReadOnly, FirstKey: 1, LastKey: -1, KeyStep: 1})
	register(&Command{Name: "select", Exec: selectCommand, Arity: 2})
	register(&Command{Name: "randomkey", Exec: randomkeyCommand, Arity: 1, Flags: FlagReadOnly})
	register(&Command{Name: "type", Exec: typeCommand, Arity: 2, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "rename", Exec: renameCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 2, KeyStep: 1})
	register(&Command{Name: "renamenx", Exec: renamenxCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 2, KeyStep: 1})
	register(&Command{Name: "move", Exec: moveCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "dbsize", Exec: dbsizeCommand, Arity: 1, Flags: FlagReadOnly})
	register(&Command{Name: "lastsave", Exec: lastsaveCommand, Arity: 1})
	register(&Command{Name: "shutdown", Exec: shutdownCommand, Arity: -1})
	register(&Command{Name: "flushdb", Exec: flushdbCommand, Arity: -1, Flags: FlagWrite})
	register(&Command{Name: "flushall", Exec: flushallCommand, Arity: -1, Flags: FlagWrite})
	register(&Command{Name: "swapdb", Exec: swapdbCommand, Arity: 3, Flags: FlagWrite})
	register(&Command{Name: "keys", Exec: keysCommand, Arity: 2, Flags: FlagReadOnly})
}

// delGeneric implements DEL and UNLINK: the expiry gate runs first so a
// logically dead key never counts, then the deletion is sync or async.
func delGeneric(ctx *Context, args [][]byte, lazy bool) protocol.Value {
	d := ctx.Client.DB()
	numdel := int64(0)
	for _, arg := range args[1:] {
		key := string(arg)
		d.ExpireIfNeeded(key)
		var deleted bool
		if lazy {
			deleted = d.AsyncDelete(key)
		} else {
			deleted = d.SyncDelete(key)
		}
		if deleted {
			ctx.Srv.SignalModified(d.ID(), key)
			ctx.Srv.Notify.Notify(notify.EventDel, key, d.ID())
			ctx.Srv.AddDirty(1)
			numdel++
		}
	}
	return protocol.Integer(numdel)
}

func delCommand(ctx *Context, args [][]byte) protocol.Value {
	return delGeneric(ctx, args, false)
}

func unlinkCommand(ctx *Context, args [][]byte) protocol.Value {
	return delGeneric(ctx, args, true)
}

func existsCommand(ctx *Context, args [][]byte) protocol.Value {
	d := ctx.Client.DB()
	count := int64(0)
	for _, arg := range args[1:] {
		if d.LookupKeyRead(string(arg)) != nil {
			count++
		}
	}
	return protocol.Integer(count)
}

func selectCommand(ctx *Context, args [][]byte) protocol.Value {
	id, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return protocol.Err("ERR invalid DB index")
	}
	if ctx.Srv.Config().ClusterEnabled && id != 0 {
		return protocol.Err("ERR SELECT is not allowed in cluster mode")
	}
	if err := ctx.Client.Select(id); err != nil {
		return protocol.Err("ERR DB index is out of range")
	}
	return protocol.OK
}

func randomkeyCommand(ctx *Context, args [][]byte) protocol.Value {
	key, ok := ctx.Client.DB().RandomKey()
	if !ok {
		return protocol.Null()
	}
	return protocol.BulkString(key)
}

func typeCommand(ctx *Context, args [][]byte) protocol.Value {
	o := ctx.Client.DB().LookupKeyReadWithFlags(string(args[1]), db.LookupNoTouch)
	return protocol.SimpleString(object.TypeName(o))
}

// renameGeneric implements RENAME and RENAMENX: the source's expiry entry
// is captured whole, the source (and any overwritten target) is deleted,
// and the carried entry is reinstalled at the target.
func renameGeneric(ctx *Context, args [][]byte, nx bool) protocol.Value {
	d := ctx.Client.DB()
	src, dst := string(args[1]), string(args[2])
	samekey := src == dst

	o := d.LookupKeyWrite(src)
	if o == nil {
		return protocol.Err("ERR no such key")
	}

	if samekey {
		if nx {
			return protocol.Integer(0)
		}
		return protocol.OK
	}

	o.IncrRef()

	var carried *keyspace.ExpireEntry
	if e := d.GetExpire(src); e != nil {
		carried = e.Clone()
	}

	if d.LookupKeyWrite(dst) != nil {
		if nx {
			o.DecrRef()
			return protocol.Integer(0)
		}
		// Overwrite: drop the old target before creating the new one.
		d.Delete(dst)
	}
	d.Delete(src)
	d.Add(dst, o)
	if carried != nil {
		carried.Rekey(dst)
		d.SetExpireEntry(ctx.Client, carried)
	}
	ctx.Srv.SignalModified(d.ID(), src)
	ctx.Srv.SignalModified(d.ID(), dst)
	ctx.Srv.Notify.Notify(notify.EventRenameFrom, src, d.ID())
	ctx.Srv.Notify.Notify(notify.EventRenameTo, dst, d.ID())
	ctx.Srv.AddDirty(1)
	if nx {
		return protocol.Integer(1)
	}
	return protocol.OK
}

func renameCommand(ctx *Context, args [][]byte) protocol.Value {
	return renameGeneric(ctx, args, false)
}

func renamenxCommand(ctx *Context, args [][]byte) protocol.Value {
	return renameGeneric(ctx, args, true)
}

func moveCommand(ctx *Context, args [][]byte) protocol.Value {
	if ctx.Srv.Config().ClusterEnabled {
		return protocol.Err("ERR MOVE is not allowed in cluster mode")
	}
	src := ctx.Client.DB()

	dbid, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return protocol.Err("ERR index out of range")
	}
	dst, derr := ctx.Srv.DB(dbid)
	if derr != nil {
		return protocol.Err("ERR index out of range")
	}
	if src == dst {
		return protocol.Err("ERR source and destination objects are the same")
	}

	key := string(args[1])
	o := src.LookupKeyWrite(key)
	if o == nil {
		return protocol.Integer(0)
	}
	if dst.LookupKeyWrite(key) != nil {
		return protocol.Integer(0)
	}

	var carried *keyspace.ExpireEntry
	if e := src.GetExpire(key); e != nil {
		carried = e.Clone()
	}
	if o.Expires() {
		src.RemoveExpire(key)
	}
	o.IncrRef()
	src.Delete(key)
	ctx.Srv.AddDirty(1)

	dst.Add(key, o)
	if carried != nil {
		dst.SetExpireEntry(ctx.Client, carried)
	}
	return protocol.Integer(1)
}

func dbsizeCommand(ctx *Context, args [][]byte) protocol.Value {
	return protocol.Integer(int64(ctx.Client.DB().Size()))
}

func lastsaveCommand(ctx *Context, args [][]byte) protocol.Value {
	return protocol.Integer(ctx.Srv.LastSave())
}

func shutdownCommand(ctx *Context, args [][]byte) protocol.Value {
	nosave := false
	switch {
	case len(args) > 2:
		return protocol.SyntaxErr()
	case len(args) == 2:
		switch string(toLower(args[1])) {
		case "nosave":
			nosave = true
		case "save":
			nosave = false
		default:
			return protocol.SyntaxErr()
		}
	}
	if !nosave {
		if err := ctx.Srv.Save(); err != nil {
			return protocol.Err("ERR Errors trying to SHUTDOWN. Check logs.")
		}
	}
	if ctx.OnShutdown != nil {
		ctx.OnShutdown(nosave)
	}
	return protocol.Err("ERR Errors trying to SHUTDOWN. Check logs.")
}

// flushFlags parses the optional ASYNC argument of FLUSHDB/FLUSHALL.
func flushFlags(args [][]byte) (async bool, ok bool) {
	if len(args) > 1 {
		if len(args) > 2 || string(toLower(args[1])) != "async" {
			return false, false
		}
		return true, true
	}
	return false, true
}

func flushdbCommand(ctx *Context, args [][]byte) protocol.Value {
	async, ok := flushFlags(args)
	if !ok {
		return protocol.SyntaxErr()
	}
	d := ctx.Client.DB()
	ctx.Srv.SignalFlushed(d.ID())
	removed, err := ctx.Srv.EmptyDB(d.ID(), async)
	if err != nil {
		return protocol.Err("ERR " + err.Error())
	}
	ctx.Srv.AddDirty(removed)
	return protocol.OK
}

func flushallCommand(ctx *Context, args [][]byte) protocol.Value {
	async, ok := flushFlags(args)
	if !ok {
		return protocol.SyntaxErr()
	}
	ctx.Srv.SignalFlushed(-1)
	removed, err := ctx.Srv.EmptyDB(-1, async)
	if err != nil {
		return protocol.Err("ERR " + err.Error())
	}
	ctx.Srv.AddDirty(removed)

	// The flush must be durable: abort any save that started against the
	// old dataset and write a fresh image now.
	if ctx.Srv.SaveInProgress() {
		ctx.Srv.KillSave()
	}
	if err := ctx.Srv.Save(); err != nil {
		return protocol.Err("ERR " + err.Error())
	}
	ctx.Srv.AddDirty(1)
	return protocol.OK
}

func swapdbCommand(ctx *Context, args [][]byte) protocol.Value {
	if ctx.Srv.Config().ClusterEnabled {
		return protocol.Err("ERR SWAPDB is not allowed in cluster mode")
	}
	id1, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return protocol.Err("ERR invalid first DB index")
	}
	id2, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return protocol.Err("ERR invalid second DB index")
	}
	if err := ctx.Srv.SwapDatabases(id1, id2); err != nil {
		return protocol.Err("ERR DB index is out of range")
	}
	ctx.Srv.AddDirty(1)
	return protocol.OK
}

func toLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
