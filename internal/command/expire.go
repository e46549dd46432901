package command

import (
	"strconv"
	"time"

	"github.com/mbridon/KeyDB/internal/db"
	"github.com/mbridon/KeyDB/internal/notify"
	"github.com/mbridon/KeyDB/internal/object"
	"github.com/mbridon/KeyDB/internal/protocol"
)

func init() {
	register(&Command{Name: "expire", Exec: expireCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "pexpire", Exec: pexpireCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "expireat", Exec: expireatCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "pexpireat", Exec: pexpireatCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "expiremember", Exec: expirememberCommand, Arity: 4, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "ttl", Exec: ttlCommand, Arity: 2, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "pttl", Exec: pttlCommand, Arity: 2, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "persist", Exec: persistCommand, Arity: 2, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
}

// expireGeneric sets the whole-key deadline. unit scales the argument to
// milliseconds; absolute selects the EXPIREAT family. A deadline already
// in the past deletes the key outright on a master, so the propagation
// stream carries an explicit DEL.
func expireGeneric(ctx *Context, args [][]byte, unit int64, absolute bool) protocol.Value {
	d := ctx.Client.DB()
	key := string(args[1])

	n, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return protocol.Err("ERR value is not an integer or out of range")
	}
	when := n * unit
	if !absolute {
		when += time.Now().UnixMilli()
	}

	if d.LookupKeyWrite(key) == nil {
		return protocol.Integer(0)
	}

	now := time.Now().UnixMilli()
	master := !ctx.Srv.HasMaster() || ctx.Srv.Config().ActiveReplica
	if when <= now && master {
		if d.Delete(key) {
			ctx.Srv.SignalModified(d.ID(), key)
			ctx.Srv.Notify.Notify(notify.EventDel, key, d.ID())
			ctx.Srv.AddDirty(1)
			ctx.RewritePropagation([]byte("DEL"), args[1])
		}
		return protocol.Integer(1)
	}

	d.SetExpire(ctx.Client, key, "", when)
	ctx.Srv.SignalModified(d.ID(), key)
	ctx.Srv.AddDirty(1)
	return protocol.Integer(1)
}

func expireCommand(ctx *Context, args [][]byte) protocol.Value {
	return expireGeneric(ctx, args, 1000, false)
}

func pexpireCommand(ctx *Context, args [][]byte) protocol.Value {
	return expireGeneric(ctx, args, 1, false)
}

func expireatCommand(ctx *Context, args [][]byte) protocol.Value {
	return expireGeneric(ctx, args, 1000, true)
}

func pexpireatCommand(ctx *Context, args [][]byte) protocol.Value {
	return expireGeneric(ctx, args, 1, true)
}

// expirememberCommand sets a per-subkey deadline on a compound value:
// EXPIREMEMBER key subkey seconds.
func expirememberCommand(ctx *Context, args [][]byte) protocol.Value {
	d := ctx.Client.DB()
	key, subkey := string(args[1]), string(args[2])

	n, err := strconv.ParseInt(string(args[3]), 10, 64)
	if err != nil {
		return protocol.Err("ERR value is not an integer or out of range")
	}

	o := d.LookupKeyWrite(key)
	if o == nil {
		return protocol.Integer(0)
	}
	switch o.Type() {
	case object.TypeHash, object.TypeSet, object.TypeSortedSet:
	default:
		return protocol.Err("WRONGTYPE Operation against a key holding the wrong kind of value")
	}

	d.SetExpire(ctx.Client, key, subkey, time.Now().UnixMilli()+n*1000)
	ctx.Srv.AddDirty(1)
	return protocol.Integer(1)
}

func ttlGeneric(ctx *Context, args [][]byte, unit int64) protocol.Value {
	d := ctx.Client.DB()
	key := string(args[1])

	o := d.LookupKeyReadWithFlags(key, db.LookupNoTouch)
	if o == nil {
		return protocol.Integer(-2)
	}
	e := d.GetExpire(key)
	if e == nil {
		return protocol.Integer(-1)
	}
	when := e.When()
	if when == -1 {
		return protocol.Integer(-1)
	}
	remaining := when - time.Now().UnixMilli()
	if remaining < 0 {
		remaining = 0
	}
	if unit == 1000 {
		// Round to the nearest second.
		return protocol.Integer((remaining + 500) / 1000)
	}
	return protocol.Integer(remaining)
}

func ttlCommand(ctx *Context, args [][]byte) protocol.Value {
	return ttlGeneric(ctx, args, 1000)
}

func pttlCommand(ctx *Context, args [][]byte) protocol.Value {
	return ttlGeneric(ctx, args, 1)
}

func persistCommand(ctx *Context, args [][]byte) protocol.Value {
	d := ctx.Client.DB()
	key := string(args[1])

	if d.LookupKeyWrite(key) == nil {
		return protocol.Integer(0)
	}
	if !d.RemoveExpire(key) {
		return protocol.Integer(0)
	}
	ctx.Srv.AddDirty(1)
	return protocol.Integer(1)
}
