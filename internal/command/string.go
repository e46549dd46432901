package command

import (
	"strconv"
	"strings"
	"time"

	"github.com/mbridon/KeyDB/internal/object"
	"github.com/mbridon/KeyDB/internal/protocol"
)

func init() {
	register(&Command{Name: "set", Exec: setCommand, Arity: -3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "get", Exec: getCommand, Arity: 2, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "getset", Exec: getsetCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "mset", Exec: msetCommand, Arity: -3, Flags: FlagWrite, FirstKey: 1, LastKey: -1, KeyStep: 2})
	register(&Command{Name: "append", Exec: appendCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "strlen", Exec: strlenCommand, Arity: 2, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "incr", Exec: incrCommand, Arity: 2, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "incrby", Exec: incrbyCommand, Arity: 3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "decr", Exec: decrCommand, Arity: 2, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
}

const wrongTypeErr = "WRONGTYPE Operation against a key holding the wrong kind of value"

// setCommand implements SET key value [EX s|PX ms] [NX|XX].
func setCommand(ctx *Context, args [][]byte) protocol.Value {
	d := ctx.Client.DB()
	key := string(args[1])

	var expireMs int64
	nx, xx := false, false
	for i := 3; i < len(args); i++ {
		remaining := len(args) - i
		switch strings.ToLower(string(args[i])) {
		case "nx":
			nx = true
		case "xx":
			xx = true
		case "ex", "px":
			if remaining < 2 {
				return protocol.SyntaxErr()
			}
			n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || n <= 0 {
				return protocol.Err("ERR invalid expire time in 'set' command")
			}
			if strings.ToLower(string(args[i])) == "ex" {
				n *= 1000
			}
			expireMs = n
			i++
		default:
			return protocol.SyntaxErr()
		}
	}
	if nx && xx {
		return protocol.SyntaxErr()
	}

	exists := d.LookupKeyWrite(key) != nil
	if (nx && exists) || (xx && !exists) {
		return protocol.Null()
	}

	o := object.TryIntEncoding(args[2])
	d.SetKey(key, o)
	o.DecrRef()
	ctx.Srv.AddDirty(1)
	if expireMs > 0 {
		d.SetExpire(ctx.Client, key, "", time.Now().UnixMilli()+expireMs)
	}
	return protocol.OK
}

func getCommand(ctx *Context, args [][]byte) protocol.Value {
	o := ctx.Client.DB().LookupKeyRead(string(args[1]))
	if o == nil {
		return protocol.Null()
	}
	if o.Type() != object.TypeString {
		return protocol.Err(wrongTypeErr)
	}
	return protocol.Bulk(o.Bytes())
}

func getsetCommand(ctx *Context, args [][]byte) protocol.Value {
	d := ctx.Client.DB()
	key := string(args[1])

	old := d.LookupKeyWrite(key)
	if old != nil && old.Type() != object.TypeString {
		return protocol.Err(wrongTypeErr)
	}
	var reply protocol.Value
	if old == nil {
		reply = protocol.Null()
	} else {
		reply = protocol.Bulk(append([]byte(nil), old.Bytes()...))
	}
	o := object.TryIntEncoding(args[2])
	d.SetKey(key, o)
	o.DecrRef()
	ctx.Srv.AddDirty(1)
	return reply
}

func msetCommand(ctx *Context, args [][]byte) protocol.Value {
	if len(args)%2 != 1 {
		return protocol.WrongArity("mset")
	}
	d := ctx.Client.DB()
	for i := 1; i < len(args); i += 2 {
		o := object.TryIntEncoding(args[i+1])
		d.SetKey(string(args[i]), o)
		o.DecrRef()
	}
	ctx.Srv.AddDirty(int64(len(args) / 2))
	return protocol.OK
}

func appendCommand(ctx *Context, args [][]byte) protocol.Value {
	d := ctx.Client.DB()
	key := string(args[1])

	o := d.LookupKeyWrite(key)
	if o == nil {
		n := object.NewString(args[2])
		d.Add(key, n)
		ctx.Srv.SignalModified(d.ID(), key)
		ctx.Srv.AddDirty(1)
		return protocol.Integer(int64(len(args[2])))
	}
	if o.Type() != object.TypeString {
		return protocol.Err(wrongTypeErr)
	}
	o = d.UnshareStringValue(key, o)
	length := o.AppendBytes(args[2])
	ctx.Srv.SignalModified(d.ID(), key)
	ctx.Srv.AddDirty(1)
	return protocol.Integer(int64(length))
}

func strlenCommand(ctx *Context, args [][]byte) protocol.Value {
	o := ctx.Client.DB().LookupKeyRead(string(args[1]))
	if o == nil {
		return protocol.Integer(0)
	}
	if o.Type() != object.TypeString {
		return protocol.Err(wrongTypeErr)
	}
	return protocol.Integer(int64(len(o.Bytes())))
}

// incrDecr adjusts the integer value at key, preserving any expiry.
func incrDecr(ctx *Context, args [][]byte, delta int64) protocol.Value {
	d := ctx.Client.DB()
	key := string(args[1])

	var current int64
	o := d.LookupKeyWrite(key)
	if o != nil {
		if o.Type() != object.TypeString {
			return protocol.Err(wrongTypeErr)
		}
		v, ok := o.Int64()
		if !ok {
			parsed, err := strconv.ParseInt(string(o.Bytes()), 10, 64)
			if err != nil {
				return protocol.Err("ERR value is not an integer or out of range")
			}
			v = parsed
		}
		current = v
	}

	current += delta
	fresh := object.NewStringFromInt64(current)
	if o != nil {
		d.Overwrite(key, fresh)
	} else {
		d.Add(key, fresh)
	}
	ctx.Srv.SignalModified(d.ID(), key)
	ctx.Srv.AddDirty(1)
	return protocol.Integer(current)
}

func incrCommand(ctx *Context, args [][]byte) protocol.Value {
	return incrDecr(ctx, args, 1)
}

func incrbyCommand(ctx *Context, args [][]byte) protocol.Value {
	n, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return protocol.Err("ERR value is not an integer or out of range")
	}
	return incrDecr(ctx, args, n)
}

func decrCommand(ctx *Context, args [][]byte) protocol.Value {
	return incrDecr(ctx, args, -1)
}
