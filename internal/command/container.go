package command

import (
	"strconv"

	"github.com/mbridon/KeyDB/internal/object"
	"github.com/mbridon/KeyDB/internal/protocol"
)

func init() {
	register(&Command{Name: "lpush", Exec: lpushCommand, Arity: -3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "rpush", Exec: rpushCommand, Arity: -3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "lrange", Exec: lrangeCommand, Arity: 4, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "llen", Exec: llenCommand, Arity: 2, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "sadd", Exec: saddCommand, Arity: -3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "smembers", Exec: smembersCommand, Arity: 2, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "hset", Exec: hsetCommand, Arity: -4, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "hget", Exec: hgetCommand, Arity: 3, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "hdel", Exec: hdelCommand, Arity: -3, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "hgetall", Exec: hgetallCommand, Arity: 2, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "zadd", Exec: zaddCommand, Arity: -4, Flags: FlagWrite, FirstKey: 1, LastKey: 1, KeyStep: 1})
	register(&Command{Name: "zscore", Exec: zscoreCommand, Arity: 3, Flags: FlagReadOnly, FirstKey: 1, LastKey: 1, KeyStep: 1})
}

// lookupOrCreate returns the container at key, creating it via create when
// absent. A wrong-type resident value yields a nil object and an error
// reply.
func lookupOrCreate(ctx *Context, key string, typ object.Type, create func() *object.Object) (*object.Object, protocol.Value) {
	d := ctx.Client.DB()
	o := d.LookupKeyWrite(key)
	if o == nil {
		o = create()
		d.Add(key, o)
		return o, protocol.Value{}
	}
	if o.Type() != typ {
		return nil, protocol.Err(wrongTypeErr)
	}
	return o, protocol.Value{}
}

func pushGeneric(ctx *Context, args [][]byte, left bool) protocol.Value {
	key := string(args[1])
	o, errReply := lookupOrCreate(ctx, key, object.TypeList, object.NewList)
	if o == nil {
		return errReply
	}
	var length int
	if left {
		length = o.List().LPush(args[2:]...)
	} else {
		length = o.List().RPush(args[2:]...)
	}
	d := ctx.Client.DB()
	d.SignalKeyAsReady(key)
	ctx.Srv.SignalModified(d.ID(), key)
	ctx.Srv.AddDirty(1)
	return protocol.Integer(int64(length))
}

func lpushCommand(ctx *Context, args [][]byte) protocol.Value {
	return pushGeneric(ctx, args, true)
}

func rpushCommand(ctx *Context, args [][]byte) protocol.Value {
	return pushGeneric(ctx, args, false)
}

func lrangeCommand(ctx *Context, args [][]byte) protocol.Value {
	start, err1 := strconv.Atoi(string(args[2]))
	stop, err2 := strconv.Atoi(string(args[3]))
	if err1 != nil || err2 != nil {
		return protocol.Err("ERR value is not an integer or out of range")
	}
	o := ctx.Client.DB().LookupKeyRead(string(args[1]))
	if o == nil {
		return protocol.BulkArray(nil)
	}
	if o.Type() != object.TypeList {
		return protocol.Err(wrongTypeErr)
	}
	return protocol.BulkArray(o.List().Range(start, stop))
}

func llenCommand(ctx *Context, args [][]byte) protocol.Value {
	o := ctx.Client.DB().LookupKeyRead(string(args[1]))
	if o == nil {
		return protocol.Integer(0)
	}
	if o.Type() != object.TypeList {
		return protocol.Err(wrongTypeErr)
	}
	return protocol.Integer(int64(o.List().Len()))
}

func saddCommand(ctx *Context, args [][]byte) protocol.Value {
	key := string(args[1])
	o, errReply := lookupOrCreate(ctx, key, object.TypeSet, object.NewSet)
	if o == nil {
		return errReply
	}
	members := make([]string, len(args)-2)
	for i, m := range args[2:] {
		members[i] = string(m)
	}
	added := o.Set().Add(members...)
	d := ctx.Client.DB()
	ctx.Srv.SignalModified(d.ID(), key)
	ctx.Srv.AddDirty(1)
	return protocol.Integer(int64(added))
}

func smembersCommand(ctx *Context, args [][]byte) protocol.Value {
	o := ctx.Client.DB().LookupKeyRead(string(args[1]))
	if o == nil {
		return protocol.BulkArray(nil)
	}
	if o.Type() != object.TypeSet {
		return protocol.Err(wrongTypeErr)
	}
	members := o.Set().Members()
	items := make([][]byte, len(members))
	for i, m := range members {
		items[i] = []byte(m)
	}
	return protocol.BulkArray(items)
}

func hsetCommand(ctx *Context, args [][]byte) protocol.Value {
	if len(args)%2 != 0 {
		return protocol.WrongArity("hset")
	}
	key := string(args[1])
	o, errReply := lookupOrCreate(ctx, key, object.TypeHash, object.NewHash)
	if o == nil {
		return errReply
	}
	added := 0
	for i := 2; i < len(args); i += 2 {
		if o.Hash().Set(string(args[i]), args[i+1]) {
			added++
		}
	}
	d := ctx.Client.DB()
	ctx.Srv.SignalModified(d.ID(), key)
	ctx.Srv.AddDirty(1)
	return protocol.Integer(int64(added))
}

func hgetCommand(ctx *Context, args [][]byte) protocol.Value {
	o := ctx.Client.DB().LookupKeyRead(string(args[1]))
	if o == nil {
		return protocol.Null()
	}
	if o.Type() != object.TypeHash {
		return protocol.Err(wrongTypeErr)
	}
	val, ok := o.Hash().Get(string(args[2]))
	if !ok {
		return protocol.Null()
	}
	return protocol.Bulk(val)
}

// hdelCommand removes hash fields, along with any per-subkey deadlines
// they carried. An emptied hash is deleted whole.
func hdelCommand(ctx *Context, args [][]byte) protocol.Value {
	d := ctx.Client.DB()
	key := string(args[1])

	o := d.LookupKeyWrite(key)
	if o == nil {
		return protocol.Integer(0)
	}
	if o.Type() != object.TypeHash {
		return protocol.Err(wrongTypeErr)
	}

	removed := 0
	for _, f := range args[2:] {
		field := string(f)
		if o.Hash().Del(field) > 0 {
			removed++
			if o.Expires() {
				d.RemoveSubkeyExpire(key, field)
			}
		}
	}
	if removed > 0 {
		if o.Hash().Len() == 0 {
			d.Delete(key)
		}
		ctx.Srv.SignalModified(d.ID(), key)
		ctx.Srv.AddDirty(1)
	}
	return protocol.Integer(int64(removed))
}

func hgetallCommand(ctx *Context, args [][]byte) protocol.Value {
	o := ctx.Client.DB().LookupKeyRead(string(args[1]))
	if o == nil {
		return protocol.BulkArray(nil)
	}
	if o.Type() != object.TypeHash {
		return protocol.Err(wrongTypeErr)
	}
	pairs := o.Hash().GetAll()
	items := make([][]byte, 0, len(pairs)*2)
	for _, fv := range pairs {
		items = append(items, []byte(fv.Field), fv.Value)
	}
	return protocol.BulkArray(items)
}

func zaddCommand(ctx *Context, args [][]byte) protocol.Value {
	if len(args)%2 != 0 {
		return protocol.SyntaxErr()
	}
	key := string(args[1])

	members := make([]object.ScoredMember, 0, (len(args)-2)/2)
	for i := 2; i < len(args); i += 2 {
		score, err := strconv.ParseFloat(string(args[i]), 64)
		if err != nil {
			return protocol.Err("ERR value is not a valid float")
		}
		members = append(members, object.ScoredMember{Member: string(args[i+1]), Score: score})
	}

	o, errReply := lookupOrCreate(ctx, key, object.TypeSortedSet, object.NewSortedSet)
	if o == nil {
		return errReply
	}
	added := o.SortedSet().Add(members...)
	d := ctx.Client.DB()
	d.SignalKeyAsReady(key)
	ctx.Srv.SignalModified(d.ID(), key)
	ctx.Srv.AddDirty(1)
	return protocol.Integer(int64(added))
}

func zscoreCommand(ctx *Context, args [][]byte) protocol.Value {
	o := ctx.Client.DB().LookupKeyRead(string(args[1]))
	if o == nil {
		return protocol.Null()
	}
	if o.Type() != object.TypeSortedSet {
		return protocol.Err(wrongTypeErr)
	}
	score, ok := o.SortedSet().Score(string(args[2]))
	if !ok {
		return protocol.Null()
	}
	return protocol.BulkString(strconv.FormatFloat(score, 'f', -1, 64))
}
