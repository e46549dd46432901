// Package command implements the command table and the type-agnostic key
// commands of the engine, along with per-command key extraction.
package command

import (
	"log"
	"strings"

	"github.com/mbridon/KeyDB/internal/db"
	"github.com/mbridon/KeyDB/internal/protocol"
)

// Command flags.
const (
	FlagWrite = 1 << iota
	FlagReadOnly
)

// Context carries the execution environment of one command.
type Context struct {
	Srv    *db.Server
	Client *db.Client
	// OnShutdown performs process teardown for SHUTDOWN. If it returns,
	// the shutdown failed.
	OnShutdown func(nosave bool)

	propagateOverride [][]byte
}

// RewritePropagation replaces the verbatim command in the propagation
// stream with args, e.g. an EXPIRE with a past deadline propagates the
// DEL it turned into.
func (ctx *Context) RewritePropagation(args ...[]byte) {
	ctx.propagateOverride = args
}

// ExecFunc runs one command. args is the full command line, name included.
type ExecFunc func(ctx *Context, args [][]byte) protocol.Value

// GetKeysFunc extracts key argument positions for commands whose key
// layout depends on the arguments.
type GetKeysFunc func(args [][]byte) []int

// Command is one command table entry. FirstKey/LastKey/KeyStep describe
// the default key layout (LastKey < 0 indexes from the end); GetKeys
// overrides it. Entries may carry only key metadata (no executor) for
// commands routed but not served by this build.
type Command struct {
	Name     string
	Exec     ExecFunc
	Arity    int // exact when >= 0, minimum when negative
	Flags    int
	FirstKey int
	LastKey  int
	KeyStep  int
	GetKeys  GetKeysFunc
}

var table = make(map[string]*Command)

func register(cmd *Command) {
	table[strings.ToLower(cmd.Name)] = cmd
}

// Lookup returns the table entry for name.
func Lookup(name string) (*Command, bool) {
	cmd, ok := table[strings.ToLower(name)]
	return cmd, ok
}

func validateArity(arity int, args [][]byte) bool {
	if arity >= 0 {
		return len(args) == arity
	}
	return len(args) >= -arity
}

// Exec dispatches one command line under the global lock. Write commands
// run inside a change-tracking scope and, when they dirty the keyspace,
// propagate themselves to the AOF and replica stream.
func Exec(ctx *Context, args [][]byte) protocol.Value {
	if len(args) == 0 {
		return protocol.Err("ERR empty command")
	}
	name := strings.ToLower(string(args[0]))
	cmd, ok := table[name]
	if !ok || cmd.Exec == nil {
		return protocol.Errf("unknown command '%s'", name)
	}
	if !validateArity(cmd.Arity, args) {
		return protocol.WrongArity(name)
	}

	srv := ctx.Srv
	srv.Lock()
	defer srv.Unlock()

	ctx.propagateOverride = nil
	dirtyBefore := srv.Dirty()
	d := ctx.Client.DB()

	if cmd.Flags&FlagWrite != 0 {
		d.Keyspace().TrackChanges()
		defer func() {
			if err := d.Keyspace().ProcessChanges(); err != nil {
				log.Printf("command: flush changes for %s: %v", name, err)
			}
		}()
	}

	reply := cmd.Exec(ctx, args)

	if cmd.Flags&FlagWrite != 0 && !reply.IsError() && srv.Dirty() > dirtyBefore {
		if ctx.propagateOverride != nil {
			srv.Propagate(d.ID(), ctx.propagateOverride...)
		} else {
			srv.Propagate(d.ID(), args...)
		}
	}
	return reply
}
