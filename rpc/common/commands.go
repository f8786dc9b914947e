package common

import "strings"

// --------------------------------------------------------------------------
// Command Table
// --------------------------------------------------------------------------

// CommandFlag describes how a command is executed
type CommandFlag uint8

const (
	// FlagWrite marks commands that change the shard
	FlagWrite CommandFlag = 1 << iota
	// FlagReadOnly marks commands that only read the shard
	FlagReadOnly
	// FlagBlocking marks commands that may wait server side. A client that
	// gives up on them releases the wait with CLIENT UNBLOCK.
	FlagBlocking
	// FlagConnection marks commands that act on the connection and need no shard
	FlagConnection
)

// CommandSpec is one entry of the command table
type CommandSpec struct {
	Name string
	// Arity is the number of arguments including the command name,
	// a negative value -n means at least n
	Arity int
	Flags CommandFlag
}

// Has reports whether all flags in f are set
func (c CommandSpec) Has(f CommandFlag) bool {
	return c.Flags&f == f
}

// CheckArity reports whether argc arguments (including the name) are valid
func (c CommandSpec) CheckArity(argc int) bool {
	if c.Arity < 0 {
		return argc >= -c.Arity
	}
	return argc == c.Arity
}

// commands lists every command the server understands
var commands = []CommandSpec{
	// connection
	{"PING", -1, FlagConnection},
	{"SELECT", 2, FlagConnection},
	{"CLIENT", -2, FlagConnection},

	// keyspace
	{"DEL", -2, FlagWrite},
	{"EXISTS", -2, FlagReadOnly},
	{"TYPE", 2, FlagReadOnly},
	{"EXPIRE", 3, FlagWrite},
	{"TTL", 2, FlagReadOnly},
	{"DBSIZE", 1, FlagReadOnly},
	{"INFO", -1, FlagReadOnly},

	// hash
	{"HDEL", -3, FlagWrite},
	{"HEXISTS", 3, FlagReadOnly},
	{"HGET", 3, FlagReadOnly},
	{"HGETALL", 2, FlagReadOnly},
	{"HINCRBY", 4, FlagWrite},
	{"HINCRBYFLOAT", 4, FlagWrite},
	{"HKEYS", 2, FlagReadOnly},
	{"HLEN", 2, FlagReadOnly},
	{"HMGET", -3, FlagReadOnly},
	{"HMSET", -4, FlagWrite},
	{"HSCAN", -3, FlagReadOnly},
	{"HSET", -4, FlagWrite},
	{"HSETNX", 4, FlagWrite},
	{"HSTRLEN", 3, FlagReadOnly},
	{"HVALS", 2, FlagReadOnly},

	// stream
	{"XACK", -4, FlagWrite},
	{"XADD", -5, FlagWrite},
	{"XCLAIM", -6, FlagWrite},
	{"XDEL", -3, FlagWrite},
	{"XGROUP", -2, FlagWrite},
	{"XINFO", -2, FlagReadOnly},
	{"XLEN", 2, FlagReadOnly},
	{"XPENDING", -3, FlagReadOnly},
	{"XRANGE", -4, FlagReadOnly},
	{"XREAD", -4, FlagReadOnly | FlagBlocking},
	{"XREADGROUP", -7, FlagWrite | FlagBlocking},
	{"XREVRANGE", -4, FlagReadOnly},
	{"XTRIM", -4, FlagWrite},
}

var commandTable = func() map[string]CommandSpec {
	m := make(map[string]CommandSpec, len(commands))
	for _, c := range commands {
		m[c.Name] = c
	}
	return m
}()

// LookupCommand finds a command by name, ignoring case
func LookupCommand(name string) (CommandSpec, bool) {
	c, ok := commandTable[strings.ToUpper(name)]
	return c, ok
}

// Commands returns all known commands in table order
func Commands() []CommandSpec {
	return append([]CommandSpec(nil), commands...)
}
