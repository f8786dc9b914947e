package client

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/store"
)

// Ping checks the connection. With a message the server echoes it, otherwise it answers PONG.
func (c *Client) Ping(ctx context.Context, msg ...string) (string, error) {
	if len(msg) > 1 {
		return "", store.ErrSyntax
	}
	v, err := c.do(ctx, append([]string{"PING"}, msg...)...)
	if err != nil {
		return "", err
	}
	return asString(v)
}

// Del removes keys and returns how many existed
func (c *Client) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, store.ErrSyntax
	}
	return c.integer(ctx, append([]string{"DEL"}, keys...)...)
}

// Exists counts the given keys that exist
func (c *Client) Exists(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, store.ErrSyntax
	}
	return c.integer(ctx, append([]string{"EXISTS"}, keys...)...)
}

// Type returns the type of the value stored under key
func (c *Client) Type(ctx context.Context, key string) (db.ValueType, error) {
	v, err := c.do(ctx, "TYPE", key)
	if err != nil {
		return db.TypeNone, err
	}
	switch v.Text() {
	case db.TypeHash.String():
		return db.TypeHash, nil
	case db.TypeStream.String():
		return db.TypeStream, nil
	}
	return db.TypeNone, nil
}

// Expire sets a time to live (whole seconds) on key, false if the key does not exist.
// A ttl below one second removes the key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.boolean(ctx, "EXPIRE", key, strconv.FormatInt(int64(ttl/time.Second), 10))
}

// TTL returns the remaining time to live of key. As with the wire command,
// -2 (as a Duration) means the key does not exist and -1 that it has no expiry.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	v, err := c.do(ctx, "TTL", key)
	if err != nil {
		return 0, err
	}
	n, err := v.Integer()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return time.Duration(n), nil
	}
	return time.Duration(n) * time.Second, nil
}

// DBSize returns the number of keys of the shard
func (c *Client) DBSize(ctx context.Context) (int, error) {
	return c.integer(ctx, "DBSIZE")
}

// Info returns metadata about the database of the shard
func (c *Client) Info(ctx context.Context) (db.DatabaseInfo, error) {
	v, err := c.do(ctx, "INFO")
	if err != nil {
		return db.DatabaseInfo{}, err
	}
	b, err := asBytes(v)
	if err != nil {
		return db.DatabaseInfo{}, err
	}
	var info db.DatabaseInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return db.DatabaseInfo{}, err
	}
	return info, nil
}
