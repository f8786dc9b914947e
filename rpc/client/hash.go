package client

import (
	"context"
	"strconv"

	"github.com/ValentinKolb/skv/lib/db"
	"github.com/ValentinKolb/skv/lib/hashtable"
	"github.com/ValentinKolb/skv/lib/store"
)

// ScanOptions are the optional arguments of HSCAN
type ScanOptions struct {
	Match string // glob pattern, empty matches every field
	Count int    // hint for the batch size, 0 lets the server choose
}

func (o ScanOptions) args() []string {
	var args []string
	if o.Match != "" {
		args = append(args, "MATCH", o.Match)
	}
	if o.Count > 0 {
		args = append(args, "COUNT", strconv.Itoa(o.Count))
	}
	return args
}

func pairArgs(cmd, key string, pairs []db.FieldValue) []string {
	args := make([]string, 0, 2+2*len(pairs))
	args = append(args, cmd, key)
	for _, p := range pairs {
		args = append(args, p.Field, string(p.Value))
	}
	return args
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// HSet sets the fields and returns how many of them were created
func (c *Client) HSet(ctx context.Context, key string, pairs ...db.FieldValue) (int, error) {
	if len(pairs) == 0 {
		return 0, store.ErrSyntax
	}
	return c.integer(ctx, pairArgs("HSET", key, pairs)...)
}

// HMSet sets the fields
func (c *Client) HMSet(ctx context.Context, key string, pairs ...db.FieldValue) error {
	if len(pairs) == 0 {
		return store.ErrSyntax
	}
	_, err := c.do(ctx, pairArgs("HMSET", key, pairs)...)
	return err
}

// HSetNX sets the field only if it does not exist yet
func (c *Client) HSetNX(ctx context.Context, key, field string, value []byte) (bool, error) {
	return c.boolean(ctx, "HSETNX", key, field, string(value))
}

// HDel removes the fields and returns how many existed
func (c *Client) HDel(ctx context.Context, key string, fields ...string) (int, error) {
	if len(fields) == 0 {
		return 0, store.ErrSyntax
	}
	return c.integer(ctx, append([]string{"HDEL", key}, fields...)...)
}

func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := c.do(ctx, "HINCRBY", key, field, strconv.FormatInt(delta, 10))
	if err != nil {
		return 0, err
	}
	return v.Integer()
}

func (c *Client) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	v, err := c.do(ctx, "HINCRBYFLOAT", key, field, strconv.FormatFloat(delta, 'f', -1, 64))
	if err != nil {
		return 0, err
	}
	s, err := asString(v)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// HGet returns the value of a field, ok is false if the key or the field does not exist
func (c *Client) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	v, err := c.do(ctx, "HGET", key, field)
	if err != nil {
		return nil, false, err
	}
	o, err := asOptional(v)
	return o.Value, o.Ok, err
}

// HMGet yields one optional value per field, in field order
func (c *Client) HMGet(ctx context.Context, key string, fields ...string) *Iterator[store.OptionalValue] {
	if len(fields) == 0 {
		return failed[store.OptionalValue](store.ErrSyntax)
	}
	return streamed(ctx, c, asOptional, append([]string{"HMGET", key}, fields...)...)
}

func (c *Client) HExists(ctx context.Context, key, field string) (bool, error) {
	return c.boolean(ctx, "HEXISTS", key, field)
}

func (c *Client) HLen(ctx context.Context, key string) (int, error) {
	return c.integer(ctx, "HLEN", key)
}

func (c *Client) HStrLen(ctx context.Context, key, field string) (int, error) {
	return c.integer(ctx, "HSTRLEN", key, field)
}

// HGetAll yields every field and value of the hash
func (c *Client) HGetAll(ctx context.Context, key string) *Iterator[db.FieldValue] {
	s, err := c.openStream(ctx, "HGETALL", key)
	if err != nil {
		return failed[db.FieldValue](err)
	}
	return fromPairs(s)
}

func (c *Client) HKeys(ctx context.Context, key string) *Iterator[string] {
	return streamed(ctx, c, asString, "HKEYS", key)
}

func (c *Client) HVals(ctx context.Context, key string) *Iterator[[]byte] {
	return streamed(ctx, c, asBytes, "HVALS", key)
}

// HScan returns one batch of a cursor scan over the hash. Cursor 0 starts
// the scan, a returned cursor of 0 ends it. A batch may be empty before the
// scan is complete. Cursors are only valid for the hash that returned them.
func (c *Client) HScan(ctx context.Context, key string, cursor uint64, opts ScanOptions) (uint64, []db.FieldValue, error) {
	if err := hashtable.CheckCursor(cursor); err != nil {
		return 0, nil, store.FromError(err)
	}
	if opts.Count < 0 {
		return 0, nil, store.ErrSyntax
	}

	v, err := c.do(ctx, append([]string{"HSCAN", key, strconv.FormatUint(cursor, 10)}, opts.args()...)...)
	if err != nil {
		return 0, nil, err
	}
	elems, err := asArray(v)
	if err != nil {
		return 0, nil, err
	}
	if len(elems) != 2 {
		return 0, nil, unexpected("HSCAN", v)
	}
	s, err := asString(elems[0])
	if err != nil {
		return 0, nil, err
	}
	next, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, nil, unexpected("HSCAN", v)
	}
	pairs, err := asFields(elems[1])
	if err != nil {
		return 0, nil, err
	}
	return next, pairs, nil
}

// HScanAll runs a complete cursor scan and yields every field found.
// Fields changed during the scan may be yielded twice or not at all.
func (c *Client) HScanAll(ctx context.Context, key string, opts ScanOptions) *Iterator[db.FieldValue] {
	cursor := uint64(0)
	return paged(func(ctx context.Context) ([]db.FieldValue, bool, error) {
		next, pairs, err := c.HScan(ctx, key, cursor, opts)
		if err != nil {
			return nil, false, err
		}
		cursor = next
		return pairs, next == 0, nil
	})
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Client) integer(ctx context.Context, args ...string) (int, error) {
	v, err := c.do(ctx, args...)
	if err != nil {
		return 0, err
	}
	n, err := v.Integer()
	return int(n), err
}

func (c *Client) boolean(ctx context.Context, args ...string) (bool, error) {
	n, err := c.integer(ctx, args...)
	return n == 1, err
}
