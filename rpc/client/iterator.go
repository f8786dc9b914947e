package client

import (
	"context"
	"iter"

	"github.com/ValentinKolb/skv/rpc/codec"
	"github.com/ValentinKolb/skv/rpc/transport"
)

// Iterator is a forward only sequence of the results of a multi-value command.
// Results are decoded while the reply arrives, so stopping early does not wait
// for the rest. An Iterator is used by a single goroutine and must be drained
// or closed, the connection it reads from serves later replies only after that.
type Iterator[T any] struct {
	next  func(ctx context.Context) (T, bool, error)
	close func()
	done  bool
	err   error
}

// Next returns the next result. ok is false once the sequence ended or failed,
// err tells which one happened.
func (it *Iterator[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	if it.done {
		return v, false, it.err
	}
	v, ok, err = it.next(ctx)
	if err != nil || !ok {
		it.finish(err)
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// Close abandons the remaining results. It is safe to call more than once.
func (it *Iterator[T]) Close() {
	it.finish(nil)
}

// Err returns the error that ended the sequence, if any
func (it *Iterator[T]) Err() error {
	return it.err
}

// All returns the remaining results as a range-over-func sequence. A failure
// is yielded once with the zero value, breaking out of the loop closes the iterator.
func (it *Iterator[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer it.Close()
		for {
			v, ok, err := it.Next(ctx)
			if err != nil {
				yield(v, err)
				return
			}
			if !ok || !yield(v, nil) {
				return
			}
		}
	}
}

// Collect reads the remaining results into a slice
func (it *Iterator[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for v, err := range it.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (it *Iterator[T]) finish(err error) {
	if it.done {
		return
	}
	it.done, it.err = true, err
	if it.close != nil {
		it.close()
	}
}

// --------------------------------------------------------------------------
// Constructors
// --------------------------------------------------------------------------

// fromReply decodes the elements of a streamed reply with decode.
// An error reply, at the top or as an element, ends the sequence with its error.
func fromReply[T any](s transport.ReplyStream, decode func(codec.Value) (T, error)) *Iterator[T] {
	return &Iterator[T]{
		next: func(ctx context.Context) (T, bool, error) {
			var zero T
			v, ok, err := s.Next(ctx)
			if err != nil || !ok {
				return zero, false, err
			}
			if v.IsError() {
				return zero, false, replyError(v)
			}
			t, err := decode(v)
			if err != nil {
				return zero, false, err
			}
			return t, true, nil
		},
		close: s.Close,
	}
}

// fromSlice returns an iterator over results that are already decoded
func fromSlice[T any](items []T) *Iterator[T] {
	i := 0
	return &Iterator[T]{
		next: func(context.Context) (T, bool, error) {
			if i >= len(items) {
				var zero T
				return zero, false, nil
			}
			i++
			return items[i-1], true, nil
		},
	}
}

// failed returns an iterator that yields err
func failed[T any](err error) *Iterator[T] {
	return &Iterator[T]{done: true, err: err}
}

// paged returns an iterator that fetches pages until fetch reports the last one
func paged[T any](fetch func(ctx context.Context) (page []T, last bool, err error)) *Iterator[T] {
	var (
		page []T
		last bool
	)
	return &Iterator[T]{
		next: func(ctx context.Context) (T, bool, error) {
			var zero T
			for len(page) == 0 {
				if last {
					return zero, false, nil
				}
				var err error
				if page, last, err = fetch(ctx); err != nil {
					return zero, false, err
				}
			}
			v := page[0]
			page = page[1:]
			return v, true, nil
		},
	}
}
