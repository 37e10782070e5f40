// Package flight is a typed wrapper over singleflight for coalescing concurrent work by key.
package flight

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group coalesces concurrent calls sharing a key into one execution.
// The key is forgotten once the execution finishes, success or failure,
// so a failed result is never reused by later callers.
type Group[T any] struct {
	g singleflight.Group
}

// Do runs fn once per in-flight key. shared reports whether the result was
// delivered to more than one caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, err error, shared bool) {
	res, err, shared := g.g.Do(key, func() (interface{}, error) {
		return fn()
	})
	if res != nil {
		v = res.(T)
	}
	return v, err, shared
}

// DoContext is Do that stops waiting when ctx is done. The execution itself
// keeps running for the remaining callers, so fn should not depend on ctx.
func (g *Group[T]) DoContext(ctx context.Context, key string, fn func() (T, error)) (T, error) {
	ch := g.g.DoChan(key, func() (interface{}, error) {
		return fn()
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Val == nil {
			return zero, nil
		}
		return res.Val.(T), nil
	}
}

// Forget drops an in-flight key so the next call starts a new execution.
func (g *Group[T]) Forget(key string) {
	g.g.Forget(key)
}
