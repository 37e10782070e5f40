package risk

import (
	"context"
	"sync"
)

// SymbolLocker serializes the check-and-record of trades on one symbol across
// concurrent workers.
type SymbolLocker interface {
	// Lock blocks until symbol is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, symbol string) (func(), error)
}

// LocalLocker is an in-process SymbolLocker for single-instance deployments
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*symbolLock
}

type symbolLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates new in-process symbol locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*symbolLock)}
}

// Lock acquires symbol. Waiting honours ctx cancellation.
func (l *LocalLocker) Lock(ctx context.Context, symbol string) (func(), error) {
	l.mu.Lock()
	sl, ok := l.locks[symbol]
	if !ok {
		sl = &symbolLock{ch: make(chan struct{}, 1)}
		l.locks[symbol] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(symbol, sl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(symbol, sl, true) })
	}, nil
}

func (l *LocalLocker) release(symbol string, sl *symbolLock, held bool) {
	if held {
		<-sl.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, symbol)
	}
}
