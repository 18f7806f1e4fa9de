package loader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	errs "github.com/specklesystems/speckle-server-sub009/errors"
)

// wait is a pending lookup of one id. Every caller asking for the same id
// shares it and therefore its deadline.
type wait struct {
	done     chan struct{}
	record   map[string]any
	err      error
	deadline time.Time
}

func (w *wait) settle(record map[string]any, err error) {
	w.record = record
	w.err = err
	close(w.done)
}

// buffer is the write-once record store of one session. Inserting an id
// resolves its pending wait; a single sweeper goroutine expires waits that
// outlive the timeout.
type buffer struct {
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	// onTimeout is called once per expired id, outside the lock.
	onTimeout func(id string)

	mu       sync.Mutex
	records  map[string]map[string]any
	pending  map[string]*wait
	sweeping bool
	disposed bool
	stop     chan struct{}
}

func newBuffer(interval, timeout time.Duration, log *slog.Logger) *buffer {
	return &buffer{
		interval: interval,
		timeout:  timeout,
		log:      log,
		records:  make(map[string]map[string]any),
		pending:  make(map[string]*wait),
		stop:     make(chan struct{}),
	}
}

// put stores record under id. The first write wins; put reports whether the
// record was new.
func (b *buffer) put(id string, record map[string]any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return false
	}
	if _, ok := b.records[id]; ok {
		return false
	}
	b.records[id] = record
	if w, ok := b.pending[id]; ok {
		delete(b.pending, id)
		w.settle(record, nil)
	}
	return true
}

// get returns the buffered record for id without waiting.
func (b *buffer) get(id string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	return r, ok
}

// len returns the number of buffered records.
func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// await returns the record for id, waiting until it is inserted, the wait
// times out, the session is disposed or ctx is done.
func (b *buffer) await(ctx context.Context, id string) (map[string]any, error) {
	b.mu.Lock()
	if r, ok := b.records[id]; ok {
		b.mu.Unlock()
		return r, nil
	}
	if b.disposed {
		b.mu.Unlock()
		return nil, errs.Disposed(id)
	}
	w, ok := b.pending[id]
	if !ok {
		w = &wait{done: make(chan struct{}), deadline: time.Now().Add(b.timeout)}
		b.pending[id] = w
	}
	if !b.sweeping {
		b.sweeping = true
		go b.sweep()
	}
	b.mu.Unlock()

	select {
	case <-w.done:
		return w.record, w.err
	case <-ctx.Done():
		select {
		case <-w.done:
			return w.record, w.err
		default:
		}
		return nil, ctx.Err()
	}
}

// pendingCount returns the number of outstanding waits.
func (b *buffer) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// sweep expires overdue waits once per interval. It exits when no wait is
// outstanding; the next await starts it again.
func (b *buffer) sweep() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			var expired []string
			b.mu.Lock()
			for id, w := range b.pending {
				if now.Before(w.deadline) {
					continue
				}
				delete(b.pending, id)
				w.settle(nil, errs.Timeout(id, b.timeout))
				expired = append(expired, id)
			}
			idle := len(b.pending) == 0
			if idle {
				b.sweeping = false
			}
			b.mu.Unlock()

			for _, id := range expired {
				b.log.Warn("object not received in time", "id", id, "timeout", b.timeout)
				if b.onTimeout != nil {
					b.onTimeout(id)
				}
			}
			if idle {
				return
			}
		}
	}
}

// dispose rejects every pending wait, drops the records and stops the
// sweeper. Later awaits fail immediately.
func (b *buffer) dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.disposed = true
	for id, w := range b.pending {
		w.settle(nil, errs.Disposed(id))
	}
	b.pending = make(map[string]*wait)
	b.records = make(map[string]map[string]any)
	close(b.stop)
}
