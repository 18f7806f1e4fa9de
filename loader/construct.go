package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	errs "github.com/specklesystems/speckle-server-sub009/errors"
	"github.com/specklesystems/speckle-server-sub009/objects"
)

// TraverseAndConstruct rebuilds v: references are replaced by the records
// they point to, chunked arrays are joined and ignored properties dropped.
// Buffered records are never modified; the result is a fresh copy.
//
// A reference that cannot be resolved is left in place and its error is
// collected. The returned error joins all of them, so a non-nil error may
// accompany a usable partial tree. Context cancellation and disposal abort
// the traversal.
func (l *Loader) TraverseAndConstruct(ctx context.Context, v any, onProgress ProgressFunc) (any, error) {
	ctx, cancel := l.bind(ctx)
	defer cancel()

	total := 0
	if root := l.rootRecord(); root != nil {
		total = objects.TotalChildrenCount(root)
	}
	c := &constructor{
		l:        l,
		ctx:      ctx,
		sem:      semaphore.NewWeighted(int64(l.opts.MaxConcurrency)),
		progress: newTracker(StageConstruction, total, onProgress),
	}
	out := c.value(v)

	if err := c.abortErr(); err != nil {
		return out, err
	}
	return out, errors.Join(c.failures()...)
}

type constructor struct {
	l        *Loader
	ctx      context.Context
	sem      *semaphore.Weighted
	progress *tracker
	nodes    atomic.Int64

	mu      sync.Mutex
	errs    []error
	aborted error
}

func (c *constructor) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(err, errs.ErrResolutionTimeout) {
		c.errs = append(c.errs, err)
		return
	}
	if c.aborted == nil {
		c.aborted = err
	}
}

func (c *constructor) failures() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}

func (c *constructor) abortErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// tick counts a visited node and checks for cancellation every yieldEvery
// nodes. It reports whether the traversal should stop.
func (c *constructor) tick() bool {
	if c.nodes.Add(1)%yieldEvery == 0 {
		if err := c.ctx.Err(); err != nil {
			c.fail(err)
		}
	}
	return c.abortErr() != nil
}

func (c *constructor) value(v any) any {
	if c.tick() {
		return v
	}
	switch val := v.(type) {
	case map[string]any:
		return c.object(val)
	case objects.Object:
		return c.object(val)
	case []any:
		return c.array(val)
	default:
		return v
	}
}

// object copies m without ignored properties and with references resolved.
// Sibling references resolve concurrently while the semaphore has room.
func (c *constructor) object(m map[string]any) any {
	if id, ok := objects.ReferencedID(m); ok {
		return c.resolve(id, m)
	}

	out := make(map[string]any, len(m))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for k, child := range m {
		if c.l.ignored(k) {
			continue
		}
		id, isRef := objects.ReferencedID(child)
		if !isRef {
			v := c.value(child)
			mu.Lock()
			out[k] = v
			mu.Unlock()
			continue
		}
		if c.sem.TryAcquire(1) {
			wg.Add(1)
			go func(k, id string, ref any) {
				defer wg.Done()
				defer c.sem.Release(1)
				v := c.resolve(id, ref)
				mu.Lock()
				out[k] = v
				mu.Unlock()
			}(k, id, child)
			continue
		}
		v := c.resolve(id, child)
		mu.Lock()
		out[k] = v
		mu.Unlock()
	}
	wg.Wait()
	return out
}

// array rebuilds the elements of arr and joins data chunks. When any chunk
// failed to resolve the elements are returned unjoined.
func (c *constructor) array(arr []any) any {
	out := make([]any, len(arr))
	var wg sync.WaitGroup
	for i, child := range arr {
		id, isRef := objects.ReferencedID(child)
		if isRef && c.sem.TryAcquire(1) {
			wg.Add(1)
			go func(i int, id string, ref any) {
				defer wg.Done()
				defer c.sem.Release(1)
				out[i] = c.resolve(id, ref)
			}(i, id, child)
			continue
		}
		if isRef {
			out[i] = c.resolve(id, child)
			continue
		}
		out[i] = c.value(child)
	}
	wg.Wait()

	if len(out) == 0 || !objects.IsDataChunk(out[0]) {
		return out
	}
	joined := make([]any, 0, len(out))
	for _, el := range out {
		chunk, ok := el.(map[string]any)
		if !ok || !objects.IsDataChunk(chunk) {
			return out
		}
		data, _ := chunk[objects.FieldData].([]any)
		joined = append(joined, data...)
	}
	return joined
}

// resolve waits for the record id and constructs it. On failure the
// reference itself is kept.
func (c *constructor) resolve(id string, ref any) any {
	rec, err := c.l.buffer.await(c.ctx, id)
	if err != nil {
		c.fail(err)
		return ref
	}
	out := c.object(rec)
	c.progress.add(1)
	return out
}
