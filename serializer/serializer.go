// Package serializer decomposes an in-memory object tree into
// content-addressed records. Detached subtrees become records of their own
// and are replaced by references; chunkable arrays are split into data
// chunks. Every record is handed to the configured writers.
package serializer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/specklesystems/speckle-server-sub009/cas"
	"github.com/specklesystems/speckle-server-sub009/objects"
)

// Writer receives encoded records. transport.ServerTransport satisfies it.
type Writer interface {
	Write(ctx context.Context, encoded string, size int, id string) error
	Flush(ctx context.Context) error
}

// Result is the outcome of one Write call.
type Result struct {
	// Hash is the id of the root record.
	Hash string
	// Tree is the root record as persisted, references in place of detached
	// children.
	Tree map[string]any
}

// Serializer turns object trees into records.
type Serializer struct {
	registry  *objects.Registry
	writers   []Writer
	log       *slog.Logger
	chunkSize int
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithChunkSize overrides the chunk size used when a chunk tag names none.
func WithChunkSize(n int) Option {
	return func(s *Serializer) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithWriters appends writers.
func WithWriters(w ...Writer) Option {
	return func(s *Serializer) {
		s.writers = append(s.writers, w...)
	}
}

// New creates a Serializer. A nil registry means only the key convention
// decides detachment.
func New(registry *objects.Registry, opts ...Option) *Serializer {
	s := &Serializer{
		registry:  registry,
		log:       slog.Default(),
		chunkSize: objects.DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write decomposes root, hands every detached record and the root record to
// the writers, then flushes them.
func (s *Serializer) Write(ctx context.Context, root any) (*Result, error) {
	obj, ok := asObject(root)
	if !ok {
		return nil, fmt.Errorf("serialize: root must be an object, got %T", root)
	}

	w := &walk{
		s:          s,
		ctx:        ctx,
		familyTree: make(map[string]map[string]int),
		written:    make(map[string]struct{}),
	}
	record, id, err := w.object(obj, true)
	if err != nil {
		return nil, err
	}

	for _, wr := range s.writers {
		if err := wr.Flush(ctx); err != nil {
			return nil, fmt.Errorf("serialize: flushing: %w", err)
		}
	}
	s.log.Debug("serialized", "root", id, "records", len(w.written))
	return &Result{Hash: id, Tree: record}, nil
}

// frame is one object on the lineage stack.
type frame struct {
	tempID string
	// depth counts the detached objects on the path from the root to this
	// frame, the root excluded.
	depth int
}

// walk is the state of one Write call.
type walk struct {
	s   *Serializer
	ctx context.Context

	lineage []frame
	// familyTree maps a frame's temp id to every detached descendant seen
	// below it and the smallest absolute depth it was seen at.
	familyTree map[string]map[string]int
	written    map[string]struct{}
}

func (w *walk) currentDepth() int {
	if len(w.lineage) == 0 {
		return 0
	}
	return w.lineage[len(w.lineage)-1].depth
}

// object processes one object. detached objects (and the root) are written
// as records.
func (w *walk) object(obj map[string]any, detached bool) (map[string]any, string, error) {
	if err := w.ctx.Err(); err != nil {
		return nil, "", err
	}

	depth := w.currentDepth()
	if detached && len(w.lineage) > 0 {
		depth++
	}
	f := frame{tempID: uuid.NewString(), depth: depth}
	w.lineage = append(w.lineage, f)
	w.familyTree[f.tempID] = make(map[string]int)

	speckleType, _ := obj[objects.FieldType].(string)
	out := make(map[string]any, len(obj))

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := obj[key]
		if value == nil || skipKey(key) {
			continue
		}
		name, tag := w.s.registry.Resolve(speckleType, key)
		if name == "" {
			continue
		}

		if tag.Chunk {
			if items, ok := primitiveSlice(value); ok {
				size := tag.ChunkSize
				if size <= 0 {
					size = w.s.chunkSize
				}
				refs, err := w.chunk(items, size)
				if err != nil {
					return nil, "", err
				}
				out[name] = refs
				continue
			}
		}

		v, err := w.value(value, tag.Detach)
		if err != nil {
			return nil, "", err
		}
		out[name] = v
	}

	w.lineage = w.lineage[:len(w.lineage)-1]

	closure := make(objects.Closure)
	for id, abs := range w.familyTree[f.tempID] {
		closure[id] = abs - f.depth
	}
	delete(w.familyTree, f.tempID)
	if len(closure) > 0 {
		out[objects.FieldClosure] = map[string]int(closure)
		out[objects.FieldTotalCount] = len(closure)
	}

	id, err := cas.RecordID(out)
	if err != nil {
		return nil, "", fmt.Errorf("serialize: hashing %s: %w", describe(speckleType), err)
	}
	out[objects.FieldID] = id

	if detached {
		if err := w.emit(id, out); err != nil {
			return nil, "", err
		}
		if len(w.lineage) > 0 {
			w.recordDetached(id, f.depth)
		}
	}
	return out, id, nil
}

// recordDetached registers id in the family tree of every ancestor.
func (w *walk) recordDetached(id string, depth int) {
	for _, anc := range w.lineage {
		tree := w.familyTree[anc.tempID]
		if d, ok := tree[id]; !ok || depth < d {
			tree[id] = depth
		}
	}
}

// value processes a property value. Domain objects are recursed into;
// dictionaries and arrays carry the detach flag to their elements.
func (w *walk) value(v any, detach bool) (any, error) {
	switch val := normalize(v).(type) {
	case map[string]any:
		if objects.IsDomainObject(val) {
			record, id, err := w.object(val, detach)
			if err != nil {
				return nil, err
			}
			if detach {
				return objects.NewReference(id), nil
			}
			return record, nil
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			if child == nil {
				continue
			}
			c, err := w.value(child, detach)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, child := range val {
			c, err := w.value(child, detach)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return val, nil
	}
}

// chunk splits items into DataChunk records of at most size elements and
// returns the ordered references to them.
func (w *walk) chunk(items []any, size int) ([]any, error) {
	n := int(math.Ceil(float64(len(items)) / float64(size)))
	refs := make([]any, 0, n)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		data := make([]any, end-start)
		copy(data, items[start:end])
		_, id, err := w.object(objects.NewDataChunk(data), true)
		if err != nil {
			return nil, err
		}
		refs = append(refs, objects.NewReference(id))
	}
	return refs, nil
}

func (w *walk) emit(id string, record map[string]any) error {
	if _, ok := w.written[id]; ok {
		return nil
	}
	encoded, err := cas.CanonicalJSON(record)
	if err != nil {
		return fmt.Errorf("serialize: encoding %s: %w", id, err)
	}
	w.written[id] = struct{}{}
	for _, wr := range w.s.writers {
		if err := wr.Write(w.ctx, string(encoded), len(encoded), id); err != nil {
			return fmt.Errorf("serialize: writing %s: %w", id, err)
		}
	}
	return nil
}

// skipKey reports properties never persisted from caller input.
func skipKey(key string) bool {
	return key == objects.FieldID ||
		key == objects.FieldTotalCount ||
		key == objects.FieldClosure ||
		strings.HasPrefix(key, "_")
}

func describe(speckleType string) string {
	if speckleType == "" {
		return "object"
	}
	return speckleType
}
