package objects

import (
	"strconv"
	"strings"
	"sync"
)

// DefaultChunkSize is the slice length used when a chunkable field does not
// name a valid size.
const DefaultChunkSize = 1000

// FieldTag describes how the writer treats one property.
type FieldTag struct {
	// Detach persists the value as its own record and leaves a reference.
	Detach bool
	// Chunk splits a primitive array into detached DataChunk records.
	Chunk bool
	// ChunkSize is the slice length; values <= 0 mean DefaultChunkSize.
	ChunkSize int
}

// Size returns the effective chunk size.
func (t FieldTag) Size() int {
	if t.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return t.ChunkSize
}

// Schema maps field names to tags for one speckle_type.
type Schema map[string]FieldTag

// ParseKey decodes the key-level detach convention. "@name" detaches,
// "@(N)name" chunks with size N. A malformed or missing N falls back to the
// default size. The returned name is the key with the marker removed.
func ParseKey(key string) (string, FieldTag) {
	if !strings.HasPrefix(key, "@") || len(key) == 1 {
		return key, FieldTag{}
	}
	rest := key[1:]
	if strings.HasPrefix(rest, "(") {
		end := strings.IndexByte(rest, ')')
		if end > 0 {
			return rest[end+1:], FieldTag{Detach: true, Chunk: true, ChunkSize: parseSize(rest[1:end])}
		}
	}
	return rest, FieldTag{Detach: true}
}

// ParseTag decodes a textual field tag: "detach", "chunk" or "chunk=N",
// comma separated. Unknown words are ignored.
func ParseTag(tag string) FieldTag {
	var ft FieldTag
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		name, value, hasValue := strings.Cut(part, "=")
		switch name {
		case "detach":
			ft.Detach = true
		case "chunk", "chunkable":
			ft.Chunk = true
			ft.Detach = true
			if hasValue {
				ft.ChunkSize = parseSize(value)
			}
		}
	}
	return ft
}

func parseSize(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return DefaultChunkSize
	}
	return n
}

// Registry holds the schemas of known speckle_types. It is resolved once per
// type at registration time and consulted per property while writing.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register sets the schema for speckleType, replacing any previous one.
func (r *Registry) Register(speckleType string, s Schema) {
	cp := make(Schema, len(s))
	for k, v := range s {
		cp[k] = v
	}
	r.mu.Lock()
	r.schemas[speckleType] = cp
	r.mu.Unlock()
}

// RegisterTags registers a schema written as textual tags.
func (r *Registry) RegisterTags(speckleType string, tags map[string]string) {
	s := make(Schema, len(tags))
	for field, tag := range tags {
		s[field] = ParseTag(tag)
	}
	r.Register(speckleType, s)
}

// Lookup returns the tag for field on speckleType.
func (r *Registry) Lookup(speckleType, field string) (FieldTag, bool) {
	if r == nil {
		return FieldTag{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[speckleType]
	if !ok {
		return FieldTag{}, false
	}
	tag, ok := s[field]
	return tag, ok
}

// Resolve combines the key convention with the registered schema. Schema
// tags win over the key convention when both are present.
func (r *Registry) Resolve(speckleType, key string) (string, FieldTag) {
	name, tag := ParseKey(key)
	if t, ok := r.Lookup(speckleType, name); ok {
		return name, t
	}
	return name, tag
}
