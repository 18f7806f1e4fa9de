// Package objects defines the record model of the object graph: domain
// objects, references, data chunks and closures, plus the field schema that
// decides whether a property is inlined, detached or chunked.
package objects

import (
	"sort"
	"strings"
)

// Reserved field names.
const (
	FieldID           = "id"
	FieldType         = "speckle_type"
	FieldClosure      = "__closure"
	FieldTotalCount   = "totalChildrenCount"
	FieldReferencedID = "referencedId"
	FieldData         = "data"
)

// Reserved type discriminators.
const (
	TypeReference = "reference"
	TypeDataChunk = "Speckle.Core.Models.DataChunk"
)

// BlobPrefix marks closure entries that point at binary blobs rather than
// records. They are never requested from the object endpoints.
const BlobPrefix = "blob:"

// Object is a domain object: a property map carrying a speckle_type.
type Object map[string]any

// Type returns the speckle_type discriminator, or "".
func (o Object) Type() string {
	t, _ := o[FieldType].(string)
	return t
}

// ID returns the content address assigned to the object, or "".
func (o Object) ID() string {
	id, _ := o[FieldID].(string)
	return id
}

// Closure is the set of transitively detached descendants of a record,
// keyed by id, with the minimum relative depth at which each is reachable.
type Closure map[string]int

// SortedIDs returns the closure ids ordered by ascending depth, ties broken
// by id so the order is reproducible. Blob placeholders are dropped.
func (c Closure) SortedIDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		if IsBlobPlaceholder(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		di, dj := c[ids[i]], c[ids[j]]
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// ClosureOf extracts the __closure field of a decoded record. Depths may
// arrive as any JSON number representation.
func ClosureOf(record map[string]any) Closure {
	raw, ok := record[FieldClosure].(map[string]any)
	if !ok {
		if c, ok := record[FieldClosure].(Closure); ok {
			return c
		}
		if c, ok := record[FieldClosure].(map[string]int); ok {
			return Closure(c)
		}
		return nil
	}
	c := make(Closure, len(raw))
	for id, v := range raw {
		if d, ok := toInt(v); ok {
			c[id] = d
		}
	}
	return c
}

// TotalChildrenCount returns the totalChildrenCount field of a decoded
// record, falling back to the closure size.
func TotalChildrenCount(record map[string]any) int {
	if n, ok := toInt(record[FieldTotalCount]); ok {
		return n
	}
	return len(ClosureOf(record))
}

// IsBlobPlaceholder reports whether a closure id names a binary blob.
func IsBlobPlaceholder(id string) bool {
	return strings.HasPrefix(id, BlobPrefix)
}

// NewReference returns the placeholder substituted for a detached child.
func NewReference(id string) map[string]any {
	return map[string]any{
		FieldReferencedID: id,
		FieldType:         TypeReference,
	}
}

// ReferencedID returns the target of v if v is a reference.
func ReferencedID(v any) (string, bool) {
	m, ok := asMap(v)
	if !ok {
		return "", false
	}
	id, ok := m[FieldReferencedID].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// NewDataChunk wraps a slice of primitives as a chunk record.
func NewDataChunk(data []any) map[string]any {
	return map[string]any{
		FieldType: TypeDataChunk,
		FieldData: data,
	}
}

// IsDataChunk reports whether v is a data chunk record.
func IsDataChunk(v any) bool {
	m, ok := asMap(v)
	if !ok {
		return false
	}
	t, _ := m[FieldType].(string)
	return strings.Contains(strings.ToLower(t), "datachunk")
}

// IsDomainObject reports whether v is a map carrying a type discriminator.
func IsDomainObject(v any) bool {
	m, ok := asMap(v)
	if !ok {
		return false
	}
	t, _ := m[FieldType].(string)
	return t != ""
}

// IsBookkeeping reports whether key is maintained by the writer rather than
// supplied by the caller.
func IsBookkeeping(key string) bool {
	return key == FieldID || key == FieldClosure || key == FieldTotalCount
}

// StripBookkeeping returns a deep copy of v without id, __closure and
// totalChildrenCount fields.
func StripBookkeeping(v any) any {
	switch val := v.(type) {
	case Object:
		return StripBookkeeping(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if IsBookkeeping(k) {
				continue
			}
			out[k] = StripBookkeeping(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = StripBookkeeping(child)
		}
		return out
	default:
		return v
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Object:
		return m, true
	}
	return nil, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
