package serializer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specklesystems/speckle-server-sub009/cas"
	"github.com/specklesystems/speckle-server-sub009/objects"
)

type write struct {
	id      string
	encoded string
	size    int
}

// recorder is a Writer keeping everything in memory.
type recorder struct {
	writes  []write
	flushes int
	failOn  string
}

func (r *recorder) Write(_ context.Context, encoded string, size int, id string) error {
	if id == r.failOn {
		return errors.New("disk full")
	}
	r.writes = append(r.writes, write{id: id, encoded: encoded, size: size})
	return nil
}

func (r *recorder) Flush(context.Context) error {
	r.flushes++
	return nil
}

func (r *recorder) ids() []string {
	out := make([]string, len(r.writes))
	for i, w := range r.writes {
		out[i] = w.id
	}
	return out
}

func (r *recorder) record(t *testing.T, id string) map[string]any {
	t.Helper()
	for _, w := range r.writes {
		if w.id == id {
			var m map[string]any
			require.NoError(t, json.Unmarshal([]byte(w.encoded), &m))
			return m
		}
	}
	t.Fatalf("record %s not written", id)
	return nil
}

func TestExampleScenario(t *testing.T) {
	rec := &recorder{}
	s := New(nil, WithWriters(rec))

	res, err := s.Write(context.Background(), map[string]any{
		"a":      1,
		"@child": map[string]any{"speckle_type": "X", "b": 2},
	})
	require.NoError(t, err)

	h1, err := cas.RecordID(map[string]any{"speckle_type": "X", "b": 2})
	require.NoError(t, err)

	require.Equal(t, []string{h1, res.Hash}, rec.ids())
	assert.Equal(t, 1, rec.flushes)

	child := rec.record(t, h1)
	assert.Equal(t, map[string]any{"id": h1, "speckle_type": "X", "b": 2.0}, child)

	root := rec.record(t, res.Hash)
	assert.Equal(t, res.Hash, root["id"])
	assert.Equal(t, 1.0, root["a"])
	assert.Equal(t, map[string]any{"referencedId": h1, "speckle_type": "reference"}, root["child"])
	assert.NotContains(t, root, "@child")
	assert.Equal(t, map[string]any{h1: 1.0}, root[objects.FieldClosure])
	assert.Equal(t, 1.0, root[objects.FieldTotalCount])

	id, err := cas.RecordID(root)
	require.NoError(t, err)
	assert.Equal(t, res.Hash, id, "root id is the hash of its content")
	assert.Equal(t, len(rec.writes[1].encoded), rec.writes[1].size)
}

func TestContentAddressing(t *testing.T) {
	tree := func(v int) map[string]any {
		return map[string]any{
			"speckle_type": "Wall",
			"height":       v,
			"@mesh":        map[string]any{"speckle_type": "Mesh", "faces": []int{0, 1, 2}},
		}
	}

	r1, err := New(nil).Write(context.Background(), tree(3))
	require.NoError(t, err)
	r2, err := New(nil).Write(context.Background(), tree(3))
	require.NoError(t, err)
	r3, err := New(nil).Write(context.Background(), tree(4))
	require.NoError(t, err)

	assert.Equal(t, r1.Hash, r2.Hash)
	assert.NotEqual(t, r1.Hash, r3.Hash)
	assert.True(t, cas.IsValidID(r1.Hash))
}

func TestChunking(t *testing.T) {
	rec := &recorder{}
	s := New(nil, WithWriters(rec))

	vertices := []float64{1, 2, 3, 4, 5, 6, 7}
	res, err := s.Write(context.Background(), map[string]any{
		"speckle_type":  "Mesh",
		"@(3)vertices": vertices,
	})
	require.NoError(t, err)

	refs, ok := res.Tree["vertices"].([]any)
	require.True(t, ok)
	require.Len(t, refs, 3, "ceil(7/3) chunks")

	var joined []any
	for _, r := range refs {
		id, ok := objects.ReferencedID(r)
		require.True(t, ok)
		chunk := rec.record(t, id)
		assert.Equal(t, objects.TypeDataChunk, chunk[objects.FieldType])
		joined = append(joined, chunk[objects.FieldData].([]any)...)
	}
	assert.Equal(t, []any{1.0, 2.0, 3.0, 4.0, 5.0, 6.0, 7.0}, joined)

	closure := res.Tree[objects.FieldClosure].(map[string]int)
	assert.Len(t, closure, 3)
	for _, d := range closure {
		assert.Equal(t, 1, d)
	}
}

func TestChunkingDefaultSize(t *testing.T) {
	faces := make([]int, 2500)
	res, err := New(nil).Write(context.Background(), map[string]any{
		"speckle_type": "Mesh",
		"@(x)faces":    faces,
	})
	require.NoError(t, err)
	assert.Len(t, res.Tree["faces"], 3, "malformed size falls back to 1000")

	res, err = New(nil, WithChunkSize(500)).Write(context.Background(), map[string]any{
		"speckle_type": "Mesh",
		"faces":        faces,
	})
	require.NoError(t, err)
	assert.Len(t, res.Tree["faces"], 2500, "untagged arrays stay inline")
}

func TestChunkingEmptyArray(t *testing.T) {
	res, err := New(nil).Write(context.Background(), map[string]any{
		"speckle_type":  "Mesh",
		"@(10)normals": []float64{},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Tree["normals"])
	assert.NotContains(t, res.Tree, objects.FieldClosure)
}

func TestClosureDepths(t *testing.T) {
	rec := &recorder{}
	s := New(nil, WithWriters(rec))

	res, err := s.Write(context.Background(), map[string]any{
		"speckle_type": "Root",
		"@level": map[string]any{
			"speckle_type": "Level",
			"@room": map[string]any{
				"speckle_type": "Room",
				"name":         "kitchen",
			},
		},
	})
	require.NoError(t, err)

	levelID, _ := objects.ReferencedID(res.Tree["level"])
	level := rec.record(t, levelID)
	roomID, _ := objects.ReferencedID(level["room"])

	assert.Equal(t, map[string]int{levelID: 1, roomID: 2}, res.Tree[objects.FieldClosure])
	assert.Equal(t, 2, res.Tree[objects.FieldTotalCount])
	assert.Equal(t, map[string]any{roomID: 1.0}, level[objects.FieldClosure])

	room := rec.record(t, roomID)
	assert.NotContains(t, room, objects.FieldClosure)
	assert.NotContains(t, room, objects.FieldTotalCount)
}

func TestInlineObjectsCarryDescendants(t *testing.T) {
	res, err := New(nil).Write(context.Background(), map[string]any{
		"speckle_type": "Root",
		"inline": map[string]any{
			"speckle_type": "Group",
			"@member":      map[string]any{"speckle_type": "Beam", "l": 3},
		},
	})
	require.NoError(t, err)

	inline := res.Tree["inline"].(map[string]any)
	memberID, ok := objects.ReferencedID(inline["member"])
	require.True(t, ok)
	assert.Equal(t, map[string]int{memberID: 1}, inline[objects.FieldClosure])
	assert.Equal(t, map[string]int{memberID: 1}, res.Tree[objects.FieldClosure])
}

func TestSharedSubtreeWrittenOnce(t *testing.T) {
	rec := &recorder{}
	s := New(nil, WithWriters(rec))

	shared := map[string]any{"speckle_type": "Material", "color": "red"}
	res, err := s.Write(context.Background(), map[string]any{
		"speckle_type": "Root",
		"@a":           shared,
		"@b":           map[string]any{"speckle_type": "Material", "color": "red"},
	})
	require.NoError(t, err)

	assert.Len(t, rec.writes, 2, "one material record plus the root")
	aID, _ := objects.ReferencedID(res.Tree["a"])
	bID, _ := objects.ReferencedID(res.Tree["b"])
	assert.Equal(t, aID, bID)
	assert.Equal(t, 1, res.Tree[objects.FieldTotalCount])
}

func TestDetachPropagatesThroughContainers(t *testing.T) {
	rec := &recorder{}
	s := New(nil, WithWriters(rec))

	res, err := s.Write(context.Background(), map[string]any{
		"speckle_type": "Root",
		"@elements": []map[string]any{
			{"speckle_type": "Beam", "n": 1},
			{"speckle_type": "Beam", "n": 2},
		},
		"@byName": map[string]any{
			"first": map[string]any{"speckle_type": "Column", "n": 3},
			"note":  "plain",
		},
	})
	require.NoError(t, err)

	elements := res.Tree["elements"].([]any)
	require.Len(t, elements, 2)
	for _, e := range elements {
		_, ok := objects.ReferencedID(e)
		assert.True(t, ok)
	}

	byName := res.Tree["byName"].(map[string]any)
	_, ok := objects.ReferencedID(byName["first"])
	assert.True(t, ok)
	assert.Equal(t, "plain", byName["note"])
	assert.Len(t, rec.writes, 4)
}

func TestSchemaRegistryDetaches(t *testing.T) {
	reg := objects.NewRegistry()
	reg.RegisterTags("Wall", map[string]string{
		"displayValue": "detach",
		"points":       "chunk=2",
	})

	rec := &recorder{}
	res, err := New(reg, WithWriters(rec)).Write(context.Background(), map[string]any{
		"speckle_type": "Wall",
		"displayValue": map[string]any{"speckle_type": "Mesh"},
		"points":       []float64{1, 2, 3},
	})
	require.NoError(t, err)

	_, ok := objects.ReferencedID(res.Tree["displayValue"])
	assert.True(t, ok)
	assert.Len(t, res.Tree["points"], 2)
	assert.Len(t, rec.writes, 4)
}

func TestSkippedProperties(t *testing.T) {
	res, err := New(nil).Write(context.Background(), objects.Object{
		"speckle_type":       "Thing",
		"id":                 "stale",
		"totalChildrenCount": 99,
		"_private":           "hidden",
		"missing":            nil,
		"kept":               true,
	})
	require.NoError(t, err)

	assert.NotEqual(t, "stale", res.Tree["id"])
	assert.NotContains(t, res.Tree, "_private")
	assert.NotContains(t, res.Tree, "missing")
	assert.NotContains(t, res.Tree, objects.FieldTotalCount)
	assert.Equal(t, true, res.Tree["kept"])
}

func TestWriterErrorsPropagate(t *testing.T) {
	child := map[string]any{"speckle_type": "X", "b": 2}
	childID, _ := cas.RecordID(child)

	rec := &recorder{failOn: childID}
	_, err := New(nil, WithWriters(rec)).Write(context.Background(), map[string]any{"@child": child})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, rec.flushes)
}

func TestRootMustBeObject(t *testing.T) {
	_, err := New(nil).Write(context.Background(), []int{1, 2})
	assert.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Write(ctx, map[string]any{"a": 1})
	assert.ErrorIs(t, err, context.Canceled)
}
