package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "objects-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	db, err := OpenDir(tmpDir)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Errorf("expected database file %s", FileName)
	}
	return db
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	n, err := db.InsertObjects(ctx, "s1", []Object{
		{ID: "a", Content: `{"id":"a"}`},
		{ID: "b", Content: `{"id":"b"}`},
	})
	if err != nil {
		t.Fatalf("InsertObjects failed: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	content, err := db.GetObject(ctx, "s1", "a")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if content != `{"id":"a"}` {
		t.Errorf("content = %q", content)
	}

	// Streams are isolated
	if _, err := db.GetObject(ctx, "s2", "a"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	db.InsertObjects(ctx, "s1", []Object{{ID: "a", Content: "first"}})
	n, err := db.InsertObjects(ctx, "s1", []Object{
		{ID: "a", Content: "second"},
		{ID: "b", Content: "b"},
	})
	if err != nil {
		t.Fatalf("InsertObjects failed: %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}

	content, _ := db.GetObject(ctx, "s1", "a")
	if content != "first" {
		t.Errorf("existing record overwritten: %q", content)
	}

	count, err := db.CountObjects(ctx, "s1")
	if err != nil {
		t.Fatalf("CountObjects failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestHasObjects(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var objs []Object
	var ids []string
	for i := 0; i < 1200; i++ {
		id := fmt.Sprintf("id-%04d", i)
		ids = append(ids, id)
		if i%2 == 0 {
			objs = append(objs, Object{ID: id, Content: "{}"})
		}
	}
	if _, err := db.InsertObjects(ctx, "s1", objs); err != nil {
		t.Fatalf("InsertObjects failed: %v", err)
	}

	has, err := db.HasObjects(ctx, "s1", ids)
	if err != nil {
		t.Fatalf("HasObjects failed: %v", err)
	}
	if len(has) != 600 {
		t.Errorf("found %d, want 600", len(has))
	}
	if !has["id-1000"] || has["id-1001"] {
		t.Error("wrong membership across batch boundary")
	}

	empty, err := db.HasObjects(ctx, "s1", nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("HasObjects(nil) = %v, %v", empty, err)
	}
}

func TestStreamObjects(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	db.InsertObjects(ctx, "s1", []Object{
		{ID: "a", Content: "A"},
		{ID: "b", Content: "B"},
	})

	var got []string
	err := db.StreamObjects(ctx, "s1", []string{"a", "missing", "b"}, func(o Object) error {
		got = append(got, o.ID+"="+o.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamObjects failed: %v", err)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a=A" || got[1] != "b=B" {
		t.Errorf("got %v", got)
	}

	stop := errors.New("stop")
	err = db.StreamObjects(ctx, "s1", []string{"a", "b"}, func(Object) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	if !isSQLiteBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("expected busy")
	}
	if isSQLiteBusy(errors.New("no such table")) || isSQLiteBusy(nil) {
		t.Error("unexpected busy")
	}
}

func TestWithRetryReturnsPermanentErrorUnwrapped(t *testing.T) {
	perm := errors.New("constraint failed")
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return perm
	})
	if err != perm {
		t.Errorf("err = %v, want %v", err, perm)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
