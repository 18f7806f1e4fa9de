package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/specklesystems/speckle-server-sub009/errors"
	"github.com/specklesystems/speckle-server-sub009/proto"
)

// fakeServer implements the diff and upload endpoints in memory.
type fakeServer struct {
	mu          sync.Mutex
	stored      map[string]bool
	diffCalls   [][]string
	uploads     [][]json.RawMessage
	failDiff    int // number of diff calls answered with 500
	uploadCode  int
	contentType string
	token       string
	onUpload    func() // runs before an upload is acknowledged
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{stored: make(map[string]bool), uploadCode: http.StatusCreated}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/diff/{project}", f.handleDiff)
	mux.HandleFunc("POST /objects/{project}", f.handleUpload)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = r.Header.Get("Authorization")
	if f.failDiff > 0 {
		f.failDiff--
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	var req proto.ObjectsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids, err := req.IDs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.diffCalls = append(f.diffCalls, ids)
	resp := proto.DiffResponse{}
	for _, id := range ids {
		resp[id] = f.stored[id]
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadCode != http.StatusCreated {
		w.WriteHeader(f.uploadCode)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile(proto.BatchField)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	f.contentType = header.Header.Get("Content-Type")

	var src io.Reader = file
	if f.contentType == proto.ContentTypeGzip {
		gz, err := gzip.NewReader(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		src = gz
	}
	var batch []json.RawMessage
	if err := json.NewDecoder(src).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, raw := range batch {
		var rec struct {
			ID string `json:"id"`
		}
		json.Unmarshal(raw, &rec)
		f.stored[rec.ID] = true
	}
	f.uploads = append(f.uploads, batch)
	if f.onUpload != nil {
		f.onUpload()
	}
	w.WriteHeader(http.StatusCreated)
}

func newTransport(t *testing.T, url string, mod func(*Options)) *ServerTransport {
	t.Helper()
	opts := Options{ServerURL: url, ProjectID: "p1", RetryBackoff: time.Millisecond}
	if mod != nil {
		mod(&opts)
	}
	tr, err := New(opts)
	require.NoError(t, err)
	return tr
}

func record(id string) string {
	return `{"id":"` + id + `"}`
}

func TestNewRequiresServerAndProject(t *testing.T) {
	_, err := New(Options{ProjectID: "p"})
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = New(Options{ServerURL: "http://x"})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestFlushUploadsOnlyMissing(t *testing.T) {
	f, srv := newFakeServer(t)
	f.stored["a"] = true
	tr := newTransport(t, srv.URL, func(o *Options) { o.Token = "tok" })
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 10, "a"))
	require.NoError(t, tr.Write(ctx, record("b"), 10, "b"))
	require.NoError(t, tr.Flush(ctx))

	require.Len(t, f.diffCalls, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, f.diffCalls[0])
	require.Len(t, f.uploads, 1)
	require.Len(t, f.uploads[0], 1)
	assert.JSONEq(t, record("b"), string(f.uploads[0][0]))
	assert.Equal(t, "Bearer tok", f.token)
	assert.Equal(t, proto.ContentTypeJSON, f.contentType)
	assert.Equal(t, 0, tr.Pending())

	assert.Equal(t, 1.0, testutil.ToFloat64(tr.metrics.uploaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.metrics.deduplicated))
}

func TestFlushSkipsUploadWhenNothingMissing(t *testing.T) {
	f, srv := newFakeServer(t)
	f.stored["a"] = true
	tr := newTransport(t, srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	require.NoError(t, tr.Flush(ctx))

	assert.Len(t, f.diffCalls, 1)
	assert.Empty(t, f.uploads)
}

func TestFlushEmptyIsNoop(t *testing.T) {
	f, srv := newFakeServer(t)
	tr := newTransport(t, srv.URL, nil)

	require.NoError(t, tr.Flush(context.Background()))
	assert.Empty(t, f.diffCalls)
}

func TestWriteIgnoresQueuedIDs(t *testing.T) {
	f, srv := newFakeServer(t)
	tr := newTransport(t, srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	assert.Equal(t, 1, tr.Pending())

	require.NoError(t, tr.Flush(ctx))
	require.Len(t, f.uploads, 1)
	assert.Len(t, f.uploads[0], 1)
}

func TestWriteAppliesBackpressure(t *testing.T) {
	f, srv := newFakeServer(t)
	tr := newTransport(t, srv.URL, func(o *Options) { o.MaxBufferSize = 25 })
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 10, "a"))
	require.NoError(t, tr.Write(ctx, record("b"), 10, "b"))
	assert.Empty(t, f.diffCalls, "below threshold")

	require.NoError(t, tr.Write(ctx, record("c"), 10, "c"))
	assert.Len(t, f.diffCalls, 1, "crossing the threshold flushes")
	assert.Equal(t, 0, tr.Pending())
}

func TestFlushRetriesTransientFailures(t *testing.T) {
	f, srv := newFakeServer(t)
	f.failDiff = 2
	tr := newTransport(t, srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	require.NoError(t, tr.Flush(ctx))

	assert.Len(t, f.uploads, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(tr.metrics.retries))
}

func TestFlushSurfacesErrorAfterRetries(t *testing.T) {
	f, srv := newFakeServer(t)
	f.failDiff = 10
	tr := newTransport(t, srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	err := tr.Flush(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransport)
	assert.Equal(t, 7, f.failDiff, "three attempts")
	assert.Equal(t, 1, tr.Pending(), "buffer kept after failure")
}

func TestUploadRejectionIsNotRetried(t *testing.T) {
	f, srv := newFakeServer(t)
	f.uploadCode = http.StatusBadRequest
	tr := newTransport(t, srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	err := tr.Flush(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransport)
	assert.Len(t, f.diffCalls, 1)
	assert.Equal(t, 1, tr.Pending())
}

func TestFlushAccessDenied(t *testing.T) {
	mux := http.NewServeMux()
	calls := 0
	mux.HandleFunc("POST /api/diff/{project}", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := newTransport(t, srv.URL, nil)
	ctx := context.Background()
	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))

	err := tr.Flush(ctx)
	assert.ErrorIs(t, err, errs.ErrAccess)
	assert.Equal(t, 1, calls)
}

func TestCompressedUpload(t *testing.T) {
	f, srv := newFakeServer(t)
	tr := newTransport(t, srv.URL, func(o *Options) { o.Compress = true })
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	require.NoError(t, tr.Flush(ctx))

	assert.Equal(t, proto.ContentTypeGzip, f.contentType)
	assert.True(t, f.stored["a"])
}

func TestDisposeDropsBuffer(t *testing.T) {
	f, srv := newFakeServer(t)
	tr := newTransport(t, srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	tr.Dispose()
	require.NoError(t, tr.Flush(ctx))

	assert.Equal(t, 0, tr.Pending())
	assert.Empty(t, f.diffCalls)
}

func TestDisposeDuringFlush(t *testing.T) {
	f, srv := newFakeServer(t)
	tr := newTransport(t, srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	require.NoError(t, tr.Write(ctx, record("b"), 1, "b"))
	f.mu.Lock()
	f.onUpload = func() {
		tr.Dispose()
		assert.NoError(t, tr.Write(ctx, record("c"), 1, "c"))
	}
	f.mu.Unlock()

	require.NoError(t, tr.Flush(ctx))
	assert.Equal(t, 1, tr.Pending(), "records queued after Dispose must survive the flush")

	f.mu.Lock()
	f.onUpload = nil
	f.mu.Unlock()
	require.NoError(t, tr.Flush(ctx))
	assert.Equal(t, 0, tr.Pending())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.True(t, f.stored["c"])
}

func TestFlushHonorsCancellation(t *testing.T) {
	f, srv := newFakeServer(t)
	f.failDiff = 100
	tr := newTransport(t, srv.URL, func(o *Options) { o.RetryBackoff = time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Write(ctx, record("a"), 1, "a"))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := tr.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
