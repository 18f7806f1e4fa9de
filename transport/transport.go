// Package transport moves encoded records to an object server. It buffers
// writes, asks the server which ids it lacks and uploads only those.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"

	errs "github.com/specklesystems/speckle-server-sub009/errors"
	"github.com/specklesystems/speckle-server-sub009/internal/retry"
	"github.com/specklesystems/speckle-server-sub009/proto"
)

// Defaults.
const (
	DefaultMaxBufferSize = 200_000
	DefaultMaxRetries    = 3
	DefaultRetryBackoff  = time.Second
	DefaultTimeout       = 2 * time.Minute
)

// Options configures a ServerTransport.
type Options struct {
	ServerURL string
	ProjectID string
	Token     string

	// HTTPClient defaults to a client without a global timeout; each
	// attempt is bounded by Timeout instead.
	HTTPClient *http.Client

	// MaxBufferSize is the accumulated approximate size that triggers a
	// flush from Write.
	MaxBufferSize int
	MaxRetries    int
	RetryBackoff  time.Duration
	Timeout       time.Duration

	// Compress gzips the upload batch.
	Compress bool

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

func (o *Options) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type entry struct {
	id      string
	encoded string
	size    int
}

// ServerTransport uploads records to one project of an object server.
type ServerTransport struct {
	opts    Options
	baseURL string
	log     *slog.Logger
	metrics *transportMetrics

	mu     sync.Mutex
	buffer []entry
	queued map[string]struct{}
	size   int
	// generation is bumped by Dispose; a flush that started under an older
	// generation leaves the buffer alone.
	generation uint64

	flushMu sync.Mutex
}

// New validates opts and creates a transport.
func New(opts Options) (*ServerTransport, error) {
	if strings.TrimSpace(opts.ServerURL) == "" {
		return nil, errs.Configuration("transport", "server URL is required")
	}
	if strings.TrimSpace(opts.ProjectID) == "" {
		return nil, errs.Configuration("transport", "project id is required")
	}
	opts.setDefaults()

	return &ServerTransport{
		opts:    opts,
		baseURL: strings.TrimRight(opts.ServerURL, "/"),
		log:     opts.Logger.With("component", "transport", "project", opts.ProjectID),
		metrics: newTransportMetrics(opts.Registerer),
		queued:  make(map[string]struct{}),
	}, nil
}

// Write queues one encoded record. Ids already queued are ignored. When the
// queued size exceeds MaxBufferSize the buffer is flushed before Write
// returns.
func (t *ServerTransport) Write(ctx context.Context, encoded string, size int, id string) error {
	t.mu.Lock()
	if _, ok := t.queued[id]; ok {
		t.mu.Unlock()
		return nil
	}
	t.queued[id] = struct{}{}
	t.buffer = append(t.buffer, entry{id: id, encoded: encoded, size: size})
	t.size += size
	full := t.size > t.opts.MaxBufferSize
	t.mu.Unlock()

	if full {
		return t.Flush(ctx)
	}
	return nil
}

// Pending returns the number of queued records.
func (t *ServerTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// Flush sends the queued records. Calls are serialized. The buffer is only
// cleared once the server confirmed the upload.
func (t *ServerTransport) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	batch := make([]entry, len(t.buffer))
	copy(batch, t.buffer)
	gen := t.generation
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	cfg := retry.Config{
		MaxAttempts:    t.opts.MaxRetries,
		InitialDelay:   t.opts.RetryBackoff,
		Linear:         true,
		AttemptTimeout: t.opts.Timeout,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			t.metrics.retries.Inc()
			t.log.Warn("flush attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}

	uploaded, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (int, error) {
		return t.send(ctx, batch)
	})
	if err != nil {
		if !errors.Is(err, errs.ErrTransport) && !errors.Is(err, errs.ErrAccess) {
			err = errs.Transport("flush", 0, err)
		}
		return err
	}

	t.mu.Lock()
	if t.generation == gen {
		t.buffer = t.buffer[len(batch):]
		for _, e := range batch {
			delete(t.queued, e.id)
			t.size -= e.size
		}
	}
	t.mu.Unlock()

	t.metrics.flushes.Inc()
	t.metrics.uploaded.Add(float64(uploaded))
	t.metrics.deduplicated.Add(float64(len(batch) - uploaded))
	t.log.Debug("flushed", "queued", len(batch), "uploaded", uploaded, "duration", time.Since(start))
	return nil
}

// send runs one diff-then-upload attempt and returns how many records were
// uploaded.
func (t *ServerTransport) send(ctx context.Context, batch []entry) (int, error) {
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.id
	}

	present, err := t.Diff(ctx, ids)
	if err != nil {
		return 0, err
	}

	missing := make([]string, 0, len(batch))
	for _, e := range batch {
		if !present[e.id] {
			missing = append(missing, e.encoded)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if err := t.upload(ctx, missing); err != nil {
		return 0, err
	}
	return len(missing), nil
}

// Diff asks the server which of ids it already stores.
func (t *ServerTransport) Diff(ctx context.Context, ids []string) (proto.DiffResponse, error) {
	req, err := proto.NewObjectsRequest(ids)
	if err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("encoding diff request: %w", err))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("marshaling diff request: %w", err))
	}

	resp, err := t.post(ctx, proto.DiffPath(t.opts.ProjectID), proto.ContentTypeJSON, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sending diff request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, retry.NonRetryable(errs.Access("diff", "", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, errs.Transport("diff", resp.StatusCode, parseError(resp))
	}

	var result proto.DiffResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errs.Transport("diff", resp.StatusCode, fmt.Errorf("decoding response: %w", err))
	}
	return result, nil
}

func (t *ServerTransport) upload(ctx context.Context, encoded []string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	contentType := proto.ContentTypeJSON
	if t.opts.Compress {
		contentType = proto.ContentTypeGzip
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="batch-0"`, proto.BatchField))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("creating multipart part: %w", err))
	}

	var w io.Writer = part
	var gz *gzip.Writer
	if t.opts.Compress {
		gz = gzip.NewWriter(part)
		w = gz
	}
	if err := writeBatch(w, encoded); err != nil {
		return retry.NonRetryable(err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return retry.NonRetryable(fmt.Errorf("compressing batch: %w", err))
		}
	}
	if err := mw.Close(); err != nil {
		return retry.NonRetryable(fmt.Errorf("closing multipart body: %w", err))
	}

	resp, err := t.post(ctx, proto.UploadPath(t.opts.ProjectID), mw.FormDataContentType(), &body)
	if err != nil {
		return fmt.Errorf("sending upload request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.NonRetryable(errs.Access("upload", "", resp.StatusCode))
	case resp.StatusCode != http.StatusCreated:
		return retry.NonRetryable(errs.Transport("upload", resp.StatusCode, parseError(resp)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// writeBatch writes the records as a JSON array without re-encoding them.
func writeBatch(w io.Writer, encoded []string) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i, e := range encoded {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, e); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// Dispose drops the queued records without sending them. It may run while
// a flush is in flight; records queued after it are kept.
func (t *ServerTransport) Dispose() {
	t.mu.Lock()
	t.buffer = nil
	t.queued = make(map[string]struct{})
	t.size = 0
	t.generation++
	t.mu.Unlock()
}

func (t *ServerTransport) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if t.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.opts.Token)
	}
	return t.opts.HTTPClient.Do(req)
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		if errResp.Details != "" {
			return fmt.Errorf("%s: %s", errResp.Error, errResp.Details)
		}
		return fmt.Errorf("%s", errResp.Error)
	}
	return fmt.Errorf("server error: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
