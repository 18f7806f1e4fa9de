// Package loader reconstructs an object tree from its root id. Records are
// first pulled into a session buffer, from the local cache when possible and
// from the server otherwise; the tree is then rebuilt by resolving
// references against that buffer.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/specklesystems/speckle-server-sub009/cache"
	errs "github.com/specklesystems/speckle-server-sub009/errors"
	"github.com/specklesystems/speckle-server-sub009/objects"
)

// Defaults.
const (
	DefaultInterval       = 20 * time.Millisecond
	DefaultTimeout        = 3 * time.Minute
	DefaultMaxConcurrency = 32
	// cacheWriteBatch is the number of downloaded records persisted to the
	// cache per write.
	cacheWriteBatch = 500
	// yieldEvery is how many nodes construction visits between context
	// checks.
	yieldEvery = 1000
)

// Options configures a Loader.
type Options struct {
	ServerURL string
	StreamID  string
	ObjectID  string
	Token     string

	// HTTPClient defaults to a client without a global timeout; downloads
	// of large models can legitimately take minutes.
	HTTPClient *http.Client
	// Cache defaults to cache.Noop.
	Cache cache.Cache

	// Interval is the sweep period of pending reference waits.
	Interval time.Duration
	// Timeout bounds how long a referenced record is awaited.
	Timeout time.Duration
	// IgnoreProperties are glob patterns (doublestar syntax) of property
	// names removed during construction.
	IgnoreProperties []string
	// MaxConcurrency bounds references resolved in parallel.
	MaxConcurrency int

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// State is the lifecycle position of a Loader.
type State int

const (
	StateIdle State = iota
	StateDownloading
	StateBuffered
	StateConstructing
	StateDone
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateBuffered:
		return "buffered"
	case StateConstructing:
		return "constructing"
	case StateDone:
		return "done"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Loader is one download-and-construct session for a root object.
type Loader struct {
	opts    Options
	baseURL string
	cache   cache.Cache
	log     *slog.Logger
	metrics *loaderMetrics
	buffer  *buffer

	session context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	state State
	root  map[string]any
}

// New validates opts and creates a Loader.
func New(opts Options) (*Loader, error) {
	switch {
	case strings.TrimSpace(opts.ServerURL) == "":
		return nil, errs.Configuration("loader", "server URL is required")
	case strings.TrimSpace(opts.StreamID) == "":
		return nil, errs.Configuration("loader", "stream id is required")
	case strings.TrimSpace(opts.ObjectID) == "":
		return nil, errs.Configuration("loader", "object id is required")
	}
	for _, p := range opts.IgnoreProperties {
		if !doublestar.ValidatePattern(p) {
			return nil, errs.Configuration("loader", "invalid ignore pattern %q", p)
		}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Cache == nil {
		opts.Cache = cache.Noop{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	log := opts.Logger.With("component", "loader", "stream", opts.StreamID, "object", opts.ObjectID)
	m := newLoaderMetrics(opts.Registerer)
	buf := newBuffer(opts.Interval, opts.Timeout, log)
	buf.onTimeout = func(string) { m.timeouts.Inc() }

	session, cancel := context.WithCancel(context.Background())
	return &Loader{
		opts:    opts,
		baseURL: strings.TrimRight(opts.ServerURL, "/"),
		cache:   opts.Cache,
		log:     log,
		metrics: m,
		buffer:  buf,
		session: session,
		cancel:  cancel,
	}, nil
}

// NewFromURL creates a Loader from an object URL of the form
// {server}/streams/{streamId}/objects/{objectId}. Fields already set in
// opts are overwritten.
func NewFromURL(objectURL string, opts Options) (*Loader, error) {
	server, stream, object, err := ParseObjectURL(objectURL)
	if err != nil {
		return nil, err
	}
	opts.ServerURL = server
	opts.StreamID = stream
	opts.ObjectID = object
	return New(opts)
}

// ParseObjectURL splits an object URL into server, stream id and object id.
func ParseObjectURL(objectURL string) (server, streamID, objectID string, err error) {
	u, perr := url.Parse(objectURL)
	if perr != nil || u.Scheme == "" || u.Host == "" {
		return "", "", "", errs.Configuration("loader", "invalid object URL %q", objectURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+3 < len(parts); i++ {
		if parts[i] == "streams" && parts[i+2] == "objects" && parts[i+1] != "" && parts[i+3] != "" {
			prefix := strings.Join(parts[:i], "/")
			server = u.Scheme + "://" + u.Host
			if prefix != "" {
				server += "/" + prefix
			}
			return server, parts[i+1], parts[i+3], nil
		}
	}
	return "", "", "", errs.Configuration("loader", "object URL %q does not name a stream and object", objectURL)
}

// State returns the current lifecycle state.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loader) transition(to State, from ...State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range from {
		if l.state == s {
			l.state = to
			return nil
		}
	}
	if l.state == StateDisposed {
		return errs.Disposed(l.opts.ObjectID)
	}
	return fmt.Errorf("loader: cannot move from %s to %s", l.state, to)
}

func (l *Loader) setState(s State) {
	l.mu.Lock()
	if l.state != StateDisposed {
		l.state = s
	}
	l.mu.Unlock()
}

// bind derives a context that is also cancelled when the session is
// disposed.
func (l *Loader) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.session, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// GetAndConstruct downloads every record of the graph and rebuilds the
// tree. When some references could not be resolved the partially built tree
// is returned together with an error joining one ResolutionTimeout error per
// failed branch.
func (l *Loader) GetAndConstruct(ctx context.Context, onProgress ProgressFunc) (map[string]any, error) {
	if l.State() == StateIdle {
		if err := l.DownloadObjectsInBuffer(ctx, onProgress); err != nil {
			return nil, err
		}
	}
	if err := l.transition(StateConstructing, StateBuffered, StateDone); err != nil {
		return nil, err
	}

	root := l.rootRecord()
	tree, err := l.TraverseAndConstruct(ctx, root, onProgress)
	l.setState(StateDone)

	out, _ := tree.(map[string]any)
	return out, err
}

// GetObject returns the buffered record for id, waiting for it to arrive if
// it has not yet.
func (l *Loader) GetObject(ctx context.Context, id string) (map[string]any, error) {
	ctx, cancel := l.bind(ctx)
	defer cancel()
	return l.buffer.await(ctx, id)
}

// TotalObjectCount returns the number of records in the graph, the root
// included.
func (l *Loader) TotalObjectCount(ctx context.Context) (int, error) {
	root, err := l.getRoot(ctx)
	if err != nil {
		return 0, err
	}
	return objects.TotalChildrenCount(root) + 1, nil
}

// Iterate downloads the graph if needed and then calls fn with the root and
// every buffered record in closure priority order. Records are passed as
// decoded, references unresolved; fn must not modify them.
func (l *Loader) Iterate(ctx context.Context, fn func(map[string]any) error) error {
	if l.State() == StateIdle {
		if err := l.DownloadObjectsInBuffer(ctx, nil); err != nil {
			return err
		}
	}
	root := l.rootRecord()
	if root == nil {
		return fmt.Errorf("loader: root not downloaded (state %s)", l.State())
	}
	if err := fn(root); err != nil {
		return err
	}
	for _, id := range objects.ClosureOf(root).SortedIDs() {
		rec, ok := l.buffer.get(id)
		if !ok {
			l.log.Warn("skipping record missing from buffer", "id", id)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Dispose tears the session down: outstanding waits fail with ErrDisposed,
// in-flight downloads are cancelled and the buffer is cleared.
func (l *Loader) Dispose() {
	l.mu.Lock()
	l.state = StateDisposed
	l.root = nil
	l.mu.Unlock()

	l.buffer.dispose()
	l.cancel()
}

func (l *Loader) rootRecord() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.root
}

// ignored reports whether a property is removed during construction.
func (l *Loader) ignored(key string) bool {
	for _, p := range l.opts.IgnoreProperties {
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	return false
}
