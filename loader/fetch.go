package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/specklesystems/speckle-server-sub009/cache"
	errs "github.com/specklesystems/speckle-server-sub009/errors"
	"github.com/specklesystems/speckle-server-sub009/objects"
	"github.com/specklesystems/speckle-server-sub009/proto"
	"github.com/specklesystems/speckle-server-sub009/stream"
)

// maxBatchRequests bounds concurrent batch downloads.
const maxBatchRequests = 4

// DownloadObjectsInBuffer pulls the root and every record of its closure
// into the session buffer, from the cache first and the server for the
// rest. It returns once every issued request has finished. Access errors
// are fatal; other request failures are logged and show up later as
// resolution timeouts for the ids they would have delivered.
func (l *Loader) DownloadObjectsInBuffer(ctx context.Context, onProgress ProgressFunc) error {
	if err := l.transition(StateDownloading, StateIdle); err != nil {
		return err
	}
	ctx, cancel := l.bind(ctx)
	defer cancel()

	err := l.download(ctx, onProgress)
	if err != nil {
		l.setState(StateIdle)
		return err
	}
	l.setState(StateBuffered)
	return nil
}

func (l *Loader) download(ctx context.Context, onProgress ProgressFunc) error {
	start := time.Now()
	root, err := l.getRoot(ctx)
	if err != nil {
		return err
	}
	l.buffer.put(l.opts.ObjectID, root)

	ids := objects.ClosureOf(root).SortedIDs()
	progress := newTracker(StageDownload, len(ids)+1, onProgress)
	progress.add(1)

	missing := l.lookupCache(ctx, ids, progress)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(missing) > 0 {
		if err := l.fetchMissing(ctx, missing, progress); err != nil {
			return err
		}
	}

	l.log.Debug("download finished",
		"records", len(ids)+1,
		"from_network", len(missing),
		"buffered", l.buffer.len(),
		"duration", time.Since(start))
	return nil
}

// getRoot returns the root record from the cache or the single-object
// endpoint. The result is kept for the rest of the session.
func (l *Loader) getRoot(ctx context.Context) (map[string]any, error) {
	if root := l.rootRecord(); root != nil {
		return root, nil
	}
	id := l.opts.ObjectID

	if l.cache.IsAvailable() {
		if text, ok := l.cache.GetMany(ctx, []string{id})[id]; ok {
			root, err := stream.Record{ID: id, JSON: text}.Decode()
			if err == nil {
				l.metrics.cacheHits.Inc()
				l.keepRoot(root)
				return root, nil
			}
			l.log.Warn("ignoring undecodable cached root", "error", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+proto.SingleObjectPath(l.opts.StreamID, id), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", proto.ContentTypeText)
	l.authorize(req)

	resp, err := l.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, errs.Transport("get root", 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.Access("get root", id, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errs.Transport("get root", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transport("get root", resp.StatusCode, fmt.Errorf("reading body: %w", err))
	}
	text := string(body)
	root, err := stream.Record{ID: id, JSON: text}.Decode()
	if err != nil {
		return nil, err
	}
	l.cache.PutMany(ctx, []cache.Entry{{ID: id, Encoded: text}})
	l.metrics.networkRecords.Inc()
	l.keepRoot(root)
	return root, nil
}

func (l *Loader) keepRoot(root map[string]any) {
	l.mu.Lock()
	if l.root == nil {
		l.root = root
	}
	l.mu.Unlock()
}

func (l *Loader) authorize(req *http.Request) {
	if l.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.opts.Token)
	}
}

// lookupCache buffers every id found in the cache, in priority order, and
// returns the ids it did not find. For large closures the lookup of the next
// bucket runs while the current bucket's hits are buffered.
func (l *Loader) lookupCache(ctx context.Context, ids []string, progress *tracker) []string {
	if len(ids) == 0 || !l.cache.IsAvailable() {
		return ids
	}

	lookup := func(bucket []string) <-chan map[string]string {
		ch := make(chan map[string]string, 1)
		go func() {
			ch <- l.cache.GetMany(ctx, bucket)
		}()
		return ch
	}

	buckets := partition(ids)
	var missing []string
	next := lookup(buckets[0])
	for i, bucket := range buckets {
		hits := <-next
		if i+1 < len(buckets) {
			next = lookup(buckets[i+1])
		}
		found := 0
		for _, id := range bucket {
			text, ok := hits[id]
			if !ok {
				missing = append(missing, id)
				continue
			}
			rec, err := stream.Record{ID: id, JSON: text}.Decode()
			if err != nil {
				l.log.Warn("ignoring undecodable cache entry", "id", id, "error", err)
				missing = append(missing, id)
				continue
			}
			l.buffer.put(id, rec)
			found++
		}
		l.metrics.cacheHits.Add(float64(found))
		progress.add(found)
	}
	return missing
}

// fetchMissing downloads ids from the server, one request per priority
// bucket, at most maxBatchRequests at a time.
func (l *Loader) fetchMissing(ctx context.Context, ids []string, progress *tracker) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchRequests)
	for _, bucket := range partition(ids) {
		g.Go(func() error {
			err := l.fetchBatch(gctx, bucket, progress)
			if err == nil || errors.Is(err, errs.ErrAccess) || gctx.Err() != nil {
				return err
			}
			l.log.Warn("batch download failed", "ids", len(bucket), "error", err)
			return nil
		})
	}
	return g.Wait()
}

// fetchBatch streams one batch of records into the buffer and persists them
// to the cache as they arrive.
func (l *Loader) fetchBatch(ctx context.Context, ids []string, progress *tracker) error {
	l.metrics.batchRequests.Inc()

	reqBody, err := proto.NewObjectsRequest(ids)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+proto.GetObjectsPath(l.opts.StreamID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", proto.ContentTypeJSON)
	req.Header.Set("Accept", proto.ContentTypeText)
	l.authorize(req)

	resp, err := l.opts.HTTPClient.Do(req)
	if err != nil {
		return errs.Transport("get objects", 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Access("get objects", "", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return errs.Transport("get objects", resp.StatusCode, nil)
	}

	pendingCache := make([]cache.Entry, 0, cacheWriteBatch)
	flushCache := func() {
		if len(pendingCache) == 0 {
			return
		}
		l.cache.PutMany(ctx, pendingCache)
		pendingCache = pendingCache[:0]
	}
	defer flushCache()

	err = stream.Each(resp.Body, func(r stream.Record) error {
		rec, err := r.Decode()
		if err != nil {
			l.log.Warn("skipping malformed record", "error", err)
			return nil
		}
		if l.buffer.put(r.ID, rec) {
			l.metrics.networkRecords.Inc()
			progress.add(1)
		}
		pendingCache = append(pendingCache, cache.Entry{ID: r.ID, Encoded: r.JSON})
		if len(pendingCache) >= cacheWriteBatch {
			flushCache()
		}
		return nil
	}, func(err error) {
		l.log.Warn("skipping malformed line", "error", err)
	})
	if err != nil {
		return errs.Transport("get objects", resp.StatusCode, fmt.Errorf("reading stream: %w", err))
	}
	return nil
}
