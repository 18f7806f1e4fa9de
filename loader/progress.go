package loader

import "sync"

// Stages reported through Progress.
const (
	StageDownload     = "download"
	StageConstruction = "construction"
)

// Progress is a snapshot passed to progress callbacks. Current never
// exceeds Total and never decreases within a stage.
type Progress struct {
	Stage   string
	Current int
	Total   int
}

// ProgressFunc receives progress updates. It may be called from several
// goroutines, never concurrently.
type ProgressFunc func(Progress)

type tracker struct {
	mu      sync.Mutex
	stage   string
	current int
	total   int
	fn      ProgressFunc
}

func newTracker(stage string, total int, fn ProgressFunc) *tracker {
	return &tracker{stage: stage, total: total, fn: fn}
}

// add advances the counter by n and reports the clamped value.
func (t *tracker) add(n int) {
	if t == nil || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current >= t.total {
		return
	}
	t.current += n
	if t.current > t.total {
		t.current = t.total
	}
	if t.fn != nil {
		t.fn(Progress{Stage: t.stage, Current: t.current, Total: t.total})
	}
}
