package loader

import "math"

// smallBatch is the id count at or below which a list is handled as one
// batch instead of priority buckets.
const smallBatch = 50

// bucketBounds are the cumulative fractions closing each priority bucket.
var bucketBounds = []float64{0.05, 0.20, 0.60, 1.0}

// partition splits ids, already in priority order, into the priority
// buckets. Lists of smallBatch ids or fewer stay whole. Empty buckets are
// dropped.
func partition(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) <= smallBatch {
		return [][]string{ids}
	}
	buckets := make([][]string, 0, len(bucketBounds))
	start := 0
	for _, f := range bucketBounds {
		end := int(math.Ceil(float64(len(ids)) * f))
		if end > len(ids) {
			end = len(ids)
		}
		if end > start {
			buckets = append(buckets, ids[start:end])
			start = end
		}
	}
	return buckets
}
