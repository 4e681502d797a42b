package track

import (
	"math"
	"sort"
)

// Options tunes track association and lifecycle.
type Options struct {
	MaxAge       int     // frames a track survives without a match
	MinHits      int     // matches required before a track is reported
	IoUThreshold float64 // minimum overlap for association
}

// DefaultOptions matches the tuning used by the counting pipeline.
func DefaultOptions() Options {
	return Options{MaxAge: 30, MinHits: 3, IoUThreshold: 0.3}
}

type trackState struct {
	id   int
	bbox [4]float64
	hits int
	age  int // frames since last match
}

// Tracker assigns stable integer identities to detections across frames.
// It is stateful and intended for use from a single goroutine; each engine
// owns its own instance. Identities are never reused after a track retires.
type Tracker struct {
	opts       Options
	tracks     []*trackState
	nextID     int
	frameCount int
}

// New creates a tracker with the given options. Zero-valued options fall
// back to defaults.
func New(opts Options) *Tracker {
	def := DefaultOptions()
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	if opts.MinHits <= 0 {
		opts.MinHits = def.MinHits
	}
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = def.IoUThreshold
	}
	return &Tracker{opts: opts, nextID: 1}
}

// Update advances the tracker by one frame. Detections are [x1,y1,x2,y2,score];
// the returned slice holds [x1,y1,x2,y2,id] for every confirmed track matched
// this frame. Passing an empty slice ages out existing tracks.
func (t *Tracker) Update(detections [][5]float64) [][5]float64 {
	t.frameCount++

	for _, tr := range t.tracks {
		tr.age++
	}

	matchedTracks, unmatchedDets := t.associate(detections)

	for ti, di := range matchedTracks {
		tr := t.tracks[ti]
		tr.bbox = [4]float64{detections[di][0], detections[di][1], detections[di][2], detections[di][3]}
		tr.hits++
		tr.age = 0
	}

	for _, di := range unmatchedDets {
		t.tracks = append(t.tracks, &trackState{
			id:   t.nextID,
			bbox: [4]float64{detections[di][0], detections[di][1], detections[di][2], detections[di][3]},
			hits: 1,
		})
		t.nextID++
	}

	var out [][5]float64
	alive := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.age == 0 && (tr.hits >= t.opts.MinHits || t.frameCount <= t.opts.MinHits) {
			out = append(out, [5]float64{tr.bbox[0], tr.bbox[1], tr.bbox[2], tr.bbox[3], float64(tr.id)})
		}
		if tr.age <= t.opts.MaxAge {
			alive = append(alive, tr)
		}
	}
	t.tracks = alive
	return out
}

// TrackCount returns the number of live tracks, confirmed or not.
func (t *Tracker) TrackCount() int {
	return len(t.tracks)
}

type candidate struct {
	iou      float64
	trackIdx int
	detIdx   int
}

// associate greedily pairs tracks and detections by descending IoU.
func (t *Tracker) associate(detections [][5]float64) (map[int]int, []int) {
	matched := make(map[int]int)
	if len(t.tracks) == 0 || len(detections) == 0 {
		unmatched := make([]int, 0, len(detections))
		for i := range detections {
			unmatched = append(unmatched, i)
		}
		return matched, unmatched
	}

	var cands []candidate
	for ti, tr := range t.tracks {
		for di, det := range detections {
			v := iou(tr.bbox, [4]float64{det[0], det[1], det[2], det[3]})
			if v >= t.opts.IoUThreshold {
				cands = append(cands, candidate{iou: v, trackIdx: ti, detIdx: di})
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].iou > cands[j].iou })

	usedDet := make(map[int]bool)
	for _, c := range cands {
		if _, ok := matched[c.trackIdx]; ok || usedDet[c.detIdx] {
			continue
		}
		matched[c.trackIdx] = c.detIdx
		usedDet[c.detIdx] = true
	}

	var unmatched []int
	for di := range detections {
		if !usedDet[di] {
			unmatched = append(unmatched, di)
		}
	}
	return matched, unmatched
}

func iou(a, b [4]float64) float64 {
	x1 := math.Max(a[0], b[0])
	y1 := math.Max(a[1], b[1])
	x2 := math.Min(a[2], b[2])
	y2 := math.Min(a[3], b[3])

	w := x2 - x1
	h := y2 - y1
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
