package counter

import (
	"context"
	"image"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cvcounter/internal/annotate"
	"cvcounter/internal/config"
	"cvcounter/internal/dataset"
	"cvcounter/internal/detect"
	"cvcounter/internal/events"
	"cvcounter/internal/geometry"
	"cvcounter/internal/log"
	"cvcounter/internal/store"
	"cvcounter/internal/track"
	"cvcounter/internal/video"

	"github.com/rs/zerolog"
)

// Status of a counting engine.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

const loopTick = 10 * time.Millisecond

// Counts is a snapshot of the engine's counters.
type Counts struct {
	Total   int
	Current int
	Defect  int
	Correct int
	Status  Status
}

// Config wires an engine's collaborators. The engine owns Source, Detector
// and Tracker exclusively; Bus and Store are shared.
type Config struct {
	Location config.Location
	Source   video.Source
	Detector detect.Detector
	Tracker  *track.Tracker
	Bus      *events.Bus
	Store    *store.Store
	Sampler  *dataset.Sampler
	Settings *config.Manager
	Debug    bool
}

// Engine counts objects crossing a location's counting area. One ingestion
// goroutine reads frames, detects, tracks, and updates counters; operator
// commands arrive from request handlers and synchronize on the engine mutex.
type Engine struct {
	loc      config.Location
	polygon  geometry.Polygon
	source   video.Source
	detector detect.Detector
	tracker  *track.Tracker
	bus      *events.Bus
	store    *store.Store
	sampler  *dataset.Sampler
	settings *config.Manager
	debug    bool
	logger   zerolog.Logger

	mu           sync.Mutex
	passed       map[int]struct{}
	totalCount   int
	currentCount int
	defectCount  int
	correctCount int
	status       Status

	frameMu     sync.RWMutex
	latestFrame image.Image
	frameSeq    uint64

	viewers atomic.Int32
	running atomic.Bool
	done    chan struct{}
}

// New constructs an engine in the Stopped state. A positive
// start_total_count seeds the passed set with synthetic negative IDs and is
// then zeroed in the configuration so a restart does not reapply it.
func New(cfg Config) *Engine {
	e := &Engine{
		loc:      cfg.Location,
		polygon:  geometry.Polygon(cfg.Location.CountingArea),
		source:   cfg.Source,
		detector: cfg.Detector,
		tracker:  cfg.Tracker,
		bus:      cfg.Bus,
		store:    cfg.Store,
		sampler:  cfg.Sampler,
		settings: cfg.Settings,
		debug:    cfg.Debug,
		logger:   log.WithLocation("engine", cfg.Location.Name),
		passed:   make(map[int]struct{}),
		status:   StatusStopped,
	}

	if n := cfg.Location.StartTotalCount; n > 0 {
		for id := -n; id < 0; id++ {
			e.passed[id] = struct{}{}
		}
		e.totalCount = n
		if e.settings != nil {
			e.settings.Set("detections."+e.loc.Name+".start_total_count", 0)
			if err := e.settings.Save(); err != nil {
				e.logger.Error().Err(err).Msg("failed to persist zeroed start_total_count")
			}
		}
	}
	return e
}

// StartWorker loads the model, opens the source, and launches the ingestion
// loop. Detector failures are fatal: the engine lands in Error and stays
// there. Source failures are not; the loop keeps polling and recovers.
func (e *Engine) StartWorker(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}

	opts := detect.Options{
		WeightsPath: e.loc.WeightsPath,
		Confidence:  e.loc.Confidence,
		IoU:         e.loc.IoU,
		Device:      e.loc.Device,
		VidStride:   e.loc.VidStride,
		Classes:     classList(e.loc.Classes),
	}
	if err := e.detector.LoadModel(ctx, opts); err != nil {
		e.running.Store(false)
		e.setStatus(StatusError)
		e.notify(events.NotifyDanger, "Model loading failed!")
		e.bus.Publish(events.NewStatusEvent(e.loc.Name, events.StatusError))
		e.logger.Error().Err(err).Msg("model load failed")
		return err
	}

	if err := e.source.Open(); err != nil {
		// Not fatal: the loop keeps polling and reconnecting.
		e.notify(events.NotifyDanger, "Lost connection to camera!")
		e.logger.Warn().Err(err).Msg("source open failed")
	}

	e.setStatus(StatusRunning)
	e.done = make(chan struct{})
	e.bus.Publish(events.NewStatusEvent(e.loc.Name, events.StatusStarted))
	go e.run()

	e.logger.Info().Str("video", e.loc.VideoPath).Msg("counting started")
	return nil
}

// Start resumes a paused engine. Starting a stopped engine goes through
// StartWorker.
func (e *Engine) Start() {
	e.mu.Lock()
	paused := e.status == StatusPaused
	if paused {
		e.status = StatusRunning
	}
	e.mu.Unlock()

	if paused {
		e.notify(events.NotifySuccess, "Counting has started!")
		e.bus.Publish(events.NewStatusEvent(e.loc.Name, events.StatusStarted))
	}
}

// Pause freezes counting. Frames keep flowing and being annotated.
func (e *Engine) Pause() {
	e.mu.Lock()
	changed := e.status == StatusRunning || e.status == StatusError
	if changed {
		e.status = StatusPaused
	}
	e.mu.Unlock()

	if changed {
		e.notify(events.NotifyWarning, "Counting has paused!")
		e.bus.Publish(events.NewStatusEvent(e.loc.Name, events.StatusPaused))
	}
}

// Stop terminates the ingestion loop and releases the source and detector.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}

	e.notify(events.NotifyPrimary, "Counting has stopped!")
	e.bus.Publish(events.NewStatusEvent(e.loc.Name, events.StatusStopped))

	e.source.Close()
	if e.done != nil {
		<-e.done
	}
	e.detector.Close()
	e.setStatus(StatusStopped)
	e.logger.Info().Msg("counting stopped")
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Counts returns a snapshot of the counters.
func (e *Engine) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Counts{
		Total:   e.totalCount,
		Current: e.currentCount,
		Defect:  e.defectCount,
		Correct: e.correctCount,
		Status:  e.status,
	}
}

// ViewerAttach marks a streaming viewer as connected; the loop annotates
// frames only while at least one viewer is attached.
func (e *Engine) ViewerAttach() { e.viewers.Add(1) }

// ViewerDetach undoes ViewerAttach.
func (e *Engine) ViewerDetach() { e.viewers.Add(-1) }

// LatestFrame returns the newest annotated frame and its sequence number.
// Nil until a viewer attaches.
func (e *Engine) LatestFrame() (image.Image, uint64) {
	e.frameMu.RLock()
	defer e.frameMu.RUnlock()
	return e.latestFrame, e.frameSeq
}

// Location returns the engine's configuration view.
func (e *Engine) Location() config.Location { return e.loc }

func (e *Engine) run() {
	defer close(e.done)

	for e.running.Load() {
		frame := e.source.Read()
		if frame == nil {
			if !e.running.Load() {
				return
			}
			if e.Status() != StatusError {
				e.notify(events.NotifyDanger, "Lost connection to camera!")
				e.bus.Publish(events.NewStatusEvent(e.loc.Name, events.StatusError))
				e.setStatus(StatusError)
			}
			time.Sleep(loopTick)
			continue
		}

		if e.Status() == StatusError {
			e.notify(events.NotifySuccess, "Connection to camera restored!")
			e.bus.Publish(events.NewStatusEvent(e.loc.Name, events.StatusStarted))
			e.setStatus(StatusRunning)
		}

		e.processFrame(frame)
		time.Sleep(loopTick)
	}
}

func (e *Engine) processFrame(frame *video.Frame) {
	started := time.Now()

	detections, err := e.detector.Detect(context.Background(), frame.JPEG)
	if err != nil {
		e.logger.Error().Err(err).Msg("detection failed")
		if e.Status() != StatusError {
			e.notify(events.NotifyDanger, "Detection failed!")
			e.bus.Publish(events.NewStatusEvent(e.loc.Name, events.StatusError))
			e.setStatus(StatusError)
		}
		return
	}

	dets := make([][5]float64, len(detections))
	classIDs := make([]int, len(detections))
	for i, d := range detections {
		dets[i] = [5]float64{d.Box[0], d.Box[1], d.Box[2], d.Box[3], d.Confidence}
		classIDs[i] = d.ClassID
	}
	tracks := e.tracker.Update(dets)

	viewer := e.viewers.Load() > 0
	var canvas *image.RGBA
	if viewer {
		canvas = annotate.ToRGBA(frame.Image)
		annotate.FillPolygon(canvas, e.polygon, e.loc.AreaColor)
	}

	totalBefore := e.countStep(canvas, tracks)

	e.mu.Lock()
	totalNow := e.totalCount
	e.mu.Unlock()

	if e.sampler != nil && e.sampler.Enabled() && totalNow > totalBefore && e.sampler.Accept() {
		if _, err := e.sampler.Sample(frame.Image, classIDs); err != nil {
			e.logger.Error().Err(err).Msg("dataset sample failed")
		}
	}

	if e.debug && canvas != nil {
		elapsed := time.Since(started).Seconds()
		if elapsed > 0 {
			annotate.DrawText(canvas, 10, 30, "FPS: "+strconv.Itoa(int(1/elapsed)), annotate.Counted)
		}
	}

	e.frameMu.Lock()
	if viewer {
		e.latestFrame = canvas
	} else {
		e.latestFrame = nil
	}
	e.frameSeq++
	e.frameMu.Unlock()
}

// countStep applies the counting rule to this frame's tracks, draws the
// track indicators when a canvas is supplied, and publishes the count
// event. Paused engines skip all of it. Returns the total before the step.
func (e *Engine) countStep(canvas *image.RGBA, tracks [][5]float64) int {
	e.mu.Lock()
	totalBefore := e.totalCount

	if e.status == StatusPaused {
		e.mu.Unlock()
		return totalBefore
	}

	for _, tr := range tracks {
		id := int(tr[4])
		center := geometry.Centroid(tr[0], tr[1], tr[2], tr[3])

		if canvas != nil {
			// Color reflects membership before this frame's update.
			color := annotate.Uncounted
			if _, ok := e.passed[id]; ok {
				color = annotate.Counted
			}
			annotate.FillCircle(canvas, center, e.loc.IndicatorSize, color)
		}

		if _, ok := e.passed[id]; !ok && e.polygon.Contains(center) {
			e.passed[id] = struct{}{}
			e.currentCount++
		}
		e.totalCount = len(e.passed)
	}

	ev := events.NewCountEvent(e.loc.Name,
		e.totalCount-e.defectCount+e.correctCount,
		e.currentCount, e.defectCount, e.correctCount)
	e.mu.Unlock()

	e.bus.Publish(ev)
	return totalBefore
}

// SaveResult is what SaveCount reports back to the operator: the pre-call
// total and the deltas that were just applied.
type SaveResult struct {
	Total   int `json:"total_count"`
	Defect  int `json:"defect_count"`
	Correct int `json:"correct_count"`
}

// SaveCount folds the operator-supplied deltas into the counters and
// persists the session. The returned SaveResult carries the total as it was
// before this call together with the received deltas.
func (e *Engine) SaveCount(correctDelta, defectDelta int, customFields map[string]string, active bool) (SaveResult, bool) {
	e.mu.Lock()
	total := e.totalCount
	e.defectCount += defectDelta
	e.correctCount += correctDelta
	e.currentCount = e.currentCount - defectDelta + correctDelta
	currentTotal := total - e.defectCount + e.correctCount
	defectAcc, correctAcc := e.defectCount, e.correctCount
	e.mu.Unlock()

	err := e.store.SaveResult(e.loc.Name, currentTotal, total, defectAcc, correctAcc, customFields, active)
	if err != nil {
		e.logger.Error().Err(err).Msg("save count failed")
		e.notify(events.NotifyDanger, "Save error!")
	} else {
		e.notify(events.NotifySuccess, "Saved successfully!")
	}

	return SaveResult{Total: total, Defect: defectDelta, Correct: correctDelta}, err == nil
}

// ResetCount clears the passed set, zeroes every counter, and closes the
// active session.
func (e *Engine) ResetCount() bool {
	e.mu.Lock()
	e.passed = make(map[int]struct{})
	e.totalCount = 0
	e.currentCount = 0
	e.defectCount = 0
	e.correctCount = 0
	e.mu.Unlock()

	_, err := e.store.CloseCurrentCount(e.loc.Name)
	if err != nil {
		e.logger.Error().Err(err).Msg("close session failed")
	}
	e.notify(events.NotifyPrimary, "Counting completed successfully!")
	return err == nil
}

// ResetCountCurrent appends a parts entry with the counters as they stand,
// then zeroes the current count and folds the deltas into the accumulators.
// The part carries the accumulated defect/correct values, not the deltas.
func (e *Engine) ResetCountCurrent(correctDelta, defectDelta int) bool {
	e.mu.Lock()
	current := e.currentCount
	total := e.totalCount
	defects := e.defectCount
	correct := e.correctCount
	e.mu.Unlock()

	err := e.store.SavePartResult(e.loc.Name, current, total, defects, correct)
	if err != nil {
		// The in-memory reset still happens; only the part entry is lost.
		e.logger.Error().Err(err).Msg("save part failed")
	}

	e.mu.Lock()
	e.currentCount = 0
	e.defectCount += defectDelta
	e.correctCount += correctDelta
	e.mu.Unlock()

	e.bus.Publish(&events.Event{
		Name:     e.loc.Name + "_count",
		Location: e.loc.Name,
		Data:     map[string]any{"total": total, "current": 0},
	})
	e.notify(events.NotifyPrimary, "The counter has been reset!")
	return err == nil
}

// SaveCapture grabs a frame straight from the source and hands it to the
// sampler with no class filter.
func (e *Engine) SaveCapture() bool {
	frame := e.source.Read()
	if frame == nil {
		e.logger.Warn().Msg("save capture: no frame available")
		return false
	}
	if e.sampler == nil {
		return false
	}
	if _, err := e.sampler.Sample(frame.Image, nil); err != nil {
		e.logger.Error().Err(err).Msg("save capture failed")
		return false
	}
	return true
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) notify(level, message string) {
	e.bus.Publish(events.NewNotification(e.loc.Name, level, message))
}

func classList(classes map[string]string) []int {
	if len(classes) == 0 {
		return nil
	}
	out := make([]int, 0, len(classes))
	for k := range classes {
		if id, err := strconv.Atoi(k); err == nil {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}
