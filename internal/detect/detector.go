package detect

import (
	"context"
	"errors"
)

var (
	// ErrModelNotFound means the weights path does not exist.
	ErrModelNotFound = errors.New("model not found")
	// ErrModelLoadFailed means the inference backend rejected the model.
	ErrModelLoadFailed = errors.New("model load failed")
	// ErrModelNotLoaded means Detect was called before a successful load.
	ErrModelNotLoaded = errors.New("model not loaded")
)

// Options selects and tunes a model at load time.
type Options struct {
	WeightsPath string
	Confidence  float64
	IoU         float64
	Device      string // "cpu" or a GPU selector
	VidStride   int
	Classes     []int // allow-list of class ids; nil means all
}

// Detection is one object found in a frame. Box is [x1, y1, x2, y2] in
// pixel coordinates.
type Detection struct {
	Box        [4]float64
	Confidence float64
	ClassID    int
}

// Detector finds objects in JPEG frames. Confidence and class filtering
// happen inside the detector; callers see only accepted detections.
type Detector interface {
	LoadModel(ctx context.Context, opts Options) error
	Detect(ctx context.Context, frame []byte) ([]Detection, error)
	Close() error
}
