package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"cvcounter/internal/log"

	"github.com/rs/zerolog"
)

// sidecarDetector talks to an inference sidecar over HTTP. The sidecar
// exposes POST /load (JSON) and POST /detect (multipart with the JPEG
// frame); the two model families differ only in the family tag the sidecar
// uses to pick its backend.
type sidecarDetector struct {
	family   string
	endpoint string
	client   *http.Client
	logger   zerolog.Logger

	mu     sync.RWMutex
	loaded bool
	opts   Options
}

// NewYOLO creates a detector backed by a YOLO-family sidecar at endpoint.
func NewYOLO(endpoint string) Detector {
	return newSidecar("yolo", endpoint)
}

// NewSSD creates a detector backed by an SSD-family sidecar at endpoint.
func NewSSD(endpoint string) Detector {
	return newSidecar("ssd", endpoint)
}

// New picks the detector family by its config name ("yolo" or "ssd").
func New(modelType, endpoint string) (Detector, error) {
	switch modelType {
	case "yolo", "":
		return NewYOLO(endpoint), nil
	case "ssd":
		return NewSSD(endpoint), nil
	}
	return nil, fmt.Errorf("unsupported model type %q", modelType)
}

func newSidecar(family, endpoint string) *sidecarDetector {
	return &sidecarDetector{
		family:   family,
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: 15 * time.Second, // inference may run on a busy GPU
		},
		logger: log.WithComponent("detect"),
	}
}

type loadRequest struct {
	Family     string  `json:"family"`
	Weights    string  `json:"weights"`
	Confidence float64 `json:"confidence"`
	IoU        float64 `json:"iou"`
	Device     string  `json:"device"`
	VidStride  int     `json:"vid_stride"`
	Classes    []int   `json:"classes,omitempty"`
}

type detectResponse struct {
	Detections []struct {
		ClassID    int       `json:"class_id"`
		Confidence float64   `json:"confidence"`
		BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
	} `json:"detections"`
	InferenceTimeMs float64 `json:"inference_time_ms"`
	Device          string  `json:"device"`
}

// LoadModel validates the weights file and asks the sidecar to load it.
func (d *sidecarDetector) LoadModel(ctx context.Context, opts Options) error {
	if _, err := os.Stat(opts.WeightsPath); err != nil {
		return fmt.Errorf("%w: %s", ErrModelNotFound, opts.WeightsPath)
	}

	body, err := json.Marshal(loadRequest{
		Family:     d.family,
		Weights:    opts.WeightsPath,
		Confidence: opts.Confidence,
		IoU:        opts.IoU,
		Device:     opts.Device,
		VidStride:  opts.VidStride,
		Classes:    opts.Classes,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/load", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s", ErrModelLoadFailed, strings.TrimSpace(string(msg)))
	}

	d.mu.Lock()
	d.loaded = true
	d.opts = opts
	d.mu.Unlock()

	d.logger.Info().Str("family", d.family).Str("weights", opts.WeightsPath).
		Str("device", opts.Device).Msg("model loaded")
	return nil
}

// Detect posts the frame to the sidecar and returns accepted detections.
func (d *sidecarDetector) Detect(ctx context.Context, frame []byte) ([]Detection, error) {
	d.mu.RLock()
	loaded := d.loaded
	opts := d.opts
	d.mu.RUnlock()
	if !loaded {
		return nil, ErrModelNotLoaded
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame); err != nil {
		return nil, err
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", opts.Confidence))
	w.WriteField("iou", fmt.Sprintf("%.3f", opts.IoU))
	if len(opts.Classes) > 0 {
		ids := make([]string, len(opts.Classes))
		for i, c := range opts.Classes {
			ids[i] = strconv.Itoa(c)
		}
		w.WriteField("classes_filter", strings.Join(ids, ","))
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("detection failed: %s", strings.TrimSpace(string(msg)))
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	out := make([]Detection, 0, len(result.Detections))
	for _, det := range result.Detections {
		if len(det.BBox) != 4 {
			continue
		}
		out = append(out, Detection{
			Box:        [4]float64{det.BBox[0], det.BBox[1], det.BBox[2], det.BBox[3]},
			Confidence: det.Confidence,
			ClassID:    det.ClassID,
		})
	}
	return out, nil
}

// Close releases the sidecar session. Best-effort.
func (d *sidecarDetector) Close() error {
	d.mu.Lock()
	d.loaded = false
	d.mu.Unlock()

	req, err := http.NewRequest(http.MethodPost, d.endpoint+"/unload", nil)
	if err != nil {
		return nil
	}
	resp, err := d.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	return nil
}

// Ensure sidecarDetector implements Detector
var _ Detector = (*sidecarDetector)(nil)
