package config

import (
	"fmt"
	"image"
	"image/color"
)

// Dataset holds the training-sample settings for a location.
type Dataset struct {
	Enable      bool
	Path        string
	Probability float64
	Classes     map[string]string // class id -> label; nil means any class
}

// Location is the typed per-location view handed to an engine at
// construction. Missing keys fall back to detection_default.
type Location struct {
	Name            string
	Label           string
	VideoPath       string
	ModelType       string
	WeightsPath     string
	Confidence      float64
	IoU             float64
	Device          string
	VidStride       int
	Classes         map[string]string
	CountingArea    []image.Point
	AreaColor       color.RGBA
	VideoScale      int
	VideoQuality    int
	IndicatorSize   int
	VideoFPS        int
	StartTotalCount int
	Dataset         Dataset
}

// Locations returns the names of all configured detection locations.
func (m *Manager) Locations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	detections, _ := m.data["detections"].(map[string]any)
	names := make([]string, 0, len(detections))
	for name := range detections {
		names = append(names, name)
	}
	return names
}

// HasLocation reports whether a detection block exists for name.
func (m *Manager) HasLocation(name string) bool {
	return m.Get("detections."+name) != nil
}

// Location builds the typed view for one location, layering its settings
// over detection_default.
func (m *Manager) Location(name string) (Location, error) {
	raw := m.Get("detections." + name)
	block, ok := raw.(map[string]any)
	if !ok {
		return Location{}, fmt.Errorf("%w: detections.%s", ErrNotFound, name)
	}
	def, _ := m.Get("detection_default").(map[string]any)

	get := func(key string) any {
		if v, ok := block[key]; ok {
			return v
		}
		if def != nil {
			return def[key]
		}
		return nil
	}

	loc := Location{
		Name:            name,
		Label:           asString(get("label"), name),
		VideoPath:       asString(get("video_path"), ""),
		ModelType:       asString(get("model_type"), "yolo"),
		WeightsPath:     asString(get("weights_path"), ""),
		Confidence:      asFloat(get("confidence"), 0.5),
		IoU:             asFloat(get("iou"), 0.7),
		Device:          asString(get("device"), "cpu"),
		VidStride:       asInt(get("vid_stride"), 1),
		Classes:         asStringMap(get("classes")),
		CountingArea:    asPoints(get("counting_area")),
		AreaColor:       asColor(get("counting_area_color")),
		VideoScale:      asInt(get("video_show_scale"), 50),
		VideoQuality:    asInt(get("video_show_quality"), 50),
		IndicatorSize:   asInt(get("indicator_size"), 10),
		VideoFPS:        asInt(get("video_fps"), 0),
		StartTotalCount: asInt(get("start_total_count"), 0),
	}

	if ds, ok := get("dataset_create").(map[string]any); ok {
		loc.Dataset = Dataset{
			Enable:      asBool(ds["enable"]),
			Path:        asString(ds["path"], ""),
			Probability: asFloat(ds["probability"], 0),
			Classes:     asStringMap(ds["classes"]),
		}
	}

	if loc.VideoPath == "" {
		return Location{}, fmt.Errorf("%w: detections.%s.video_path", ErrInvalid, name)
	}
	return loc, nil
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any, def int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	}
	return def
}

func asFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	}
	return def
}

func asStringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}

// asPoints converts a JSON [[x, y], ...] into image points.
func asPoints(v any) []image.Point {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	pts := make([]image.Point, 0, len(raw))
	for _, e := range raw {
		pair, ok := e.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		pts = append(pts, image.Point{X: asInt(pair[0], 0), Y: asInt(pair[1], 0)})
	}
	return pts
}

// asColor converts a JSON [r, g, b] triple into an opaque RGBA.
func asColor(v any) color.RGBA {
	raw, ok := v.([]any)
	if !ok || len(raw) < 3 {
		return color.RGBA{255, 64, 0, 255}
	}
	return color.RGBA{
		R: uint8(asInt(raw[0], 0)),
		G: uint8(asInt(raw[1], 0)),
		B: uint8(asInt(raw[2], 0)),
		A: 255,
	}
}
