package detect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weightsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.pt")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o644))
	return path
}

func TestLoadModelMissingWeights(t *testing.T) {
	d := NewYOLO("http://localhost:9")
	err := d.LoadModel(context.Background(), Options{WeightsPath: "/nope/model.pt"})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestLoadModelBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cuda out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewYOLO(srv.URL)
	err := d.LoadModel(context.Background(), Options{WeightsPath: weightsFile(t)})
	assert.ErrorIs(t, err, ErrModelLoadFailed)
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestDetectBeforeLoad(t *testing.T) {
	d := NewSSD("http://localhost:9")
	_, err := d.Detect(context.Background(), []byte{0xFF, 0xD8})
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestLoadAndDetect(t *testing.T) {
	var gotLoad loadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/load":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotLoad))
			w.WriteHeader(http.StatusOK)
		case "/detect":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "0.650", r.FormValue("conf_threshold"))
			assert.Equal(t, "0,2", r.FormValue("classes_filter"))
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			file.Close()
			json.NewEncoder(w).Encode(map[string]any{
				"detections": []map[string]any{
					{"class_id": 0, "confidence": 0.91, "bbox": []float64{10, 20, 60, 90}},
					{"class_id": 2, "confidence": 0.72, "bbox": []float64{100, 40, 150, 120}},
				},
				"inference_time_ms": 8.5,
				"device":            "cpu",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewYOLO(srv.URL)
	opts := Options{
		WeightsPath: weightsFile(t),
		Confidence:  0.65,
		IoU:         0.7,
		Device:      "cpu",
		VidStride:   1,
		Classes:     []int{0, 2},
	}
	require.NoError(t, d.LoadModel(context.Background(), opts))
	assert.Equal(t, "yolo", gotLoad.Family)
	assert.Equal(t, opts.WeightsPath, gotLoad.Weights)

	dets, err := d.Detect(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0xD9})
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, [4]float64{10, 20, 60, 90}, dets[0].Box)
	assert.Equal(t, 0, dets[0].ClassID)
	assert.Equal(t, 0.72, dets[1].Confidence)
}

func TestSSDFamilyTag(t *testing.T) {
	var family string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loadRequest
		json.NewDecoder(r.Body).Decode(&req)
		family = req.Family
	}))
	defer srv.Close()

	d := NewSSD(srv.URL)
	require.NoError(t, d.LoadModel(context.Background(), Options{WeightsPath: weightsFile(t)}))
	assert.Equal(t, "ssd", family)
}

func TestNewByModelType(t *testing.T) {
	for _, typ := range []string{"yolo", "ssd", ""} {
		d, err := New(typ, "http://localhost:1")
		require.NoError(t, err)
		assert.NotNil(t, d)
	}
	_, err := New("resnet", "http://localhost:1")
	assert.Error(t, err)
}
