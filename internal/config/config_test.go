package config

import (
	"image"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const sampleConfig = `{
    "debug": false,
    "detection_default": {
        "confidence": 0.5,
        "iou": 0.7,
        "video_fps": 25,
        "video_show_scale": 50,
        "video_show_quality": 50,
        "indicator_size": 10,
        "vid_stride": 1
    },
    "detections": {
        "line1": {
            "label": "Line 1",
            "video_path": "rtsp://cam.local/stream1",
            "model_type": "yolo",
            "weights_path": "models/line1.pt",
            "confidence": 0.65,
            "counting_area": [[10, 10], [110, 10], [110, 110], [10, 110]],
            "counting_area_color": [255, 64, 0],
            "start_total_count": 0,
            "classes": {"0": "bottle"},
            "dataset_create": {
                "enable": true,
                "path": "dataset/line1",
                "probability": 0.3,
                "classes": {"0": "bottle"}
            }
        }
    },
    "users": {"admin": {"password": "x"}},
    "server": {"host": "0.0.0.0", "port": 8080},
    "db": {"uri": "file:counts.db", "prefix": ""}
}`

func writeSample(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	m, err := Load(path)
	require.NoError(t, err)
	return m, path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDottedGetSet(t *testing.T) {
	m, _ := writeSample(t)

	assert.Equal(t, 0.65, m.GetFloat("detections.line1.confidence", 0))
	assert.Equal(t, 8080, m.GetInt("server.port", 0))
	assert.Nil(t, m.Get("detections.line1.missing"))

	m.Set("detections.line1.start_total_count", 5)
	assert.Equal(t, 5, m.GetInt("detections.line1.start_total_count", 0))

	m.Set("general.new.deep", "v")
	assert.Equal(t, "v", m.GetString("general.new.deep", ""))

	m.Delete("detections.line1.confidence")
	// Falls back to detection_default after deletion.
	loc, err := m.Location("line1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, loc.Confidence)
}

func TestLocationView(t *testing.T) {
	m, _ := writeSample(t)

	loc, err := m.Location("line1")
	require.NoError(t, err)
	assert.Equal(t, "Line 1", loc.Label)
	assert.Equal(t, "rtsp://cam.local/stream1", loc.VideoPath)
	assert.Equal(t, 0.65, loc.Confidence)
	assert.Equal(t, 0.7, loc.IoU)     // from detection_default
	assert.Equal(t, 25, loc.VideoFPS) // from detection_default
	assert.Equal(t, []image.Point{{10, 10}, {110, 10}, {110, 110}, {10, 110}}, loc.CountingArea)
	assert.Equal(t, uint8(255), loc.AreaColor.R)
	assert.True(t, loc.Dataset.Enable)
	assert.Equal(t, 0.3, loc.Dataset.Probability)

	_, err = m.Location("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotIsolation(t *testing.T) {
	m, _ := writeSample(t)

	snap := m.Snapshot()
	v := snap.Version()
	m.Set("server.port", 9999)

	assert.Equal(t, float64(8080), snap.Get("server.port"))
	assert.Greater(t, m.Snapshot().Version(), v)
}

func TestSaveFromFormRoundTrip(t *testing.T) {
	m, path := writeSample(t)

	form := url.Values{}
	form.Set("detections-line1-confidence", "0.75")
	form.Set("detections-line1-vid_stride", "2")
	form.Set("detections-line1-dataset_create-enable", "off")
	form.Set("detections-line1-counting_area", "[[0, 0], [50, 0], [50, 50], [0, 50]]")
	form.Set("general-title", "Shop floor")
	require.NoError(t, m.SaveFromForm(form))

	// Values survive a reload from disk.
	m2, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.75, m2.GetFloat("detections.line1.confidence", 0))
	assert.Equal(t, 2, m2.GetInt("detections.line1.vid_stride", 0))
	assert.Equal(t, false, m2.GetBool("detections.line1.dataset_create.enable", true))
	assert.Equal(t, "Shop floor", m2.GetString("general.title", ""))

	loc, err := m2.Location("line1")
	require.NoError(t, err)
	assert.Equal(t, []image.Point{{0, 0}, {50, 0}, {50, 50}, {0, 50}}, loc.CountingArea)
}

func TestSaveFromFormHashesPasswords(t *testing.T) {
	m, _ := writeSample(t)

	form := url.Values{}
	form.Set("users-admin-password", "s3cret")
	require.NoError(t, m.SaveFromForm(form))

	stored := m.GetString("users.admin.password", "")
	require.NotEqual(t, "s3cret", stored)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored), []byte("s3cret")))

	// A second save of the stored hash must not double-hash it.
	form.Set("users-admin-password", stored)
	require.NoError(t, m.SaveFromForm(form))
	assert.Equal(t, stored, m.GetString("users.admin.password", ""))
}

func TestCoerceValue(t *testing.T) {
	assert.Equal(t, 42, CoerceValue("42"))
	assert.Equal(t, -7, CoerceValue("-7"))
	assert.Equal(t, 1.5, CoerceValue("1.5"))
	assert.Equal(t, true, CoerceValue("on"))
	assert.Equal(t, false, CoerceValue("off"))
	assert.Equal(t, true, CoerceValue("true"))
	assert.Equal(t, false, CoerceValue("false"))
	assert.Equal(t, "hello", CoerceValue("hello"))
	assert.Equal(t, []any{1, 2, 3}, CoerceValue("[1, 2, 3]"))
	assert.Equal(t, []any{[]any{10, 20}, []any{30, 40}}, CoerceValue("[[10, 20], [30, 40]]"))
	assert.Equal(t, []any{"a", "b"}, CoerceValue("['a', 'b']"))
}
