package dataset

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cvcounter/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 16, 16))
}

func TestSanitizeLocation(t *testing.T) {
	assert.Equal(t, "line1", SanitizeLocation("line1"))
	assert.Equal(t, "line_1-a", SanitizeLocation("line_1-a"))
	assert.Equal(t, "lnea1", SanitizeLocation("línea 1!"))
	assert.Equal(t, "", SanitizeLocation("/../"))
}

func TestSampleWritesFile(t *testing.T) {
	dir := t.TempDir()
	s := New("line 1", config.Dataset{Enable: true, Path: filepath.Join(dir, "out"), Probability: 1})

	path, err := s.Sample(testFrame(), []int{0})
	require.NoError(t, err)
	require.NotEmpty(t, path)

	base := filepath.Base(path)
	assert.True(t, strings.HasPrefix(base, "line1_"), base)
	assert.True(t, strings.HasSuffix(base, ".jpg"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestSampleClassFilter(t *testing.T) {
	s := New("line1", config.Dataset{
		Enable:      true,
		Path:        t.TempDir(),
		Probability: 1,
		Classes:     map[string]string{"2": "box"},
	})

	path, err := s.Sample(testFrame(), []int{0, 1})
	require.NoError(t, err)
	assert.Empty(t, path, "non-matching classes are skipped")

	path, err = s.Sample(testFrame(), []int{1, 2})
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	// nil class list bypasses the filter (operator capture).
	path, err = s.Sample(testFrame(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}

func TestSampleDisabled(t *testing.T) {
	s := New("line1", config.Dataset{Enable: false, Path: t.TempDir()})
	path, err := s.Sample(testFrame(), nil)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.False(t, s.Enabled())
	assert.False(t, s.Accept())
}

func TestAcceptProbability(t *testing.T) {
	s := New("line1", config.Dataset{Enable: true, Path: t.TempDir(), Probability: 0.5})

	s.roll = func() float64 { return 0.4 }
	assert.True(t, s.Accept())
	s.roll = func() float64 { return 0.6 }
	assert.False(t, s.Accept())
}
