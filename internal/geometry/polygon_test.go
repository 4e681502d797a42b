package geometry

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func square() Polygon {
	return Polygon{{10, 10}, {110, 10}, {110, 110}, {10, 110}}
}

func TestContainsInterior(t *testing.T) {
	poly := square()
	assert.True(t, poly.Contains(image.Point{60, 60}))
	assert.True(t, poly.Contains(image.Point{11, 11}))
	assert.False(t, poly.Contains(image.Point{5, 60}))
	assert.False(t, poly.Contains(image.Point{200, 200}))
}

func TestContainsEdgeAndVertex(t *testing.T) {
	poly := square()
	// Points exactly on an edge or a vertex are inside.
	assert.True(t, poly.Contains(image.Point{10, 60}))
	assert.True(t, poly.Contains(image.Point{60, 10}))
	assert.True(t, poly.Contains(image.Point{110, 110}))
	assert.True(t, poly.Contains(image.Point{10, 10}))
}

func TestContainsRotationInvariant(t *testing.T) {
	base := square()
	inside := image.Point{33, 87}
	outside := image.Point{7, 87}
	edge := image.Point{10, 42}

	for rot := 0; rot < len(base); rot++ {
		poly := make(Polygon, len(base))
		for i := range base {
			poly[i] = base[(i+rot)%len(base)]
		}
		assert.True(t, poly.Contains(inside), "rotation %d", rot)
		assert.False(t, poly.Contains(outside), "rotation %d", rot)
		assert.True(t, poly.Contains(edge), "rotation %d", rot)
	}
}

func TestContainsConcave(t *testing.T) {
	// U-shaped polygon; the notch is outside.
	poly := Polygon{{0, 0}, {100, 0}, {100, 100}, {60, 100}, {60, 40}, {40, 40}, {40, 100}, {0, 100}}
	assert.True(t, poly.Contains(image.Point{20, 80}))
	assert.True(t, poly.Contains(image.Point{80, 80}))
	assert.False(t, poly.Contains(image.Point{50, 80}))
	assert.True(t, poly.Contains(image.Point{50, 20}))
}

func TestContainsDegenerate(t *testing.T) {
	assert.False(t, Polygon{}.Contains(image.Point{0, 0}))
	assert.False(t, Polygon{{0, 0}, {10, 10}}.Contains(image.Point{5, 5}))
}

func TestBounds(t *testing.T) {
	poly := Polygon{{30, 5}, {10, 40}, {70, 20}}
	assert.Equal(t, image.Rect(10, 5, 71, 41), poly.Bounds())
}

func TestCentroid(t *testing.T) {
	assert.Equal(t, image.Point{50, 30}, Centroid(0, 0, 100, 60))
}
