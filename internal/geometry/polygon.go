package geometry

import "image"

// Polygon is a closed region described by its vertices in order.
// The edge from the last vertex back to the first is implied.
type Polygon []image.Point

// Contains reports whether p lies inside the polygon or on its boundary.
// Degenerate polygons (fewer than 3 vertices) contain nothing.
func (poly Polygon) Contains(p image.Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	// Boundary points count as inside.
	for i := 0; i < n; i++ {
		if onSegment(poly[i], poly[(i+1)%n], p) {
			return true
		}
	}

	// Ray crossing to the right of p. All arithmetic stays in integers,
	// so vertical-edge and vertex-grazing cases are exact.
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			// p.X < x-coordinate of the edge at height p.Y, cross-multiplied
			// to avoid division. The denominator sign flips the comparison.
			num := (b.X - a.X) * (p.Y - a.Y)
			den := b.Y - a.Y
			if den > 0 {
				if (p.X-a.X)*den < num {
					inside = !inside
				}
			} else {
				if (p.X-a.X)*den > num {
					inside = !inside
				}
			}
		}
	}
	return inside
}

// Bounds returns the bounding rectangle of the polygon.
func (poly Polygon) Bounds() image.Rectangle {
	if len(poly) == 0 {
		return image.Rectangle{}
	}
	r := image.Rectangle{Min: poly[0], Max: poly[0]}
	for _, p := range poly[1:] {
		if p.X < r.Min.X {
			r.Min.X = p.X
		}
		if p.Y < r.Min.Y {
			r.Min.Y = p.Y
		}
		if p.X > r.Max.X {
			r.Max.X = p.X
		}
		if p.Y > r.Max.Y {
			r.Max.Y = p.Y
		}
	}
	r.Max.X++
	r.Max.Y++
	return r
}

// onSegment reports whether p lies on the closed segment ab.
func onSegment(a, b, p image.Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if cross != 0 {
		return false
	}
	if p.X < min(a.X, b.X) || p.X > max(a.X, b.X) {
		return false
	}
	if p.Y < min(a.Y, b.Y) || p.Y > max(a.Y, b.Y) {
		return false
	}
	return true
}

// Centroid returns the center point of a bounding box given as x1,y1,x2,y2.
func Centroid(x1, y1, x2, y2 float64) image.Point {
	return image.Point{X: int((x1 + x2) / 2), Y: int((y1 + y2) / 2)}
}
