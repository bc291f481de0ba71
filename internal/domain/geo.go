package domain

// Point is a WGS84 coordinate pair
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// BoundingBox represents a geographic rectangle
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLng float64 `json:"minLng"`
	MaxLng float64 `json:"maxLng"`
}

// Contains checks if a point is within the bounding box
func (bb *BoundingBox) Contains(lat, lng float64) bool {
	return lat >= bb.MinLat && lat <= bb.MaxLat &&
		lng >= bb.MinLng && lng <= bb.MaxLng
}

// Extend grows the box to include p.
func (bb *BoundingBox) Extend(p Point) {
	if p.Lat < bb.MinLat {
		bb.MinLat = p.Lat
	}
	if p.Lat > bb.MaxLat {
		bb.MaxLat = p.Lat
	}
	if p.Lng < bb.MinLng {
		bb.MinLng = p.Lng
	}
	if p.Lng > bb.MaxLng {
		bb.MaxLng = p.Lng
	}
}

func (bb *BoundingBox) Center() Point {
	return Point{
		Lat: (bb.MinLat + bb.MaxLat) / 2,
		Lng: (bb.MinLng + bb.MaxLng) / 2,
	}
}

// IsPoint reports whether the box has collapsed to a single coordinate.
func (bb *BoundingBox) IsPoint() bool {
	return bb.MinLat == bb.MaxLat && bb.MinLng == bb.MaxLng
}

// BoundsOf returns the smallest box covering all points, or false when
// points is empty.
func BoundsOf(points []Point) (BoundingBox, bool) {
	if len(points) == 0 {
		return BoundingBox{}, false
	}
	bb := BoundingBox{
		MinLat: points[0].Lat, MaxLat: points[0].Lat,
		MinLng: points[0].Lng, MaxLng: points[0].Lng,
	}
	for _, p := range points[1:] {
		bb.Extend(p)
	}
	return bb, true
}
