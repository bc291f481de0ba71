package hub

import (
	"fmt"
	"math"

	"fleetview/internal/domain"
)

// Tile is a Web Mercator (slippy map) tile.
type Tile struct {
	Zoom int
	X    int
	Y    int
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// TileAt returns the tile containing p at the given zoom.
func TileAt(p domain.Point, zoom int) Tile {
	n := math.Pow(2, float64(zoom))
	x := int(math.Floor((p.Lng + 180.0) / 360.0 * n))
	latRad := p.Lat * math.Pi / 180.0
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	maxTile := int(n) - 1
	return Tile{Zoom: zoom, X: clamp(x, 0, maxTile), Y: clamp(y, 0, maxTile)}
}

// TileID is the string form of TileAt.
func TileID(p domain.Point, zoom int) string {
	return TileAt(p, zoom).String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ParseTile reads a "zoom/x/y" tile id.
func ParseTile(id string) (Tile, bool) {
	var t Tile
	n, err := fmt.Sscanf(id, "%d/%d/%d", &t.Zoom, &t.X, &t.Y)
	if err != nil || n != 3 || t.Zoom < 0 || t.Zoom > 22 {
		return Tile{}, false
	}
	maxTile := int(math.Pow(2, float64(t.Zoom))) - 1
	if t.X < 0 || t.X > maxTile || t.Y < 0 || t.Y > maxTile {
		return Tile{}, false
	}
	return t, true
}

// Bounds returns the geographic box the tile covers.
func (t Tile) Bounds() domain.BoundingBox {
	n := math.Pow(2, float64(t.Zoom))
	minLng := float64(t.X)/n*360.0 - 180.0
	maxLng := float64(t.X+1)/n*360.0 - 180.0

	minLatRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(t.Y+1)/n)))
	maxLatRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(t.Y)/n)))
	return domain.BoundingBox{
		MinLat: minLatRad * 180.0 / math.Pi,
		MaxLat: maxLatRad * 180.0 / math.Pi,
		MinLng: minLng,
		MaxLng: maxLng,
	}
}

// Neighborhood returns the tile plus its existing neighbors.
func (t Tile) Neighborhood() []Tile {
	maxTile := int(math.Pow(2, float64(t.Zoom))) - 1
	tiles := make([]Tile, 0, 9)
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			nx, ny := t.X+dx, t.Y+dy
			if nx < 0 || nx > maxTile || ny < 0 || ny > maxTile {
				continue
			}
			tiles = append(tiles, Tile{Zoom: t.Zoom, X: nx, Y: ny})
		}
	}
	return tiles
}

// TilesIn returns the ids of all tiles intersecting bb.
func TilesIn(bb domain.BoundingBox, zoom int) []string {
	topLeft := TileAt(domain.Point{Lat: bb.MaxLat, Lng: bb.MinLng}, zoom)
	bottomRight := TileAt(domain.Point{Lat: bb.MinLat, Lng: bb.MaxLng}, zoom)

	var tiles []string
	for x := topLeft.X; x <= bottomRight.X; x++ {
		for y := topLeft.Y; y <= bottomRight.Y; y++ {
			tiles = append(tiles, Tile{Zoom: zoom, X: x, Y: y}.String())
		}
	}
	return tiles
}
