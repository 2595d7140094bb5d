package tilekey

import (
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the highest zoom level a Key can address.
const MaxZoom = 29

const (
	coordBits = 29
	coordMask = 1<<coordBits - 1
	zoomShift = 2 * coordBits
)

// Key identifies a single map tile. Zoom, column and row are packed
// into one integer: zoom<<58 | x<<29 | y.
type Key uint64

// New builds a key and panics when the triple is outside the tile grid.
// An invalid key is a bug in the caller, not a runtime condition.
func New(z, x, y int) Key {
	if z < 0 || z > MaxZoom {
		panic(fmt.Sprintf("tilekey: zoom %d out of range [0,%d]", z, MaxZoom))
	}
	n := 1 << z
	if x < 0 || x >= n || y < 0 || y >= n {
		panic(fmt.Sprintf("tilekey: tile %d/%d/%d outside grid", z, x, y))
	}
	return Pack(z, x, y)
}

// Valid reports whether New would accept the triple.
func Valid(z, x, y int) bool {
	if z < 0 || z > MaxZoom {
		return false
	}
	n := 1 << z
	return x >= 0 && x < n && y >= 0 && y < n
}

// Pack is the unchecked form of New.
func Pack(z, x, y int) Key {
	return Key(uint64(z)<<zoomShift | uint64(x&coordMask)<<coordBits | uint64(y&coordMask))
}

func Unpack(k Key) (z, x, y int) {
	return k.Zoom(), k.X(), k.Y()
}

func (k Key) Zoom() int {
	return int(uint64(k) >> zoomShift)
}

func (k Key) X() int {
	return int(uint64(k) >> coordBits & coordMask)
}

func (k Key) Y() int {
	return int(uint64(k) & coordMask)
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Zoom(), k.X(), k.Y())
}

// Parse reads the "z/x/y" form produced by String.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid tile key %q", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid tile key %q: %w", s, err)
		}
		v[i] = n
	}
	if !Valid(v[0], v[1], v[2]) {
		return 0, fmt.Errorf("tile key %q outside grid", s)
	}
	return Pack(v[0], v[1], v[2]), nil
}

// Parent returns the ancestor diff levels up. The root tile is its own parent.
func (k Key) Parent(diff int) Key {
	z := k.Zoom()
	if diff > z {
		diff = z
	}
	if diff <= 0 {
		return k
	}
	return Pack(z-diff, k.X()>>diff, k.Y()>>diff)
}

// Quadkey returns the Bing Maps quadkey. Zoom 0 yields an empty string.
func (k Key) Quadkey() string {
	z, x, y := Unpack(k)
	var b strings.Builder
	b.Grow(z)
	for i := z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		b.WriteByte(digit)
	}
	return b.String()
}

func (k Key) Tile() maptile.Tile {
	return maptile.New(uint32(k.X()), uint32(k.Y()), maptile.Zoom(k.Zoom()))
}

func FromTile(t maptile.Tile) Key {
	return New(int(t.Z), int(t.X), int(t.Y))
}

// Cover yields the keys at zoom z that intersect the lon/lat bound, row
// by row from the north-west corner. Keys are produced lazily, so a world
// sized bound at a deep zoom costs nothing until it is walked.
func Cover(b orb.Bound, z int) iter.Seq[Key] {
	minX, minY, maxX, maxY := CoverRange(b, z)
	return func(yield func(Key) bool) {
		for y := minY; y <= maxY; y++ {
			for x := minX; x <= maxX; x++ {
				if !yield(Pack(z, x, y)) {
					return
				}
			}
		}
	}
}

// CoverCount is the number of keys Cover yields.
func CoverCount(b orb.Bound, z int) int {
	minX, minY, maxX, maxY := CoverRange(b, z)
	return (maxX - minX + 1) * (maxY - minY + 1)
}

// CoverRange returns the inclusive tile bounds of b at zoom z.
func CoverRange(b orb.Bound, z int) (minX, minY, maxX, maxY int) {
	if z < 0 || z > MaxZoom {
		panic(fmt.Sprintf("tilekey: zoom %d out of range [0,%d]", z, MaxZoom))
	}
	return coverRange(b, z)
}

func coverRange(b orb.Bound, z int) (minX, minY, maxX, maxY int) {
	zoom := maptile.Zoom(z)
	nw := maptile.At(orb.Point{b.Min.Lon(), b.Max.Lat()}, zoom)
	se := maptile.At(orb.Point{b.Max.Lon(), b.Min.Lat()}, zoom)

	last := 1<<z - 1
	clamp := func(v uint32) int {
		if int(v) > last {
			return last
		}
		return int(v)
	}
	return clamp(nw.X), clamp(nw.Y), clamp(se.X), clamp(se.Y)
}
