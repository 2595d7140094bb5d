package tilekey

import (
	"slices"
	"testing"

	"github.com/paulmach/orb"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	for z := 0; z <= 22; z++ {
		n := 1 << z
		// corners, middle and a walk along the diagonal
		coords := [][2]int{{0, 0}, {n - 1, n - 1}, {0, n - 1}, {n - 1, 0}, {n / 2, n / 3}}
		for i := 0; i < n && i < 64; i++ {
			coords = append(coords, [2]int{i, n - 1 - i})
		}
		for _, c := range coords {
			k := New(z, c[0], c[1])
			gz, gx, gy := Unpack(k)
			if gz != z || gx != c[0] || gy != c[1] {
				t.Fatalf("Unpack(New(%d,%d,%d)) = %d,%d,%d", z, c[0], c[1], gz, gx, gy)
			}
		}
	}
}

func TestPackInjective(t *testing.T) {
	seen := make(map[Key]string)
	for z := 0; z <= 6; z++ {
		n := 1 << z
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				k := New(z, x, y)
				id := Pack(z, x, y).String()
				if prev, ok := seen[k]; ok {
					t.Fatalf("collision: %s and %s -> %d", prev, id, k)
				}
				seen[k] = id
			}
		}
	}
}

func TestMaxZoomCorners(t *testing.T) {
	last := 1<<MaxZoom - 1
	k := New(MaxZoom, last, last)
	if k.Zoom() != MaxZoom || k.X() != last || k.Y() != last {
		t.Fatalf("got %s", k)
	}
	if New(MaxZoom, 0, last) == New(MaxZoom, last, 0) {
		t.Fatal("x and y must not alias")
	}
}

func TestNewPanicsOutsideGrid(t *testing.T) {
	cases := []struct {
		name    string
		z, x, y int
	}{
		{"negative zoom", -1, 0, 0},
		{"zoom too high", MaxZoom + 1, 0, 0},
		{"x past edge", 3, 8, 0},
		{"y past edge", 3, 0, 8},
		{"negative x", 3, -1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			New(tc.z, tc.x, tc.y)
		})
	}
}

func TestParse(t *testing.T) {
	k, err := Parse("12/2048/1361")
	if err != nil {
		t.Fatal(err)
	}
	if k != New(12, 2048, 1361) {
		t.Fatalf("got %s", k)
	}
	for _, bad := range []string{"", "1/2", "a/b/c", "1/2/3", "-1/0/0"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) succeeded", bad)
		}
	}
}

func TestParent(t *testing.T) {
	k := New(5, 21, 10)
	if got := k.Parent(1); got != New(4, 10, 5) {
		t.Errorf("Parent(1) = %s", got)
	}
	if got := k.Parent(3); got != New(2, 2, 1) {
		t.Errorf("Parent(3) = %s", got)
	}
	if got := k.Parent(9); got != New(0, 0, 0) {
		t.Errorf("Parent(9) = %s", got)
	}
}

func TestQuadkey(t *testing.T) {
	cases := map[Key]string{
		New(0, 0, 0): "",
		New(1, 1, 0): "1",
		New(3, 3, 5): "213",
		New(2, 3, 3): "33",
	}
	for k, want := range cases {
		if got := k.Quadkey(); got != want {
			t.Errorf("%s.Quadkey() = %q, want %q", k, got, want)
		}
	}
}

func TestTileConversion(t *testing.T) {
	k := New(10, 511, 340)
	if got := FromTile(k.Tile()); got != k {
		t.Fatalf("FromTile(Tile()) = %s, want %s", got, k)
	}
}

func TestCover(t *testing.T) {
	world := orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}
	if got := len(slices.Collect(Cover(world, 2))); got != 16 {
		t.Fatalf("world at z2 = %d tiles, want 16", got)
	}
	if got := CoverCount(world, 3); got != 64 {
		t.Fatalf("CoverCount world z3 = %d, want 64", got)
	}

	// a point-sized bound covers exactly one tile
	p := orb.Point{13.4, 52.5}
	keys := slices.Collect(Cover(orb.Bound{Min: p, Max: p}, 12))
	if len(keys) != 1 {
		t.Fatalf("point cover = %d tiles", len(keys))
	}
	if keys[0].Zoom() != 12 {
		t.Fatalf("zoom = %d", keys[0].Zoom())
	}
}

func TestCoverDeepWorld(t *testing.T) {
	world := orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}
	minX, minY, maxX, maxY := CoverRange(world, MaxZoom)
	if minX != 0 || maxX != 1<<MaxZoom-1 {
		t.Fatalf("x range = %d..%d", minX, maxX)
	}
	count := CoverCount(world, MaxZoom)
	if count != (maxX-minX+1)*(maxY-minY+1) || count < 1<<57 {
		t.Fatalf("CoverCount world z%d = %d", MaxZoom, count)
	}

	var first []Key
	for key := range Cover(world, MaxZoom) {
		first = append(first, key)
		if len(first) == 3 {
			break
		}
	}
	want := []Key{New(MaxZoom, 0, minY), New(MaxZoom, 1, minY), New(MaxZoom, 2, minY)}
	if !slices.Equal(first, want) {
		t.Fatalf("first keys = %v, want %v", first, want)
	}
}
