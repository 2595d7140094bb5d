package main

import "testing"

func TestParseArea(t *testing.T) {
	area, err := parseArea("2.29, 48.85,2.35,48.87", 10, 14)
	if err != nil {
		t.Fatal(err)
	}
	if area.MinLon != 2.29 || area.MaxLat != 48.87 || area.MinZoom != 10 || area.MaxZoom != 14 {
		t.Fatalf("area = %+v", area)
	}

	for _, bad := range []struct {
		bbox     string
		min, max int
	}{
		{"", 0, 1},
		{"1,2,3", 0, 1},
		{"a,2,3,4", 0, 1},
		{"3,2,1,4", 0, 1},
		{"1,2,3,4", 5, 1},
	} {
		if _, err := parseArea(bad.bbox, bad.min, bad.max); err == nil {
			t.Errorf("parseArea(%q, %d, %d) accepted", bad.bbox, bad.min, bad.max)
		}
	}
}
