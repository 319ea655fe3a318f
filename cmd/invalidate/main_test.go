package main

import (
	"strings"
	"testing"
	"time"
)

func TestBuildEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	ev, err := buildEvent("update", "roads", "17.9, 59.2, 18.2, 59.4", "EPSG:4326", "", now)
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.Version != 1 || ev.BBox == nil || ev.BBox.X2 != 18.2 || ev.TS.Location() != time.UTC {
		t.Fatalf("event=%+v bbox=%+v", ev, ev.BBox)
	}

	ev, err = buildEvent("reload", "roads", "", "EPSG:4326", "ops", now)
	if err != nil || !ev.Whole() {
		t.Fatalf("reload: ev=%+v err=%v", ev, err)
	}

	cases := []struct {
		op, bbox, want string
	}{
		{"update", "", "bbox is required"},
		{"update", "1,2,3", "4 comma separated"},
		{"update", "1,2,x,4", "bbox value 2"},
		{"truncate", "1,2,3,4", "op must be"},
		{"delete", "10,10,5,20", "x2>x1"},
	}
	for _, c := range cases {
		_, err := buildEvent(c.op, "roads", c.bbox, "EPSG:4326", "", now)
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("op=%s bbox=%q: err=%v want %q", c.op, c.bbox, err, c.want)
		}
	}
}
