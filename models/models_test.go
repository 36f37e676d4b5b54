package models

import (
	"testing"
	"time"
)

func TestParseBucket(t *testing.T) {
	for _, b := range Buckets {
		got, err := ParseBucket(string(b))
		if err != nil {
			t.Fatalf("ParseBucket(%s): %v", b, err)
		}
		if got != b {
			t.Errorf("ParseBucket(%s) = %s", b, got)
		}
	}
	if _, err := ParseBucket("2d"); err == nil {
		t.Fatal("expected error for unknown bucket")
	}
}

func TestInstrumentExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		expiry  time.Time
		expired bool
	}{
		{"future", now.Add(time.Minute), false},
		{"past", now.Add(-time.Minute), true},
		{"exact", now, true},
		{"zero", time.Time{}, false},
	}
	for _, c := range cases {
		inst := Instrument{AssetID: "a", Bucket: Bucket5m, Expiry: c.expiry}
		if got := inst.Expired(now); got != c.expired {
			t.Errorf("%s: Expired = %v, want %v", c.name, got, c.expired)
		}
	}
}
