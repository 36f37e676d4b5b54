package models

import (
	"fmt"
	"time"
)

// Bucket is the time horizon a market resolves on.
type Bucket string

const (
	Bucket5m  Bucket = "5m"
	Bucket15m Bucket = "15m"
	Bucket1h  Bucket = "1h"
	Bucket4h  Bucket = "4h"
)

// Buckets lists every supported bucket in ascending horizon order.
var Buckets = []Bucket{Bucket5m, Bucket15m, Bucket1h, Bucket4h}

// ParseBucket validates a bucket identifier coming from configuration or
// discovery payloads.
func ParseBucket(s string) (Bucket, error) {
	b := Bucket(s)
	for _, known := range Buckets {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown bucket %q", s)
}

// Instrument is one tradeable outcome token of a short-lived market. It is
// immutable once discovered; the subscription set drops it when it expires or
// discovery stops reporting it.
type Instrument struct {
	AssetID     string    `json:"asset_id"`
	ConditionID string    `json:"condition_id"`
	Slug        string    `json:"slug"`
	Bucket      Bucket    `json:"bucket"`
	Expiry      time.Time `json:"expiry"`
}

// Expired reports whether the market has already resolved at the given time.
func (i Instrument) Expired(now time.Time) bool {
	return !i.Expiry.IsZero() && !i.Expiry.After(now)
}
