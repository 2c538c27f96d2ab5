package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeBucket selects the granularity used to group events in time.
type TimeBucket string

const (
	BucketDay   TimeBucket = "day"
	BucketWeek  TimeBucket = "week"
	BucketMonth TimeBucket = "month"
)

// ParseTimeBucket validates a configured bucket name.
func ParseTimeBucket(s string) (TimeBucket, error) {
	switch TimeBucket(strings.ToLower(strings.TrimSpace(s))) {
	case BucketDay, "":
		return BucketDay, nil
	case BucketWeek:
		return BucketWeek, nil
	case BucketMonth:
		return BucketMonth, nil
	default:
		return "", &ConfigurationError{Field: "dedup_time_bucket", Reason: fmt.Sprintf("unsupported bucket %q", s)}
	}
}

// Label renders t's bucket in UTC. Weeks start on Monday.
func (b TimeBucket) Label(t time.Time) string {
	t = t.UTC()
	switch b {
	case BucketWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case BucketMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// DedupKey identifies a dedup group.
//
// Located events group on (cell, species, bucket). Location-less events,
// which only exist when unresolved emission is enabled, carry their
// document id so they never collapse into each other.
type DedupKey struct {
	CellID     string
	Species    Species
	Bucket     string
	DocumentID string
}

// String is the canonical "cell|species|bucket" form hashed into event ids.
func (k DedupKey) String() string {
	parts := []string{
		strings.TrimSpace(k.CellID),
		string(k.Species),
		strings.TrimSpace(k.Bucket),
	}
	if k.CellID == "" {
		parts = append(parts, "doc:"+k.DocumentID)
	}
	return strings.Join(parts, "|")
}

// eventNamespace scopes UUIDv5 event ids.
var eventNamespace = uuid.MustParse("9e1d7a52-4c1b-5b8e-a0f3-6d2b7e4c8a90")

// EventID is deterministic in the dedup key so repeated runs over the same
// documents produce the same identifiers for upsert downstream.
func EventID(k DedupKey) string {
	return uuid.NewSHA1(eventNamespace, []byte(k.String())).String()
}
