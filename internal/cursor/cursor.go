// internal/cursor/cursor.go

// Package cursor implements the incremental-fetch watermark math. All
// functions are pure data transforms with no failure modes; persistence of
// the resulting cursor belongs to the caller.
package cursor

import (
	"time"

	"github.com/Wasif-ZA/decision.log-sub001/internal/model"
)

// DefaultOverlap is subtracted from the last-seen timestamp on every advance
// so artifacts updated near the fetch boundary are never permanently missed
// under clock skew or out-of-order delivery.
const DefaultOverlap = 120 * time.Minute

// Initial returns a cursor anchored lookbackDays in the past, bounding the
// cost of a repository's first sync.
func Initial(now time.Time, lookbackDays int) model.Cursor {
	anchor := now.UTC().AddDate(0, 0, -lookbackDays)
	return model.Cursor{
		PRUpdatedAfter: &anchor,
		CommitSince:    &anchor,
	}
}

// Next returns the watermark to fetch from after having seen lastSeen.
// The result is always exactly overlap before lastSeen.
func Next(lastSeen time.Time, overlap time.Duration) time.Time {
	return lastSeen.UTC().Add(-overlap)
}

// Merge applies only the provided fields of update onto existing, preserving
// the rest. A sync run advances its sub-cursors independently, so a partial
// run merges only the sub-streams it fully fetched.
func Merge(existing model.Cursor, update model.CursorUpdate) model.Cursor {
	merged := existing
	if update.PRUpdatedAfter != nil {
		t := update.PRUpdatedAfter.UTC()
		merged.PRUpdatedAfter = &t
	}
	if update.CommitSince != nil {
		t := update.CommitSince.UTC()
		merged.CommitSince = &t
	}
	return merged
}
