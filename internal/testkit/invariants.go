// Package testkit holds invariant checks shared by tests of packages that
// produce profiler timelines.
package testkit

import (
	"fmt"

	"ktrace/internal/profile"
)

// TimelineOptions relaxes CheckTimeline for runs that are expected to end
// abnormally.
type TimelineOptions struct {
	AllowUnmatched bool
	AllowOrphans   bool
}

// CheckTimeline runs the structural invariants of a rebuilt timeline:
// 1) every interval ends no earlier than it starts and lives on its hart
// 2) children are contained in their parent
// 3) siblings are ordered and do not overlap
// 4) unmatched intervals and orphan exits only appear when allowed
func CheckTimeline(tl *profile.Timeline, opts TimelineOptions) error {
	if tl == nil {
		return fmt.Errorf("nil timeline")
	}
	if tl.Orphans > 0 && !opts.AllowOrphans {
		return fmt.Errorf("%d orphan exits", tl.Orphans)
	}
	for _, h := range tl.HartIDs() {
		if err := checkSiblings(tl.Harts[h], nil, h, opts); err != nil {
			return fmt.Errorf("hart %d: %w", h, err)
		}
	}
	return nil
}

func checkSiblings(ivs []*profile.Interval, parent *profile.Interval, hart int, opts TimelineOptions) error {
	var prev *profile.Interval
	for _, iv := range ivs {
		if iv == nil {
			return fmt.Errorf("nil interval")
		}
		if iv.Hart != hart {
			return fmt.Errorf("%s (instance %d) recorded on hart %d", iv.Name, iv.Instance, iv.Hart)
		}
		if iv.End < iv.Start {
			return fmt.Errorf("%s (instance %d) ends at %d before it starts at %d", iv.Name, iv.Instance, iv.End, iv.Start)
		}
		if iv.Unmatched && !opts.AllowUnmatched {
			return fmt.Errorf("%s (instance %d) unmatched", iv.Name, iv.Instance)
		}
		if parent != nil && (iv.Start < parent.Start || iv.End > parent.End) {
			return fmt.Errorf("%s [%d,%d] escapes parent %s [%d,%d]",
				iv.Name, iv.Start, iv.End, parent.Name, parent.Start, parent.End)
		}
		if prev != nil && iv.Start < prev.End {
			return fmt.Errorf("%s starts at %d inside sibling %s ending at %d", iv.Name, iv.Start, prev.Name, prev.End)
		}
		if err := checkSiblings(iv.Children, iv, hart, opts); err != nil {
			return err
		}
		prev = iv
	}
	return nil
}
