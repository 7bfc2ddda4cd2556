package pipeline

import (
	"github.com/samber/lo"
)

// DefaultUrgencyMarker is placed first in the alert list of high-severity results
const DefaultUrgencyMarker = "CRITICAL: Immediate action recommended due to high fragility."

// Synthesize returns the finishing transform for research runs: alerts are
// deduplicated keeping the first occurrence, and marker is put first when
// severity is at or above threshold. The marker never appears twice.
func Synthesize(threshold int, marker string) Finisher {
	if marker == "" {
		marker = DefaultUrgencyMarker
	}
	return func(c Context) Context {
		alerts := lo.Uniq(lo.Without(c.Alerts, marker))
		if c.Severity >= threshold {
			alerts = append([]string{marker}, alerts...)
		}
		c.Alerts = alerts
		return c
	}
}
