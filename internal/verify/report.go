package verify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Text renders the report for terminals. Output is deterministic for a
// given log state.
func (r *Report) Text(verbose bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "result: %s\n", r.Result)
	fmt.Fprintf(&b, "segments: %d\n", r.Segments)
	fmt.Fprintf(&b, "records: %d\n", r.Records)
	fmt.Fprintf(&b, "sessions: %s\n", strings.Join(r.Sessions, ", "))
	if r.ClockRegressions > 0 {
		fmt.Fprintf(&b, "clock regressions (advisory): %d\n", r.ClockRegressions)
	}
	fmt.Fprintf(&b, "violations: %d\n", len(r.Violations))

	if verbose {
		for _, v := range r.Violations {
			if v.Record >= 0 {
				fmt.Fprintf(&b, "  %s segment=%d record=%d: %s\n", v.Kind, v.SegmentID, v.Record, v.Detail)
			} else {
				fmt.Fprintf(&b, "  %s segment=%d: %s\n", v.Kind, v.SegmentID, v.Detail)
			}
		}
	}
	return b.String()
}

// JSON renders the report as indented JSON with stable field order.
func (r *Report) JSON() ([]byte, error) {
	// Encode a nil slice as [] so runs with and without violations keep
	// the same shape.
	out := *r
	if out.Violations == nil {
		out.Violations = []Violation{}
	}
	if out.Sessions == nil {
		out.Sessions = []string{}
	}
	return json.MarshalIndent(&out, "", "  ")
}

// ExitCode maps the result onto the CLI contract.
func (r *Report) ExitCode() int {
	switch r.Result {
	case ResultValid:
		return 0
	case ResultTampered:
		return 1
	case ResultIncomplete:
		return 2
	default:
		return 3
	}
}
