package verify

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"proctord/internal/event"
)

// ErrNotVerified means export was requested on a log that did not verify
// as VALID.
var ErrNotVerified = errors.New("verify: export requires a VALID log")

// ExportCSV verifies the log and, only on a VALID result, writes every
// decrypted record as a CSV row. The report of the underlying run is
// returned either way so callers can surface why an export was refused.
func ExportCSV(opts Options, w io.Writer) (*Report, error) {
	report, decrypted, err := run(opts)
	if err != nil {
		return nil, err
	}
	if report.Result != ResultValid {
		return report, fmt.Errorf("%w: got %s", ErrNotVerified, report.Result)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"segment", "sequence", "kind", "monotonic_ns", "wall_ns", "payload"}); err != nil {
		return report, fmt.Errorf("write header: %w", err)
	}
	for _, seg := range decrypted {
		for _, rec := range seg.records {
			if err := cw.Write([]string{
				strconv.FormatUint(seg.meta.ID, 10),
				strconv.FormatUint(rec.Sequence, 10),
				rec.Kind.String(),
				strconv.FormatUint(rec.Monotonic, 10),
				strconv.FormatInt(rec.Wall, 10),
				payloadColumn(rec),
			}); err != nil {
				return report, fmt.Errorf("write record %d: %w", rec.Sequence, err)
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return report, fmt.Errorf("flush export: %w", err)
	}
	return report, nil
}

// payloadColumn renders a payload as compact JSON when it is valid JSON,
// hex otherwise.
func payloadColumn(rec *event.Record) string {
	if json.Valid(rec.Payload) {
		return string(rec.Payload)
	}
	return hex.EncodeToString(rec.Payload)
}
