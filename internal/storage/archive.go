package storage

import (
	"fmt"
	"strings"
	"time"
)

// TelemetryArchivePrefix is the blob prefix for archived telemetry batches.
// Blobs are laid out as telemetry/YYYY-MM-DD/<hhmmss>-<id>.json.
const TelemetryArchivePrefix = "telemetry/"

const archiveDateLayout = "2006-01-02"

// TelemetryBlobName names the blob for a batch written at t
func TelemetryBlobName(t time.Time, id string) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s/%s-%s.json", TelemetryArchivePrefix, t.Format(archiveDateLayout), t.Format("150405"), id)
}

// TelemetryBlobDate extracts the day a telemetry blob was written
func TelemetryBlobDate(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, TelemetryArchivePrefix)
	if !ok {
		return time.Time{}, false
	}
	day, _, ok := strings.Cut(rest, "/")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(archiveDateLayout, day)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
