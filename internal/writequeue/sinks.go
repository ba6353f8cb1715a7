package writequeue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/models"
	"github.com/adirai/community-api/internal/storage"
	"github.com/google/uuid"
)

// RegisterStore attaches the three standard queues to store. When archive is
// non-nil telemetry batches go to blobs instead of the document store.
func (q *Queue) RegisterStore(store storage.AuditStore, archive storage.Archive) {
	q.Register(AuditLog, Typed(store.InsertAuditLogs))
	q.Register(LoginAudit, Typed(store.InsertLoginAudits))
	if archive != nil {
		q.Register(MobileTelemetry, ArchiveSink(archive, q.clock))
		return
	}
	q.Register(MobileTelemetry, Typed(store.InsertTelemetry))
}

// ArchiveSink writes each telemetry batch as one JSON blob under
// storage.TelemetryArchivePrefix
func ArchiveSink(archive storage.Archive, clk clock.Clock) Sink {
	return Typed(func(ctx context.Context, events []models.MobileTelemetry) error {
		data, err := json.Marshal(events)
		if err != nil {
			return fmt.Errorf("failed to marshal telemetry batch: %w", err)
		}
		name := storage.TelemetryBlobName(clk.Now(), uuid.NewString())
		return archive.Store(ctx, name, data)
	})
}
