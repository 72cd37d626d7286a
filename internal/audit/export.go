package audit

import (
	"fmt"
	"os"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
)

// ExportParquet writes events to a Parquet file for offline analysis.
// The file is created fresh; an existing file at the path is truncated.
func ExportParquet(path string, events []Event, logger *zap.Logger) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	writer := parquet.NewWriter(file)
	for i := range events {
		if err := writer.Write(&events[i]); err != nil {
			return fmt.Errorf("failed to write event %d: %w", events[i].ID, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	logger.Info("Audit events exported",
		zap.String("path", path),
		zap.Int("events", len(events)))
	return nil
}
