package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ragpipe/internal/domain"
)

// FileSink records ingestion outcomes as structured log events and
// appends them to success.json / failed.json result files in the log
// directory, so ingestion history can be scraped for a dashboard.
// Delivery is fire-and-forget: every failure here is logged and
// swallowed, a broken collector must never fail the pipeline.
type FileSink struct {
	mu     sync.Mutex
	logDir string
	logger *logrus.Logger
}

func NewFileSink(logDir string, logger *logrus.Logger) *FileSink {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logger.WithError(err).Warn("Telemetry log dir unavailable, result files disabled")
	}
	return &FileSink{logDir: logDir, logger: logger}
}

func (s *FileSink) ReportIngestion(report *domain.IngestionReport) {
	s.logger.WithFields(logrus.Fields{
		"discovered":  report.Discovered,
		"skipped":     report.Skipped,
		"succeeded":   report.Succeeded,
		"failed":      report.Failed,
		"dead_letter": report.DeadLetter,
		"duration":    report.Duration.String(),
	}).Info("Ingestion run finished")

	s.appendJSON("success.json", map[string]any{
		"finished_at": time.Now().UTC().Format(time.RFC3339),
		"succeeded":   report.Succeeded,
		"skipped":     report.Skipped,
	})
	if report.Failed > 0 || report.DeadLetter > 0 {
		s.appendJSON("failed.json", map[string]any{
			"finished_at": time.Now().UTC().Format(time.RFC3339),
			"failed":      report.Failed,
			"dead_letter": report.DeadLetter,
			"failures":    report.Failures,
		})
	}
}

func (s *FileSink) ReportJobFailure(job *domain.IngestionJob) {
	s.logger.WithFields(logrus.Fields{
		"document_id": job.DocumentID,
		"source_path": job.SourcePath,
		"state":       string(job.State),
		"attempts":    job.Attempts,
		"error":       job.LastError,
	}).Warn("Document ingestion failed")
}

// appendJSON rewrites the named result file with the entry appended to
// whatever is already there. Corrupt or unreadable files start over.
func (s *FileSink) appendJSON(name string, entry map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.logDir, name)
	var entries []map[string]any
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &entries)
	}
	entries = append(entries, entry)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode telemetry entry")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.WithError(err).WithField("file", name).Warn("Failed to write telemetry file")
	}
}

var _ domain.TelemetrySink = (*FileSink)(nil)
