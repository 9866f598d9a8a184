// Package export renders an owner's queue as an XLSX report.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/queue"
	"github.com/joseph-ayodele/health-records/internal/repository"
)

const (
	queueSheet   = "Queue"
	summarySheet = "Summary"
)

// Service produces XLSX bytes for queue reports.
type Service struct {
	entries repository.QueueEntryRepository
	docs    repository.DocumentRepository
	logger  *slog.Logger
}

func NewService(entries repository.QueueEntryRepository, docs repository.DocumentRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{entries: entries, docs: docs, logger: logger}
}

// ExportQueueXLSX returns a workbook with one row per entry in queue order and
// a summary sheet. statuses filters the rows; empty means all.
func (s *Service) ExportQueueXLSX(ctx context.Context, ownerID uuid.UUID, statuses ...constants.QueueStatus) ([]byte, error) {
	start := time.Now()

	list, err := s.entries.ListByOwner(ctx, ownerID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	ids := make([]uuid.UUID, len(list))
	for i, e := range list {
		ids[i] = e.DocumentID
	}
	docs, err := s.docs.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("export.xlsx.close_error", "err", err)
		}
	}()
	if err := f.SetSheetName("Sheet1", queueSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}

	headers := []string{
		"Document",
		"Document Type",
		"Title",
		"Status",
		"Priority",
		"Attempts",
		"Phase",
		"Progress %",
		"Error",
		"Created",
		"Completed",
		"Processing (ms)",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(queueSheet, cell, h)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetRowStyle(queueSheet, 1, 1, style)
	}

	for i, e := range list {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(queueSheet, cell, v)
		}
		doc := docs[e.DocumentID]
		docType, title := summaryOf(doc)
		name := e.DocumentID.String()
		if doc != nil {
			name = doc.Filename
		}

		write(1, name)
		write(2, docType)
		write(3, title)
		write(4, string(e.Status))
		write(5, e.Priority)
		write(6, fmt.Sprintf("%d/%d", e.AttemptCount, e.MaxAttempts))
		write(7, string(e.Phase))
		write(8, e.Progress)
		write(9, truncate(e.Error(), 140))
		write(10, e.CreatedAt.Format(time.RFC3339))
		if e.ProcessingCompletedAt != nil {
			write(11, e.ProcessingCompletedAt.Format(time.RFC3339))
		}
		if e.ProcessingTimeMs != nil {
			write(12, *e.ProcessingTimeMs)
		}
	}

	_ = f.SetColWidth(queueSheet, "A", "A", 32)
	_ = f.SetColWidth(queueSheet, "B", "C", 24)
	_ = f.SetColWidth(queueSheet, "D", "H", 12)
	_ = f.SetColWidth(queueSheet, "I", "I", 48)
	_ = f.SetColWidth(queueSheet, "J", "L", 22)

	writeSummary(f, list)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"owner_id", ownerID.String(),
		"rows", len(list),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, list []*entity.QueueEntry) {
	stats := queue.ComputeStats(list)
	rows := [][]any{
		{"Total", stats.Total},
		{"Queued", stats.Queued},
		{"Processing", stats.Processing},
		{"Completed", stats.Completed},
		{"Failed", stats.Failed},
		{"Retrying", stats.Retrying},
		{"Average processing (ms)", queue.AverageProcessingTime(list)},
	}
	for i, r := range rows {
		_ = f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &r)
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 26)
}

// summaryOf pulls the document type and title out of a processed document.
func summaryOf(doc *entity.Document) (string, string) {
	if doc == nil || len(doc.Result) == 0 {
		return "", ""
	}
	var r struct {
		Enhancement struct {
			DocumentType string `json:"document_type"`
			Title        string `json:"title"`
		} `json:"enhancement"`
	}
	if err := json.Unmarshal(doc.Result, &r); err != nil {
		return "", ""
	}
	return r.Enhancement.DocumentType, r.Enhancement.Title
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
