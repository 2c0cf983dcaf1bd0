package report

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/xuri/excelize/v2"
)

// Exporter fills a copy of the template workbook with a ledger snapshot.
// The template is read once; each export works on a fresh copy.
type Exporter struct {
	logger   *slog.Logger
	template []byte
	layout   Layout
}

// NewExporter loads the template at path. A missing or unusable template
// returns an error wrapping common.ErrTemplateMissing.
func NewExporter(path string, layout Layout, logger *slog.Logger) (*Exporter, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", common.ErrTemplateMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return NewExporterFromBytes(data, layout, logger)
}

// NewExporterFromBytes builds an exporter from template contents.
func NewExporterFromBytes(data []byte, layout Layout, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: template is not a workbook: %w", common.ErrTemplateMissing, err)
	}
	defer func() { _ = f.Close() }()

	for _, sheet := range layout.Sheets() {
		idx, err := f.GetSheetIndex(sheet)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: template has no sheet %q", common.ErrTemplateMissing, sheet)
		}
	}

	return &Exporter{template: data, layout: layout, logger: logger}, nil
}

// Export returns the workbook for ledger as xlsx bytes.
func (e *Exporter) Export(ledger model.Ledger) ([]byte, error) {
	f, err := excelize.OpenReader(bytes.NewReader(e.template))
	if err != nil {
		return nil, fmt.Errorf("failed to open template: %w", err)
	}
	defer func() { _ = f.Close() }()

	l := e.layout
	cells := []struct {
		value any
		cell  string
	}{
		{cell: l.BalanceCell, value: ledger.Balance.InexactFloat64()},
		{cell: l.PendingTotalCell, value: ledger.PendingTotal().InexactFloat64()},
		{cell: l.PendingCountCell, value: len(ledger.Pending)},
		{cell: l.UnknownCountCell, value: len(ledger.Unknown)},
		{cell: l.AdjustmentsCell, value: ledger.Adjustments.InexactFloat64()},
	}
	for _, c := range cells {
		if err := f.SetCellValue(l.SummarySheet, c.cell, c.value); err != nil {
			return nil, fmt.Errorf("failed to write %s!%s: %w", l.SummarySheet, c.cell, err)
		}
	}

	for i, p := range ledger.Pending {
		row := l.PendingStartRow + i
		values := map[string]any{
			l.PendingColumns.Reference: p.Reference,
			l.PendingColumns.Amount:    p.Amount.InexactFloat64(),
			l.PendingColumns.Created:   p.CreatedAt.UTC(),
			l.PendingColumns.Note:      p.Note,
		}
		if err := writeRow(f, l.PendingSheet, row, values); err != nil {
			return nil, err
		}
	}

	for i, u := range ledger.Unknown {
		row := l.UnknownStartRow + i
		values := map[string]any{
			l.UnknownColumns.Received: u.ReceivedAt.UTC(),
			l.UnknownColumns.Sender:   u.Sender,
			l.UnknownColumns.Reason:   string(u.Reason),
			l.UnknownColumns.Text:     u.Text,
			l.UnknownColumns.File:     u.FileName,
		}
		if err := writeRow(f, l.UnknownSheet, row, values); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render workbook: %w", err)
	}

	e.logger.Debug("workbook exported",
		"pending", len(ledger.Pending),
		"unknown", len(ledger.Unknown),
		"bytes", buf.Len())

	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values map[string]any) error {
	for col, value := range values {
		cell := fmt.Sprintf("%s%d", col, row)
		if err := f.SetCellValue(sheet, cell, value); err != nil {
			return fmt.Errorf("failed to write %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}
