// Package report renders ledger snapshots as operator text and as a
// spreadsheet filled from a template workbook.
package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// PendingColumns names the template columns for pending item rows.
type PendingColumns struct {
	Reference string `mapstructure:"reference"`
	Amount    string `mapstructure:"amount"`
	Created   string `mapstructure:"created"`
	Note      string `mapstructure:"note"`
}

// UnknownColumns names the template columns for unknown item rows.
type UnknownColumns struct {
	Received string `mapstructure:"received"`
	Sender   string `mapstructure:"sender"`
	Reason   string `mapstructure:"reason"`
	Text     string `mapstructure:"text"`
	File     string `mapstructure:"file"`
}

// Layout says where in the template each figure goes.
type Layout struct {
	SummarySheet     string         `mapstructure:"summary_sheet"`
	BalanceCell      string         `mapstructure:"balance_cell"`
	PendingTotalCell string         `mapstructure:"pending_total_cell"`
	PendingCountCell string         `mapstructure:"pending_count_cell"`
	UnknownCountCell string         `mapstructure:"unknown_count_cell"`
	AdjustmentsCell  string         `mapstructure:"adjustments_cell"`
	PendingSheet     string         `mapstructure:"pending_sheet"`
	UnknownSheet     string         `mapstructure:"unknown_sheet"`
	PendingColumns   PendingColumns `mapstructure:"pending_columns"`
	UnknownColumns   UnknownColumns `mapstructure:"unknown_columns"`
	PendingStartRow  int            `mapstructure:"pending_start_row"`
	UnknownStartRow  int            `mapstructure:"unknown_start_row"`
}

// DefaultLayout returns the layout of the stock Agent_Model workbook.
func DefaultLayout() Layout {
	return Layout{
		SummarySheet:     "Summary",
		BalanceCell:      "B1",
		PendingTotalCell: "B2",
		PendingCountCell: "B3",
		UnknownCountCell: "B4",
		AdjustmentsCell:  "B5",
		PendingSheet:     "Pending",
		PendingStartRow:  2,
		PendingColumns:   PendingColumns{Reference: "A", Amount: "B", Created: "C", Note: "D"},
		UnknownSheet:     "Unknown",
		UnknownStartRow:  2,
		UnknownColumns:   UnknownColumns{Received: "A", Sender: "B", Reason: "C", Text: "D", File: "E"},
	}
}

// Sheets lists the sheets the template must contain.
func (l Layout) Sheets() []string {
	return []string{l.SummarySheet, l.PendingSheet, l.UnknownSheet}
}

// Validate checks that every cell and column reference parses.
func (l Layout) Validate() error {
	for _, sheet := range l.Sheets() {
		if sheet == "" {
			return fmt.Errorf("layout sheet names cannot be empty")
		}
	}

	for name, cell := range map[string]string{
		"balance_cell":       l.BalanceCell,
		"pending_total_cell": l.PendingTotalCell,
		"pending_count_cell": l.PendingCountCell,
		"unknown_count_cell": l.UnknownCountCell,
		"adjustments_cell":   l.AdjustmentsCell,
	} {
		if _, _, err := excelize.CellNameToCoordinates(cell); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, cell, err)
		}
	}

	columns := []string{
		l.PendingColumns.Reference, l.PendingColumns.Amount, l.PendingColumns.Created, l.PendingColumns.Note,
		l.UnknownColumns.Received, l.UnknownColumns.Sender, l.UnknownColumns.Reason, l.UnknownColumns.Text,
		l.UnknownColumns.File,
	}
	for _, col := range columns {
		if _, err := excelize.ColumnNameToNumber(col); err != nil {
			return fmt.Errorf("invalid layout column %q: %w", col, err)
		}
	}

	if l.PendingStartRow < 1 || l.UnknownStartRow < 1 {
		return fmt.Errorf("layout start rows must be positive")
	}
	return nil
}
