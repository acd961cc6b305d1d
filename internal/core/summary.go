package core

import "time"

// GroupAmount is one row of a per-dimension breakdown.
type GroupAmount struct {
	ID    string
	Title string
	Count int64
	Sum   int64
}

// MonthOverview aggregates the journals of one calendar month.
type MonthOverview struct {
	YearMonth     string // YYYY-MM
	Count         int64
	Sum           int64
	Average       float64
	PositiveSum   int64
	PositiveCount int64
	NegativeSum   int64
	NegativeCount int64

	// Figures restricted to non-transfer journals.
	NonTransferCount       int64
	NonTransferSum         int64
	NonTransferPositiveSum int64
	NonTransferNegativeSum int64

	RunningTotal int64
	RunningCount int64
}

// LedgerSummary is the report returned for a journal filter.
type LedgerSummary struct {
	Count                      int64
	Sum                        int64
	NonTransferCount           int64
	NonTransferSum             int64
	Last12MonthsSum            int64
	Last12MonthsNonTransferSum int64
	EarliestDate               *time.Time
	LatestDate                 *time.Time

	Tags       []GroupAmount
	Categories []GroupAmount
	Bills      []GroupAmount
	Budgets    []GroupAmount
	Accounts   []GroupAmount

	Months []MonthOverview
}
