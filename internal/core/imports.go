package core

import (
	"encoding/json"
	"time"
)

const (
	ImportCreated        ImportStatus = "created"
	ImportProcessed      ImportStatus = "processed"
	ImportAwaitingImport ImportStatus = "awaitingImport"
	ImportImporting      ImportStatus = "importing"
	ImportComplete       ImportStatus = "complete"
	ImportError          ImportStatus = "error"
)

const (
	SourceCSV  ImportSource = "csv"
	SourceJSON ImportSource = "json"
)

const (
	ImportTypeTransaction ImportType = "transaction"
	ImportTypeAccount     ImportType = "account"
	ImportTypeBill        ImportType = "bill"
	ImportTypeBudget      ImportType = "budget"
	ImportTypeCategory    ImportType = "category"
	ImportTypeTag         ImportType = "tag"
	ImportTypeLabel       ImportType = "label"
	ImportTypeMapped      ImportType = "mappedImport"
)

const (
	DetailError       DetailStatus = "error"
	DetailImportError DetailStatus = "importError"
	DetailDuplicate   DetailStatus = "duplicate"
	DetailProcessed   DetailStatus = "processed"
	DetailImported    DetailStatus = "imported"
)

type (
	ImportStatus string
	ImportSource string
	ImportType   string
	DetailStatus string

	Import struct {
		ID                string
		Title             string // original file name
		Filename          string // stored blob name
		Status            ImportStatus
		Source            ImportSource
		Type              ImportType
		ImportMappingID   *string
		AutoClean         bool
		AutoProcess       bool
		CheckImportedOnly bool
		ErrorInfo         json.RawMessage
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	ImportDetail struct {
		ID            string
		ImportID      string
		Status        DetailStatus
		UniqueID      *string
		ProcessedInfo json.RawMessage
		ErrorInfo     json.RawMessage
		RelationID    *string
		Relation2ID   *string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	ImportMapping struct {
		ID            string
		Title         string
		Configuration string
		SampleData    string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// DetailCounts tallies item details by status.
	DetailCounts struct {
		Error       int `json:"error"`
		ImportError int `json:"importError"`
		Duplicate   int `json:"duplicate"`
		Processed   int `json:"processed"`
		Imported    int `json:"imported"`
	}
)

// DimensionType maps an entity import type to its dimension.
func (t ImportType) DimensionType() (DimensionType, bool) {
	switch t {
	case ImportTypeAccount:
		return DimensionAccount, true
	case ImportTypeBill:
		return DimensionBill, true
	case ImportTypeBudget:
		return DimensionBudget, true
	case ImportTypeCategory:
		return DimensionCategory, true
	case ImportTypeTag:
		return DimensionTag, true
	case ImportTypeLabel:
		return DimensionLabel, true
	}
	return "", false
}

// CreatesTransactions reports whether materialising this import writes journals.
func (t ImportType) CreatesTransactions() bool {
	return t == ImportTypeTransaction || t == ImportTypeMapped
}

func (t ImportType) Valid() bool {
	if t.CreatesTransactions() {
		return true
	}
	_, ok := t.DimensionType()
	return ok
}

func (c DetailCounts) Total() int {
	return c.Error + c.ImportError + c.Duplicate + c.Processed + c.Imported
}

// ProcessedStatus derives the import status once every row is classified.
func (c DetailCounts) ProcessedStatus() ImportStatus {
	switch {
	case c.Total() == 0:
		return ImportComplete
	case c.Processed > 0:
		return ImportProcessed
	case c.Error > 0:
		return ImportError
	default:
		return ImportComplete
	}
}
