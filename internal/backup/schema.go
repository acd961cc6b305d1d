package backup

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"ledger/internal/core"
)

// CurrentVersion is the document version written by StoreBackup.
const CurrentVersion = 3

// Table describes one table of the current document version. Tables are
// listed in insert order: every table comes after the tables it references.
type Table struct {
	Name    string
	Columns []string
	// Users marks tables that are only restored on request.
	Users bool
}

var dimensionColumns = []string{"id", "title", "status", "active", "disabled", "deleted", "summary_id", "import_id", "import_detail_id", "created_at", "updated_at"}

func withColumns(base []string, extra ...string) []string {
	out := slices.Clone(base[:2])
	out = append(out, extra...)
	return append(out, base[2:]...)
}

// Tables is the current schema.
var Tables = []Table{
	{Name: "accounts", Columns: withColumns(dimensionColumns, "type", "account_group")},
	{Name: "bills", Columns: dimensionColumns},
	{Name: "budgets", Columns: dimensionColumns},
	{Name: "categories", Columns: withColumns(dimensionColumns, "group_title", "single")},
	{Name: "tags", Columns: withColumns(dimensionColumns, "group_title", "single")},
	{Name: "labels", Columns: dimensionColumns},
	{Name: "transactions", Columns: []string{"id", "created_at", "updated_at"}},
	{Name: "journal_entries", Columns: []string{
		"id", "transaction_id", "amount", "account_id", "bill_id", "budget_id", "category_id", "tag_id",
		"description", "date", "date_text", "year_month_day", "year_week", "year_month", "year_quarter", "year",
		"linked", "reconciled", "data_checked", "complete", "transfer", "import_id", "import_detail_id",
		"created_at", "updated_at",
	}},
	{Name: "labels_to_journals", Columns: []string{"id", "label_id", "journal_id", "created_at", "updated_at"}},
	{Name: "summaries", Columns: []string{"id", "relation_id", "type", "count", "sum", "first_date", "last_date", "needs_update", "created_at", "updated_at"}},
	{Name: "import_mappings", Columns: []string{"id", "title", "configuration", "sample_data", "created_at", "updated_at"}},
	{Name: "imports", Columns: []string{
		"id", "title", "filename", "status", "source", "type", "import_mapping_id",
		"auto_clean", "auto_process", "check_imported_only", "error_info", "created_at", "updated_at",
	}},
	{Name: "import_item_details", Columns: []string{"id", "import_id", "status", "unique_id", "processed_info", "error_info", "relation_id", "relation2_id", "created_at", "updated_at"}},
	{Name: "users", Columns: []string{"id", "username", "hashed_password", "admin", "created_at", "updated_at"}, Users: true},
	{Name: "sessions", Columns: []string{"id", "user_id", "expires_at"}, Users: true},
}

// Row is one table row keyed by column name.
type Row map[string]any

// Information describes a backup document.
type Information struct {
	CreatedAt      time.Time      `json:"createdAt" validate:"required"`
	Title          string         `json:"title" validate:"required,max=200"`
	CreationReason string         `json:"creationReason" validate:"required,oneof=manual scheduled preRestore"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	ItemCount      map[string]int `json:"itemCount"`
}

// Document is the serialized backup.
type Document struct {
	Version     int              `json:"version"`
	Data        map[string][]Row `json:"data"`
	Information Information      `json:"information"`
}

// Validate checks d against the current schema.
func (d *Document) Validate() error {
	if d.Version != CurrentVersion {
		return core.NewValidationError(fmt.Sprintf("backup version %d, want %d", d.Version, CurrentVersion))
	}
	var issues []string
	if err := core.Validate(d.Information); err != nil {
		issues = append(issues, err.Error())
	}

	known := make(map[string]Table, len(Tables))
	for _, t := range Tables {
		known[t.Name] = t
	}
	for name := range d.Data {
		if _, ok := known[name]; !ok {
			issues = append(issues, fmt.Sprintf("unknown table %q", name))
		}
	}
	for _, t := range Tables {
		rows := d.Data[t.Name]
		if n, ok := d.Information.ItemCount[t.Name]; ok && n != len(rows) {
			issues = append(issues, fmt.Sprintf("%s: information counts %d rows, found %d", t.Name, n, len(rows)))
		}
		for i, row := range rows {
			if id, _ := row["id"].(string); id == "" {
				issues = append(issues, fmt.Sprintf("%s[%d]: id is required", t.Name, i))
			}
			for col := range row {
				if !slices.Contains(t.Columns, col) {
					issues = append(issues, fmt.Sprintf("%s[%d]: unknown column %q", t.Name, i, col))
				}
			}
		}
	}
	if len(issues) > 0 {
		return core.NewValidationError(issues...)
	}
	return nil
}

// migrations[v] upgrades a version v document to version v+1.
var migrations = map[int]func(*Document) error{
	1: migrateV1,
	2: migrateV2,
}

// Migrate upgrades d to CurrentVersion one version at a time.
func Migrate(d *Document) error {
	if d.Version < 1 || d.Version > CurrentVersion {
		return core.NewValidationError(fmt.Sprintf("unsupported backup version %d", d.Version))
	}
	for d.Version < CurrentVersion {
		step, ok := migrations[d.Version]
		if !ok {
			return fmt.Errorf("no migration from backup version %d", d.Version)
		}
		if err := step(d); err != nil {
			return fmt.Errorf("migrate backup from version %d: %w", d.Version, err)
		}
		d.Version++
	}
	return nil
}

// migrateV1 adds the import tables and summaries that version 1 lacked,
// and derives year_quarter for every journal.
func migrateV1(d *Document) error {
	for _, name := range []string{"summaries", "import_mappings", "imports", "import_item_details"} {
		if _, ok := d.Data[name]; !ok {
			d.Data[name] = []Row{}
		}
	}
	for _, name := range []string{"accounts", "bills", "budgets", "categories", "tags"} {
		for _, row := range d.Data[name] {
			row["summary_id"] = nil
		}
	}
	for i, row := range d.Data["journals"] {
		raw, _ := row["date"].(string)
		date, err := core.ParseDate(raw)
		if err != nil {
			return fmt.Errorf("journals[%d]: %w", i, err)
		}
		row["year_quarter"] = core.NewDateParts(date).YearQuarter
	}
	return nil
}

// migrateV2 renames journals to journal_entries and adds the label tables.
func migrateV2(d *Document) error {
	if rows, ok := d.Data["journals"]; ok {
		d.Data["journal_entries"] = rows
		delete(d.Data, "journals")
	}
	for _, name := range []string{"labels", "labels_to_journals"} {
		if _, ok := d.Data[name]; !ok {
			d.Data[name] = []Row{}
		}
	}
	if d.Information.ItemCount != nil {
		if n, ok := d.Information.ItemCount["journals"]; ok {
			d.Information.ItemCount["journal_entries"] = n
			delete(d.Information.ItemCount, "journals")
		}
	}
	return nil
}

// value converts a decoded JSON value into a SQLite argument.
func value(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return x
	}
}
