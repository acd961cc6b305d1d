package journal

import (
	"fmt"
	"strings"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/storage"
)

// DimensionFilter narrows journals by one dimension. Set fields are ANDed.
type DimensionFilter struct {
	ID      string
	IDArray []string
	// Title matches a substring of the dimension title.
	Title string
}

func (f DimensionFilter) empty() bool {
	return f.ID == "" && len(f.IDArray) == 0 && f.Title == ""
}

// Filter selects journals. The zero value matches everything.
type Filter struct {
	ID             string
	IDArray        []string
	TransactionIDs []string

	// Description matches a substring of the journal description.
	Description string
	// Search matches description or any referenced dimension title.
	Search string

	Account  DimensionFilter
	Bill     DimensionFilter
	Budget   DimensionFilter
	Category DimensionFilter
	Tag      DimensionFilter
	Label    DimensionFilter

	AccountTypes []core.AccountType

	// DateFrom and DateTo are inclusive YYYY-MM-DD bounds.
	DateFrom string
	DateTo   string

	MinAmount *int64
	MaxAmount *int64

	Linked      *bool
	Reconciled  *bool
	DataChecked *bool
	Complete    *bool
	Transfer    *bool

	ImportIDs []string

	Page     int
	PageSize int
	OrderBy  []OrderBy
}

// OrderBy is one sort key. Field is one of the keys of orderColumns.
type OrderBy struct {
	Field string
	Desc  bool
}

var orderColumns = map[string]string{
	"date":        "j.date",
	"amount":      "j.amount",
	"description": "j.description",
	"createdAt":   "j.created_at",
	"updatedAt":   "j.updated_at",
	"accountId":   "j.account_id",
	"yearMonth":   "j.year_month",
}

const (
	defaultPageSize = 10
	maxPageSize     = 1000
)

// predicate accumulates a WHERE clause.
type predicate struct {
	clauses []string
	args    []any
}

func (p *predicate) add(clause string, args ...any) {
	p.clauses = append(p.clauses, clause)
	p.args = append(p.args, args...)
}

func (p *predicate) in(column string, ids []string) {
	ids = storage.Unique(ids)
	if len(ids) == 0 {
		// An explicit empty id set matches nothing.
		p.add("0 = 1")
		return
	}
	p.add(column+" IN ("+storage.Placeholders(len(ids))+")", storage.Args(ids)...)
}

func (p *predicate) sql() string {
	if len(p.clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(p.clauses, " AND ")
}

func likePattern(s string) string {
	return "%" + strings.TrimSpace(s) + "%"
}

// where translates f into a predicate over journal_entries aliased j.
// Pagination and ordering are ignored.
func (f Filter) where() (string, []any) {
	var p predicate
	if f.ID != "" {
		p.add("j.id = ?", f.ID)
	}
	if f.IDArray != nil {
		p.in("j.id", f.IDArray)
	}
	if f.TransactionIDs != nil {
		p.in("j.transaction_id", f.TransactionIDs)
	}
	if f.Description != "" {
		p.add("j.description LIKE ?", likePattern(f.Description))
	}
	if f.Search != "" {
		pattern := likePattern(f.Search)
		p.add(`(j.description LIKE ?
			OR j.account_id IN (SELECT id FROM accounts WHERE title LIKE ?)
			OR j.bill_id IN (SELECT id FROM bills WHERE title LIKE ?)
			OR j.budget_id IN (SELECT id FROM budgets WHERE title LIKE ?)
			OR j.category_id IN (SELECT id FROM categories WHERE title LIKE ?)
			OR j.tag_id IN (SELECT id FROM tags WHERE title LIKE ?))`,
			pattern, pattern, pattern, pattern, pattern, pattern)
	}

	dims := []struct {
		typ core.DimensionType
		f   DimensionFilter
	}{
		{core.DimensionAccount, f.Account},
		{core.DimensionBill, f.Bill},
		{core.DimensionBudget, f.Budget},
		{core.DimensionCategory, f.Category},
		{core.DimensionTag, f.Tag},
	}
	for _, d := range dims {
		if d.f.empty() {
			continue
		}
		col := "j." + dimension.JournalColumn(d.typ)
		if d.f.ID != "" {
			p.add(col+" = ?", d.f.ID)
		}
		if d.f.IDArray != nil {
			p.in(col, d.f.IDArray)
		}
		if d.f.Title != "" {
			p.add(col+" IN (SELECT id FROM "+dimension.TableName(d.typ)+" WHERE title LIKE ?)", likePattern(d.f.Title))
		}
	}
	if !f.Label.empty() {
		var lp predicate
		if f.Label.ID != "" {
			lp.add("lj.label_id = ?", f.Label.ID)
		}
		if f.Label.IDArray != nil {
			lp.in("lj.label_id", f.Label.IDArray)
		}
		if f.Label.Title != "" {
			lp.add("lj.label_id IN (SELECT id FROM labels WHERE title LIKE ?)", likePattern(f.Label.Title))
		}
		p.add("EXISTS (SELECT 1 FROM labels_to_journals lj WHERE lj.journal_id = j.id AND "+strings.Join(lp.clauses, " AND ")+")", lp.args...)
	}

	if len(f.AccountTypes) > 0 {
		types := make([]string, len(f.AccountTypes))
		for i, t := range f.AccountTypes {
			types[i] = string(t)
		}
		p.add("j.account_id IN (SELECT id FROM accounts WHERE type IN ("+storage.Placeholders(len(types))+"))", storage.Args(types)...)
	}

	if f.DateFrom != "" {
		p.add("j.date_text >= ?", f.DateFrom)
	}
	if f.DateTo != "" {
		p.add("j.date_text <= ?", f.DateTo)
	}
	if f.MinAmount != nil {
		p.add("j.amount >= ?", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		p.add("j.amount <= ?", *f.MaxAmount)
	}

	flags := []struct {
		col string
		v   *bool
	}{
		{"j.linked", f.Linked},
		{"j.reconciled", f.Reconciled},
		{"j.data_checked", f.DataChecked},
		{"j.complete", f.Complete},
		{"j.transfer", f.Transfer},
	}
	for _, fl := range flags {
		if fl.v != nil {
			p.add(fl.col+" = ?", storage.BoolInt(*fl.v))
		}
	}

	if f.ImportIDs != nil {
		p.in("j.import_id", f.ImportIDs)
	}
	return p.sql(), p.args
}

// orderSQL returns the ORDER BY clause. Unknown fields are rejected so
// callers cannot inject SQL. The journal id is always the last key.
func (f Filter) orderSQL() (string, error) {
	if len(f.OrderBy) == 0 {
		return "ORDER BY j.date DESC, j.created_at DESC, j.id DESC", nil
	}
	keys := make([]string, 0, len(f.OrderBy)+1)
	for _, o := range f.OrderBy {
		col, ok := orderColumns[o.Field]
		if !ok {
			return "", core.NewValidationError(fmt.Sprintf("cannot order by %q", o.Field))
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		keys = append(keys, col+" "+dir)
	}
	keys = append(keys, "j.id ASC")
	return "ORDER BY " + strings.Join(keys, ", "), nil
}

func (f Filter) pagination() (page, pageSize int) {
	page, pageSize = f.Page, f.PageSize
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
