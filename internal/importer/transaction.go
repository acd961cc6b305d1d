package importer

import (
	"errors"
	"fmt"
	"strings"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/journal"
)

// SimpleTransaction is the flat row shape of transaction imports and the
// output of every import mapping. It becomes a two-line transaction: the
// from account is debited and the to account credited.
type SimpleTransaction struct {
	UniqueID    string `json:"uniqueId,omitempty" validate:"max=200"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Description string `json:"description,omitempty" validate:"max=1000"`
	Amount      int64  `json:"amount"`

	FromAccountID    string `json:"fromAccountId,omitempty"`
	FromAccountTitle string `json:"fromAccountTitle,omitempty" validate:"required_without=FromAccountID,max=200"`
	ToAccountID      string `json:"toAccountId,omitempty"`
	ToAccountTitle   string `json:"toAccountTitle,omitempty" validate:"required_without=ToAccountID,max=200"`

	CategoryID    string `json:"categoryId,omitempty"`
	CategoryTitle string `json:"categoryTitle,omitempty" validate:"max=200"`
	TagID         string `json:"tagId,omitempty"`
	TagTitle      string `json:"tagTitle,omitempty" validate:"max=200"`
	BillID        string `json:"billId,omitempty"`
	BillTitle     string `json:"billTitle,omitempty" validate:"max=200"`
	BudgetID      string `json:"budgetId,omitempty"`
	BudgetTitle   string `json:"budgetTitle,omitempty" validate:"max=200"`

	Labels []string `json:"labels,omitempty" validate:"dive,max=200"`
}

// SimpleTransactionFromRow reads a CSV or JSON row keyed by field name.
func SimpleTransactionFromRow(row map[string]string) (SimpleTransaction, error) {
	t := SimpleTransaction{
		UniqueID:         column(row, "uniqueId"),
		Description:      column(row, "description"),
		FromAccountID:    column(row, "fromAccountId"),
		FromAccountTitle: column(row, "fromAccountTitle", "fromAccount"),
		ToAccountID:      column(row, "toAccountId"),
		ToAccountTitle:   column(row, "toAccountTitle", "toAccount"),
		CategoryID:       column(row, "categoryId"),
		CategoryTitle:    column(row, "categoryTitle", "category"),
		TagID:            column(row, "tagId"),
		TagTitle:         column(row, "tagTitle", "tag"),
		BillID:           column(row, "billId"),
		BillTitle:        column(row, "billTitle", "bill"),
		BudgetID:         column(row, "budgetId"),
		BudgetTitle:      column(row, "budgetTitle", "budget"),
		Labels:           splitLabels(column(row, "labels")),
	}

	var issues []string
	if raw := column(row, "date"); raw != "" {
		d, err := core.ParseDate(raw)
		if err != nil {
			issues = append(issues, err.Error())
		} else {
			t.Date = d.Format(core.DateLayout)
		}
	}
	raw := column(row, "amount")
	amount, err := core.ParseAmount(raw)
	if err != nil {
		issues = append(issues, fmt.Sprintf("amount %q is not a number", raw))
	}
	t.Amount = amount

	if err := t.Validate(); err != nil {
		var ve *core.ValidationError
		if errors.As(err, &ve) {
			issues = append(issues, ve.Issues...)
		} else {
			issues = append(issues, err.Error())
		}
	}
	if len(issues) > 0 {
		return t, core.NewValidationError(issues...)
	}
	return t, nil
}

func (t SimpleTransaction) Validate() error {
	return core.Validate(t)
}

func splitLabels(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Key is the dedup identifier: the explicit uniqueId, or a key derived
// from the row content when the source has none.
func (t SimpleTransaction) Key() string {
	if t.UniqueID != "" {
		return t.UniqueID
	}
	from := t.FromAccountID + t.FromAccountTitle
	to := t.ToAccountID + t.ToAccountTitle
	return fmt.Sprintf("%s|%d|%s|%s|%s", t.Date, t.Amount, t.Description, from, to)
}

// Lines converts t into journal lines carrying import provenance.
func (t SimpleTransaction) Lines(importID, detailID string) []journal.CreateJournalInput {
	var labels []dimension.Ref
	for _, l := range t.Labels {
		labels = append(labels, dimension.Ref{Title: l})
	}
	base := journal.CreateJournalInput{
		Date:           t.Date,
		Description:    t.Description,
		Bill:           dimension.Ref{ID: t.BillID, Title: t.BillTitle},
		Budget:         dimension.Ref{ID: t.BudgetID, Title: t.BudgetTitle},
		Category:       dimension.Ref{ID: t.CategoryID, Title: t.CategoryTitle},
		Tag:            dimension.Ref{ID: t.TagID, Title: t.TagTitle},
		Labels:         labels,
		ImportID:       &importID,
		ImportDetailID: &detailID,
	}
	from, to := base, base
	from.Account = dimension.Ref{ID: t.FromAccountID, Title: t.FromAccountTitle}
	from.Amount = -t.Amount
	to.Account = dimension.Ref{ID: t.ToAccountID, Title: t.ToAccountTitle}
	to.Amount = t.Amount
	return []journal.CreateJournalInput{from, to}
}
