package core

import (
	"strings"
	"time"
)

const (
	StatusActive   StatusType = "active"
	StatusDisabled StatusType = "disabled"
	StatusDeleted  StatusType = "deleted"
)

const (
	DimensionAccount  DimensionType = "account"
	DimensionBill     DimensionType = "bill"
	DimensionBudget   DimensionType = "budget"
	DimensionCategory DimensionType = "category"
	DimensionTag      DimensionType = "tag"
	DimensionLabel    DimensionType = "label"
)

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountIncome    AccountType = "income"
	AccountExpense   AccountType = "expense"
)

// DimensionTypes lists every dimension in the order summaries are refreshed.
var DimensionTypes = []DimensionType{
	DimensionAccount,
	DimensionBill,
	DimensionBudget,
	DimensionCategory,
	DimensionTag,
	DimensionLabel,
}

type (
	StatusType    string
	DimensionType string
	AccountType   string

	// Dimension is one row of any categorization axis. Account-only and
	// category/tag-only fields are left empty for the other types.
	Dimension struct {
		ID        string
		Type      DimensionType
		Title     string
		Status    StatusType
		Active    bool
		Disabled  bool
		Deleted   bool
		SummaryID *string

		AccountType  AccountType
		AccountGroup string

		Group  string
		Single string

		ImportID       *string
		ImportDetailID *string
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// DimensionInput creates or updates a dimension row.
	DimensionInput struct {
		Title        string      `json:"title" validate:"required,max=200"`
		Status       StatusType  `json:"status,omitempty" validate:"omitempty,oneof=active disabled deleted"`
		AccountType  AccountType `json:"type,omitempty" validate:"omitempty,oneof=asset liability income expense"`
		AccountGroup string      `json:"accountGroup,omitempty" validate:"max=200"`

		ImportID       *string `json:"-"`
		ImportDetailID *string `json:"-"`
	}

	Transaction struct {
		ID        string
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	Journal struct {
		ID            string
		TransactionID string
		Amount        int64
		AccountID     string
		BillID        *string
		BudgetID      *string
		CategoryID    *string
		TagID         *string
		Description   string
		Date          time.Time
		DateParts
		Linked         bool
		Reconciled     bool
		DataChecked    bool
		Complete       bool
		Transfer       bool
		ImportID       *string
		ImportDetailID *string
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// Summary is the cached aggregate for one dimension row.
	Summary struct {
		ID          string
		RelationID  string
		Type        DimensionType
		Count       int64
		Sum         int64
		FirstDate   *time.Time
		LastDate    *time.Time
		NeedsUpdate bool
		UpdatedAt   time.Time
	}
)

// StatusFlags returns the derived active/disabled/deleted booleans.
func (s StatusType) StatusFlags() (active, disabled, deleted bool) {
	return s == StatusActive, s == StatusDisabled, s == StatusDeleted
}

func (s StatusType) Valid() bool {
	switch s {
	case StatusActive, StatusDisabled, StatusDeleted:
		return true
	}
	return false
}

func (t DimensionType) Valid() bool {
	for _, d := range DimensionTypes {
		if d == t {
			return true
		}
	}
	return false
}

// IsTransferType reports whether journals against an account of this type
// only move value between balance sheet accounts.
func (a AccountType) IsTransferType() bool {
	return a == AccountAsset || a == AccountLiability
}

func (a AccountType) Valid() bool {
	switch a {
	case AccountAsset, AccountLiability, AccountIncome, AccountExpense:
		return true
	}
	return false
}

// SplitGroupTitle splits a "group:single" title. Titles without a
// separator have an empty group.
func SplitGroupTitle(title string) (group, single string) {
	idx := strings.Index(title, ":")
	if idx < 0 {
		return "", strings.TrimSpace(title)
	}
	return strings.TrimSpace(title[:idx]), strings.TrimSpace(title[idx+1:])
}

// AccountUniqueKey is the dedup key used for account imports.
func AccountUniqueKey(group, title string) string {
	return group + ":" + title
}
