package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ledger/internal/core"
	"ledger/internal/dimension"
	"ledger/internal/journal"
)

// provenance ties created rows back to the import detail they came from.
type provenance struct {
	importID string
	detailID string
}

// handler is the per-type behaviour of the pipeline. Every import type
// maps to one handler so processing, execution and cleanup never branch
// on the type themselves.
type handler interface {
	// Parse validates one source row and returns its stored payload and
	// dedup key.
	Parse(row map[string]string) (payload any, key string, err error)
	// ExistingKeys returns the dedup keys of rows already in the ledger,
	// or nil when the type has none.
	ExistingKeys(ctx context.Context) (map[string]struct{}, error)
	// Create materialises one processed payload and returns the ids of
	// what it created.
	Create(ctx context.Context, payload json.RawMessage, prov provenance, cache *dimension.Cache) (relationID, relation2ID string, err error)
	CanDeleteMany(ctx context.Context, ids []string) (bool, error)
	DeleteMany(ctx context.Context, ids []string) error
	// Family groups import types whose details dedup against each other.
	Family() string
}

func newHandlers(registry *dimension.Registry, journals *journal.Store) map[core.ImportType]handler {
	tx := &transactionHandler{journals: journals}
	out := map[core.ImportType]handler{
		core.ImportTypeTransaction: tx,
		core.ImportTypeMapped:      tx,
	}
	for _, t := range []core.ImportType{
		core.ImportTypeAccount, core.ImportTypeBill, core.ImportTypeBudget,
		core.ImportTypeCategory, core.ImportTypeTag, core.ImportTypeLabel,
	} {
		typ, _ := t.DimensionType()
		out[t] = &dimensionHandler{typ: typ, registry: registry}
	}
	return out
}

// column returns the first non-empty value among keys, matched case
// insensitively against the row header.
func column(row map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		for rk, v := range row {
			if strings.EqualFold(rk, k) && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

type dimensionHandler struct {
	typ      core.DimensionType
	registry *dimension.Registry
}

func (h *dimensionHandler) Family() string { return string(h.typ) }

func (h *dimensionHandler) Parse(row map[string]string) (any, string, error) {
	in := core.DimensionInput{
		Title:  column(row, "title"),
		Status: core.StatusType(strings.ToLower(column(row, "status"))),
	}
	if h.typ == core.DimensionAccount {
		in.AccountType = core.AccountType(strings.ToLower(column(row, "type", "accountType")))
		in.AccountGroup = column(row, "accountGroup", "group")
	}
	if err := core.Validate(in); err != nil {
		return nil, "", err
	}
	key := in.Title
	if h.typ == core.DimensionAccount {
		key = core.AccountUniqueKey(in.AccountGroup, in.Title)
	}
	return in, key, nil
}

func (h *dimensionHandler) ExistingKeys(ctx context.Context) (map[string]struct{}, error) {
	return h.registry.UniqueKeys(ctx, h.typ)
}

func (h *dimensionHandler) Create(ctx context.Context, payload json.RawMessage, prov provenance, _ *dimension.Cache) (string, string, error) {
	var in core.DimensionInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return "", "", fmt.Errorf("decode %s payload: %w", h.typ, err)
	}
	in.ImportID = &prov.importID
	in.ImportDetailID = &prov.detailID
	d, err := h.registry.Create(ctx, h.typ, in)
	if err != nil {
		return "", "", err
	}
	return d.ID, "", nil
}

func (h *dimensionHandler) CanDeleteMany(ctx context.Context, ids []string) (bool, error) {
	return h.registry.CanDeleteMany(ctx, h.typ, ids)
}

func (h *dimensionHandler) DeleteMany(ctx context.Context, ids []string) error {
	return h.registry.DeleteMany(ctx, h.typ, ids)
}

type transactionHandler struct {
	journals *journal.Store
}

func (h *transactionHandler) Family() string { return "transaction" }

func (h *transactionHandler) Parse(row map[string]string) (any, string, error) {
	t, err := SimpleTransactionFromRow(row)
	if err != nil {
		return nil, "", err
	}
	return t, t.Key(), nil
}

// ExistingKeys is nil: journals carry no source identifier, so
// transaction rows only dedup against earlier item details.
func (h *transactionHandler) ExistingKeys(context.Context) (map[string]struct{}, error) {
	return nil, nil
}

func (h *transactionHandler) Create(ctx context.Context, payload json.RawMessage, prov provenance, cache *dimension.Cache) (string, string, error) {
	var t SimpleTransaction
	if err := json.Unmarshal(payload, &t); err != nil {
		return "", "", fmt.Errorf("decode transaction payload: %w", err)
	}
	ids, err := h.journals.CreateManyTransactionJournals(ctx, [][]journal.CreateJournalInput{t.Lines(prov.importID, prov.detailID)}, journal.CreateOptions{Cache: cache})
	if err != nil {
		return "", "", err
	}
	return ids[0], "", nil
}

func (h *transactionHandler) CanDeleteMany(context.Context, []string) (bool, error) {
	return true, nil
}

func (h *transactionHandler) DeleteMany(ctx context.Context, ids []string) error {
	_, err := h.journals.HardDeleteTransactions(ctx, ids)
	return err
}
