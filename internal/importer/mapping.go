package importer

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"ledger/internal/cache"
	"ledger/internal/core"
	"ledger/internal/storage"
)

// MappingConfig turns an arbitrary row into a SimpleTransaction. Every
// string field is a template where {column} is replaced by that column's
// value.
type MappingConfig struct {
	UniqueID     string `yaml:"uniqueId" json:"uniqueId"`
	Date         string `yaml:"date" json:"date" validate:"required"`
	DateFormat   string `yaml:"dateFormat" json:"dateFormat"`
	Description  string `yaml:"description" json:"description"`
	Amount       string `yaml:"amount" json:"amount" validate:"required"`
	AmountNegate bool   `yaml:"amountNegate" json:"amountNegate"`
	FromAccount  string `yaml:"fromAccount" json:"fromAccount" validate:"required"`
	ToAccount    string `yaml:"toAccount" json:"toAccount" validate:"required"`
	Category     string `yaml:"category" json:"category"`
	Tag          string `yaml:"tag" json:"tag"`
	Bill         string `yaml:"bill" json:"bill"`
	Budget       string `yaml:"budget" json:"budget"`
	Labels       string `yaml:"labels" json:"labels"`
}

// ParseMappingConfig reads a YAML (or JSON) mapping configuration.
// Unknown keys are rejected.
func ParseMappingConfig(raw string) (*MappingConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.KnownFields(true)
	var cfg MappingConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, core.NewValidationError("mapping configuration: " + err.Error())
	}
	if err := core.Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.DateFormat != "" {
		if _, err := time.Parse(cfg.DateFormat, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC).Format(cfg.DateFormat)); err != nil {
			return nil, core.NewValidationError(fmt.Sprintf("dateFormat %q is not a usable layout", cfg.DateFormat))
		}
	}
	return &cfg, nil
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// render expands {column} placeholders. Referenced columns missing from
// the row are reported.
func render(tmpl string, row map[string]string, missing map[string]struct{}) string {
	return strings.TrimSpace(placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := row[name]; ok {
			return strings.TrimSpace(v)
		}
		for k, v := range row {
			if strings.EqualFold(k, name) {
				return strings.TrimSpace(v)
			}
		}
		missing[name] = struct{}{}
		return ""
	}))
}

// Transform applies cfg to one row. It returns the transaction or the
// list of problems found.
func Transform(row map[string]string, cfg *MappingConfig) (SimpleTransaction, []string) {
	missing := make(map[string]struct{})
	out := map[string]string{
		"uniqueId":         render(cfg.UniqueID, row, missing),
		"description":      render(cfg.Description, row, missing),
		"fromAccountTitle": render(cfg.FromAccount, row, missing),
		"toAccountTitle":   render(cfg.ToAccount, row, missing),
		"categoryTitle":    render(cfg.Category, row, missing),
		"tagTitle":         render(cfg.Tag, row, missing),
		"billTitle":        render(cfg.Bill, row, missing),
		"budgetTitle":      render(cfg.Budget, row, missing),
		"labels":           render(cfg.Labels, row, missing),
	}

	var issues []string
	for name := range missing {
		issues = append(issues, fmt.Sprintf("column %q not found", name))
	}

	rawDate := render(cfg.Date, row, missing)
	if cfg.DateFormat != "" && rawDate != "" {
		d, err := time.Parse(cfg.DateFormat, rawDate)
		if err != nil {
			issues = append(issues, fmt.Sprintf("date %q does not match %s", rawDate, cfg.DateFormat))
		} else {
			rawDate = d.Format(core.DateLayout)
		}
	}
	out["date"] = rawDate

	rawAmount := render(cfg.Amount, row, missing)
	if cfg.AmountNegate && rawAmount != "" {
		if amount, err := core.ParseAmount(rawAmount); err == nil {
			rawAmount = core.FormatAmount(-amount)
		}
	}
	out["amount"] = rawAmount

	t, err := SimpleTransactionFromRow(out)
	if err != nil {
		var ve *core.ValidationError
		if errors.As(err, &ve) {
			issues = append(issues, ve.Issues...)
		} else {
			issues = append(issues, err.Error())
		}
	}
	if len(issues) > 0 {
		return t, issues
	}
	return t, nil
}

// MappingInput creates or updates an import mapping.
type MappingInput struct {
	Title         string `validate:"required,max=200"`
	Configuration string `validate:"required"`
	SampleData    string
}

// MappingStore persists import mappings and caches their parsed
// configuration.
type MappingStore struct {
	db      *storage.DB
	configs *cache.LRU[*MappingConfig]
	now     func() time.Time
}

func NewMappingStore(db *storage.DB, configs *cache.LRU[*MappingConfig]) *MappingStore {
	if configs == nil {
		configs = cache.NewLRU[*MappingConfig](64, time.Hour)
	}
	return &MappingStore{db: db, configs: configs, now: time.Now}
}

// Cache exposes the parsed configuration cache so it can be swept.
func (m *MappingStore) Cache() *cache.LRU[*MappingConfig] {
	return m.configs
}

func (m *MappingStore) Create(ctx context.Context, in MappingInput) (*core.ImportMapping, error) {
	if err := core.Validate(in); err != nil {
		return nil, err
	}
	if _, err := ParseMappingConfig(in.Configuration); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	now := storage.FormatTime(m.now())
	if _, err := m.db.Q(ctx).ExecContext(ctx,
		"INSERT INTO import_mappings (id, title, configuration, sample_data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, strings.TrimSpace(in.Title), in.Configuration, in.SampleData, now, now); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, core.Conflictf("import mapping titled %q already exists", in.Title)
		}
		return nil, fmt.Errorf("create import mapping: %w", err)
	}
	return m.Get(ctx, id)
}

func (m *MappingStore) Update(ctx context.Context, id string, in MappingInput) (*core.ImportMapping, error) {
	if err := core.Validate(in); err != nil {
		return nil, err
	}
	if _, err := ParseMappingConfig(in.Configuration); err != nil {
		return nil, err
	}
	res, err := m.db.Q(ctx).ExecContext(ctx,
		"UPDATE import_mappings SET title = ?, configuration = ?, sample_data = ?, updated_at = ? WHERE id = ?",
		strings.TrimSpace(in.Title), in.Configuration, in.SampleData, storage.FormatTime(m.now()), id)
	if err != nil {
		return nil, fmt.Errorf("update import mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.NotFoundf("import mapping %s", id)
	}
	m.configs.Delete(id)
	return m.Get(ctx, id)
}

func (m *MappingStore) Get(ctx context.Context, id string) (*core.ImportMapping, error) {
	var (
		mp                   core.ImportMapping
		createdAt, updatedAt string
	)
	err := m.db.Q(ctx).QueryRowContext(ctx,
		"SELECT id, title, configuration, sample_data, created_at, updated_at FROM import_mappings WHERE id = ?", id).
		Scan(&mp.ID, &mp.Title, &mp.Configuration, &mp.SampleData, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("import mapping %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get import mapping: %w", err)
	}
	mp.CreatedAt = storage.ParseTime(createdAt)
	mp.UpdatedAt = storage.ParseTime(updatedAt)
	return &mp, nil
}

func (m *MappingStore) List(ctx context.Context) ([]core.ImportMapping, error) {
	rows, err := m.db.Q(ctx).QueryContext(ctx,
		"SELECT id, title, configuration, sample_data, created_at, updated_at FROM import_mappings ORDER BY title")
	if err != nil {
		return nil, fmt.Errorf("list import mappings: %w", err)
	}
	defer rows.Close()

	var out []core.ImportMapping
	for rows.Next() {
		var (
			mp                   core.ImportMapping
			createdAt, updatedAt string
		)
		if err := rows.Scan(&mp.ID, &mp.Title, &mp.Configuration, &mp.SampleData, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		mp.CreatedAt = storage.ParseTime(createdAt)
		mp.UpdatedAt = storage.ParseTime(updatedAt)
		out = append(out, mp)
	}
	return out, rows.Err()
}

// Delete removes a mapping no import refers to.
func (m *MappingStore) Delete(ctx context.Context, id string) error {
	return m.db.InTx(ctx, func(ctx context.Context) error {
		var n int
		if err := m.db.Q(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM imports WHERE import_mapping_id = ?", id).Scan(&n); err != nil {
			return fmt.Errorf("count mapping references: %w", err)
		}
		if n > 0 {
			return core.Conflictf("import mapping %s is used by %d imports", id, n)
		}
		if _, err := m.db.Q(ctx).ExecContext(ctx, "DELETE FROM import_mappings WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete import mapping: %w", err)
		}
		m.configs.Delete(id)
		return nil
	})
}

// Config returns the parsed configuration of a mapping.
func (m *MappingStore) Config(ctx context.Context, id string) (*MappingConfig, error) {
	if cfg, ok := m.configs.Get(id); ok {
		return cfg, nil
	}
	mp, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseMappingConfig(mp.Configuration)
	if err != nil {
		return nil, err
	}
	m.configs.Set(id, cfg)
	return cfg, nil
}
