package importer

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ledger/internal/core"
	"ledger/internal/storage"
)

// StoreInput describes an uploaded import file.
type StoreInput struct {
	Title             string          `validate:"required,max=500"`
	Data              []byte          `validate:"required"`
	Type              core.ImportType `validate:"required"`
	MappingID         string
	AutoClean         bool
	AutoProcess       bool
	CheckImportedOnly bool
}

// errorInfo is the JSON stored in error_info columns.
type errorInfo struct {
	Message string   `json:"message"`
	Issues  []string `json:"issues,omitempty"`
}

func newErrorInfo(err error) errorInfo {
	info := errorInfo{Message: err.Error()}
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		info.Message = "validation failed"
		info.Issues = ve.Issues
	}
	return info
}

func marshalInfo(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode import info: %w", err)
	}
	return string(b), nil
}

// detectSource decides whether data is a CSV file or a JSON array of
// objects. JSON is only accepted for mapped imports.
func detectSource(data []byte, typ core.ImportType) (core.ImportSource, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if typ != core.ImportTypeMapped {
			return "", core.NewValidationError("JSON files are only accepted for mapped imports")
		}
		return core.SourceJSON, nil
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "text/") {
		return "", core.NewValidationError(fmt.Sprintf("file must be CSV, got %s", ct))
	}
	return core.SourceCSV, nil
}

// Store persists an uploaded file as a new import and processes it
// straight away.
func (p *Pipeline) Store(ctx context.Context, in StoreInput) (*core.Import, error) {
	if err := core.Validate(in); err != nil {
		return nil, err
	}
	if _, err := p.handlerFor(in.Type); err != nil {
		return nil, err
	}
	source, err := detectSource(in.Data, in.Type)
	if err != nil {
		return nil, err
	}

	var mappingID any
	if in.Type == core.ImportTypeMapped {
		if in.MappingID == "" {
			return nil, core.NewValidationError("mapped imports need an import mapping")
		}
		if _, err := p.mappings.Get(ctx, in.MappingID); err != nil {
			return nil, err
		}
		mappingID = in.MappingID
	}

	id := uuid.NewString()
	filename := path.Join("imports", id+"."+string(source))
	if err := p.files.Write(ctx, filename, in.Data); err != nil {
		return nil, fmt.Errorf("store import file: %w", err)
	}

	now := storage.FormatTime(p.now())
	_, err = p.db.Q(ctx).ExecContext(ctx,
		"INSERT INTO imports (id, title, filename, status, source, type, import_mapping_id, auto_clean, auto_process, check_imported_only, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		id, in.Title, filename, core.ImportCreated, source, in.Type, mappingID,
		storage.BoolInt(in.AutoClean), storage.BoolInt(in.AutoProcess), storage.BoolInt(in.CheckImportedOnly), now, now)
	if err != nil {
		_ = p.files.Delete(ctx, filename)
		return nil, fmt.Errorf("insert import: %w", err)
	}
	slog.InfoContext(ctx, "Import stored", "import_id", id, "type", in.Type, "source", source, "bytes", len(in.Data))

	return p.ProcessCreatedImport(ctx, id)
}

// ProcessCreatedImport parses a created import and classifies every row
// into an item detail. A file that cannot be parsed moves the import to
// error; row problems only affect their own detail.
func (p *Pipeline) ProcessCreatedImport(ctx context.Context, id string) (*core.Import, error) {
	imp, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if imp.Status != core.ImportCreated {
		return nil, core.Statef("import %s is %s, not created", id, imp.Status)
	}
	h, err := p.handlerFor(imp.Type)
	if err != nil {
		return nil, err
	}

	data, err := p.files.Read(ctx, imp.Filename)
	if err != nil {
		return nil, fmt.Errorf("read import file: %w", err)
	}

	var rows []map[string]string
	switch imp.Source {
	case core.SourceJSON:
		rows, err = parseJSONRows(data)
	default:
		rows, err = parseCSVRows(data)
	}
	if err != nil {
		slog.WarnContext(ctx, "Import file could not be parsed", "import_id", id, "error", err)
		if _, serr := p.setStatus(ctx, id, core.ImportError, errorInfo{Message: err.Error()}, core.ImportCreated); serr != nil {
			return nil, serr
		}
		return p.Get(ctx, id)
	}

	var mapping *MappingConfig
	if imp.Type == core.ImportTypeMapped {
		if imp.ImportMappingID == nil {
			return nil, core.Statef("import %s has no import mapping", id)
		}
		if mapping, err = p.mappings.Config(ctx, *imp.ImportMappingID); err != nil {
			return nil, err
		}
	}

	var counts core.DetailCounts
	err = p.db.InTx(ctx, func(ctx context.Context) error {
		if _, err := p.db.Q(ctx).ExecContext(ctx, "DELETE FROM import_item_details WHERE import_id = ?", id); err != nil {
			return fmt.Errorf("clear import details: %w", err)
		}

		seen, err := p.knownKeys(ctx, imp, h)
		if err != nil {
			return err
		}

		now := storage.FormatTime(p.now())
		details := make([][]any, 0, len(rows))
		for _, row := range rows {
			status, key, payload, info := p.classify(h, mapping, row, seen)
			switch status {
			case core.DetailError:
				counts.Error++
			case core.DetailDuplicate:
				counts.Duplicate++
			default:
				counts.Processed++
			}
			var unique any
			if key != "" {
				unique = key
			}
			details = append(details, []any{uuid.NewString(), id, status, unique, payload, info, nil, nil, now, now})
		}
		if err := storage.InsertRows(ctx, p.db.Q(ctx), "INSERT", "import_item_details",
			[]string{"id", "import_id", "status", "unique_id", "processed_info", "error_info", "relation_id", "relation2_id", "created_at", "updated_at"},
			details); err != nil {
			return err
		}

		_, err = p.setStatus(ctx, id, counts.ProcessedStatus(), nil, core.ImportCreated)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Import processed",
		"import_id", id,
		"processed", counts.Processed,
		"duplicate", counts.Duplicate,
		"error", counts.Error)
	return p.Get(ctx, id)
}

// classify validates one row and checks its key against seen, adding it
// when the row is new.
func (p *Pipeline) classify(h handler, mapping *MappingConfig, row map[string]string, seen map[string]struct{}) (core.DetailStatus, string, any, any) {
	fail := func(err error) (core.DetailStatus, string, any, any) {
		info, _ := marshalInfo(newErrorInfo(err))
		return core.DetailError, "", nil, info
	}

	var (
		payload any
		key     string
		err     error
	)
	if mapping != nil {
		t, issues := Transform(row, mapping)
		if len(issues) > 0 {
			return fail(core.NewValidationError(issues...))
		}
		payload, key = t, t.Key()
	} else {
		payload, key, err = h.Parse(row)
		if err != nil {
			return fail(err)
		}
	}

	encoded, err := marshalInfo(payload)
	if err != nil {
		return fail(err)
	}
	if _, dup := seen[key]; dup {
		return core.DetailDuplicate, key, encoded, nil
	}
	seen[key] = struct{}{}
	return core.DetailProcessed, key, encoded, nil
}

// knownKeys collects the keys a new row of imp would duplicate: existing
// entities of the type and details of other imports in the same family.
// With checkImportedOnly only details that were actually imported count.
func (p *Pipeline) knownKeys(ctx context.Context, imp *core.Import, h handler) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	statuses := []any{core.DetailImported}
	if !imp.CheckImportedOnly {
		existing, err := h.ExistingKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("load existing keys: %w", err)
		}
		for k := range existing {
			seen[k] = struct{}{}
		}
		statuses = append(statuses, core.DetailProcessed)
	}

	types := p.familyTypes(h.Family())
	query := fmt.Sprintf(`SELECT d.unique_id FROM import_item_details d
		JOIN imports i ON i.id = d.import_id
		WHERE i.id <> ? AND d.unique_id IS NOT NULL AND d.status IN (%s) AND i.type IN (%%s)`,
		storage.Placeholders(len(statuses)))
	keys, err := storage.QueryStringsIn(ctx, p.db.Q(ctx), query, types, append([]any{imp.ID}, statuses...)...)
	if err != nil {
		return nil, fmt.Errorf("load prior import keys: %w", err)
	}
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	return seen, nil
}

func (p *Pipeline) familyTypes(family string) []string {
	var out []string
	for t, h := range p.handlers {
		if h.Family() == family {
			out = append(out, string(t))
		}
	}
	return out
}

func parseCSVRows(data []byte) ([]map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV: %w", err)
		}
		if blankRecord(record) {
			continue
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseJSONRows(data []byte) ([]map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode JSON rows: %w", err)
	}
	rows := make([]map[string]string, 0, len(raw))
	for _, obj := range raw {
		row := make(map[string]string, len(obj))
		for k, v := range obj {
			row[k] = jsonString(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func jsonString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
