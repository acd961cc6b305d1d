package log

// Common field names for structured logging
const (
	FieldComponent        = "component"
	FieldError            = "error"
	FieldOperation        = "operation"
	FieldDuration         = "duration_ms"
	FieldSuccess          = "success"
	FieldImportID         = "import_id"
	FieldImportType       = "import_type"
	FieldImportStatus     = "import_status"
	FieldTransactionCount = "transaction_count"
	FieldJournalCount     = "journal_count"
	FieldRowCount         = "row_count"
	FieldBackupFile       = "file"
	FieldTask             = "task"
	FieldInterval         = "interval"
)

// Components defines standard component names
const (
	ComponentApp      = "app"
	ComponentCLI      = "cli"
	ComponentImporter = "importer"
	ComponentBackup   = "backup"
	ComponentSummary  = "summary"
	ComponentJournal  = "journal"
	ComponentStorage  = "storage"
	ComponentAMQP     = "amqp"
	ComponentWorker   = "worker"
	ComponentCache    = "cache"
)

// Operations defines standard operation names
const (
	OpImport   = "import"
	OpProcess  = "process"
	OpClean    = "clean"
	OpBackup   = "backup"
	OpRestore  = "restore"
	OpRefresh  = "refresh"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithImport adds the fields identifying an import run.
func (f LogFields) WithImport(id, importType, status string) LogFields {
	f[FieldImportID] = id
	if importType != "" {
		f[FieldImportType] = importType
	}
	if status != "" {
		f[FieldImportStatus] = status
	}
	return f
}

// WithTask adds the fields of a scheduled task run.
func (f LogFields) WithTask(task string, durationMs int64, success bool) LogFields {
	f[FieldTask] = task
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
