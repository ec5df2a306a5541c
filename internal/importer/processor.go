package importer

// processor.go consumes the decoded row sequence and attempts to create one
// business entity per row.
//
// Processing is best-effort, all-rows-attempted: a duplicate or invalid row
// is counted and skipped, and never aborts the batch. Each successful create
// registers a tracked record in the same step, so the batch stays reversible
// row by row. Only infrastructure failures (storage unreachable) propagate.

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RowProcessor processes rows for one batch against one entity definition.
type RowProcessor struct {
	def     EntityDefinition
	db      DBTX
	records RecordStore
	batch   *ImportBatch

	aliases map[string]string
	seen    map[string]bool // signatures already taken by rows of this file

	stats    ImportStats
	errors   []RowError
	warnings []RowWarning
}

// NewRowProcessor prepares processing of one batch.
func NewRowProcessor(def EntityDefinition, db DBTX, records RecordStore, batch *ImportBatch) *RowProcessor {
	return &RowProcessor{
		def:     def,
		db:      db,
		records: records,
		batch:   batch,
		aliases: aliasIndex(def.Columns),
		seen:    make(map[string]bool),
	}
}

// Stats returns the aggregate counts so far.
func (p *RowProcessor) Stats() ImportStats { return p.stats }

// Errors returns the full collected error list.
func (p *RowProcessor) Errors() []RowError { return p.errors }

// Warnings returns the collected warnings.
func (p *RowProcessor) Warnings() []RowWarning { return p.warnings }

// ProcessRow runs one row through normalize, duplicate detection, validation
// and creation. A non-nil return means an infrastructure failure; row-level
// problems are collected instead.
func (p *RowProcessor) ProcessRow(ctx context.Context, row Row) error {
	p.stats.TotalRows++

	fields := p.normalize(row.Fields)

	// Within-file duplicates and duplicates of already-persisted data are
	// both skipped, but reported distinctly.
	sig := p.def.Signature(fields)
	if len(p.def.SignatureFields) > 0 && p.seen[sig] {
		p.skipDuplicate(row.Number, DuplicateInFile,
			fmt.Sprintf("row %d duplicates an earlier row in this file", row.Number))
		return nil
	}

	if errs := p.validate(fields); len(errs) > 0 {
		p.stats.SkippedCount++
		p.stats.ErrorCount++
		for _, e := range errs {
			e.Row = row.Number
			e.Values = fields
			p.errors = append(p.errors, e)
		}
		return nil
	}

	p.seen[sig] = true

	exists, err := p.def.Handler.Exists(ctx, p.db, fields)
	if err != nil {
		return fmt.Errorf("duplicate check row %d: %w", row.Number, err)
	}
	if !exists {
		// The business row may be gone while its import trace remains; the
		// hash check alone would then block a legitimate re-import.
		hashDup, err := p.records.HashExists(ctx, p.def.Type, RowHash(row.Fields))
		if err != nil {
			return fmt.Errorf("hash check row %d: %w", row.Number, err)
		}
		exists = hashDup
	}
	if exists {
		p.skipDuplicate(row.Number, DuplicateExisting,
			fmt.Sprintf("row %d duplicates an already imported record", row.Number))
		return nil
	}

	created, err := p.def.Handler.Create(ctx, p.db, fields)
	if err != nil {
		// A failed create is a row error, not a batch failure.
		p.stats.SkippedCount++
		p.stats.ErrorCount++
		p.errors = append(p.errors, RowError{
			Row:    row.Number,
			Errors: []string{fmt.Sprintf("create failed: %v", err)},
			Values: fields,
		})
		return nil
	}

	rec := &ImportedRecord{
		ID:            uuid.New(),
		BatchID:       p.batch.ID,
		TableName:     p.def.Type,
		RecordID:      created.RecordID,
		RowNumber:     row.Number,
		RowHash:       RowHash(row.Fields),
		OriginalData:  row.Fields,
		ProcessedData: created.Persisted,
		Status:        RecordImported,
		CreatedAt:     time.Now(),
	}
	if err := p.records.Register(ctx, rec); err != nil {
		return fmt.Errorf("register tracked record row %d: %w", row.Number, err)
	}

	p.stats.ImportedCount++
	return nil
}

func (p *RowProcessor) skipDuplicate(rowNum int, kind, msg string) {
	p.stats.DuplicatesCount++
	p.stats.SkippedCount++
	p.warnings = append(p.warnings, RowWarning{Row: rowNum, Kind: kind, Message: msg})
}

// normalize maps raw header names onto canonical field names using the
// configured column aliases. Unknown headers are dropped.
func (p *RowProcessor) normalize(raw map[string]string) map[string]string {
	fields := make(map[string]string, len(p.def.Columns))
	for header, value := range raw {
		canonical, ok := p.aliases[strings.ToLower(strings.TrimSpace(header))]
		if !ok {
			continue
		}
		// First non-empty value wins when two headers alias the same field.
		if existing := fields[canonical]; existing == "" {
			fields[canonical] = strings.TrimSpace(value)
		}
	}
	return fields
}

// validate checks the normalized fields against the column specs.
func (p *RowProcessor) validate(fields map[string]string) []RowError {
	var errs []RowError
	for _, col := range p.def.Columns {
		value := fields[col.Name]

		if value == "" {
			if col.Required {
				errs = append(errs, RowError{
					Attribute: col.Name,
					Errors:    []string{"required field is missing or empty"},
				})
			}
			continue
		}

		if msg := validateValue(value, col); msg != "" {
			errs = append(errs, RowError{
				Attribute: col.Name,
				Errors:    []string{msg},
			})
		}
	}
	return errs
}

func validateValue(value string, col ColumnSpec) string {
	switch col.Type {
	case FieldNumeric:
		if _, err := ParseNumeric(value); err != nil {
			return fmt.Sprintf("invalid number %q", value)
		}
	case FieldDate:
		if _, err := ParseDate(value); err != nil {
			return fmt.Sprintf("invalid date %q (use YYYY-MM-DD or DD/MM/YYYY)", value)
		}
	case FieldEnum:
		for _, ev := range col.EnumValues {
			if strings.EqualFold(ev, value) {
				return ""
			}
		}
		return fmt.Sprintf("value %q must be one of: %s", value, strings.Join(col.EnumValues, ", "))
	}
	return ""
}

// ParseNumeric parses a spreadsheet number, tolerating thousands separators
// and surrounding whitespace.
func ParseNumeric(value string) (float64, error) {
	cleaned := strings.TrimSpace(value)
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	return strconv.ParseFloat(cleaned, 64)
}

// dateLayouts are the accepted spreadsheet date formats, most specific first.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"2006/01/02",
	"02.01.2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// ParseDate parses a spreadsheet date in any accepted layout.
func ParseDate(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", value)
}
