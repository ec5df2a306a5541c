package importer

// registry.go maps entity type tags to their import handlers. Dispatch is an
// explicit lookup table: a batch's entity_type selects a registered
// EntityDefinition, and the weak (table_name, record_id) reference on a
// tracked record resolves through the same table.

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FieldType is the expected data type for a spreadsheet column.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldDate
	FieldNumeric
)

// ColumnSpec defines one canonical field of an importable entity and the
// header spellings that map onto it. Alias matching is case-insensitive.
type ColumnSpec struct {
	Name       string   // canonical field name, e.g. "plan_number"
	Aliases    []string // accepted header names, e.g. "Plan Number", "plan_no"
	Type       FieldType
	Required   bool
	EnumValues []string // valid values for FieldEnum
}

// CreateResult is returned by a handler after persisting one row.
type CreateResult struct {
	RecordID  uuid.UUID
	Persisted map[string]string // fields as actually stored
}

// EntityHandler is the capability an importable entity exposes to the core.
// Every call receives the database handle so the same handler works inside
// and outside a transaction.
type EntityHandler interface {
	// Create persists one normalized row and returns the created record.
	Create(ctx context.Context, db DBTX, fields map[string]string) (CreateResult, error)

	// Exists reports whether a business row with the same identifying
	// fields is already persisted.
	Exists(ctx context.Context, db DBTX, fields map[string]string) (bool, error)

	// Delete removes the row by id. found is false when the row no longer
	// exists, which rollback reports as a per-row error rather than failing.
	Delete(ctx context.Context, db DBTX, id uuid.UUID) (found bool, err error)

	// Find resolves the weak reference. Returns nil without error when the
	// row was deleted out-of-band.
	Find(ctx context.Context, db DBTX, id uuid.UUID) (map[string]string, error)
}

// EntityDefinition describes one importable entity type.
type EntityDefinition struct {
	// Type is the registry tag and the table_name recorded on tracked rows.
	Type string

	// Label is the human-readable name used in messages.
	Label string

	Columns []ColumnSpec

	// SignatureFields are the canonical fields whose values identify a row
	// for duplicate detection, in signature order.
	SignatureFields []string

	Handler EntityHandler
}

var (
	registry   = make(map[string]EntityDefinition)
	registryMu sync.RWMutex
)

// Register adds an entity definition to the registry.
// Panics if the type tag is already registered.
func Register(def EntityDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Type]; exists {
		panic(fmt.Sprintf("entity type already registered: %s", def.Type))
	}
	if def.Handler == nil {
		panic(fmt.Sprintf("entity type %s registered without handler", def.Type))
	}

	registry[def.Type] = def
}

// Lookup returns an entity definition by type tag.
func Lookup(entityType string) (EntityDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[entityType]
	return def, ok
}

// Types returns all registered type tags, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ClearRegistry removes all registered entities. Test use only.
func ClearRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]EntityDefinition)
}

// aliasIndex maps every accepted header spelling (lowercased) to its
// canonical field name.
func aliasIndex(columns []ColumnSpec) map[string]string {
	idx := make(map[string]string)
	for _, col := range columns {
		idx[strings.ToLower(col.Name)] = col.Name
		for _, a := range col.Aliases {
			idx[strings.ToLower(strings.TrimSpace(a))] = col.Name
		}
	}
	return idx
}

// Signature concatenates the identifying field values of a normalized row.
func (d EntityDefinition) Signature(fields map[string]string) string {
	parts := make([]string, len(d.SignatureFields))
	for i, name := range d.SignatureFields {
		parts[i] = strings.ToLower(strings.TrimSpace(fields[name]))
	}
	return strings.Join(parts, "|")
}
