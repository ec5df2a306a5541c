package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/opencivic/backoffice/internal/importer"
)

func TestPgTimePtr(t *testing.T) {
	if got := pgTimePtr(pgtype.Timestamptz{}); got != nil {
		t.Errorf("pgTimePtr(null) = %v, want nil", got)
	}

	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := pgTimePtr(pgtype.Timestamptz{Time: want, Valid: true})
	if got == nil || !got.Equal(want) {
		t.Errorf("pgTimePtr(valid) = %v, want %v", got, want)
	}
}

func TestPgUUIDPtr(t *testing.T) {
	if got := pgUUIDPtr(pgtype.UUID{}); got != nil {
		t.Errorf("pgUUIDPtr(null) = %v, want nil", got)
	}

	want := uuid.New()
	got := pgUUIDPtr(pgtype.UUID{Bytes: want, Valid: true})
	if got == nil || *got != want {
		t.Errorf("pgUUIDPtr(valid) = %v, want %v", got, want)
	}
}

func TestMarshalLists(t *testing.T) {
	// Nil slices must serialize as empty JSON arrays, never null, so the
	// JSONB columns stay queryable with array operators.
	errsJSON, warnsJSON, err := marshalLists(nil, nil)
	if err != nil {
		t.Fatalf("marshalLists failed: %v", err)
	}
	if string(errsJSON) != "[]" || string(warnsJSON) != "[]" {
		t.Errorf("nil lists = %s, %s, want [] and []", errsJSON, warnsJSON)
	}

	errsJSON, _, err = marshalLists([]importer.RowError{
		{Row: 3, Attribute: "plan_number", Errors: []string{"required field is missing or empty"}},
	}, nil)
	if err != nil {
		t.Fatalf("marshalLists failed: %v", err)
	}

	var decoded []importer.RowError
	if err := json.Unmarshal(errsJSON, &decoded); err != nil {
		t.Fatalf("round-trip failed: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Row != 3 || decoded[0].Attribute != "plan_number" {
		t.Errorf("round-trip = %+v, want the original row error", decoded)
	}
}
