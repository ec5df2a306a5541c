package entities

import (
	"testing"

	"github.com/opencivic/backoffice/internal/importer"
)

func TestRegisteredEntities(t *testing.T) {
	tests := []struct {
		entityType    string
		wantSignature string
	}{
		{TypePurchasePlans, "plan_number"},
		{TypeComplaints, "reference_number"},
	}

	for _, tt := range tests {
		t.Run(tt.entityType, func(t *testing.T) {
			def, ok := importer.Lookup(tt.entityType)
			if !ok {
				t.Fatalf("entity type %s not registered", tt.entityType)
			}
			if def.Handler == nil {
				t.Fatal("registered without handler")
			}
			if len(def.SignatureFields) != 1 || def.SignatureFields[0] != tt.wantSignature {
				t.Errorf("SignatureFields = %v, want [%s]", def.SignatureFields, tt.wantSignature)
			}

			// The signature field must be a required column.
			var found bool
			for _, col := range def.Columns {
				if col.Name == tt.wantSignature {
					found = true
					if !col.Required {
						t.Errorf("signature column %s is not required", col.Name)
					}
				}
			}
			if !found {
				t.Errorf("signature field %s has no column spec", tt.wantSignature)
			}
		})
	}
}

func TestColumnAliasesAreUnambiguous(t *testing.T) {
	for _, entityType := range importer.Types() {
		def, _ := importer.Lookup(entityType)
		seen := make(map[string]string)
		for _, col := range def.Columns {
			for _, alias := range append([]string{col.Name}, col.Aliases...) {
				if prev, ok := seen[alias]; ok && prev != col.Name {
					t.Errorf("%s: alias %q claimed by both %s and %s", entityType, alias, prev, col.Name)
				}
				seen[alias] = col.Name
			}
		}
	}
}
