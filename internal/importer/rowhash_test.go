package importer

import "testing"

func TestRowHash_FieldOrderIndependent(t *testing.T) {
	a := RowHash(map[string]string{"plan_number": "PP-001", "title": "Office supplies"})
	b := RowHash(map[string]string{"title": "Office supplies", "plan_number": "PP-001"})
	if a != b {
		t.Errorf("hashes differ for same fields: %s vs %s", a, b)
	}
}

func TestRowHash_NormalizesKeysAndWhitespace(t *testing.T) {
	a := RowHash(map[string]string{"Plan_Number": " PP-001 "})
	b := RowHash(map[string]string{"plan_number": "PP-001"})
	if a != b {
		t.Errorf("hashes differ after key case and value whitespace normalization")
	}
}

func TestRowHash_ValueSensitive(t *testing.T) {
	a := RowHash(map[string]string{"plan_number": "PP-001"})
	b := RowHash(map[string]string{"plan_number": "PP-002"})
	if a == b {
		t.Error("different values produced the same hash")
	}
}

func TestRowHash_KeyValueBoundary(t *testing.T) {
	// "ab"+"c" must not collide with "a"+"bc".
	a := RowHash(map[string]string{"ab": "c"})
	b := RowHash(map[string]string{"a": "bc"})
	if a == b {
		t.Error("key/value boundary collision")
	}
}
