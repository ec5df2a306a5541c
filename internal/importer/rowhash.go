package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// RowHash computes the deterministic fingerprint of a row's original field
// values. The same fields always produce the same hash regardless of field
// order, so repeated imports of the same source data are recognizable as
// duplicates even across separate batches.
func RowHash(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(k))))
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(fields[k])))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
