package thread

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeThreadHash returns the lowercase hex SHA-256 of ids joined by "|".
// The hash is order-sensitive.
func ComputeThreadHash(ids []string) string {
	sum := sha256.Sum256([]byte(strings.Join(ids, "|")))
	return hex.EncodeToString(sum[:])
}
