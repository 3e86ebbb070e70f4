package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// We don't want to compare incoming tokens against plain text values.
// Since we use the output of this function to identify the caller role
// we cannot use salts here.
// In general just hashing is not enough, but since the tokens are
// generated random strings this seems to be reasonable solution.
func HashAPIKey(arg string) string {
	hasher := sha256.New()
	hasher.Write([]byte(arg))
	return hex.EncodeToString(hasher.Sum(nil))
}
