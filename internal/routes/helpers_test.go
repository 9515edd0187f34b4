package routes

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func sha256hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
