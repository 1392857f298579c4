package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// intakeNamespace scopes the UUIDv5 identifiers of intake records.
var intakeNamespace = uuid.MustParse("6f1c2b8e-4d0a-5a63-9e71-3c2f0d9b7a41")

// IntakeKey is the canonical idempotency key of an intake record: one
// record per order, scheduled local date and scheduled local time.
func IntakeKey(orderID, scheduledDate, scheduledTime string) string {
	return strings.Join([]string{orderID, scheduledDate, scheduledTime}, "|")
}

// RecordID derives a stable record identifier from an idempotency key.
// Two generation attempts for the same key always produce the same ID.
func RecordID(key string) uuid.UUID {
	return uuid.NewSHA1(intakeNamespace, []byte(key))
}

// GenerateKey hashes the given components into a fixed-length key.
func GenerateKey(parts ...string) string {
	data := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
