package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Job is one unit of ingestion work for a single document version.
// The job carries the extracted text so the worker never needs the
// original upload.
type Job struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Version     int       `json:"version"`
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Digest returns the hex SHA-256 of the extracted text. Two
// submissions with the same digest are the same content.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
