// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the hash-chain arithmetic built on top of it. Two
// writers hashing the same envelope always produce the same digest,
// regardless of map ordering or producer-side encoding quirks.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/contextgraph/contextgraph/internal/domain"
)

// Marshal returns the RFC 8785 canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for canonicalization: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize: %w", err)
	}
	return canonical, nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// EventHash computes the chain hash of an event:
// sha256(prev_hash || canonical(envelope minus hash and position)).
func EventHash(event domain.Event) (string, error) {
	content, err := event.HashContent()
	if err != nil {
		return "", err
	}
	canonicalBytes, err := Marshal(content)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(event.PrevHash))
	h.Write(canonicalBytes)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyEventHash recomputes the event's hash and checks it against the
// stored one. Used both at ingestion and when re-verifying on read.
func VerifyEventHash(event domain.Event) error {
	computed, err := EventHash(event)
	if err != nil {
		return err
	}
	if computed != event.Hash {
		return domain.IntegrityViolationf("event %s hash mismatch: stored %s, computed %s", event.EventID, event.Hash, computed)
	}
	return nil
}
