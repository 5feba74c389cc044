package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// Fingerprint returns a stable identifier for the pool-affecting parts of the
// config. Equal configs always hash to the same value, and any field change
// produces a different one; pool reuse keys off this.
func (c PoolConfig) Fingerprint() (string, error) {
	canonical := c
	canonical.OutputFormats = slices.Clone(c.OutputFormats)
	slices.Sort(canonical.OutputFormats)
	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal pool config: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
