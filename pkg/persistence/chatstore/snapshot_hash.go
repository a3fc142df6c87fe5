package chatstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
)

// SnapshotHashAlgorithmV1 identifies the canonical hash material/version.
//
// The canonical material is JSON over the ordered list of
//   - checkpoint id
//   - recorded message
//   - recorded output
//   - thread id
//
// Synthetic ids and sequence indexes are left out; they follow from position.
const SnapshotHashAlgorithmV1 = "sha256-canonical-json-v1"

type canonicalCheckpoint struct {
	ID       string `json:"id"`
	Message  string `json:"message"`
	Output   string `json:"output"`
	ThreadID string `json:"thread_id"`
}

// CanonicalSnapshotJSON returns the canonical JSON bytes used for snapshot hashing.
func CanonicalSnapshotJSON(history []checkpoints.Checkpoint) ([]byte, error) {
	m := make([]canonicalCheckpoint, 0, len(history))
	for _, cp := range history {
		m = append(m, canonicalCheckpoint{
			ID:       cp.ID,
			Message:  cp.RecordedMessage,
			Output:   cp.RecordedOutput,
			ThreadID: cp.ThreadID,
		})
	}
	return json.Marshal(m)
}

// ComputeSnapshotHash computes the lowercase-hex SHA-256 hash over canonical snapshot material.
func ComputeSnapshotHash(history []checkpoints.Checkpoint) (string, error) {
	b, err := CanonicalSnapshotJSON(history)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
