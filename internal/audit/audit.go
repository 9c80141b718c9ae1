// Package audit records arbitration and cleanup decisions for Coronet.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/coronet/internal/models"
	"github.com/fentz26/coronet/internal/store"
)

// Recorder writes append-only decision records.
type Recorder struct {
	store *store.Store
}

// NewRecorder creates a new decision recorder.
func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record writes a decision record for a state-mutating action.
func (r *Recorder) Record(action string, inputs interface{}, outcome, taskID, details string) (*models.Decision, error) {
	inputsHash := hashInputs(inputs)
	return r.store.WriteDecision(action, inputsHash, outcome, taskID, details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
