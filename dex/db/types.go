// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db is the journal of provisioning runs: the accounts each run
// created and how far it got. Failed runs leave funded accounts behind, and
// the journal is how they are found again.
package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = fmt.Errorf("run not found")

// recordVersion prefixes every stored record.
const recordVersion byte = 0

// RunInfo describes a run.
type RunInfo struct {
	ID       uuid.UUID `json:"id"`
	Started  time.Time `json:"started"`
	Cluster  string    `json:"cluster"`
	RPCURL   string    `json:"rpcURL"`
	Program  string    `json:"program"`
	Payer    string    `json:"payer"`
	Market   string    `json:"market,omitempty"`
	Scenario string    `json:"scenario,omitempty"`
	// Finished is zero until the run ends.
	Finished   time.Time `json:"finished,omitempty"`
	FinalState string    `json:"finalState,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Succeeded is true if the run finished without error.
func (ri *RunInfo) Succeeded() bool {
	return !ri.Finished.IsZero() && ri.Error == ""
}

// AccountRecord is an account created by a run.
type AccountRecord struct {
	Role      string    `json:"role"`
	Label     string    `json:"label"`
	Address   string    `json:"address"`
	Owner     string    `json:"owner"`
	Size      uint64    `json:"size"`
	Lamports  uint64    `json:"lamports"`
	Batch     string    `json:"batch"`
	Signature string    `json:"signature"`
	Stamp     time.Time `json:"stamp"`
}

// StateRecord is a state reached by a run.
type StateRecord struct {
	State     string    `json:"state"`
	Signature string    `json:"signature,omitempty"`
	Stamp     time.Time `json:"stamp"`
}

// Run is a run with everything it recorded.
type Run struct {
	Info     *RunInfo
	Accounts []*AccountRecord
	States   []*StateRecord
}

// Locked is the sum of the rent balances of the run's accounts.
func (r *Run) Locked() uint64 {
	var sum uint64
	for _, a := range r.Accounts {
		sum += a.Lamports
	}
	return sum
}

// Encode is the versioned serialization of a record.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{recordVersion}, b...), nil
}

// Decode parses a versioned record from Encode into v.
func Decode(b []byte, v any) error {
	if len(b) == 0 {
		return fmt.Errorf("empty record")
	}
	if b[0] != recordVersion {
		return fmt.Errorf("unknown record version %d", b[0])
	}
	return json.Unmarshal(b[1:], v)
}
