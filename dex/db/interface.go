// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"github.com/google/uuid"
)

// DB is the run journal's persistent storage.
type DB interface {
	// NewRun saves a new run. The ID must be set and unused.
	NewRun(info *RunInfo) error
	// UpdateRun overwrites the info of an existing run.
	UpdateRun(info *RunInfo) error
	// RecordAccount saves an account created by the run. A record for the
	// same address is overwritten.
	RecordAccount(id uuid.UUID, rec *AccountRecord) error
	// RecordState appends a state reached by the run.
	RecordState(id uuid.UUID, rec *StateRecord) error
	// Runs retrieves the info of the newest n runs, newest first. n = 0
	// applies no limit.
	Runs(n int) ([]*RunInfo, error)
	// LoadRun retrieves a run with its accounts and states.
	LoadRun(id uuid.UUID) (*Run, error)
	// Backup makes a copy of the database.
	Backup() error
	// Close closes the database.
	Close() error
}
