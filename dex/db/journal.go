// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"sync"
	"time"

	"github.com/foonetic/serum-dex/dex"
	"github.com/google/uuid"
)

// Journal records one run.
type Journal struct {
	db  DB
	log dex.Logger

	mtx  sync.Mutex
	info *RunInfo
}

// NewJournal starts a run in the DB. A random ID and the start time are
// assigned if unset.
func NewJournal(db DB, info *RunInfo, log dex.Logger) (*Journal, error) {
	ri := *info
	if ri.ID == uuid.Nil {
		ri.ID = uuid.New()
	}
	if ri.Started.IsZero() {
		ri.Started = time.Now()
	}
	if err := db.NewRun(&ri); err != nil {
		return nil, err
	}
	log.Infof("Journaling run %s", ri.ID)
	return &Journal{db: db, info: &ri, log: log}, nil
}

// ID is the run ID.
func (j *Journal) ID() uuid.UUID {
	return j.info.ID
}

// SetMarket records the run's market address.
func (j *Journal) SetMarket(market string) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	j.info.Market = market
	return j.db.UpdateRun(j.info)
}

// RecordAccount saves an account created by the run.
func (j *Journal) RecordAccount(rec *AccountRecord) error {
	if rec.Stamp.IsZero() {
		rec.Stamp = time.Now()
	}
	return j.db.RecordAccount(j.info.ID, rec)
}

// RecordState saves a state reached by the run.
func (j *Journal) RecordState(rec *StateRecord) error {
	if rec.Stamp.IsZero() {
		rec.Stamp = time.Now()
	}
	return j.db.RecordState(j.info.ID, rec)
}

// Finish marks the run finished in the final state, with the run's error if
// it failed.
func (j *Journal) Finish(finalState string, runErr error) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	j.info.Finished = time.Now()
	j.info.FinalState = finalState
	if runErr != nil {
		j.info.Error = runErr.Error()
	}
	return j.db.UpdateRun(j.info)
}
