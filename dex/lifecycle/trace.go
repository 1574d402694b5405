// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// EventKind is the kind of a trace Event.
type EventKind uint8

const (
	EventSubmit EventKind = iota
	EventConfirm
	EventReadBack
	EventState
)

// String returns the string representation of an EventKind.
func (k EventKind) String() string {
	switch k {
	case EventSubmit:
		return "submit"
	case EventConfirm:
		return "confirm"
	case EventReadBack:
		return "readback"
	case EventState:
		return "state"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one entry of a run's trace.
type Event struct {
	Kind  EventKind
	State State
	Batch string
	// Accounts are the accounts created by a submitted or confirmed batch, or
	// the account read by a read-back.
	Accounts  []solana.PublicKey
	Signature solana.Signature
	Stamp     time.Time
}

// String describes the event.
func (e *Event) String() string {
	switch e.Kind {
	case EventReadBack:
		return fmt.Sprintf("readback %s", e.Accounts[0])
	case EventState:
		return fmt.Sprintf("state %s", e.State)
	}
	return fmt.Sprintf("%s %s (%d accounts) %s", e.Kind, e.Batch, len(e.Accounts), e.Signature)
}

// Trace is the ordered record of what a driver did.
type Trace struct {
	mtx    sync.Mutex
	events []*Event
}

func (t *Trace) add(e *Event) {
	e.Stamp = time.Now()
	t.mtx.Lock()
	t.events = append(t.events, e)
	t.mtx.Unlock()
}

// Events is a copy of the events so far.
func (t *Trace) Events() []*Event {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return append([]*Event(nil), t.events...)
}

// CheckReadsAfterConfirm errors if any account was read back before the
// confirmation of the batch that created it.
func (t *Trace) CheckReadsAfterConfirm() error {
	confirmed := make(map[solana.PublicKey]bool)
	for i, e := range t.Events() {
		switch e.Kind {
		case EventConfirm:
			for _, pk := range e.Accounts {
				confirmed[pk] = true
			}
		case EventReadBack:
			if !confirmed[e.Accounts[0]] {
				return fmt.Errorf("event %d: %s read before its creation was confirmed", i, e.Accounts[0])
			}
		}
	}
	return nil
}
