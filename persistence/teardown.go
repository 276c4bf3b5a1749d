package persistence

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/buntdb"
)

const (
	TeardownHub  = "hub"
	TeardownUser = "user"

	teardownPrefix = "teardown:"
	teardownIndex  = "teardown_first_failed"
)

// Teardown is a tunnel resource whose removal failed and has to be retried by the sweep. RoomId and Identity tie it
// back to the store, which decides whether the resource is still garbage when it is retried.
type Teardown struct {
	Kind        string    `json:"kind"`
	Hub         string    `json:"hub"`
	User        string    `json:"user,omitempty"`
	RoomId      string    `json:"room_id"`
	Identity    string    `json:"identity,omitempty"`
	Attempts    int       `json:"attempts"`
	FirstFailed time.Time `json:"first_failed"`
	Order       int64     `json:"order"`
	LastError   string    `json:"last_error,omitempty"`
}

func (t *Teardown) Key() string {
	if t.Kind == TeardownUser {
		return teardownPrefix + TeardownUser + ":" + t.Hub + ":" + t.User
	}
	return teardownPrefix + TeardownHub + ":" + t.Hub
}

// TeardownLedger keeps pending teardowns in a buntdb file, ordered by the time of the first failure.
type TeardownLedger struct {
	db *buntdb.DB
}

// NewTeardownLedger opens the ledger at path; ":memory:" keeps it in memory.
func NewTeardownLedger(path string) (*TeardownLedger, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex(teardownIndex, teardownPrefix+"*", buntdb.IndexJSON("order"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &TeardownLedger{db: db}, nil
}

// Record adds a failed teardown, or bumps the attempt counter of an existing entry for the same resource.
func (l *TeardownLedger) Record(t *Teardown, cause error) error {
	return l.db.Update(func(tx *buntdb.Tx) error {
		entry := *t
		if raw, err := tx.Get(t.Key()); err == nil {
			prev := Teardown{}
			if json.Unmarshal([]byte(raw), &prev) == nil {
				entry.FirstFailed = prev.FirstFailed
				entry.Attempts = prev.Attempts
			}
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		if entry.FirstFailed.IsZero() {
			entry.FirstFailed = time.Now().UTC()
		}
		entry.Order = entry.FirstFailed.UnixNano()
		entry.Attempts++
		if cause != nil {
			entry.LastError = cause.Error()
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(entry.Key(), string(raw), nil)
		return err
	})
}

// Remove drops the entry for a resource. Removing an unknown entry is not an error.
func (l *TeardownLedger) Remove(t *Teardown) error {
	return l.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(t.Key())
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

// List returns all pending teardowns, oldest failure first.
func (l *TeardownLedger) List() ([]*Teardown, error) {
	teardowns := make([]*Teardown, 0)
	err := l.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(teardownIndex, func(key, val string) bool {
			t := &Teardown{}
			if err := json.Unmarshal([]byte(val), t); err == nil {
				teardowns = append(teardowns, t)
			}
			return true
		})
	})
	return teardowns, err
}

func (l *TeardownLedger) Len() (int, error) {
	n := 0
	err := l.db.View(func(tx *buntdb.Tx) error {
		var err error
		n, err = tx.Len()
		return err
	})
	return n, err
}

func (l *TeardownLedger) Close() error {
	return l.db.Close()
}
