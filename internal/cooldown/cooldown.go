// Package cooldown gates alert dispatch per expiry cohort.
package cooldown

import (
	"sync"
	"time"

	"github.com/rewired-gh/optoracle/internal/models"
)

// Store persists last-alert instants across restarts.
type Store interface {
	LoadCooldowns() (map[string]time.Time, error)
	SaveCooldown(cohort string, sentAt time.Time) error
}

// Tracker remembers when each cohort last alerted. Entries are never pruned;
// the set of live expiries keeps it small.
type Tracker struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	store    Store
}

// New returns an empty tracker. A nil store keeps state in memory only.
func New(store Store) *Tracker {
	return &Tracker{
		lastSent: make(map[string]time.Time),
		store:    store,
	}
}

// Load restores persisted entries, replacing anything in memory.
func (t *Tracker) Load() (int, error) {
	if t.store == nil {
		return 0, nil
	}
	entries, err := t.store.LoadCooldowns()
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time, len(entries))
	for k, v := range entries {
		t.lastSent[k] = v
	}
	return len(entries), nil
}

// MayAlert reports whether cohort has no prior alert or its cooldown has elapsed at now.
// It does not mutate state.
func (t *Tracker) MayAlert(cohort string, cooldown time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mayAlertLocked(cohort, cooldown, now)
}

func (t *Tracker) mayAlertLocked(cohort string, cooldown time.Duration, now time.Time) bool {
	last, exists := t.lastSent[cohort]
	if !exists {
		return true
	}
	return now.Sub(last) >= cooldown
}

// RecordAlert overwrites the last-alert instant of cohort.
// A persistence failure is returned but the in-memory entry is kept.
func (t *Tracker) RecordAlert(cohort string, now time.Time) error {
	t.mu.Lock()
	t.lastSent[cohort] = now
	t.mu.Unlock()

	if t.store != nil {
		return t.store.SaveCooldown(cohort, now)
	}
	return nil
}

// Acquire is MayAlert and RecordAlert as one atomic check-and-set.
func (t *Tracker) Acquire(cohort string, cooldown time.Duration, now time.Time) (bool, error) {
	t.mu.Lock()
	if !t.mayAlertLocked(cohort, cooldown, now) {
		t.mu.Unlock()
		return false, nil
	}
	t.lastSent[cohort] = now
	t.mu.Unlock()

	if t.store != nil {
		return true, t.store.SaveCooldown(cohort, now)
	}
	return true, nil
}

// LastAlert returns the last-alert instant of cohort, if any.
func (t *Tracker) LastAlert(cohort string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSent[cohort]
	return last, ok
}

// Key is the tracker key of an alert: the cohort, qualified by currency when set.
func Key(a models.CohortAlert) string {
	if a.Currency == "" {
		return a.CohortKey
	}
	return a.Currency + ":" + a.CohortKey
}

// Filter splits alerts into those allowed at now and those still cooling down.
func (t *Tracker) Filter(alerts []models.CohortAlert, cooldown time.Duration, now time.Time) (allowed, suppressed []models.CohortAlert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range alerts {
		if t.mayAlertLocked(Key(a), cooldown, now) {
			allowed = append(allowed, a)
		} else {
			suppressed = append(suppressed, a)
		}
	}
	return allowed, suppressed
}
