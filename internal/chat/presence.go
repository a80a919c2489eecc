package chat

import (
	"sync"

	"github.com/marketchat/internal/model"
)

// PresenceOrder selects which of two presence records for one user wins.
type PresenceOrder int

const (
	// PresenceOrderArrival keeps the record that arrived last, whatever its
	// LastSeenAt says. A stale event delivered late overwrites a newer one.
	PresenceOrderArrival PresenceOrder = iota
	// PresenceOrderTimestamp keeps the record with the latest LastSeenAt;
	// arrival order only breaks ties.
	PresenceOrderTimestamp
)

// ParsePresenceOrder maps a config value to a PresenceOrder, defaulting to arrival.
func ParsePresenceOrder(s string) PresenceOrder {
	if s == "timestamp" {
		return PresenceOrderTimestamp
	}
	return PresenceOrderArrival
}

// PresenceTable is the per-user online state, written only by inbound events.
type PresenceTable struct {
	mu      sync.RWMutex
	order   PresenceOrder
	records map[string]model.Presence
}

func NewPresenceTable(order PresenceOrder) *PresenceTable {
	return &PresenceTable{order: order, records: make(map[string]model.Presence)}
}

// Apply records p and reports whether it replaced the previous record.
func (t *PresenceTable) Apply(p model.Presence) bool {
	if p.UserID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.records[p.UserID]
	if ok && t.order == PresenceOrderTimestamp && prev.LastSeenAt.After(p.LastSeenAt) {
		return false
	}
	t.records[p.UserID] = p
	return true
}

func (t *PresenceTable) Get(userID string) (model.Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.records[userID]
	return p, ok
}

// Online returns ids of users currently recorded as online.
func (t *PresenceTable) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.records))
	for id, p := range t.records {
		if p.IsOnline {
			ids = append(ids, id)
		}
	}
	return ids
}
