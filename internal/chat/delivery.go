package chat

import "github.com/marketchat/internal/model"

// Delivery lifecycle of one message:
//
//	queued -> sent -> delivered -> read
//	queued -> failed
//
// Statuses only move forward. An event that skips states (read before sent has
// been recorded) implies every state in between; an event behind the current
// state is ignored. failed is terminal and only reachable from queued.

func rank(s model.MessageStatus) int {
	switch s {
	case model.MessageStatusQueued:
		return 0
	case model.MessageStatusSent:
		return 1
	case model.MessageStatusDelivered:
		return 2
	case model.MessageStatusRead:
		return 3
	}
	return -1
}

// CanTransition reports whether from -> to is a single forward edge of the
// lifecycle (sent -> read is allowed directly, read receipts can skip delivered).
func CanTransition(from, to model.MessageStatus) bool {
	switch from {
	case model.MessageStatusQueued:
		return to == model.MessageStatusSent || to == model.MessageStatusFailed
	case model.MessageStatusSent:
		return to == model.MessageStatusDelivered || to == model.MessageStatusRead
	case model.MessageStatusDelivered:
		return to == model.MessageStatusRead
	}
	return false
}

// Advance applies incoming to current and returns the resulting status and
// whether it changed. It never regresses and never fails: unknown statuses and
// stale events leave current untouched.
func Advance(current, incoming model.MessageStatus) (model.MessageStatus, bool) {
	if incoming == model.MessageStatusFailed {
		if current == model.MessageStatusQueued {
			return incoming, true
		}
		return current, false
	}
	if current == model.MessageStatusFailed {
		return current, false
	}
	in := rank(incoming)
	if in < 0 {
		return current, false
	}
	if in > rank(current) {
		return incoming, true
	}
	return current, false
}

// Path lists the statuses traversed from current to target, excluding current.
// Used for logging the states implied by an out-of-order event.
func Path(current, target model.MessageStatus) []model.MessageStatus {
	order := []model.MessageStatus{
		model.MessageStatusQueued,
		model.MessageStatusSent,
		model.MessageStatusDelivered,
		model.MessageStatusRead,
	}
	from, to := rank(current), rank(target)
	if from < 0 || to <= from {
		return nil
	}
	return order[from+1 : to+1]
}
