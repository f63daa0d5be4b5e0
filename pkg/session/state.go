package session

import "github.com/harun/chatgate/pkg/adapter"

var transitions = map[Status][]Status{
	StatusInitializing:  {StatusQRReady, StatusAuthenticated, StatusDisconnected, StatusAuthFailure},
	StatusQRReady:       {StatusQRReady, StatusAuthenticated, StatusDisconnected, StatusAuthFailure},
	StatusAuthenticated: {StatusReady, StatusDisconnected, StatusAuthFailure},
	StatusReady:         {StatusDisconnected, StatusAuthFailure},
	StatusDisconnected:  {StatusQRReady, StatusAuthenticated, StatusAuthFailure},
	StatusAuthFailure:   {},
}

// CanTransition reports whether a session may move from one status to another.
// qr_ready to qr_ready is a pairing code refresh.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func statusForEvent(kind adapter.EventKind) (Status, bool) {
	switch kind {
	case adapter.EventQR:
		return StatusQRReady, true
	case adapter.EventAuthenticated:
		return StatusAuthenticated, true
	case adapter.EventReady:
		return StatusReady, true
	case adapter.EventAuthFailure:
		return StatusAuthFailure, true
	case adapter.EventDisconnected:
		return StatusDisconnected, true
	}
	return "", false
}
