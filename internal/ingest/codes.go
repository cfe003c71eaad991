package ingest

import "github.com/Napageneral/nudge/internal/store"

// Message type codes used by SMS Backup & Restore.
const (
	MessageReceived = 1
	MessageSent     = 2
)

// Call type codes used by SMS Backup & Restore.
const (
	CallIncoming = 1
	CallOutgoing = 2
	CallMissed   = 3
	CallRejected = 5
)

// MessageDirection maps an export message type to a direction. Drafts,
// outbox and failed entries are neither sent nor received.
func MessageDirection(code int) store.Direction {
	switch code {
	case MessageReceived:
		return store.Inbound
	case MessageSent:
		return store.Outbound
	default:
		return store.Unknown
	}
}

// CallDirection maps an export call type to a direction.
func CallDirection(code int) store.Direction {
	switch code {
	case CallIncoming, CallMissed, CallRejected:
		return store.Inbound
	case CallOutgoing:
		return store.Outbound
	default:
		return store.Unknown
	}
}

// CallTypeDisplay names a call type code; unrecognized codes are "unknown".
func CallTypeDisplay(code int) string {
	switch code {
	case CallIncoming:
		return "incoming"
	case CallOutgoing:
		return "outgoing"
	case CallMissed:
		return "missed"
	case CallRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
