// Package types contains the domain types shared across the convq internal
// packages. It imports no other convq package so that storage, conversions
// and confirm can all depend on it without creating import cycles.
package types

// ConfirmationType names the kind of action being confirmed to the ledger.
type ConfirmationType uint8

const (
	ConfirmationUnknown ConfirmationType = iota
	ConfirmationView
	ConfirmationClick
	ConfirmationDismiss
	ConfirmationLanded
	ConfirmationFlag
	ConfirmationUpvote
	ConfirmationDownvote
	// ConfirmationConversion is emitted when a queued conversion fires.
	ConfirmationConversion
)

// String returns the wire name of the confirmation type.
func (c ConfirmationType) String() string {
	switch c {
	case ConfirmationView:
		return "view"
	case ConfirmationClick:
		return "click"
	case ConfirmationDismiss:
		return "dismiss"
	case ConfirmationLanded:
		return "landed"
	case ConfirmationFlag:
		return "flag"
	case ConfirmationUpvote:
		return "upvote"
	case ConfirmationDownvote:
		return "downvote"
	case ConfirmationConversion:
		return "conversion"
	default:
		return "unknown"
	}
}

// QueueEntry is one pending conversion.
//
// Design rules:
//   - An entry is never mutated after creation; it is only removed.
//   - FireAt is an absolute UTC time in whole seconds since the Unix epoch.
//   - SubjectID is unique among pending entries in practice, but the queue
//     does not enforce it.
type QueueEntry struct {
	// FireAt is the epoch second at which the conversion should be confirmed.
	FireAt uint64

	// CreativeSetID groups creatives that share conversion tracking config.
	CreativeSetID string

	// SubjectID is the ad impression/interaction being converted (the "uuid").
	SubjectID string
}

// IsOverdue reports whether the entry should already have fired at now.
func (e QueueEntry) IsOverdue(now uint64) bool {
	return e.FireAt < now
}
