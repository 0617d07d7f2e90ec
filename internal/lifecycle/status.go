// Package lifecycle owns the request and session state machines and the
// operations that move a session through them.
package lifecycle

import "slices"

// Request statuses.
const (
	RequestPending    = "pending"
	RequestUnattended = "unattended"
	RequestAccepted   = "accepted"
	RequestExpired    = "expired"
	RequestCancelled  = "cancelled"
	RequestCompleted  = "completed"
)

// Session statuses.
const (
	SessionPending    = "pending"
	SessionScheduled  = "scheduled"
	SessionWaiting    = "waiting"
	SessionLive       = "live"
	SessionCompleted  = "completed"
	SessionCancelled  = "cancelled"
	SessionExpired    = "expired"
	SessionUnattended = "unattended"
)

// Cancel kinds stamped on sessions.
const (
	CancelKindCancel   = "cancel"
	CancelKindUndo     = "undo"
	CancelKindOrphaned = "orphaned"
)

// RequestTransitions maps each request status to its valid next statuses.
// Terminal statuses have no entry.
var RequestTransitions = map[string][]string{
	RequestPending:    {RequestAccepted, RequestUnattended, RequestExpired, RequestCancelled},
	RequestUnattended: {RequestAccepted, RequestExpired, RequestCancelled},
	RequestAccepted:   {RequestPending, RequestCompleted, RequestCancelled},
}

// SessionTransitions maps each session status to its valid next statuses.
var SessionTransitions = map[string][]string{
	SessionPending:    {SessionWaiting, SessionScheduled, SessionUnattended, SessionCancelled, SessionExpired},
	SessionScheduled:  {SessionWaiting, SessionCancelled, SessionExpired},
	SessionUnattended: {SessionWaiting, SessionCancelled, SessionExpired},
	SessionWaiting:    {SessionLive, SessionCancelled},
	SessionLive:       {SessionCompleted, SessionCancelled},
}

// Terminal lists the statuses shared by both machines that admit no
// further transition.
var Terminal = []string{RequestCompleted, RequestCancelled, RequestExpired}

// Assignable lists the request statuses a mechanic may accept from.
var Assignable = []string{RequestPending, RequestUnattended}

// Joinable lists the session statuses that move to waiting on accept.
var Joinable = []string{SessionPending, SessionScheduled, SessionUnattended}

// Active lists the session statuses that count as a customer's open session.
var Active = []string{SessionPending, SessionScheduled, SessionWaiting, SessionLive}

// IsTerminal reports whether status admits no further transition.
func IsTerminal(status string) bool {
	return slices.Contains(Terminal, status)
}

// CanRequest reports whether a request may move from one status to another.
func CanRequest(from, to string) bool {
	return slices.Contains(RequestTransitions[from], to)
}

// CanSession reports whether a session may move from one status to another.
func CanSession(from, to string) bool {
	return slices.Contains(SessionTransitions[from], to)
}
