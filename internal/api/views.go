package api

import (
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/assign"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/models"
)

// JSON shapes returned by the API.

type requestView struct {
	ID              string     `json:"id"`
	CustomerID      string     `json:"customer_id"`
	MechanicID      *string    `json:"mechanic_id,omitempty"`
	SessionType     string     `json:"session_type"`
	PlanCode        string     `json:"plan_code,omitempty"`
	Status          string     `json:"status"`
	LinkedSessionID string     `json:"session_id"`
	CreatedAt       time.Time  `json:"created_at"`
	AcceptedAt      *time.Time `json:"accepted_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy     string     `json:"cancelled_by,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
}

func toRequestView(r *models.Request) requestView {
	return requestView{
		ID:              r.ID,
		CustomerID:      r.CustomerID,
		MechanicID:      r.MechanicID,
		SessionType:     r.SessionType,
		PlanCode:        r.PlanCode,
		Status:          r.Status,
		LinkedSessionID: r.LinkedSessionID,
		CreatedAt:       r.CreatedAt,
		AcceptedAt:      r.AcceptedAt,
		ExpiresAt:       r.ExpiresAt,
		CancelledAt:     r.CancelledAt,
		CancelledBy:     r.CancelledBy,
		CancelReason:    r.CancelReason,
	}
}

type sessionView struct {
	ID              string     `json:"id"`
	CustomerID      string     `json:"customer_id"`
	MechanicID      *string    `json:"mechanic_id,omitempty"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	LinkedRequestID string     `json:"request_id"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	CancelledBy     string     `json:"cancelled_by,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	CancelKind      string     `json:"cancel_kind,omitempty"`
	RefundPercent   *int       `json:"refund_percent,omitempty"`
}

func toSessionView(s *models.Session) sessionView {
	return sessionView{
		ID:              s.ID,
		CustomerID:      s.CustomerID,
		MechanicID:      s.MechanicID,
		Type:            s.Type,
		Status:          s.Status,
		LinkedRequestID: s.LinkedRequestID,
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		ScheduledStart:  s.ScheduledStart,
		ScheduledEnd:    s.ScheduledEnd,
		DurationMinutes: s.DurationMinutes,
		CancelledBy:     s.CancelledBy,
		CancelReason:    s.CancelReason,
		CancelKind:      s.CancelKind,
		RefundPercent:   s.RefundPercent,
	}
}

type pairView struct {
	Request requestView `json:"request"`
	Session sessionView `json:"session"`
}

type assignmentView struct {
	Request      requestView `json:"request"`
	Session      sessionView `json:"session"`
	MechanicName string      `json:"mechanic_name"`
	Source       string      `json:"source"`
}

func toAssignmentView(r *assign.Result) assignmentView {
	return assignmentView{
		Request:      toRequestView(&r.Request),
		Session:      toSessionView(&r.Session),
		MechanicName: r.MechanicName,
		Source:       r.Source,
	}
}

type endView struct {
	Session         sessionView `json:"session"`
	RequestID       string      `json:"request_id"`
	DurationMinutes int         `json:"duration_minutes"`
}

func toEndView(r *lifecycle.EndResult) endView {
	return endView{Session: toSessionView(&r.Session), RequestID: r.RequestID, DurationMinutes: r.DurationMinutes}
}

type mechanicView struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	IsAvailable bool      `json:"is_available"`
	CreatedAt   time.Time `json:"created_at"`
}

func toMechanicView(m *models.Mechanic) mechanicView {
	return mechanicView{ID: m.ID, UserID: m.UserID, Name: m.Name, IsAvailable: m.IsAvailable, CreatedAt: m.CreatedAt}
}

type assignmentRowView struct {
	MechanicID string    `json:"mechanic_id"`
	RequestID  string    `json:"request_id"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

type eventView struct {
	ID        uint      `json:"id"`
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toEventViews(events []models.SessionEvent) []eventView {
	out := make([]eventView, len(events))
	for i, e := range events {
		out[i] = eventView{ID: e.ID, SessionID: e.SessionID, RequestID: e.RequestID, Kind: e.Kind, Actor: e.Actor, Detail: e.Detail, CreatedAt: e.CreatedAt}
	}
	return out
}
