package models

import (
	"time"

	"gorm.io/gorm"
)

// Session is the customer-facing unit of service delivery, coupled 1:1 with
// a Request. Undone sessions are soft-deleted rather than removed so their
// history survives.
type Session struct {
	ID              string    `gorm:"primaryKey;size:32"`
	CustomerID      string    `gorm:"size:64;not null;index"`
	MechanicID      *string   `gorm:"size:32;index"`
	Type            string    `gorm:"size:16;not null"`
	Status          string    `gorm:"size:16;default:pending;index:idx_session_status_created"`
	LinkedRequestID string    `gorm:"size:32;index"`
	CreatedAt       time.Time `gorm:"index:idx_session_status_created"`
	UpdatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	ScheduledStart  *time.Time
	ScheduledEnd    *time.Time
	DurationMinutes *int

	// Cancellation metadata. CancelKind separates a mechanic's pre-start
	// undo from a real cancellation and from sweeper reclamation.
	CancelledBy   string `gorm:"size:64"`
	CancelReason  string `gorm:"type:text"`
	CancelKind    string `gorm:"size:24"`
	RefundPercent *int

	DeletedAt gorm.DeletedAt `gorm:"index"`
}
