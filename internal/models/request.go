package models

import "time"

// Request is a customer's ask for help as seen by the mechanic pool. It is
// created together with its Session and is subject to exclusive assignment.
type Request struct {
	ID              string    `gorm:"primaryKey;size:32"`
	CustomerID      string    `gorm:"size:64;not null;index"`
	MechanicID      *string   `gorm:"size:32;index"`
	SessionType     string    `gorm:"size:16;not null"`
	PlanCode        string    `gorm:"size:32"`
	Status          string    `gorm:"size:16;default:pending;index:idx_request_status_created"`
	LinkedSessionID string    `gorm:"size:32;index"`
	CancelledBy     string    `gorm:"size:64"`
	CancelReason    string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"index:idx_request_status_created"`
	UpdatedAt       time.Time
	AcceptedAt      *time.Time
	ExpiresAt       *time.Time
	CancelledAt     *time.Time
}
