package models

import "time"

// Mechanic is a capacity-bearing actor. Whether it currently holds work is
// derived from the assignments table, not stored here.
type Mechanic struct {
	ID          string `gorm:"primaryKey;size:32"`
	UserID      string `gorm:"size:64;not null;uniqueIndex"`
	Name        string `gorm:"size:128"`
	IsAvailable bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Assignment is the single mechanic <-> request relation. The primary key
// on MechanicID and the unique index on RequestID make the store refuse a
// second active assignment for either side.
type Assignment struct {
	MechanicID string `gorm:"primaryKey;size:32"`
	RequestID  string `gorm:"size:32;not null;uniqueIndex"`
	Source     string `gorm:"size:8;not null"` // "self" or "admin"
	CreatedAt  time.Time
}
