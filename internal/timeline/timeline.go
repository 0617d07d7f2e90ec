// Package timeline records the append-only audit trail of a session.
package timeline

import (
	"fmt"

	"github.com/faizrhashmi/theautodoctor/internal/models"
	"gorm.io/gorm"
)

// Event kinds.
const (
	KindCreated          = "created"
	KindAccepted         = "accepted"
	KindAdminAssigned    = "admin_assigned"
	KindAcceptanceUndone = "acceptance_undone"
	KindStarted          = "started"
	KindEnded            = "ended"
	KindForceEnded       = "force_ended"
	KindCancelled        = "cancelled"
	KindRequestCancelled = "request_cancelled"
	KindUnattended       = "unattended"
	KindExpired          = "expired"
	KindOrphaned         = "orphaned"
)

// Record appends one event. Callers pass the transaction that carries the
// state change so the event commits or rolls back with it.
func Record(tx *gorm.DB, sessionID, requestID, kind, actor, detail string) error {
	ev := models.SessionEvent{
		SessionID: sessionID,
		RequestID: requestID,
		Kind:      kind,
		Actor:     actor,
		Detail:    detail,
	}
	if err := tx.Create(&ev).Error; err != nil {
		return fmt.Errorf("timeline: record %s for %s: %w", kind, sessionID, err)
	}
	return nil
}

// RecordBatch appends the same kind of event for several sessions in one
// insert. Used by the sweeper's batch rules.
func RecordBatch(tx *gorm.DB, events []models.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := tx.Create(&events).Error; err != nil {
		return fmt.Errorf("timeline: record batch of %d: %w", len(events), err)
	}
	return nil
}

// List returns a session's events in the order they were written.
func List(db *gorm.DB, sessionID string) ([]models.SessionEvent, error) {
	var events []models.SessionEvent
	if err := db.Where("session_id = ?", sessionID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("timeline: list %s: %w", sessionID, err)
	}
	return events, nil
}

// ListForRequest returns every event tied to a request, across the sessions
// it has been linked to.
func ListForRequest(db *gorm.DB, requestID string) ([]models.SessionEvent, error) {
	var events []models.SessionEvent
	if err := db.Where("request_id = ?", requestID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("timeline: list request %s: %w", requestID, err)
	}
	return events, nil
}
