// Package intake writes the paired request and session that represent a
// customer's ask for help.
package intake

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/config"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/models"
	"github.com/faizrhashmi/theautodoctor/internal/timeline"
	"gorm.io/gorm"
)

// SessionTypes lists the accepted session types.
var SessionTypes = []string{"chat", "video", "diagnostic"}

// CreateOpts holds parameters for creating a request/session pair.
type CreateOpts struct {
	CustomerID     string
	SessionType    string
	PlanCode       string
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time

	// SkipActiveCheck allows a customer a second open session, for admin
	// tooling.
	SkipActiveCheck bool

	ExpireAfter time.Duration // defaults to config.DefaultExpireAfter
	Now         func() time.Time
}

// Pair is the result of CreatePair.
type Pair struct {
	Request models.Request
	Session models.Session
}

// CreatePair writes a pending request and its session, linked both ways,
// in one transaction. The session starts as scheduled when a future slot
// is given, and the request then stays open until ExpireAfter past the
// slot rather than past creation.
func CreatePair(ctx context.Context, gdb *gorm.DB, opts CreateOpts) (*Pair, error) {
	const op = "intake.CreatePair"
	now := time.Now().UTC()
	if opts.Now != nil {
		now = opts.Now()
	}
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = config.DefaultExpireAfter
	}
	if err := validate(op, &opts, now); err != nil {
		return nil, err
	}

	reqID, err := models.GenerateID(models.RequestIDPrefix)
	if err != nil {
		return nil, apperr.E(apperr.Internal, op, "generate request id", err)
	}
	sesID, err := models.GenerateID(models.SessionIDPrefix)
	if err != nil {
		return nil, apperr.E(apperr.Internal, op, "generate session id", err)
	}

	expires := now.Add(opts.ExpireAfter)
	sessionStatus := lifecycle.SessionPending
	if opts.ScheduledStart != nil {
		sessionStatus = lifecycle.SessionScheduled
		expires = opts.ScheduledStart.Add(opts.ExpireAfter)
	}
	pair := Pair{
		Request: models.Request{
			ID:              reqID,
			CustomerID:      opts.CustomerID,
			SessionType:     opts.SessionType,
			PlanCode:        opts.PlanCode,
			Status:          lifecycle.RequestPending,
			LinkedSessionID: sesID,
			CreatedAt:       now,
			ExpiresAt:       &expires,
		},
		Session: models.Session{
			ID:              sesID,
			CustomerID:      opts.CustomerID,
			Type:            opts.SessionType,
			Status:          sessionStatus,
			LinkedRequestID: reqID,
			CreatedAt:       now,
			ScheduledStart:  opts.ScheduledStart,
			ScheduledEnd:    opts.ScheduledEnd,
		},
	}

	err = gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !opts.SkipActiveCheck {
			var open int64
			if err := tx.Model(&models.Session{}).
				Where("customer_id = ? AND status IN ?", opts.CustomerID, lifecycle.Active).
				Count(&open).Error; err != nil {
				return apperr.E(apperr.Internal, op, "check active session", err)
			}
			if open > 0 {
				return apperr.E(apperr.Conflict, op, "customer already has an active session", nil)
			}
		}
		if err := tx.Create(&pair.Request).Error; err != nil {
			return apperr.E(apperr.Internal, op, "create request", err)
		}
		if err := tx.Create(&pair.Session).Error; err != nil {
			return apperr.E(apperr.Internal, op, "create session", err)
		}
		actor := lifecycle.Actor{Role: lifecycle.RoleCustomer, ID: opts.CustomerID}
		return timeline.Record(tx, sesID, reqID, timeline.KindCreated, actor.String(), "")
	})
	if err != nil {
		return nil, apperr.Wrap(op, "create pair", err)
	}
	return &pair, nil
}

func validate(op string, opts *CreateOpts, now time.Time) error {
	opts.CustomerID = strings.TrimSpace(opts.CustomerID)
	opts.SessionType = strings.ToLower(strings.TrimSpace(opts.SessionType))
	switch {
	case opts.CustomerID == "":
		return apperr.E(apperr.Validation, op, "customer id is required", nil)
	case opts.SessionType == "":
		return apperr.E(apperr.Validation, op, "session type is required", nil)
	case !slices.Contains(SessionTypes, opts.SessionType):
		return apperr.E(apperr.Validation, op, "session type must be one of "+strings.Join(SessionTypes, ", "), nil)
	case opts.ScheduledEnd != nil && opts.ScheduledStart == nil:
		return apperr.E(apperr.Validation, op, "scheduled end requires a scheduled start", nil)
	case opts.ScheduledStart != nil && !opts.ScheduledStart.After(now):
		return apperr.E(apperr.Validation, op, "scheduled start must be in the future", nil)
	case opts.ScheduledEnd != nil && !opts.ScheduledEnd.After(*opts.ScheduledStart):
		return apperr.E(apperr.Validation, op, "scheduled end must be after scheduled start", nil)
	}
	return nil
}
