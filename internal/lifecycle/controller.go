package lifecycle

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/broadcast"
	"github.com/faizrhashmi/theautodoctor/internal/models"
	"github.com/faizrhashmi/theautodoctor/internal/timeline"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Opts configures a Controller.
type Opts struct {
	DB        *gorm.DB
	Publisher broadcast.Publisher
	Log       logrus.FieldLogger
	Refund    RefundPolicy // optional
	Now       func() time.Time
}

// Controller performs the session lifecycle operations. Every method
// re-reads the row it changes and writes with a conditional update on the
// status it read, so a concurrent change is reported rather than
// overwritten. Nothing is retried.
type Controller struct {
	db     *gorm.DB
	pub    broadcast.Publisher
	log    logrus.FieldLogger
	refund RefundPolicy
	now    func() time.Time
}

// New returns a Controller.
func New(opts Opts) *Controller {
	c := &Controller{
		db:     opts.DB,
		pub:    opts.Publisher,
		log:    opts.Log,
		refund: opts.Refund,
		now:    opts.Now,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// EndResult describes a completed session.
type EndResult struct {
	Session         models.Session
	RequestID       string
	DurationMinutes int
}

// GetSession loads a non-tombstoned session.
func GetSession(db *gorm.DB, id string) (*models.Session, error) {
	var s models.Session
	if err := db.Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.E(apperr.NotFound, "lifecycle.GetSession", "session not found", nil)
		}
		return nil, apperr.E(apperr.Internal, "lifecycle.GetSession", "load session", err)
	}
	return &s, nil
}

// GetRequest loads a request.
func GetRequest(db *gorm.DB, id string) (*models.Request, error) {
	var r models.Request
	if err := db.Where("id = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.E(apperr.NotFound, "lifecycle.GetRequest", "request not found", nil)
		}
		return nil, apperr.E(apperr.Internal, "lifecycle.GetRequest", "load request", err)
	}
	return &r, nil
}

// Start moves a waiting session to live.
func (c *Controller) Start(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "lifecycle.Start"
	var s *models.Session
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if s, err = GetSession(tx, sessionID); err != nil {
			return err
		}
		if !CanSession(s.Status, SessionLive) {
			return apperr.Transition(op, s.Status, SessionLive)
		}
		if s.MechanicID == nil || *s.MechanicID == "" {
			return apperr.E(apperr.Validation, op, "no mechanic assigned", nil)
		}
		if err := requireAssignment(tx, op, s); err != nil {
			return err
		}

		now := c.now()
		res := tx.Model(&models.Session{}).
			Where("id = ? AND status = ?", s.ID, s.Status).
			Updates(map[string]interface{}{
				"status":     SessionLive,
				"started_at": now,
			})
		if res.Error != nil {
			return apperr.E(apperr.Internal, op, "update session", res.Error)
		}
		if res.RowsAffected == 0 {
			return lostSessionRace(tx, op, s.ID, SessionLive)
		}
		s.Status = SessionLive
		s.StartedAt = &now
		return timeline.Record(tx, s.ID, s.LinkedRequestID, timeline.KindStarted, mechanicActor(s).String(), "")
	})
	if err != nil {
		return nil, apperr.Wrap(op, "start session", err)
	}

	broadcast.Send(ctx, c.pub, c.log, broadcast.Event{
		Type:       broadcast.SessionStarted,
		RequestID:  s.LinkedRequestID,
		SessionID:  s.ID,
		MechanicID: deref(s.MechanicID),
		Status:     SessionLive,
	})
	return s, nil
}

// End completes a live session, completes its request and releases the
// mechanic.
func (c *Controller) End(ctx context.Context, sessionID string) (*EndResult, error) {
	const op = "lifecycle.End"
	var result EndResult
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := GetSession(tx, sessionID)
		if err != nil {
			return err
		}
		if !CanSession(s.Status, SessionCompleted) {
			return apperr.Transition(op, s.Status, SessionCompleted)
		}
		if err := requireAssignment(tx, op, s); err != nil {
			return err
		}

		now := c.now()
		updates := map[string]interface{}{
			"status":   SessionCompleted,
			"ended_at": now,
		}
		duration := 0
		if s.DurationMinutes != nil {
			duration = *s.DurationMinutes
		} else if s.StartedAt != nil {
			duration = ceilMinutes(now.Sub(*s.StartedAt))
			updates["duration_minutes"] = duration
		}
		res := tx.Model(&models.Session{}).Where("id = ? AND status = ?", s.ID, s.Status).Updates(updates)
		if res.Error != nil {
			return apperr.E(apperr.Internal, op, "update session", res.Error)
		}
		if res.RowsAffected == 0 {
			return lostSessionRace(tx, op, s.ID, SessionCompleted)
		}

		if s.LinkedRequestID != "" {
			if err := tx.Model(&models.Request{}).
				Where("id = ? AND status = ?", s.LinkedRequestID, RequestAccepted).
				Update("status", RequestCompleted).Error; err != nil {
				return apperr.E(apperr.Internal, op, "complete request", err)
			}
			if err := releaseAssignment(tx, s.LinkedRequestID); err != nil {
				return apperr.E(apperr.Internal, op, "release assignment", err)
			}
		}

		s.Status = SessionCompleted
		s.EndedAt = &now
		s.DurationMinutes = &duration
		result = EndResult{Session: *s, RequestID: s.LinkedRequestID, DurationMinutes: duration}
		return timeline.Record(tx, s.ID, s.LinkedRequestID, timeline.KindEnded, mechanicActor(s).String(), "")
	})
	if err != nil {
		return nil, apperr.Wrap(op, "end session", err)
	}

	broadcast.Send(ctx, c.pub, c.log, broadcast.Event{
		Type:       broadcast.SessionEnded,
		RequestID:  result.RequestID,
		SessionID:  result.Session.ID,
		MechanicID: deref(result.Session.MechanicID),
		Status:     SessionCompleted,
	})
	return &result, nil
}

// ForceEnd completes any non-terminal session. Duration is recorded only if
// the session had started. The linked request is completed if it was
// accepted and cancelled if it was still waiting for a mechanic.
func (c *Controller) ForceEnd(ctx context.Context, sessionID string, actor Actor) (*models.Session, error) {
	const op = "lifecycle.ForceEnd"
	var s *models.Session
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if s, err = GetSession(tx, sessionID); err != nil {
			return err
		}
		if IsTerminal(s.Status) {
			return apperr.Transition(op, s.Status, SessionCompleted)
		}

		now := c.now()
		updates := map[string]interface{}{
			"status":   SessionCompleted,
			"ended_at": now,
		}
		if s.StartedAt != nil && s.DurationMinutes == nil {
			d := ceilMinutes(now.Sub(*s.StartedAt))
			updates["duration_minutes"] = d
			s.DurationMinutes = &d
		}
		res := tx.Model(&models.Session{}).Where("id = ? AND status = ?", s.ID, s.Status).Updates(updates)
		if res.Error != nil {
			return apperr.E(apperr.Internal, op, "update session", res.Error)
		}
		if res.RowsAffected == 0 {
			return lostSessionRace(tx, op, s.ID, SessionCompleted)
		}

		if s.LinkedRequestID != "" {
			if err := c.settleRequest(tx, op, s.LinkedRequestID, actor, "force_ended", now); err != nil {
				return err
			}
		}
		s.Status = SessionCompleted
		s.EndedAt = &now
		return timeline.Record(tx, s.ID, s.LinkedRequestID, timeline.KindForceEnded, actor.String(), "")
	})
	if err != nil {
		return nil, apperr.Wrap(op, "force end session", err)
	}

	broadcast.Send(ctx, c.pub, c.log, broadcast.Event{
		Type:       broadcast.SessionEnded,
		RequestID:  s.LinkedRequestID,
		SessionID:  s.ID,
		MechanicID: deref(s.MechanicID),
		Status:     SessionCompleted,
		Source:     string(actor.Role),
	})
	return s, nil
}

// settleRequest moves the request linked to a force-ended session to
// completed when accepted, or cancelled when no mechanic ever took it.
func (c *Controller) settleRequest(tx *gorm.DB, op, requestID string, actor Actor, reason string, now time.Time) error {
	r, err := GetRequest(tx, requestID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil
		}
		return err
	}
	var updates map[string]interface{}
	switch r.Status {
	case RequestAccepted:
		updates = map[string]interface{}{"status": RequestCompleted}
	case RequestPending, RequestUnattended:
		updates = map[string]interface{}{
			"status":        RequestCancelled,
			"cancelled_at":  now,
			"cancelled_by":  actor.String(),
			"cancel_reason": reason,
		}
	default:
		return nil
	}
	if err := tx.Model(&models.Request{}).Where("id = ? AND status = ?", r.ID, r.Status).Updates(updates).Error; err != nil {
		return apperr.E(apperr.Internal, op, "settle request", err)
	}
	if err := releaseAssignment(tx, r.ID); err != nil {
		return apperr.E(apperr.Internal, op, "release assignment", err)
	}
	return nil
}

// ForceCancel cancels any non-terminal session and its request. A customer
// cancellation consults the refund policy.
func (c *Controller) ForceCancel(ctx context.Context, sessionID, reason string, actor Actor) (*models.Session, error) {
	return c.cancel(ctx, "lifecycle.ForceCancel", sessionID, reason, actor, "")
}

// ReclaimWaiting cancels a session only while it is still waiting for its
// mechanic to start. The sweeper uses it to free mechanics that accepted
// and never showed up.
func (c *Controller) ReclaimWaiting(ctx context.Context, sessionID, reason string, actor Actor) (*models.Session, error) {
	return c.cancel(ctx, "lifecycle.ReclaimWaiting", sessionID, reason, actor, SessionWaiting)
}

func (c *Controller) cancel(ctx context.Context, op, sessionID, reason string, actor Actor, requireStatus string) (*models.Session, error) {
	var s *models.Session
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if s, err = GetSession(tx, sessionID); err != nil {
			return err
		}
		if IsTerminal(s.Status) || (requireStatus != "" && s.Status != requireStatus) {
			return apperr.Transition(op, s.Status, SessionCancelled)
		}

		now := c.now()
		updates := map[string]interface{}{
			"status":        SessionCancelled,
			"ended_at":      now,
			"cancelled_by":  actor.String(),
			"cancel_reason": reason,
			"cancel_kind":   CancelKindCancel,
		}
		if actor.Role == RoleCustomer && c.refund != nil {
			pct := clampPercent(c.refund.RefundPercent(now.Sub(s.CreatedAt)))
			updates["refund_percent"] = pct
			s.RefundPercent = &pct
		}
		res := tx.Model(&models.Session{}).Where("id = ? AND status = ?", s.ID, s.Status).Updates(updates)
		if res.Error != nil {
			return apperr.E(apperr.Internal, op, "update session", res.Error)
		}
		if res.RowsAffected == 0 {
			return lostSessionRace(tx, op, s.ID, SessionCancelled)
		}

		if s.LinkedRequestID != "" {
			if err := tx.Model(&models.Request{}).
				Where("id = ? AND status NOT IN ?", s.LinkedRequestID, Terminal).
				Updates(map[string]interface{}{
					"status":        RequestCancelled,
					"cancelled_at":  now,
					"cancelled_by":  actor.String(),
					"cancel_reason": reason,
				}).Error; err != nil {
				return apperr.E(apperr.Internal, op, "cancel request", err)
			}
			if err := releaseAssignment(tx, s.LinkedRequestID); err != nil {
				return apperr.E(apperr.Internal, op, "release assignment", err)
			}
		}

		s.Status = SessionCancelled
		s.EndedAt = &now
		s.CancelledBy = actor.String()
		s.CancelReason = reason
		s.CancelKind = CancelKindCancel
		return timeline.Record(tx, s.ID, s.LinkedRequestID, timeline.KindCancelled, actor.String(), reason)
	})
	if err != nil {
		return nil, apperr.Wrap(op, "cancel session", err)
	}

	broadcast.Send(ctx, c.pub, c.log, broadcast.Event{
		Type:       broadcast.RequestCancelled,
		RequestID:  s.LinkedRequestID,
		SessionID:  s.ID,
		MechanicID: deref(s.MechanicID),
		Status:     SessionCancelled,
		Source:     string(actor.Role),
	})
	return s, nil
}

// CancelRequest withdraws a non-terminal request and frees its mechanic.
// A session that has not started is left for the sweeper's orphan rule. A
// live session must be ended or cancelled instead, since its mechanic is
// still delivering it.
func (c *Controller) CancelRequest(ctx context.Context, requestID, reason string, actor Actor) (*models.Request, error) {
	const op = "lifecycle.CancelRequest"
	var r *models.Request
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if r, err = GetRequest(tx, requestID); err != nil {
			return err
		}
		if !CanRequest(r.Status, RequestCancelled) {
			return apperr.Transition(op, r.Status, RequestCancelled)
		}
		if r.LinkedSessionID != "" {
			var live int64
			if err := tx.Model(&models.Session{}).
				Where("id = ? AND status = ?", r.LinkedSessionID, SessionLive).
				Count(&live).Error; err != nil {
				return apperr.E(apperr.Internal, op, "check session", err)
			}
			if live > 0 {
				return apperr.E(apperr.Validation, op, "session "+r.LinkedSessionID+" is live; end or cancel the session instead", nil)
			}
		}

		now := c.now()
		res := tx.Model(&models.Request{}).
			Where("id = ? AND status = ?", r.ID, r.Status).
			Updates(map[string]interface{}{
				"status":        RequestCancelled,
				"cancelled_at":  now,
				"cancelled_by":  actor.String(),
				"cancel_reason": reason,
			})
		if res.Error != nil {
			return apperr.E(apperr.Internal, op, "update request", res.Error)
		}
		if res.RowsAffected == 0 {
			return lostRequestRace(tx, op, r.ID, RequestCancelled)
		}
		if err := releaseAssignment(tx, r.ID); err != nil {
			return apperr.E(apperr.Internal, op, "release assignment", err)
		}

		r.Status = RequestCancelled
		r.CancelledAt = &now
		r.CancelledBy = actor.String()
		r.CancelReason = reason
		return timeline.Record(tx, r.LinkedSessionID, r.ID, timeline.KindRequestCancelled, actor.String(), reason)
	})
	if err != nil {
		return nil, apperr.Wrap(op, "cancel request", err)
	}

	broadcast.Send(ctx, c.pub, c.log, broadcast.Event{
		Type:       broadcast.RequestCancelled,
		RequestID:  r.ID,
		SessionID:  r.LinkedSessionID,
		MechanicID: deref(r.MechanicID),
		Status:     RequestCancelled,
		Source:     string(actor.Role),
	})
	return r, nil
}

// requireAssignment fails unless the session's mechanic still holds the
// assignment for its linked request. The row exists only while that
// request is accepted by that mechanic.
func requireAssignment(tx *gorm.DB, op string, s *models.Session) error {
	var n int64
	if err := tx.Model(&models.Assignment{}).
		Where("request_id = ? AND mechanic_id = ?", s.LinkedRequestID, deref(s.MechanicID)).
		Count(&n).Error; err != nil {
		return apperr.E(apperr.Internal, op, "check assignment", err)
	}
	if n == 0 {
		return apperr.E(apperr.Validation, op, "mechanic no longer holds the assignment for request "+s.LinkedRequestID, nil)
	}
	return nil
}

// releaseAssignment deletes the assignment row for a request, if any.
func releaseAssignment(tx *gorm.DB, requestID string) error {
	return tx.Where("request_id = ?", requestID).Delete(&models.Assignment{}).Error
}

// lostSessionRace re-reads a session after a conditional update matched no
// row and reports the transition that was attempted from its current status.
func lostSessionRace(tx *gorm.DB, op, id, to string) error {
	cur, err := GetSession(tx, id)
	if err != nil {
		return err
	}
	return apperr.Transition(op, cur.Status, to)
}

func lostRequestRace(tx *gorm.DB, op, id, to string) error {
	cur, err := GetRequest(tx, id)
	if err != nil {
		return err
	}
	return apperr.Transition(op, cur.Status, to)
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

func mechanicActor(s *models.Session) Actor {
	return Actor{Role: RoleMechanic, ID: deref(s.MechanicID)}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
