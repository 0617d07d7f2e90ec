// Package assign implements the exclusive mechanic assignment protocol:
// self-service accept, pre-start undo, and admin override assign.
//
// Exclusivity rests on two store guarantees and no in-process locks. The
// request row is claimed with a conditional update that only matches an
// unassigned, assignable request, and the assignments table refuses a
// second row for the same mechanic or the same request.
package assign

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/broadcast"
	"github.com/faizrhashmi/theautodoctor/internal/db"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/mechanic"
	"github.com/faizrhashmi/theautodoctor/internal/models"
	"github.com/faizrhashmi/theautodoctor/internal/timeline"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Assignment sources.
const (
	SourceSelf  = "self"
	SourceAdmin = "admin"
)

// Opts configures a Matcher.
type Opts struct {
	DB        *gorm.DB
	Publisher broadcast.Publisher
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// Matcher performs assignment operations.
type Matcher struct {
	db  *gorm.DB
	pub broadcast.Publisher
	log logrus.FieldLogger
	now func() time.Time
}

// New returns a Matcher.
func New(opts Opts) *Matcher {
	m := &Matcher{db: opts.DB, pub: opts.Publisher, log: opts.Log, now: opts.Now}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m
}

// Result describes a successful assignment.
type Result struct {
	Request      models.Request
	Session      models.Session
	MechanicName string
	Source       string
}

// Accept assigns a pending or unattended request to the calling mechanic.
func (m *Matcher) Accept(ctx context.Context, mechanicID, requestID string) (*Result, error) {
	return m.assign(ctx, "assign.Accept", mechanicID, requestID, SourceSelf)
}

// AdminAssign assigns a request to a mechanic on an administrator's behalf.
// Unlike Accept, a request that is not assignable is reported as a
// validation failure rather than a lost race.
func (m *Matcher) AdminAssign(ctx context.Context, requestID, mechanicID string) (*Result, error) {
	return m.assign(ctx, "assign.AdminAssign", mechanicID, requestID, SourceAdmin)
}

func (m *Matcher) assign(ctx context.Context, op, mechanicID, requestID, source string) (*Result, error) {
	mechanicID = strings.TrimSpace(mechanicID)
	requestID = strings.TrimSpace(requestID)
	if mechanicID == "" || requestID == "" {
		return nil, apperr.E(apperr.Validation, op, "mechanic id and request id are required", nil)
	}

	var result Result
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mech, err := mechanic.Get(tx, mechanicID)
		if err != nil {
			return err
		}
		req, err := lifecycle.GetRequest(tx, requestID)
		if err != nil {
			return err
		}
		if source == SourceAdmin && !isAssignable(req) {
			return apperr.E(apperr.Validation, op, "request is "+req.Status+" and cannot be assigned", nil)
		}

		busy, err := mechanic.HasActiveAssignment(tx, mechanicID)
		if err != nil {
			return err
		}
		if busy {
			return apperr.E(apperr.Conflict, op, "mechanic already has an active assignment", nil)
		}

		now := m.now()
		res := tx.Model(&models.Request{}).
			Where("id = ? AND status IN ? AND mechanic_id IS NULL", requestID, lifecycle.Assignable).
			Updates(map[string]interface{}{
				"status":      lifecycle.RequestAccepted,
				"mechanic_id": mechanicID,
				"accepted_at": now,
			})
		if res.Error != nil {
			return apperr.E(apperr.Internal, op, "claim request", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.E(apperr.Conflict, op, "already assigned or no longer pending", nil)
		}

		if err := tx.Create(&models.Assignment{
			MechanicID: mechanicID,
			RequestID:  requestID,
			Source:     source,
			CreatedAt:  now,
		}).Error; err != nil {
			if db.IsDuplicateKey(err) {
				return apperr.E(apperr.Conflict, op, "mechanic already has an active assignment", nil)
			}
			return apperr.E(apperr.Internal, op, "record assignment", err)
		}

		ses, err := m.joinSession(tx, op, req, mechanicID, now)
		if err != nil {
			return err
		}

		req.Status = lifecycle.RequestAccepted
		req.MechanicID = &mechanicID
		req.AcceptedAt = &now
		req.LinkedSessionID = ses.ID
		result = Result{Request: *req, Session: *ses, MechanicName: mech.Name, Source: source}

		kind := timeline.KindAccepted
		actor := lifecycle.Actor{Role: lifecycle.RoleMechanic, ID: mechanicID}
		if source == SourceAdmin {
			kind = timeline.KindAdminAssigned
			actor = lifecycle.Actor{Role: lifecycle.RoleAdmin}
		}
		return timeline.Record(tx, ses.ID, req.ID, kind, actor.String(), "mechanic="+mechanicID)
	})
	if err != nil {
		return nil, apperr.Wrap(op, "assign request", err)
	}

	broadcast.Send(ctx, m.pub, m.log, broadcast.Event{
		Type:       broadcast.RequestAccepted,
		RequestID:  result.Request.ID,
		SessionID:  result.Session.ID,
		MechanicID: mechanicID,
		Status:     lifecycle.RequestAccepted,
		Source:     source,
	})
	return &result, nil
}

// joinSession moves the request's session to waiting with the mechanic
// attached. A session tombstoned by an earlier undo is replaced with a
// fresh one and the request relinked to it.
func (m *Matcher) joinSession(tx *gorm.DB, op string, req *models.Request, mechanicID string, now time.Time) (*models.Session, error) {
	ses, err := lifecycle.GetSession(tx, req.LinkedSessionID)
	switch {
	case apperr.Is(err, apperr.NotFound):
		return m.replaceSession(tx, op, req, mechanicID, now)
	case err != nil:
		return nil, err
	}

	if !slices.Contains(lifecycle.Joinable, ses.Status) {
		return nil, apperr.Transition(op, ses.Status, lifecycle.SessionWaiting)
	}
	res := tx.Model(&models.Session{}).
		Where("id = ? AND status IN ?", ses.ID, lifecycle.Joinable).
		Updates(map[string]interface{}{
			"status":      lifecycle.SessionWaiting,
			"mechanic_id": mechanicID,
		})
	if res.Error != nil {
		return nil, apperr.E(apperr.Internal, op, "attach session", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.E(apperr.Conflict, op, "session changed while assigning", nil)
	}
	ses.Status = lifecycle.SessionWaiting
	ses.MechanicID = &mechanicID
	return ses, nil
}

func (m *Matcher) replaceSession(tx *gorm.DB, op string, req *models.Request, mechanicID string, now time.Time) (*models.Session, error) {
	id, err := models.GenerateID(models.SessionIDPrefix)
	if err != nil {
		return nil, apperr.E(apperr.Internal, op, "generate session id", err)
	}
	ses := models.Session{
		ID:              id,
		CustomerID:      req.CustomerID,
		MechanicID:      &mechanicID,
		Type:            req.SessionType,
		Status:          lifecycle.SessionWaiting,
		LinkedRequestID: req.ID,
		CreatedAt:       now,
	}
	if err := tx.Create(&ses).Error; err != nil {
		return nil, apperr.E(apperr.Internal, op, "create session", err)
	}
	if err := tx.Model(&models.Request{}).Where("id = ?", req.ID).Update("linked_session_id", id).Error; err != nil {
		return nil, apperr.E(apperr.Internal, op, "relink request", err)
	}
	return &ses, nil
}

// CancelAcceptance undoes a mechanic's acceptance before the session has
// started. The request returns to the pool, the assignment is released,
// and the session is tagged as an undo and tombstoned so its history
// survives without it appearing as a customer cancellation.
func (m *Matcher) CancelAcceptance(ctx context.Context, mechanicID, requestID string) error {
	const op = "assign.CancelAcceptance"
	var sessionID string
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := lifecycle.GetRequest(tx, requestID)
		if err != nil {
			return err
		}
		if _, err := mechanic.Get(tx, mechanicID); err != nil {
			return err
		}
		if req.MechanicID == nil || *req.MechanicID != mechanicID {
			return apperr.E(apperr.Forbidden, op, "request is not assigned to this mechanic", nil)
		}
		if req.Status != lifecycle.RequestAccepted {
			return apperr.Transition(op, req.Status, lifecycle.RequestPending)
		}

		ses, err := lifecycle.GetSession(tx, req.LinkedSessionID)
		if err != nil && !apperr.Is(err, apperr.NotFound) {
			return err
		}
		if ses != nil && (ses.StartedAt != nil || ses.Status != lifecycle.SessionWaiting) {
			return apperr.E(apperr.Validation, op, "session has already started", nil)
		}

		res := tx.Model(&models.Request{}).
			Where("id = ? AND status = ? AND mechanic_id = ?", requestID, lifecycle.RequestAccepted, mechanicID).
			Updates(map[string]interface{}{
				"status":      lifecycle.RequestPending,
				"mechanic_id": nil,
				"accepted_at": nil,
			})
		if res.Error != nil {
			return apperr.E(apperr.Internal, op, "release request", res.Error)
		}
		if res.RowsAffected == 0 {
			cur, err := lifecycle.GetRequest(tx, requestID)
			if err != nil {
				return err
			}
			return apperr.Transition(op, cur.Status, lifecycle.RequestPending)
		}

		if err := tx.Where("mechanic_id = ? AND request_id = ?", mechanicID, requestID).
			Delete(&models.Assignment{}).Error; err != nil {
			return apperr.E(apperr.Internal, op, "delete assignment", err)
		}

		actor := lifecycle.Actor{Role: lifecycle.RoleMechanic, ID: mechanicID}
		if ses != nil {
			sessionID = ses.ID
			if err := undoSession(tx, op, ses, actor, m.now()); err != nil {
				return err
			}
		}
		return timeline.Record(tx, req.LinkedSessionID, req.ID, timeline.KindAcceptanceUndone, actor.String(), "")
	})
	if err != nil {
		return apperr.Wrap(op, "cancel acceptance", err)
	}

	broadcast.Send(ctx, m.pub, m.log, broadcast.Event{
		Type:       broadcast.RequestAvailable,
		RequestID:  requestID,
		SessionID:  sessionID,
		MechanicID: mechanicID,
		Status:     lifecycle.RequestPending,
	})
	return nil
}

func undoSession(tx *gorm.DB, op string, ses *models.Session, actor lifecycle.Actor, now time.Time) error {
	res := tx.Model(&models.Session{}).
		Where("id = ? AND status = ? AND started_at IS NULL", ses.ID, ses.Status).
		Updates(map[string]interface{}{
			"status":        lifecycle.SessionCancelled,
			"cancel_kind":   lifecycle.CancelKindUndo,
			"cancelled_by":  actor.String(),
			"cancel_reason": "acceptance undone",
			"ended_at":      now,
			"mechanic_id":   nil,
		})
	if res.Error != nil {
		return apperr.E(apperr.Internal, op, "tag session", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.E(apperr.Validation, op, "session has already started", nil)
	}
	if err := tx.Delete(&models.Session{}, "id = ?", ses.ID).Error; err != nil {
		return apperr.E(apperr.Internal, op, "tombstone session", err)
	}
	return nil
}

// ListPending returns unassigned requests a mechanic may accept, oldest
// first. A limit of 0 means no limit.
func ListPending(gdb *gorm.DB, limit int) ([]models.Request, error) {
	q := gdb.Where("status IN ? AND mechanic_id IS NULL", lifecycle.Assignable).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Request
	if err := q.Find(&out).Error; err != nil {
		return nil, apperr.E(apperr.Internal, "assign.ListPending", "list requests", err)
	}
	return out, nil
}

func isAssignable(r *models.Request) bool {
	return r.MechanicID == nil && slices.Contains(lifecycle.Assignable, r.Status)
}
