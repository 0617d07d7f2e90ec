// Package sweep reclassifies requests and sessions that have aged out of
// their current status. Each rule is an independent conditional batch
// update filtered by status and age, so a row moved by a concurrent
// operation is simply no longer matched, and a failing rule never stops
// the others.
package sweep

import (
	"context"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/broadcast"
	"github.com/faizrhashmi/theautodoctor/internal/config"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/models"
	"github.com/faizrhashmi/theautodoctor/internal/timeline"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Rule names, as used in Result.Errors and log fields.
const (
	RuleExpireRequests   = "expire_requests"
	RuleMarkUnattended   = "mark_unattended"
	RuleCancelOrphans    = "cancel_orphans"
	RuleExpireSessions   = "expire_sessions"
	RuleStaleAcceptances = "stale_acceptances"
	RuleOverrunSessions  = "overrun_sessions"
)

// StaleAcceptanceReason is the cancel reason stamped by the stale
// acceptance rule.
const StaleAcceptanceReason = "stale_acceptance"

// Opts configures a Sweeper.
type Opts struct {
	DB         *gorm.DB
	Controller *lifecycle.Controller
	Publisher  broadcast.Publisher
	Log        logrus.FieldLogger
	Config     config.SweeperConfig
	Now        func() time.Time
}

// Sweeper applies the expiration rules.
type Sweeper struct {
	db  *gorm.DB
	ctl *lifecycle.Controller
	pub broadcast.Publisher
	log logrus.FieldLogger
	cfg config.SweeperConfig
	now func() time.Time
}

// New returns a Sweeper. Zero thresholds for the mandatory rules fall back
// to the config defaults.
func New(opts Opts) *Sweeper {
	s := &Sweeper{
		db:  opts.DB,
		ctl: opts.Controller,
		pub: opts.Publisher,
		log: opts.Log,
		cfg: opts.Config,
		now: opts.Now,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.cfg.UnattendedAfter <= 0 {
		s.cfg.UnattendedAfter = config.DefaultUnattendedAfter
	}
	if s.cfg.ExpireAfter <= 0 {
		s.cfg.ExpireAfter = config.DefaultExpireAfter
	}
	if s.cfg.OrphanGrace <= 0 {
		s.cfg.OrphanGrace = config.DefaultOrphanGrace
	}
	if s.ctl == nil {
		s.ctl = lifecycle.New(lifecycle.Opts{DB: s.db, Publisher: s.pub, Log: s.log, Now: s.now})
	}
	return s
}

// Result counts the rows each rule moved.
type Result struct {
	ExpiredRequests    int               `json:"expired_requests"`
	UnattendedRequests int               `json:"unattended_requests"`
	OrphanedSessions   int               `json:"orphaned_sessions"`
	ExpiredSessions    int               `json:"expired_sessions"`
	StaleAcceptances   int               `json:"stale_acceptances"`
	OverrunSessions    int               `json:"overrun_sessions"`
	Errors             map[string]string `json:"errors,omitempty"`
}

// Changed returns the total number of rows moved.
func (r Result) Changed() int {
	return r.ExpiredRequests + r.UnattendedRequests + r.OrphanedSessions +
		r.ExpiredSessions + r.StaleAcceptances + r.OverrunSessions
}

// Sweep runs every rule once. Expiry runs before the unattended rule so a
// single run never moves a row twice.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	now := s.now()
	var res Result
	rules := []struct {
		name string
		dst  *int
		run  func(context.Context, time.Time) (int, error)
	}{
		{RuleExpireRequests, &res.ExpiredRequests, s.expireRequests},
		{RuleMarkUnattended, &res.UnattendedRequests, s.markUnattended},
		{RuleCancelOrphans, &res.OrphanedSessions, s.cancelOrphans},
		{RuleExpireSessions, &res.ExpiredSessions, s.expireSessions},
		{RuleStaleAcceptances, &res.StaleAcceptances, s.reclaimStale},
		{RuleOverrunSessions, &res.OverrunSessions, s.endOverruns},
	}
	for _, r := range rules {
		n, err := r.run(ctx, now)
		*r.dst = n
		if err != nil {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[r.name] = err.Error()
			s.log.WithError(err).WithField("rule", r.name).Error("sweep: rule failed")
		}
	}

	if n := res.Changed(); n > 0 {
		s.log.WithFields(logrus.Fields{
			"expired_requests":    res.ExpiredRequests,
			"unattended_requests": res.UnattendedRequests,
			"orphaned_sessions":   res.OrphanedSessions,
			"expired_sessions":    res.ExpiredSessions,
			"stale_acceptances":   res.StaleAcceptances,
			"overrun_sessions":    res.OverrunSessions,
		}).Info("sweep: completed")
		broadcast.Send(ctx, s.pub, s.log, broadcast.Event{Type: broadcast.SweepCompleted, Count: n, At: now})
	}
	return res
}

// expireRequests moves unassigned requests older than ExpireAfter to
// expired. A request carrying expires_at is also held until then, which
// keeps a booking for a future slot open past ExpireAfter.
func (s *Sweeper) expireRequests(ctx context.Context, now time.Time) (int, error) {
	return s.moveRequests(ctx, timeline.KindExpired,
		map[string]interface{}{"status": lifecycle.RequestExpired}, nil,
		"status IN ? AND mechanic_id IS NULL AND created_at < ? AND (expires_at IS NULL OR expires_at < ?)",
		lifecycle.Assignable, now.Add(-s.cfg.ExpireAfter), now)
}

// markUnattended flags pending requests nobody has picked up within
// UnattendedAfter. Their pending sessions follow in the same transaction.
func (s *Sweeper) markUnattended(ctx context.Context, now time.Time) (int, error) {
	return s.moveRequests(ctx, timeline.KindUnattended,
		map[string]interface{}{"status": lifecycle.RequestUnattended}, markSessionsUnattended,
		"status = ? AND mechanic_id IS NULL AND created_at < ?",
		lifecycle.RequestPending, now.Add(-s.cfg.UnattendedAfter))
}

func markSessionsUnattended(tx *gorm.DB, sessionIDs []string) error {
	return tx.Model(&models.Session{}).
		Where("id IN ? AND status = ?", sessionIDs, lifecycle.SessionPending).
		Update("status", lifecycle.SessionUnattended).Error
}

// cancelOrphans cancels waiting and scheduled sessions whose request is
// terminal or gone. Pending and unattended ones are left to expireSessions.
func (s *Sweeper) cancelOrphans(ctx context.Context, now time.Time) (int, error) {
	live := s.db.Model(&models.Request{}).Select("id").Where("status NOT IN ?", lifecycle.Terminal)
	return s.moveSessions(ctx, timeline.KindOrphaned,
		map[string]interface{}{
			"status":        lifecycle.SessionCancelled,
			"cancel_kind":   lifecycle.CancelKindOrphaned,
			"cancelled_by":  lifecycle.System.String(),
			"cancel_reason": "request no longer active",
			"ended_at":      now,
		},
		"status IN ? AND created_at < ? AND linked_request_id NOT IN (?)",
		[]string{lifecycle.SessionWaiting, lifecycle.SessionScheduled}, now.Add(-s.cfg.OrphanGrace), live)
}

// expireSessions expires sessions that never got a mechanic within ExpireAfter.
func (s *Sweeper) expireSessions(ctx context.Context, now time.Time) (int, error) {
	return s.moveSessions(ctx, timeline.KindExpired,
		map[string]interface{}{
			"status":   lifecycle.SessionExpired,
			"ended_at": now,
		},
		"status IN ? AND started_at IS NULL AND created_at < ?",
		[]string{lifecycle.SessionPending, lifecycle.SessionUnattended}, now.Add(-s.cfg.ExpireAfter))
}

// reclaimStale cancels acceptances whose mechanic never started the session.
func (s *Sweeper) reclaimStale(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.StaleAcceptanceAfter <= 0 {
		return 0, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Joins("JOIN requests ON requests.id = sessions.linked_request_id").
		Where("sessions.status = ? AND requests.status = ? AND requests.accepted_at < ?",
			lifecycle.SessionWaiting, lifecycle.RequestAccepted, now.Add(-s.cfg.StaleAcceptanceAfter)).
		Pluck("sessions.id", &ids).Error
	if err != nil {
		return 0, apperr.E(apperr.Internal, "sweep.reclaimStale", "find stale acceptances", err)
	}
	return s.eachSession(ctx, RuleStaleAcceptances, ids, func(id string) error {
		_, err := s.ctl.ReclaimWaiting(ctx, id, StaleAcceptanceReason, lifecycle.System)
		return err
	})
}

// endOverruns force-ends live sessions that exceeded MaxLiveDuration.
func (s *Sweeper) endOverruns(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.MaxLiveDuration <= 0 {
		return 0, nil
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("status = ? AND started_at < ?", lifecycle.SessionLive, now.Add(-s.cfg.MaxLiveDuration)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, apperr.E(apperr.Internal, "sweep.endOverruns", "find overruns", err)
	}
	return s.eachSession(ctx, RuleOverrunSessions, ids, func(id string) error {
		_, err := s.ctl.ForceEnd(ctx, id, lifecycle.System)
		return err
	})
}

// eachSession applies fn to every id. A Validation error means the session
// moved on between the query and the call and is not counted. The first
// other error is returned after all ids have been tried.
func (s *Sweeper) eachSession(ctx context.Context, rule string, ids []string, fn func(string) error) (int, error) {
	var n int
	var firstErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		err := fn(id)
		switch {
		case err == nil:
			n++
		case apperr.Is(err, apperr.Validation), apperr.Is(err, apperr.NotFound):
			s.log.WithField("rule", rule).WithField("session_id", id).Debug("sweep: session moved concurrently")
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return n, firstErr
}

// moveRequests applies updates to every request matching the filter and
// records a timeline event for each row moved. A non-nil linked is called
// in the same transaction with the sessions of the selected requests.
func (s *Sweeper) moveRequests(ctx context.Context, kind string, updates map[string]interface{}, linked func(*gorm.DB, []string) error, query string, args ...interface{}) (int, error) {
	var moved int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.Request
		if err := tx.Select("id", "linked_session_id").Where(query, args...).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		sessionIDs := make([]string, 0, len(rows))
		events := make([]models.SessionEvent, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
			if r.LinkedSessionID != "" {
				sessionIDs = append(sessionIDs, r.LinkedSessionID)
			}
			events[i] = models.SessionEvent{SessionID: r.LinkedSessionID, RequestID: r.ID, Kind: kind, Actor: lifecycle.System.String()}
		}
		res := tx.Model(&models.Request{}).Where("id IN ?", ids).Where(query, args...).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		moved = int(res.RowsAffected)
		if linked != nil && len(sessionIDs) > 0 {
			if err := linked(tx, sessionIDs); err != nil {
				return err
			}
		}
		return s.recordMoved(tx, kind, moved, events)
	})
	if err != nil {
		return 0, apperr.E(apperr.Internal, "sweep."+kind, "update requests", err)
	}
	return moved, nil
}

// moveSessions is moveRequests for sessions.
func (s *Sweeper) moveSessions(ctx context.Context, kind string, updates map[string]interface{}, query string, args ...interface{}) (int, error) {
	var moved int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.Session
		if err := tx.Select("id", "linked_request_id").Where(query, args...).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		events := make([]models.SessionEvent, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
			events[i] = models.SessionEvent{SessionID: r.ID, RequestID: r.LinkedRequestID, Kind: kind, Actor: lifecycle.System.String()}
		}
		res := tx.Model(&models.Session{}).Where("id IN ?", ids).Where(query, args...).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		moved = int(res.RowsAffected)
		return s.recordMoved(tx, kind, moved, events)
	})
	if err != nil {
		return 0, apperr.E(apperr.Internal, "sweep."+kind, "update sessions", err)
	}
	return moved, nil
}

// recordMoved writes the batch's timeline events when every selected row
// was moved. A shortfall means some rows changed between the select and
// the update; their identities are unknown, so the batch is logged instead.
func (s *Sweeper) recordMoved(tx *gorm.DB, kind string, moved int, events []models.SessionEvent) error {
	if moved != len(events) {
		s.log.WithFields(logrus.Fields{"kind": kind, "selected": len(events), "moved": moved}).
			Warn("sweep: rows changed during batch, timeline skipped")
		return nil
	}
	return timeline.RecordBatch(tx, events)
}
