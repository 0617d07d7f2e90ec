package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/assign"
	"github.com/faizrhashmi/theautodoctor/internal/broadcast"
	"github.com/faizrhashmi/theautodoctor/internal/intake"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/mechanic"
	"github.com/faizrhashmi/theautodoctor/internal/models"
	"github.com/faizrhashmi/theautodoctor/internal/timeline"
	"github.com/gin-gonic/gin"
)

const defaultPendingLimit = 50

// registerRoutes sets up all API routes on the Gin router.
func (s *server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api", s.authenticate())
	api.GET("/events", requireRole(lifecycle.RoleMechanic, lifecycle.RoleAdmin), s.handleEvents)

	customer := requireRole(lifecycle.RoleCustomer)
	mech := requireRole(lifecycle.RoleMechanic)
	participant := requireRole(lifecycle.RoleCustomer, lifecycle.RoleMechanic, lifecycle.RoleAdmin)

	api.POST("/requests", customer, s.handleCreateRequest)
	api.GET("/requests/pending", requireRole(lifecycle.RoleMechanic, lifecycle.RoleAdmin), s.handleListPending)
	api.POST("/requests/:id/accept", mech, s.handleAccept)
	api.POST("/requests/:id/cancel-acceptance", mech, s.handleCancelAcceptance)

	api.POST("/sessions/:id/start", mech, s.handleStart)
	api.POST("/sessions/:id/end", mech, s.handleEnd)
	api.POST("/sessions/:id/cancel", requireRole(lifecycle.RoleCustomer, lifecycle.RoleMechanic), s.handleCancelSession)
	api.GET("/sessions/:id/events", participant, s.handleSessionEvents)

	api.POST("/mechanics/me/availability", mech, s.handleSetAvailability)
	api.GET("/mechanics/me/assignment", mech, s.handleMyAssignment)

	admin := api.Group("/admin", requireRole(lifecycle.RoleAdmin))
	admin.POST("/requests/:id/assign", s.handleAdminAssign)
	admin.POST("/requests/:id/cancel", s.handleAdminCancelRequest)
	admin.POST("/sessions/:id/force-end", s.handleForceEnd)
	admin.POST("/sessions/:id/force-cancel", s.handleForceCancel)
	admin.GET("/mechanics", s.handleListMechanics)
	admin.POST("/sweep", s.handleSweep)
}

type apiError struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
}

// writeError aborts the request with the status and body err maps to.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		c.Error(err)
	}
	c.AbortWithStatusJSON(status, apiError{Code: apperr.KindOf(err), Message: apperr.Message(err)})
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, apperr.E(apperr.Validation, "api.bind", "invalid request body", err))
		return false
	}
	return true
}

func (s *server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRequestBody struct {
	SessionType    string     `json:"session_type"`
	PlanCode       string     `json:"plan_code"`
	ScheduledStart *time.Time `json:"scheduled_start"`
	ScheduledEnd   *time.Time `json:"scheduled_end"`
}

func (s *server) handleCreateRequest(c *gin.Context) {
	actor, _ := actorOf(c)
	var body createRequestBody
	if !bindOptional(c, &body) {
		return
	}
	ctx := c.Request.Context()
	pair, err := intake.CreatePair(ctx, s.db, intake.CreateOpts{
		CustomerID:     actor.ID,
		SessionType:    body.SessionType,
		PlanCode:       body.PlanCode,
		ScheduledStart: body.ScheduledStart,
		ScheduledEnd:   body.ScheduledEnd,
		ExpireAfter:    s.expireAfter,
		Now:            s.now,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	broadcast.Send(ctx, s.pub, s.log, broadcast.Event{
		Type:      broadcast.RequestAvailable,
		RequestID: pair.Request.ID,
		SessionID: pair.Session.ID,
		Status:    pair.Request.Status,
		Source:    string(lifecycle.RoleCustomer),
		At:        pair.Request.CreatedAt,
	})
	c.JSON(http.StatusCreated, pairView{Request: toRequestView(&pair.Request), Session: toSessionView(&pair.Session)})
}

func (s *server) handleListPending(c *gin.Context) {
	limit := defaultPendingLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, apperr.E(apperr.Validation, "api.listPending", "limit must be a non-negative integer", nil))
			return
		}
		limit = n
	}
	reqs, err := assign.ListPending(s.db, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]requestView, len(reqs))
	for i := range reqs {
		out[i] = toRequestView(&reqs[i])
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (s *server) handleAccept(c *gin.Context) {
	actor, _ := actorOf(c)
	res, err := s.matcher.Accept(c.Request.Context(), actor.ID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAssignmentView(res))
}

func (s *server) handleCancelAcceptance(c *gin.Context) {
	actor, _ := actorOf(c)
	if err := s.matcher.CancelAcceptance(c.Request.Context(), actor.ID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": c.Param("id"), "status": lifecycle.RequestPending})
}

// participantSession loads the session and checks the caller belongs to it.
func (s *server) participantSession(c *gin.Context) (*models.Session, lifecycle.Actor, bool) {
	actor, _ := actorOf(c)
	ses, err := lifecycle.GetSession(s.db.WithContext(c.Request.Context()), c.Param("id"))
	if err == nil {
		err = lifecycle.CheckParticipant(ses, actor)
	}
	if err != nil {
		writeError(c, err)
		return nil, actor, false
	}
	return ses, actor, true
}

func (s *server) handleStart(c *gin.Context) {
	if _, _, ok := s.participantSession(c); !ok {
		return
	}
	ses, err := s.ctl.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionView(ses))
}

func (s *server) handleEnd(c *gin.Context) {
	if _, _, ok := s.participantSession(c); !ok {
		return
	}
	res, err := s.ctl.End(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toEndView(res))
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *server) handleCancelSession(c *gin.Context) {
	_, actor, ok := s.participantSession(c)
	if !ok {
		return
	}
	var body reasonBody
	if !bindOptional(c, &body) {
		return
	}
	ses, err := s.ctl.ForceCancel(c.Request.Context(), c.Param("id"), body.Reason, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionView(ses))
}

func (s *server) handleSessionEvents(c *gin.Context) {
	ses, _, ok := s.participantSession(c)
	if !ok {
		return
	}
	events, err := timeline.List(s.db.WithContext(c.Request.Context()), ses.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": toEventViews(events)})
}

func (s *server) handleSetAvailability(c *gin.Context) {
	actor, _ := actorOf(c)
	var body struct {
		Available *bool `json:"available"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Available == nil {
		writeError(c, apperr.E(apperr.Validation, "api.setAvailability", "available is required", nil))
		return
	}
	if err := mechanic.SetAvailability(s.db, actor.ID, *body.Available); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mechanic_id": actor.ID, "is_available": *body.Available})
}

func (s *server) handleMyAssignment(c *gin.Context) {
	actor, _ := actorOf(c)
	a, err := mechanic.ActiveAssignment(s.db, actor.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignmentRowView{MechanicID: a.MechanicID, RequestID: a.RequestID, Source: a.Source, CreatedAt: a.CreatedAt})
}

func (s *server) handleAdminAssign(c *gin.Context) {
	var body struct {
		MechanicID string `json:"mechanic_id"`
	}
	if !bindOptional(c, &body) {
		return
	}
	res, err := s.matcher.AdminAssign(c.Request.Context(), c.Param("id"), body.MechanicID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAssignmentView(res))
}

func (s *server) handleAdminCancelRequest(c *gin.Context) {
	actor, _ := actorOf(c)
	var body reasonBody
	if !bindOptional(c, &body) {
		return
	}
	req, err := s.ctl.CancelRequest(c.Request.Context(), c.Param("id"), body.Reason, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRequestView(req))
}

func (s *server) handleForceEnd(c *gin.Context) {
	actor, _ := actorOf(c)
	ses, err := s.ctl.ForceEnd(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionView(ses))
}

func (s *server) handleForceCancel(c *gin.Context) {
	actor, _ := actorOf(c)
	var body reasonBody
	if !bindOptional(c, &body) {
		return
	}
	ses, err := s.ctl.ForceCancel(c.Request.Context(), c.Param("id"), body.Reason, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionView(ses))
}

func (s *server) handleListMechanics(c *gin.Context) {
	ms, err := mechanic.List(s.db, mechanic.ListOpts{
		AvailableOnly: c.Query("available") == "true",
		Idle:          c.Query("idle") == "true",
	})
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]mechanicView, len(ms))
	for i := range ms {
		out[i] = toMechanicView(&ms[i])
	}
	c.JSON(http.StatusOK, gin.H{"mechanics": out})
}

func (s *server) handleSweep(c *gin.Context) {
	c.JSON(http.StatusOK, s.sweeper.Sweep(c.Request.Context()))
}
