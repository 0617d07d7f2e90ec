package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/broadcast"
	"github.com/faizrhashmi/theautodoctor/internal/db"
	"github.com/faizrhashmi/theautodoctor/internal/lifecycle"
	"github.com/faizrhashmi/theautodoctor/internal/mechanic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"gorm.io/gorm"
)

const testSecret = "test-secret"

type testAPI struct {
	db      *gorm.DB
	hub     *broadcast.Hub
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gdb, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	log, _ := test.NewNullLogger()
	hub := broadcast.NewHub()
	h, err := NewHandler(StartOpts{DB: gdb, Hub: hub, Log: log, JWTSecret: testSecret})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &testAPI{db: gdb, hub: hub, handler: h}
}

func token(t *testing.T, sub string, role lifecycle.Role) string {
	t.Helper()
	tok, err := IssueToken(testSecret, sub, role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

// registerMechanic registers a mechanic for userID and returns its token
// and mechanic id.
func (a *testAPI) registerMechanic(t *testing.T, userID string) (string, string) {
	t.Helper()
	m, err := mechanic.Register(a.db, mechanic.RegisterOpts{UserID: userID, Name: userID, Available: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return token(t, userID, lifecycle.RoleMechanic), m.ID
}

func (a *testAPI) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, kind apperr.Kind) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	if got := decode[apiError](t, w); got.Code != kind || got.Message == "" {
		t.Errorf("error body = %+v, want code %s", got, kind)
	}
}

func (a *testAPI) createRequest(t *testing.T, customer string) pairView {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/requests", token(t, customer, lifecycle.RoleCustomer), map[string]any{"session_type": "video"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create request: %d %s", w.Code, w.Body.String())
	}
	return decode[pairView](t, w)
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(StartOpts{JWTSecret: "x"}); err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("err = %v, want db is required", err)
	}
	gdb, _ := db.Open(":memory:")
	if _, err := NewHandler(StartOpts{DB: gdb}); err == nil || !strings.Contains(err.Error(), "jwt secret") {
		t.Errorf("err = %v, want jwt secret error", err)
	}
}

func TestStart_RequiresDB(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestRequestID(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("no request id generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q, want caller's", got)
	}
}

func TestAuthentication(t *testing.T) {
	a := newTestAPI(t)
	forged, _ := IssueToken("other-secret", "u1", lifecycle.RoleAdmin, time.Hour)
	expired, _ := IssueToken(testSecret, "u1", lifecycle.RoleAdmin, -time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: "admin"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name   string
		tok    string
		status int
		kind   apperr.Kind
	}{
		{"missing", "", http.StatusUnauthorized, apperr.Unauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized, apperr.Unauthorized},
		{"wrong secret", forged, http.StatusUnauthorized, apperr.Unauthorized},
		{"expired", expired, http.StatusUnauthorized, apperr.Unauthorized},
		{"alg none", none, http.StatusUnauthorized, apperr.Unauthorized},
		{"no subject", token(t, "", lifecycle.RoleAdmin), http.StatusUnauthorized, apperr.Unauthorized},
		{"unknown role", token(t, "u1", "driver"), http.StatusUnauthorized, apperr.Unauthorized},
		{"unregistered mechanic", token(t, "u1", lifecycle.RoleMechanic), http.StatusForbidden, apperr.Forbidden},
		{"customer on mechanic route", token(t, "u1", lifecycle.RoleCustomer), http.StatusForbidden, apperr.Forbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodGet, "/api/requests/pending", tt.tok, nil)
			expectError(t, w, tt.status, tt.kind)
		})
	}
}

func TestAuthentication_QueryToken(t *testing.T) {
	a := newTestAPI(t)
	tok := token(t, "admin-1", lifecycle.RoleAdmin)
	w := a.do(t, http.MethodGet, "/api/requests/pending?access_token="+tok, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestCreateRequest(t *testing.T) {
	a := newTestAPI(t)
	events, unsubscribe := a.hub.Subscribe()
	defer unsubscribe()

	pair := a.createRequest(t, "cus-1")
	if pair.Request.Status != lifecycle.RequestPending || pair.Session.Status != lifecycle.SessionPending {
		t.Errorf("pair = %+v", pair)
	}
	if pair.Request.CustomerID != "cus-1" || pair.Request.LinkedSessionID != pair.Session.ID {
		t.Errorf("request = %+v", pair.Request)
	}

	select {
	case e := <-events:
		if e.Type != broadcast.RequestAvailable || e.RequestID != pair.Request.ID {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no request.available event")
	}

	// A second open session for the same customer is refused.
	w := a.do(t, http.MethodPost, "/api/requests", token(t, "cus-1", lifecycle.RoleCustomer), map[string]any{"session_type": "chat"})
	expectError(t, w, http.StatusConflict, apperr.Conflict)
}

func TestCreateRequest_Validation(t *testing.T) {
	a := newTestAPI(t)
	tok := token(t, "cus-1", lifecycle.RoleCustomer)

	w := a.do(t, http.MethodPost, "/api/requests", tok, map[string]any{"session_type": "carrier-pigeon"})
	expectError(t, w, http.StatusBadRequest, apperr.Validation)

	req := httptest.NewRequest(http.MethodPost, "/api/requests", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusBadRequest, apperr.Validation)
}

func TestSessionFlow(t *testing.T) {
	a := newTestAPI(t)
	pair := a.createRequest(t, "cus-1")
	mech1, mec1ID := a.registerMechanic(t, "usr-1")
	mech2, _ := a.registerMechanic(t, "usr-2")
	cust := token(t, "cus-1", lifecycle.RoleCustomer)

	w := a.do(t, http.MethodGet, "/api/requests/pending", mech1, nil)
	if got := decode[map[string][]requestView](t, w)["requests"]; len(got) != 1 || got[0].ID != pair.Request.ID {
		t.Fatalf("pending = %+v", got)
	}

	w = a.do(t, http.MethodPost, "/api/requests/"+pair.Request.ID+"/accept", mech1, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}
	acc := decode[assignmentView](t, w)
	if acc.Source != "self" || acc.Session.Status != lifecycle.SessionWaiting || acc.MechanicName != "usr-1" {
		t.Errorf("accept = %+v", acc)
	}

	w = a.do(t, http.MethodPost, "/api/requests/"+pair.Request.ID+"/accept", mech2, nil)
	expectError(t, w, http.StatusConflict, apperr.Conflict)

	w = a.do(t, http.MethodGet, "/api/mechanics/me/assignment", mech1, nil)
	if got := decode[assignmentRowView](t, w); got.RequestID != pair.Request.ID || got.MechanicID != mec1ID {
		t.Errorf("assignment = %+v", got)
	}

	w = a.do(t, http.MethodPost, "/api/sessions/"+pair.Session.ID+"/start", mech2, nil)
	expectError(t, w, http.StatusForbidden, apperr.Forbidden)

	w = a.do(t, http.MethodPost, "/api/sessions/"+pair.Session.ID+"/end", mech1, nil)
	expectError(t, w, http.StatusBadRequest, apperr.Validation)

	w = a.do(t, http.MethodPost, "/api/sessions/"+pair.Session.ID+"/start", mech1, nil)
	if got := decode[sessionView](t, w); w.Code != http.StatusOK || got.Status != lifecycle.SessionLive {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/api/sessions/"+pair.Session.ID+"/end", mech1, nil)
	end := decode[endView](t, w)
	if w.Code != http.StatusOK || end.Session.Status != lifecycle.SessionCompleted || end.DurationMinutes != 1 {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodGet, "/api/sessions/"+pair.Session.ID+"/events", cust, nil)
	evs := decode[map[string][]eventView](t, w)["events"]
	if len(evs) != 4 {
		t.Fatalf("events = %+v, want created/accepted/started/ended", evs)
	}

	w = a.do(t, http.MethodGet, "/api/sessions/"+pair.Session.ID+"/events", token(t, "cus-2", lifecycle.RoleCustomer), nil)
	expectError(t, w, http.StatusForbidden, apperr.Forbidden)

	w = a.do(t, http.MethodGet, "/api/mechanics/me/assignment", mech1, nil)
	expectError(t, w, http.StatusNotFound, apperr.NotFound)
}

func TestCancelAcceptance(t *testing.T) {
	a := newTestAPI(t)
	pair := a.createRequest(t, "cus-1")
	mech, _ := a.registerMechanic(t, "usr-1")
	other, _ := a.registerMechanic(t, "usr-2")

	a.do(t, http.MethodPost, "/api/requests/"+pair.Request.ID+"/accept", mech, nil)

	w := a.do(t, http.MethodPost, "/api/requests/"+pair.Request.ID+"/cancel-acceptance", other, nil)
	expectError(t, w, http.StatusForbidden, apperr.Forbidden)

	w = a.do(t, http.MethodPost, "/api/requests/"+pair.Request.ID+"/cancel-acceptance", mech, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel-acceptance: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/api/requests/"+pair.Request.ID+"/accept", other, nil)
	if w.Code != http.StatusOK {
		t.Errorf("re-accept after undo: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/api/requests/req-missing/accept", mech, nil)
	expectError(t, w, http.StatusNotFound, apperr.NotFound)
}

func TestCustomerCancel(t *testing.T) {
	a := newTestAPI(t)
	pair := a.createRequest(t, "cus-1")

	w := a.do(t, http.MethodPost, "/api/sessions/"+pair.Session.ID+"/cancel", token(t, "cus-1", lifecycle.RoleCustomer), map[string]string{"reason": "fixed it myself"})
	got := decode[sessionView](t, w)
	if w.Code != http.StatusOK || got.Status != lifecycle.SessionCancelled || got.CancelReason != "fixed it myself" {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	if got.CancelledBy != "customer:cus-1" {
		t.Errorf("cancelled_by = %q", got.CancelledBy)
	}

	w = a.do(t, http.MethodPost, "/api/sessions/"+pair.Session.ID+"/cancel", token(t, "cus-1", lifecycle.RoleCustomer), nil)
	expectError(t, w, http.StatusBadRequest, apperr.Validation)
}

func TestAdminRoutes(t *testing.T) {
	a := newTestAPI(t)
	admin := token(t, "ops-1", lifecycle.RoleAdmin)
	_, mecID := a.registerMechanic(t, "usr-1")
	first := a.createRequest(t, "cus-1")
	second := a.createRequest(t, "cus-2")

	w := a.do(t, http.MethodPost, "/api/admin/requests/"+first.Request.ID+"/assign", token(t, "cus-1", lifecycle.RoleCustomer), map[string]string{"mechanic_id": mecID})
	expectError(t, w, http.StatusForbidden, apperr.Forbidden)

	w = a.do(t, http.MethodPost, "/api/admin/requests/"+first.Request.ID+"/assign", admin, map[string]string{"mechanic_id": mecID})
	if got := decode[assignmentView](t, w); w.Code != http.StatusOK || got.Source != "admin" {
		t.Fatalf("assign: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/api/admin/requests/"+second.Request.ID+"/assign", admin, map[string]string{"mechanic_id": mecID})
	expectError(t, w, http.StatusConflict, apperr.Conflict)

	w = a.do(t, http.MethodGet, "/api/admin/mechanics?idle=true", admin, nil)
	if got := decode[map[string][]mechanicView](t, w)["mechanics"]; len(got) != 0 {
		t.Errorf("idle mechanics = %+v, want none", got)
	}

	w = a.do(t, http.MethodPost, "/api/admin/sessions/"+first.Session.ID+"/force-end", admin, nil)
	got := decode[sessionView](t, w)
	if w.Code != http.StatusOK || got.Status != lifecycle.SessionCompleted || got.DurationMinutes != nil {
		t.Fatalf("force-end: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodGet, "/api/admin/mechanics?idle=true", admin, nil)
	if got := decode[map[string][]mechanicView](t, w)["mechanics"]; len(got) != 1 {
		t.Errorf("idle mechanics after force-end = %+v", got)
	}

	w = a.do(t, http.MethodPost, "/api/admin/requests/"+second.Request.ID+"/cancel", admin, map[string]string{"reason": "duplicate"})
	if got := decode[requestView](t, w); w.Code != http.StatusOK || got.Status != lifecycle.RequestCancelled || got.CancelledBy != "admin:ops-1" {
		t.Fatalf("cancel request: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/api/admin/sessions/"+second.Session.ID+"/force-cancel", admin, map[string]string{"reason": "cleanup"})
	if got := decode[sessionView](t, w); w.Code != http.StatusOK || got.Status != lifecycle.SessionCancelled || got.RefundPercent != nil {
		t.Fatalf("force-cancel: %d %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, "/api/admin/sweep", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sweep: %d %s", w.Code, w.Body.String())
	}
	if res := decode[map[string]any](t, w); res["expired_requests"] != float64(0) {
		t.Errorf("sweep = %v", res)
	}
}

func TestSetAvailability(t *testing.T) {
	a := newTestAPI(t)
	mech, mecID := a.registerMechanic(t, "usr-1")

	w := a.do(t, http.MethodPost, "/api/mechanics/me/availability", mech, map[string]bool{"available": false})
	if w.Code != http.StatusOK {
		t.Fatalf("availability: %d %s", w.Code, w.Body.String())
	}
	m, _ := mechanic.Get(a.db, mecID)
	if m.IsAvailable {
		t.Error("mechanic still available")
	}

	w = a.do(t, http.MethodPost, "/api/mechanics/me/availability", mech, map[string]string{})
	expectError(t, w, http.StatusBadRequest, apperr.Validation)
}

func TestListPending_Limit(t *testing.T) {
	a := newTestAPI(t)
	admin := token(t, "ops-1", lifecycle.RoleAdmin)
	for _, c := range []string{"cus-1", "cus-2", "cus-3"} {
		a.createRequest(t, c)
	}
	w := a.do(t, http.MethodGet, "/api/requests/pending?limit=2", admin, nil)
	if got := decode[map[string][]requestView](t, w)["requests"]; len(got) != 2 {
		t.Errorf("pending = %d, want 2", len(got))
	}
	w = a.do(t, http.MethodGet, "/api/requests/pending?limit=-1", admin, nil)
	expectError(t, w, http.StatusBadRequest, apperr.Validation)
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/api/events?access_token=" + token(t, "ops-1", lifecycle.RoleAdmin))
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return name, data
			}
		}
	}

	if name, _ := readEvent(); name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}
	a.hub.Publish(context.Background(), broadcast.Event{Type: broadcast.RequestAccepted, RequestID: "req-1"})
	name, data := readEvent()
	if name != broadcast.RequestAccepted {
		t.Fatalf("event = %q", name)
	}
	var e broadcast.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil || e.RequestID != "req-1" {
		t.Errorf("data = %s (%v)", data, err)
	}
}

func TestEventStream_CustomerForbidden(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/api/events", token(t, "cus-1", lifecycle.RoleCustomer), nil)
	expectError(t, w, http.StatusForbidden, apperr.Forbidden)
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/requests", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q", got)
	}
}
