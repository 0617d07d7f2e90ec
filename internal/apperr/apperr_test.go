package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"op message and cause", E(Internal, "assign.Accept", "store unavailable", errors.New("dial tcp")), "assign.Accept: store unavailable: dial tcp"},
		{"op and message", E(Conflict, "assign.Accept", "already assigned", nil), "assign.Accept: already assigned"},
		{"op and cause", E(Internal, "sweep.Sweep", "", errors.New("boom")), "sweep.Sweep: boom"},
		{"message only", E(NotFound, "", "request not found", nil), "request not found"},
		{"kind only", E(Forbidden, "", "", nil), "FORBIDDEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	err := Transition("lifecycle.End", "pending", "completed")
	if !Is(err, Validation) {
		t.Fatalf("kind = %s, want VALIDATION", KindOf(err))
	}
	if !strings.Contains(err.Error(), "pending -> completed") {
		t.Errorf("error = %q, want to name the pair", err)
	}
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	base := E(Conflict, "assign.Accept", "already assigned", nil)
	wrapped := fmt.Errorf("handler: %w", base)
	if KindOf(wrapped) != Conflict {
		t.Errorf("KindOf = %s, want CONFLICT", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != Internal {
		t.Error("foreign errors should map to INTERNAL")
	}
}

func TestWrap(t *testing.T) {
	if Wrap("op", "msg", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
	typed := E(NotFound, "op", "missing", nil)
	if Wrap("outer", "msg", typed) != typed {
		t.Error("Wrap should pass typed errors through")
	}
	if !Is(Wrap("op", "msg", errors.New("db down")), Internal) {
		t.Error("Wrap should mark foreign errors INTERNAL")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{Validation, http.StatusBadRequest},
		{Forbidden, http.StatusForbidden},
		{Unauthorized, http.StatusUnauthorized},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(E(tt.kind, "", "x", nil)); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestMessage(t *testing.T) {
	if got := Message(E(Conflict, "op", "already assigned", nil)); got != "already assigned" {
		t.Errorf("Message = %q", got)
	}
	if got := Message(errors.New("secret detail")); got != "Internal Server Error" {
		t.Errorf("Message on foreign error = %q, want status text", got)
	}
}
