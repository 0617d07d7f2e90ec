package lifecycle

import (
	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/models"
)

// Role identifies what kind of principal performs an operation.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleMechanic Role = "mechanic"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor is the principal performing an operation. For mechanics ID is the
// mechanic id, for customers the customer id.
type Actor struct {
	Role Role
	ID   string
}

// System is the actor used by the sweeper.
var System = Actor{Role: RoleSystem}

// String renders the actor as stored in cancelled_by and timeline rows.
func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Role)
	}
	return string(a.Role) + ":" + a.ID
}

// IsPrivileged reports whether the actor bypasses participant checks.
func (a Actor) IsPrivileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// CheckParticipant returns Forbidden unless actor is the session's
// customer, its assigned mechanic, or privileged.
func CheckParticipant(s *models.Session, actor Actor) error {
	const op = "lifecycle.CheckParticipant"
	switch {
	case actor.IsPrivileged():
		return nil
	case actor.Role == RoleCustomer && actor.ID != "" && s.CustomerID == actor.ID:
		return nil
	case actor.Role == RoleMechanic && actor.ID != "" && s.MechanicID != nil && *s.MechanicID == actor.ID:
		return nil
	}
	return apperr.E(apperr.Forbidden, op, "not a participant of this session", nil)
}
