// Package mechanic manages the mechanic registry. Whether a mechanic holds
// work is read from the assignments table.
package mechanic

import (
	"errors"
	"strings"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/db"
	"github.com/faizrhashmi/theautodoctor/internal/models"
	"gorm.io/gorm"
)

// RegisterOpts holds parameters for registering a mechanic.
type RegisterOpts struct {
	UserID    string
	Name      string
	Available bool
}

// Register creates a mechanic with a generated ID. Name defaults to the
// user id.
func Register(gdb *gorm.DB, opts RegisterOpts) (*models.Mechanic, error) {
	const op = "mechanic.Register"
	opts.UserID = strings.TrimSpace(opts.UserID)
	if opts.UserID == "" {
		return nil, apperr.E(apperr.Validation, op, "user id is required", nil)
	}
	id, err := models.GenerateID(models.MechanicIDPrefix)
	if err != nil {
		return nil, apperr.E(apperr.Internal, op, "generate id", err)
	}
	m := models.Mechanic{
		ID:          id,
		UserID:      opts.UserID,
		Name:        strings.TrimSpace(opts.Name),
		IsAvailable: opts.Available,
	}
	if m.Name == "" {
		m.Name = m.UserID
	}
	if err := gdb.Create(&m).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return nil, apperr.E(apperr.Conflict, op, "user is already registered as a mechanic", nil)
		}
		return nil, apperr.E(apperr.Internal, op, "create mechanic", err)
	}
	return &m, nil
}

// Get loads a mechanic by ID.
func Get(gdb *gorm.DB, id string) (*models.Mechanic, error) {
	return first(gdb, "mechanic.Get", "id = ?", id)
}

// GetByUserID loads the mechanic owned by an identity-provider user.
func GetByUserID(gdb *gorm.DB, userID string) (*models.Mechanic, error) {
	return first(gdb, "mechanic.GetByUserID", "user_id = ?", userID)
}

func first(gdb *gorm.DB, op, query, arg string) (*models.Mechanic, error) {
	var m models.Mechanic
	if err := gdb.Where(query, arg).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.E(apperr.NotFound, op, "mechanic not found", nil)
		}
		return nil, apperr.E(apperr.Internal, op, "load mechanic", err)
	}
	return &m, nil
}

// ListOpts filters List.
type ListOpts struct {
	AvailableOnly bool
	Idle          bool // only mechanics without an assignment
}

// List returns mechanics ordered by name.
func List(gdb *gorm.DB, opts ListOpts) ([]models.Mechanic, error) {
	q := gdb.Model(&models.Mechanic{})
	if opts.AvailableOnly {
		q = q.Where("is_available = ?", true)
	}
	if opts.Idle {
		q = q.Where("id NOT IN (?)", gdb.Model(&models.Assignment{}).Select("mechanic_id"))
	}
	var out []models.Mechanic
	if err := q.Order("name ASC, id ASC").Find(&out).Error; err != nil {
		return nil, apperr.E(apperr.Internal, "mechanic.List", "list mechanics", err)
	}
	return out, nil
}

// SetAvailability flips the mechanic's availability flag.
func SetAvailability(gdb *gorm.DB, id string, available bool) error {
	const op = "mechanic.SetAvailability"
	res := gdb.Model(&models.Mechanic{}).Where("id = ?", id).Update("is_available", available)
	if res.Error != nil {
		return apperr.E(apperr.Internal, op, "update mechanic", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either missing, or on MySQL a no-op write of the same value.
		if _, err := Get(gdb, id); err != nil {
			return err
		}
	}
	return nil
}

// ActiveAssignment returns the mechanic's current assignment, or NotFound.
func ActiveAssignment(gdb *gorm.DB, mechanicID string) (*models.Assignment, error) {
	const op = "mechanic.ActiveAssignment"
	var a models.Assignment
	if err := gdb.Where("mechanic_id = ?", mechanicID).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.E(apperr.NotFound, op, "no active assignment", nil)
		}
		return nil, apperr.E(apperr.Internal, op, "load assignment", err)
	}
	return &a, nil
}

// HasActiveAssignment reports whether the mechanic currently holds work.
func HasActiveAssignment(gdb *gorm.DB, mechanicID string) (bool, error) {
	var n int64
	if err := gdb.Model(&models.Assignment{}).Where("mechanic_id = ?", mechanicID).Count(&n).Error; err != nil {
		return false, apperr.E(apperr.Internal, "mechanic.HasActiveAssignment", "count assignments", err)
	}
	return n > 0, nil
}
