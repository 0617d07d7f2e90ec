package mechanic

import (
	"strings"
	"testing"

	"github.com/faizrhashmi/theautodoctor/internal/apperr"
	"github.com/faizrhashmi/theautodoctor/internal/db"
	"github.com/faizrhashmi/theautodoctor/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return gdb
}

func TestRegister(t *testing.T) {
	gdb := testDB(t)

	m, err := Register(gdb, RegisterOpts{UserID: "usr-1", Name: "  Alex  ", Available: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !strings.HasPrefix(m.ID, models.MechanicIDPrefix) {
		t.Errorf("ID = %q, want mec- prefix", m.ID)
	}
	if m.Name != "Alex" || !m.IsAvailable {
		t.Errorf("mechanic = %+v", m)
	}

	got, err := GetByUserID(gdb, "usr-1")
	if err != nil {
		t.Fatalf("GetByUserID: %v", err)
	}
	if got.ID != m.ID {
		t.Errorf("GetByUserID ID = %q, want %q", got.ID, m.ID)
	}

	unnamed, err := Register(gdb, RegisterOpts{UserID: "usr-2"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if unnamed.Name != "usr-2" {
		t.Errorf("Name = %q, want user id fallback", unnamed.Name)
	}
}

func TestRegister_Validation(t *testing.T) {
	_, err := Register(testDB(t), RegisterOpts{UserID: "  "})
	if !apperr.Is(err, apperr.Validation) {
		t.Errorf("err = %v, want VALIDATION", err)
	}
}

func TestRegister_DuplicateUser(t *testing.T) {
	gdb := testDB(t)
	if _, err := Register(gdb, RegisterOpts{UserID: "usr-1"}); err != nil {
		t.Fatal(err)
	}
	_, err := Register(gdb, RegisterOpts{UserID: "usr-1"})
	if !apperr.Is(err, apperr.Conflict) {
		t.Errorf("err = %v, want CONFLICT", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := Get(testDB(t), "mec-missing")
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestList(t *testing.T) {
	gdb := testDB(t)
	a, _ := Register(gdb, RegisterOpts{UserID: "u-a", Name: "Alex", Available: true})
	_, _ = Register(gdb, RegisterOpts{UserID: "u-b", Name: "Blair", Available: true})
	_, _ = Register(gdb, RegisterOpts{UserID: "u-c", Name: "Casey"})
	if err := gdb.Create(&models.Assignment{MechanicID: a.ID, RequestID: "req-1", Source: "self"}).Error; err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts ListOpts
		want []string
	}{
		{"all", ListOpts{}, []string{"Alex", "Blair", "Casey"}},
		{"available", ListOpts{AvailableOnly: true}, []string{"Alex", "Blair"}},
		{"available and idle", ListOpts{AvailableOnly: true, Idle: true}, []string{"Blair"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := List(gdb, tt.opts)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var names []string
			for _, m := range got {
				names = append(names, m.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("names = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestSetAvailability(t *testing.T) {
	gdb := testDB(t)
	m, _ := Register(gdb, RegisterOpts{UserID: "usr-1", Available: true})

	if err := SetAvailability(gdb, m.ID, false); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	got, _ := Get(gdb, m.ID)
	if got.IsAvailable {
		t.Error("IsAvailable still true")
	}
	if err := SetAvailability(gdb, m.ID, false); err != nil {
		t.Errorf("repeat SetAvailability: %v", err)
	}
	if err := SetAvailability(gdb, "mec-missing", true); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestActiveAssignment(t *testing.T) {
	gdb := testDB(t)
	m, _ := Register(gdb, RegisterOpts{UserID: "usr-1"})

	if _, err := ActiveAssignment(gdb, m.ID); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
	busy, err := HasActiveAssignment(gdb, m.ID)
	if err != nil || busy {
		t.Fatalf("HasActiveAssignment = %v, %v", busy, err)
	}

	if err := gdb.Create(&models.Assignment{MechanicID: m.ID, RequestID: "req-9", Source: "admin"}).Error; err != nil {
		t.Fatal(err)
	}
	a, err := ActiveAssignment(gdb, m.ID)
	if err != nil {
		t.Fatalf("ActiveAssignment: %v", err)
	}
	if a.RequestID != "req-9" || a.Source != "admin" {
		t.Errorf("assignment = %+v", a)
	}
	if busy, _ := HasActiveAssignment(gdb, m.ID); !busy {
		t.Error("HasActiveAssignment = false, want true")
	}
}
