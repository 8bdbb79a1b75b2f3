package installation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/agrifarm/internal/database/dbtest"
	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/iot"
	"github.com/nugget/agrifarm/internal/users"
)

type fixture struct {
	store      *Store
	farmer     *users.User
	neighbour  *users.User
	technician *users.User
	area       *farms.Area
	devices    *iot.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)
	us := users.NewStore(db)
	fs := farms.NewStore(db)
	f := &fixture{devices: iot.NewStore(db)}

	mustUser := func(email string, role users.Role) *users.User {
		u, err := us.Create(ctx, users.User{Email: email, Role: role, IsActive: true})
		if err != nil {
			t.Fatalf("create %s: %v", email, err)
		}
		return u
	}
	f.farmer = mustUser("farmer@example.com", users.RoleFarmer)
	f.neighbour = mustUser("neighbour@example.com", users.RoleFarmer)
	f.technician = mustUser("tech@example.com", users.RoleTechnician)
	farm, err := fs.CreateFarm(ctx, farms.Farm{UserID: f.farmer.ID, Name: "Vườn nhà"})
	if err != nil {
		t.Fatalf("CreateFarm: %v", err)
	}
	if f.area, err = fs.CreateArea(ctx, farms.Area{FarmID: farm.ID, Name: "Khu A"}); err != nil {
		t.Fatalf("CreateArea: %v", err)
	}
	f.store = NewStore(db, fs, us)
	return f
}

func (f *fixture) create(t *testing.T) *Request {
	t.Helper()
	r, err := f.store.Create(context.Background(), f.farmer.ID, CreateInput{
		AreaID:       f.area.ID,
		Notes:        "Lắp gần giếng",
		ContactPhone: "0901234567",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusAssigned, StatusAssigned, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusPending, StatusInProgress, false},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusPending, StatusCancelled, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t)

	got, err := f.store.GetForFarmer(ctx, f.farmer.ID, r.ID)
	if err != nil {
		t.Fatalf("GetForFarmer: %v", err)
	}
	if got.Status != StatusPending || got.ContactPhone != "0901234567" || got.FarmID != f.area.FarmID {
		t.Errorf("request = %+v", got)
	}
	if _, err := f.store.GetForFarmer(ctx, f.neighbour.ID, r.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("neighbour read: err = %v", err)
	}

	tests := []struct {
		name   string
		farmer string
		in     CreateInput
		want   error
	}{
		{"missing area", f.farmer.ID, CreateInput{}, ErrInvalidInput},
		{"unknown area", f.farmer.ID, CreateInput{AreaID: "nope"}, ErrInvalidInput},
		{"someone else's area", f.neighbour.ID, CreateInput{AreaID: f.area.ID}, ErrForbidden},
		{"phone too long", f.farmer.ID, CreateInput{AreaID: f.area.ID, ContactPhone: strings.Repeat("9", 21)}, ErrInvalidInput},
	}
	for _, tt := range tests {
		if _, err := f.store.Create(ctx, tt.farmer, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t)

	if _, err := f.store.Start(ctx, f.technician.ID, r.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("start before assignment: err = %v", err)
	}
	if _, err := f.store.Assign(ctx, r.ID, f.neighbour.ID); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("assign to farmer: err = %v", err)
	}

	assigned, err := f.store.Assign(ctx, r.ID, f.technician.ID)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if assigned.Status != StatusAssigned || assigned.AssignedTechnicianID != f.technician.ID {
		t.Errorf("assigned = %+v", assigned)
	}
	if _, err := f.store.GetForTechnician(ctx, f.technician.ID, r.ID); err != nil {
		t.Errorf("GetForTechnician: %v", err)
	}

	if _, err := f.store.Complete(ctx, f.technician.ID, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete before start: err = %v", err)
	}
	if _, err := f.store.Start(ctx, f.technician.ID, r.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.store.Cancel(ctx, f.farmer.ID, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("farmer cancel in progress: err = %v", err)
	}
	done, err := f.store.Complete(ctx, f.technician.ID, r.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %s", done.Status)
	}
	if _, err := f.store.CancelByAdmin(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancel completed: err = %v", err)
	}

	ok, err := f.store.HasCompleted(ctx, f.farmer.ID)
	if err != nil || !ok {
		t.Errorf("HasCompleted = %v, %v", ok, err)
	}
	list, _ := f.store.ByTechnician(ctx, f.technician.ID)
	if len(list) != 1 {
		t.Errorf("ByTechnician = %d requests", len(list))
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.create(t)
	if _, err := f.store.Cancel(ctx, f.neighbour.ID, r.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("neighbour cancel: err = %v", err)
	}
	got, err := f.store.Cancel(ctx, f.farmer.ID, r.ID)
	if err != nil || got.Status != StatusCancelled {
		t.Fatalf("Cancel = %+v, %v", got, err)
	}

	r2 := f.create(t)
	f.store.Assign(ctx, r2.ID, f.technician.ID)
	if got, err := f.store.CancelByAdmin(ctx, r2.ID); err != nil || got.Status != StatusCancelled {
		t.Errorf("CancelByAdmin = %+v, %v", got, err)
	}
	if _, err := f.store.CancelByAdmin(ctx, r2.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second cancel: err = %v", err)
	}
	if _, err := f.store.CancelByAdmin(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}

	all, _ := f.store.ByFarmer(ctx, f.farmer.ID)
	if len(all) != 2 {
		t.Errorf("ByFarmer = %d requests, want 2", len(all))
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t)
	if err := f.store.Delete(ctx, r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.store.Get(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if err := f.store.Delete(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: %v", err)
	}
}

func TestAttachDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t)
	dev, err := f.devices.CreateDevice(ctx, iot.Device{SerialNumber: "ESP-001"})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	got, err := f.store.AttachDevice(ctx, r.ID, dev.ID, false)
	if err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if got.DeviceID != dev.ID || got.IsPaid || got.PaymentDate != nil {
		t.Errorf("unpaid attach = %+v", got)
	}

	got, err = f.store.AttachDevice(ctx, r.ID, dev.ID, true)
	if err != nil {
		t.Fatalf("AttachDevice paid: %v", err)
	}
	if !got.IsPaid || got.PaymentDate == nil {
		t.Errorf("paid attach = %+v", got)
	}
	if _, err := f.store.AttachDevice(ctx, "missing", dev.ID, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing request: err = %v", err)
	}
}
