package iot

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nugget/agrifarm/internal/database/dbtest"
	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/users"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	store  *Store
	users  *users.Store
	farms  *farms.Store
	farmer *users.User
	area   *farms.Area
	device *Device
}

// newFixture builds a farmer with one farm, one area and one ACTIVE
// controller (serial ESP32-001) installed in it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)
	f := &fixture{
		store: NewStore(db),
		users: users.NewStore(db),
		farms: farms.NewStore(db),
	}

	var err error
	f.farmer, err = f.users.Create(ctx, users.User{
		Email:              "farmer@example.com",
		Plan:               users.PlanPremium,
		SubscriptionStatus: users.SubscriptionActive,
		IsActive:           true,
	})
	if err != nil {
		t.Fatalf("create farmer: %v", err)
	}
	farm, err := f.farms.CreateFarm(ctx, farms.Farm{UserID: f.farmer.ID, Name: "Nông trại Xanh"})
	if err != nil {
		t.Fatalf("create farm: %v", err)
	}
	f.area, err = f.farms.CreateArea(ctx, farms.Area{FarmID: farm.ID, Name: "Khu A"})
	if err != nil {
		t.Fatalf("create area: %v", err)
	}
	if _, err := f.store.CreateDevice(ctx, Device{SerialNumber: "ESP32-001", Name: "Bộ điều khiển A"}); err != nil {
		t.Fatalf("create device: %v", err)
	}
	f.device, err = f.store.Activate(ctx, Activation{
		SerialNumber: "ESP32-001",
		AreaID:       f.area.ID,
		FarmID:       farm.ID,
		OwnerID:      f.farmer.ID,
		TechnicianID: "tech-1",
	})
	if err != nil {
		t.Fatalf("activate device: %v", err)
	}
	return f
}

type sentCommand struct {
	serial  string
	command map[string]any
}

// fakePublisher records commands and, when onSend is set, calls it
// after recording so tests can play the device.
type fakePublisher struct {
	mu     sync.Mutex
	sent   []sentCommand
	err    error
	onSend func(serial string, command map[string]any)
}

func (p *fakePublisher) PublishCommand(_ context.Context, serial string, command map[string]any) error {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.err
	}
	p.sent = append(p.sent, sentCommand{serial: serial, command: command})
	hook := p.onSend
	p.mu.Unlock()
	if hook != nil {
		hook(serial, command)
	}
	return nil
}

func (p *fakePublisher) last(t *testing.T) sentCommand {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		t.Fatal("no command published")
	}
	return p.sent[len(p.sent)-1]
}

func ptr[T any](v T) *T { return &v }
