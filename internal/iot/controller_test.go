package iot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/mqtt"
	"github.com/nugget/agrifarm/internal/users"
)

func newController(t *testing.T, f *fixture, pub *fakePublisher, acks *mqtt.AckTracker, timeout time.Duration) *Controller {
	t.Helper()
	return NewController(f.store, f.users, f.farms, pub, acks, timeout, discard)
}

func TestController_PumpCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pub := &fakePublisher{}
	c := newController(t, f, pub, nil, 0)

	f.store.SaveReading(ctx, SensorData{DeviceID: f.device.ID, SoilMoisture: ptr(35.0), Timestamp: time.Now()})

	res, err := c.Pump(ctx, f.farmer.ID, "ESP32-001", true)
	if err != nil {
		t.Fatalf("Pump on: %v", err)
	}
	sent := pub.last(t)
	if sent.serial != "ESP32-001" || sent.command["action"] != "turn_on" || sent.command["component"] != "pump" {
		t.Errorf("command = %+v", sent)
	}
	if res.ExpectedAck != "pump_on" || res.Irrigation.Type != IrrigationManualOn || res.Irrigation.Status != EventPending {
		t.Errorf("result = %+v irrigation = %+v", res, res.Irrigation)
	}
	if res.Irrigation.SoilMoistureBefore == nil || *res.Irrigation.SoilMoistureBefore != 35 {
		t.Errorf("soil before = %v", res.Irrigation.SoilMoistureBefore)
	}

	res, err = c.Pump(ctx, f.farmer.ID, f.device.ID, false)
	if err != nil {
		t.Fatalf("Pump off: %v", err)
	}
	if pub.last(t).command["action"] != "turn_off" || res.ExpectedAck != "pump_off" {
		t.Errorf("off command = %+v", pub.last(t))
	}
	if res.Irrigation.Status != EventCompleted || res.Irrigation.CompletedAt == nil {
		t.Errorf("off event = %+v", res.Irrigation)
	}
}

func TestController_Irrigate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pub := &fakePublisher{}
	c := newController(t, f, pub, nil, 0)

	for _, secs := range []int{0, -5, MaxIrrigationSeconds + 1} {
		if _, err := c.Irrigate(ctx, f.farmer.ID, "ESP32-001", secs); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Irrigate(%d) err = %v, want ErrInvalidInput", secs, err)
		}
	}

	res, err := c.Irrigate(ctx, f.farmer.ID, "ESP32-001", 300)
	if err != nil {
		t.Fatalf("Irrigate: %v", err)
	}
	cmd := pub.last(t).command
	if cmd["action"] != "irrigate" || cmd["duration"] != 300 {
		t.Errorf("command = %+v", cmd)
	}
	if res.ExpectedAck != "irrigation_started" || *res.Irrigation.DurationSeconds != 300 {
		t.Errorf("result = %+v", res)
	}
}

func TestController_LightOffDisablesAuto(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pub := &fakePublisher{}
	c := newController(t, f, pub, nil, 0)

	if _, err := c.SetAutoLight(ctx, f.farmer.ID, "ESP32-001", AutoLightUpdate{Enabled: ptr(true), Threshold: ptr(150.0)}); err != nil {
		t.Fatalf("SetAutoLight: %v", err)
	}
	cmd := pub.last(t).command
	if cmd["action"] != "set_light_auto" || cmd["enabled"] != true || cmd["threshold"] != 150.0 {
		t.Errorf("auto light command = %+v", cmd)
	}

	if _, err := c.Light(ctx, f.farmer.ID, "ESP32-001", true); err != nil {
		t.Fatal(err)
	}
	if pub.last(t).command["action"] != "turn_on_light" {
		t.Errorf("on command = %+v", pub.last(t).command)
	}
	cfg, _ := f.store.AutoConfig(ctx, f.device.ID, AutoLighting)
	if !cfg.Enabled {
		t.Error("turning the light on must not disable auto mode")
	}

	res, err := c.Light(ctx, f.farmer.ID, "ESP32-001", false)
	if err != nil {
		t.Fatal(err)
	}
	if pub.last(t).command["action"] != "turn_off_light" || res.ExpectedAck != "light_off" {
		t.Errorf("off command = %+v", pub.last(t).command)
	}
	cfg, _ = f.store.AutoConfig(ctx, f.device.ID, AutoLighting)
	if cfg.Enabled || cfg.Threshold != 150 {
		t.Errorf("auto light after off = %+v", cfg)
	}

	hist, _ := f.store.LightingHistory(ctx, f.device.ID, 10)
	if len(hist) != 3 {
		t.Fatalf("lighting history = %d entries, want 3", len(hist))
	}
	if hist[0].Action != LightOff || hist[0].Source != SourceManual || hist[0].UserID != f.farmer.ID {
		t.Errorf("newest = %+v", hist[0])
	}
}

func TestController_WaitForAck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acks := mqtt.NewAckTracker(discard)
	pub := &fakePublisher{}
	pub.onSend = func(serial string, _ map[string]any) {
		go acks.Receive(mqtt.Ack{Serial: serial, Action: "pump_on", Success: true})
	}
	c := newController(t, f, pub, acks, time.Second)

	res, err := c.Pump(ctx, f.farmer.ID, "ESP32-001", true, WaitForAck())
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if !res.Confirmed() || res.AckErr != nil {
		t.Errorf("ack = %+v err = %v", res.Ack, res.AckErr)
	}
	if n := acks.Pending(); n != 0 {
		t.Errorf("pending acks = %d, want 0", n)
	}
}

func TestController_AckFailureAndTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acks := mqtt.NewAckTracker(discard)
	pub := &fakePublisher{}
	c := newController(t, f, pub, acks, 30*time.Millisecond)

	pub.onSend = func(serial string, _ map[string]any) {
		acks.Receive(mqtt.Ack{Serial: serial, Action: "irrigation_started", Success: false, Message: "tank empty"})
	}
	res, err := c.Irrigate(ctx, f.farmer.ID, "ESP32-001", 60, WaitForAck())
	if err != nil {
		t.Fatalf("Irrigate: %v", err)
	}
	if res.Confirmed() || res.Ack == nil || res.Ack.Message != "tank empty" {
		t.Errorf("ack = %+v", res.Ack)
	}

	pub.onSend = nil
	res, err = c.Light(ctx, f.farmer.ID, "ESP32-001", true, WaitForAck())
	if err != nil {
		t.Fatalf("Light: %v", err)
	}
	if !errors.Is(res.AckErr, mqtt.ErrAckTimeout) {
		t.Errorf("AckErr = %v, want ErrAckTimeout", res.AckErr)
	}
}

func TestController_PublishFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acks := mqtt.NewAckTracker(discard)
	pub := &fakePublisher{err: mqtt.ErrNotStarted}
	c := newController(t, f, pub, acks, time.Second)

	if _, err := c.Pump(ctx, f.farmer.ID, "ESP32-001", true, WaitForAck()); !errors.Is(err, mqtt.ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
	if n := acks.Pending(); n != 0 {
		t.Errorf("pending acks after failed publish = %d", n)
	}
}

func TestController_Authorize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := newController(t, f, &fakePublisher{}, nil, 0)

	stranger, _ := f.users.Create(ctx, users.User{Email: "other@example.com", Role: users.RoleFarmer})
	admin, _ := f.users.Create(ctx, users.User{Email: "admin@example.com", Role: users.RoleAdmin})
	f.store.CreateDevice(ctx, Device{SerialNumber: "SPARE-1", Status: StatusActive})
	f.store.CreateDevice(ctx, Device{SerialNumber: "NEW-1"})

	tests := []struct {
		name    string
		user    string
		ref     string
		control bool
		want    error
	}{
		{"owner", f.farmer.ID, "ESP32-001", true, nil},
		{"stranger", stranger.ID, "ESP32-001", false, ErrForbidden},
		{"admin bypass", admin.ID, "ESP32-001", true, nil},
		{"unknown", f.farmer.ID, "GHOST", false, ErrNotFound},
		{"unassigned", f.farmer.ID, "SPARE-1", true, ErrNotAssigned},
		{"pending control", admin.ID, "NEW-1", true, ErrInactive},
		{"pending read", admin.ID, "NEW-1", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Authorize(ctx, tt.user, tt.ref, tt.control)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestController_SetAutoIrrigation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pub := &fakePublisher{}
	c := newController(t, f, pub, nil, 0)

	bad := []AutoIrrigationUpdate{
		{Threshold: ptr(101.0)},
		{Threshold: ptr(-1.0)},
		{DurationSeconds: ptr(7201)},
		{CooldownSeconds: ptr(86401)},
	}
	for _, u := range bad {
		if _, err := c.SetAutoIrrigation(ctx, f.farmer.ID, "ESP32-001", u); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("SetAutoIrrigation(%+v) err = %v", u, err)
		}
	}
	if len(pub.sent) != 0 {
		t.Fatal("invalid update was published")
	}

	res, err := c.SetAutoIrrigation(ctx, f.farmer.ID, "ESP32-001", AutoIrrigationUpdate{Enabled: ptr(true), Threshold: ptr(25.0)})
	if err != nil {
		t.Fatalf("SetAutoIrrigation: %v", err)
	}
	cmd := pub.last(t).command
	if cmd["action"] != "set_auto_mode" || cmd["enabled"] != true || cmd["threshold"] != 25.0 ||
		cmd["duration"] != 600 || cmd["cooldown"] != 3600 {
		t.Errorf("command = %+v", cmd)
	}
	if res.ExpectedAck != "auto_mode_updated" {
		t.Errorf("ExpectedAck = %q", res.ExpectedAck)
	}

	saved, _ := f.store.AutoConfig(ctx, f.device.ID, AutoIrrigation)
	if !saved.Enabled || saved.Threshold != 25 || saved.DurationSeconds != 600 {
		t.Errorf("saved = %+v", saved)
	}
	hist, _ := f.store.IrrigationHistory(ctx, f.device.ID, 1)
	if len(hist) != 1 || hist[0].Type != IrrigationAutoConfig {
		t.Errorf("history = %+v", hist)
	}
}

func TestController_AssignAndActivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := newController(t, f, &fakePublisher{}, nil, 0)

	farm, _ := f.farms.FarmByUser(ctx, f.farmer.ID)
	areaB, _ := f.farms.CreateArea(ctx, farms.Area{FarmID: farm.ID, Name: "Khu B"})

	dev, err := c.Assign(ctx, f.farmer.ID, "ESP32-001", areaB.ID)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if dev.AreaID != areaB.ID || dev.AreaName != "Khu B" {
		t.Errorf("assigned = %+v", dev)
	}

	other, _ := f.users.Create(ctx, users.User{Email: "x@example.com"})
	if _, err := c.Assign(ctx, other.ID, "ESP32-001", areaB.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger assign err = %v", err)
	}
	if _, err := c.Assign(ctx, f.farmer.ID, "ESP32-001", "no-such-area"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing area err = %v", err)
	}

	if _, err := c.Activate(ctx, "tech-2", ActivateInput{SerialNumber: "UNKNOWN", AreaID: areaB.ID}); !errors.Is(err, ErrDeviceNotRegistered) {
		t.Errorf("unknown serial err = %v", err)
	}
	if _, err := c.Activate(ctx, "tech-2", ActivateInput{SerialNumber: "ESP32-002"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing area err = %v", err)
	}

	f.store.CreateDevice(ctx, Device{SerialNumber: "ESP32-002"})
	dev, err = c.Activate(ctx, "tech-2", ActivateInput{SerialNumber: "ESP32-002", AreaID: areaB.ID})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if dev.Status != StatusActive || dev.OwnerID != f.farmer.ID || dev.ActivatedBy != "tech-2" || dev.ActivatedAt == nil {
		t.Errorf("activated = %+v", dev)
	}

	list, _ := c.Devices(ctx, f.farmer.ID, "")
	if len(list) != 2 {
		t.Errorf("farmer devices = %d, want 2", len(list))
	}
}

func TestController_ActivateOwnedDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := newController(t, f, &fakePublisher{}, nil, 0)

	other, err := f.users.Create(ctx, users.User{Email: "other@example.com", IsActive: true})
	if err != nil {
		t.Fatal(err)
	}
	farm, err := f.farms.CreateFarm(ctx, farms.Farm{UserID: other.ID, Name: "Nông trại Đỏ"})
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := f.farms.CreateArea(ctx, farms.Area{FarmID: farm.ID, Name: "Khu X"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Activate(ctx, "tech-2", ActivateInput{SerialNumber: "ESP32-001", AreaID: foreign.ID}); !errors.Is(err, ErrAlreadyActivated) {
		t.Fatalf("activate into another farm err = %v, want ErrAlreadyActivated", err)
	}
	dev, _ := f.store.Device(ctx, "ESP32-001")
	if dev.OwnerID != f.farmer.ID || dev.AreaID != f.area.ID || dev.ActivatedBy != "tech-1" {
		t.Errorf("device changed hands: %+v", dev)
	}

	// Repeating the activation for the same farmer is accepted.
	dev, err = c.Activate(ctx, "tech-2", ActivateInput{SerialNumber: "ESP32-001", AreaID: f.area.ID})
	if err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if dev.OwnerID != f.farmer.ID || dev.Status != StatusActive {
		t.Errorf("re-activated = %+v", dev)
	}
}
