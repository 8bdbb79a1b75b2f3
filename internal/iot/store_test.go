package iot

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d, err := f.store.CreateDevice(ctx, Device{SerialNumber: " ESP32-002 "})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if d.SerialNumber != "ESP32-002" || d.Name != "ESP32-002" {
		t.Errorf("device = %+v", d)
	}
	if d.Status != StatusPending || d.IsActive || d.Type != DeviceController {
		t.Errorf("defaults = %s/%v/%s, want PENDING/false/CONTROLLER", d.Status, d.IsActive, d.Type)
	}
	if _, err := f.store.CreateDevice(ctx, Device{SerialNumber: "ESP32-002"}); !errors.Is(err, ErrSerialTaken) {
		t.Errorf("duplicate serial err = %v, want ErrSerialTaken", err)
	}
	if _, err := f.store.CreateDevice(ctx, Device{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty serial err = %v", err)
	}
}

func TestDevice_ByIDOrSerial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, ref := range []string{f.device.ID, "ESP32-001"} {
		d, err := f.store.Device(ctx, ref)
		if err != nil {
			t.Fatalf("Device(%q): %v", ref, err)
		}
		if d.OwnerID != f.farmer.ID || d.AreaName != "Khu A" || d.Status != StatusActive {
			t.Errorf("Device(%q) = %+v", ref, d)
		}
		if d.ActivatedAt == nil || d.ActivatedBy != "tech-1" {
			t.Errorf("activation not recorded: %+v", d)
		}
	}
	if _, err := f.store.Device(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDevices_FilterByOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.CreateDevice(ctx, Device{SerialNumber: "SPARE-1"})

	all, _ := f.store.Devices(ctx, "", "")
	if len(all) != 2 {
		t.Errorf("all devices = %d, want 2", len(all))
	}
	mine, _ := f.store.Devices(ctx, f.farmer.ID, "")
	if len(mine) != 1 || mine[0].SerialNumber != "ESP32-001" {
		t.Errorf("owned devices = %+v", mine)
	}
	byFarm, _ := f.store.Devices(ctx, f.farmer.ID, f.area.FarmID)
	if len(byFarm) != 1 {
		t.Errorf("farm devices = %d, want 1", len(byFarm))
	}
}

func TestControllerInArea_FallsBackToSensorNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d, err := f.store.ControllerInArea(ctx, f.area.ID)
	if err != nil || d.SerialNumber != "ESP32-001" {
		t.Fatalf("ControllerInArea = %+v, %v", d, err)
	}

	f.store.SetStatus(ctx, f.device.ID, StatusInactive)
	f.store.CreateDevice(ctx, Device{SerialNumber: "NODE-1", Type: DeviceSensorNode})
	f.store.Activate(ctx, Activation{SerialNumber: "NODE-1", AreaID: f.area.ID, FarmID: f.area.FarmID, OwnerID: f.farmer.ID})

	d, err = f.store.ControllerInArea(ctx, f.area.ID)
	if err != nil || d.SerialNumber != "NODE-1" {
		t.Fatalf("fallback = %+v, %v", d, err)
	}

	f.store.SetStatus(ctx, d.ID, StatusInactive)
	if _, err := f.store.ControllerInArea(ctx, f.area.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReadings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	base := time.Now().Add(-time.Minute)
	for i := range 12 {
		_, err := f.store.SaveReading(ctx, SensorData{
			DeviceID:     f.device.ID,
			SoilMoisture: ptr(float64(40 + i)),
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveReading: %v", err)
		}
	}

	latest, err := f.store.LatestReadings(ctx, f.farmer.ID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 10 {
		t.Fatalf("LatestReadings = %d, want default limit 10", len(latest))
	}
	if *latest[0].SoilMoisture != 51 || latest[0].SerialNumber != "ESP32-001" || latest[0].AreaName != "Khu A" {
		t.Errorf("newest = %+v", latest[0])
	}
	if latest[0].Temperature != nil {
		t.Error("absent temperature should stay nil")
	}

	soil, _ := f.store.LatestSoilMoisture(ctx, f.device.ID)
	if soil == nil || *soil != 51 {
		t.Errorf("LatestSoilMoisture = %v, want 51", soil)
	}
	none, _ := f.store.LatestReadings(ctx, "someone-else", "", 5)
	if len(none) != 0 {
		t.Errorf("other user sees %d readings", len(none))
	}

	d, _ := f.store.Device(ctx, f.device.ID)
	if d.LastSeenAt == nil {
		t.Error("last_seen_at not updated")
	}
}

func TestIrrigationEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if open, _ := f.store.OpenIrrigationEvent(ctx, f.device.ID); open != nil {
		t.Fatalf("unexpected open event %+v", open)
	}
	e, err := f.store.CreateIrrigationEvent(ctx, IrrigationEvent{
		DeviceID:        f.device.ID,
		Type:            IrrigationDuration,
		Status:          EventPending,
		DurationSeconds: ptr(300),
	})
	if err != nil {
		t.Fatal(err)
	}
	open, err := f.store.OpenIrrigationEvent(ctx, f.device.ID)
	if err != nil || open == nil || open.ID != e.ID {
		t.Fatalf("OpenIrrigationEvent = %+v, %v", open, err)
	}
	if *open.DurationSeconds != 300 || open.StartedAt == nil {
		t.Errorf("open = %+v", open)
	}

	now := time.Now().UTC()
	open.Status = EventCompleted
	open.CompletedAt = &now
	open.ActualDuration = ptr(290)
	if err := f.store.UpdateIrrigationEvent(ctx, open); err != nil {
		t.Fatal(err)
	}
	if o, _ := f.store.OpenIrrigationEvent(ctx, f.device.ID); o != nil {
		t.Error("completed event still open")
	}
	hist, _ := f.store.IrrigationHistory(ctx, f.device.ID, 0)
	if len(hist) != 1 || hist[0].Status != EventCompleted || *hist[0].ActualDuration != 290 {
		t.Errorf("history = %+v", hist)
	}
}

func TestAutoConfig_DefaultsAndUpsert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	irr, err := f.store.AutoConfig(ctx, f.device.ID, AutoIrrigation)
	if err != nil {
		t.Fatal(err)
	}
	if irr.Enabled || irr.Threshold != 30 || irr.DurationSeconds != 600 || irr.CooldownSeconds != 3600 {
		t.Errorf("irrigation defaults = %+v", irr)
	}
	light, _ := f.store.AutoConfig(ctx, f.device.ID, AutoLighting)
	if light.Threshold != 100 {
		t.Errorf("lighting default threshold = %v, want 100", light.Threshold)
	}

	irr.Enabled = true
	irr.Threshold = 25
	f.store.SaveAutoConfig(ctx, irr)
	irr.DurationSeconds = 120
	if err := f.store.SaveAutoConfig(ctx, irr); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.AutoConfig(ctx, f.device.ID, AutoIrrigation)
	if !got.Enabled || got.Threshold != 25 || got.DurationSeconds != 120 {
		t.Errorf("saved config = %+v", got)
	}
}

func TestLightingHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := range 25 {
		action := LightOn
		if i%2 == 1 {
			action = LightOff
		}
		f.store.CreateLightingEvent(ctx, LightingEvent{DeviceID: f.device.ID, Action: action, Source: SourceManual})
	}
	hist, err := f.store.LightingHistory(ctx, f.device.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 20 {
		t.Errorf("history = %d entries, want default limit 20", len(hist))
	}
	if hist[0].Action != LightOn {
		t.Errorf("newest action = %s, want on (event 24)", hist[0].Action)
	}
}
