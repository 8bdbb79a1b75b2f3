package iot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/agrifarm/internal/events"
	"github.com/nugget/agrifarm/internal/mqtt"
	"github.com/nugget/agrifarm/internal/users"
)

// Reasons a device message is dropped.
var (
	ErrBadPayload         = errors.New("payload is not valid JSON")
	ErrBadSecret          = errors.New("device secret mismatch")
	ErrMissingDeviceID    = errors.New("payload has no deviceId")
	ErrSubscriptionLapsed = errors.New("owner subscription is inactive")
)

// UserLookup resolves device owners.
type UserLookup interface {
	Get(ctx context.Context, id string) (*users.User, error)
}

// AckReceiver accepts device confirmations.
type AckReceiver interface {
	Receive(ack mqtt.Ack) bool
}

// dataPayload is what devices publish on sensors/<serial>/data.
type dataPayload struct {
	DeviceID     string   `json:"deviceId"`
	Secret       string   `json:"secret"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	SoilMoisture *float64 `json:"soilMoisture"`
	LightLevel   *float64 `json:"lightLevel"`
}

// statusPayload is what devices publish on sensors/<serial>/status.
type statusPayload struct {
	DeviceID     string   `json:"deviceId"`
	Event        string   `json:"event"`
	Status       string   `json:"status"`
	Message      string   `json:"message"`
	PumpOn       *bool    `json:"pumpOn"`
	LightOn      *bool    `json:"lightOn"`
	AutoMode     *bool    `json:"autoMode"`
	SoilMoisture *float64 `json:"soilMoisture"`
	LightLevel   *float64 `json:"lightLevel"`
	Duration     *int     `json:"duration"`
	Threshold    *float64 `json:"threshold"`
}

// Ingestor validates device traffic and records it.
type Ingestor struct {
	store  *Store
	users  UserLookup
	acks   AckReceiver
	bus    *events.Bus
	secret string
	logger *slog.Logger

	noSecretOnce sync.Once
}

// NewIngestor creates an ingestor. acks and bus may be nil. An empty
// secret accepts every device and warns once.
func NewIngestor(store *Store, us UserLookup, acks AckReceiver, bus *events.Bus, secret string, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:  store,
		users:  us,
		acks:   acks,
		bus:    bus,
		secret: secret,
		logger: logger,
	}
}

// HandleData is the MQTT handler for sensor data topics.
func (in *Ingestor) HandleData(ctx context.Context, topic string, payload []byte) {
	r, err := in.IngestData(ctx, payload)
	if err != nil {
		in.logger.Warn("sensor data rejected", "topic", topic, "reason", err)
		return
	}
	in.logger.Debug("sensor data saved", "topic", topic, "reading_id", r.ID)
}

// IngestData validates one data message and stores the reading.
// Checks run in order: JSON, secret, deviceId, registration, owner
// subscription, device status.
func (in *Ingestor) IngestData(ctx context.Context, payload []byte) (*SensorData, error) {
	var p dataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, ErrBadPayload
	}

	if in.secret == "" {
		in.noSecretOnce.Do(func() {
			in.logger.Warn("mqtt secret not configured, accepting sensor data from any publisher")
		})
	} else if p.Secret != in.secret {
		return nil, ErrBadSecret
	}

	if p.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}

	dev, err := in.store.Device(ctx, p.DeviceID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", p.DeviceID, ErrDeviceNotRegistered)
	}
	if err != nil {
		return nil, err
	}

	if dev.OwnerID != "" && in.users != nil {
		owner, err := in.users.Get(ctx, dev.OwnerID)
		if err != nil && !errors.Is(err, users.ErrNotFound) {
			return nil, err
		}
		if owner != nil && owner.PremiumLapsed() {
			return nil, fmt.Errorf("%s owned by %s: %w", p.DeviceID, owner.Email, ErrSubscriptionLapsed)
		}
	}

	if dev.Status != StatusActive {
		return nil, fmt.Errorf("%s status %s: %w", p.DeviceID, dev.Status, ErrInactive)
	}

	r, err := in.store.SaveReading(ctx, SensorData{
		DeviceID:     dev.ID,
		Temperature:  p.Temperature,
		Humidity:     p.Humidity,
		SoilMoisture: p.SoilMoisture,
		LightLevel:   p.LightLevel,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return nil, err
	}

	in.bus.Publish(events.Event{
		Timestamp: r.Timestamp,
		Source:    events.SourceIoT,
		Kind:      events.KindSensorReading,
		Data: map[string]any{
			"device_id":     dev.ID,
			"serial":        dev.SerialNumber,
			"owner_id":      dev.OwnerID,
			"temperature":   r.Temperature,
			"humidity":      r.Humidity,
			"soil_moisture": r.SoilMoisture,
			"light_level":   r.LightLevel,
		},
	})
	return r, nil
}

// HandleStatus is the MQTT handler for sensor status topics.
func (in *Ingestor) HandleStatus(ctx context.Context, topic string, payload []byte) {
	if err := in.IngestStatus(ctx, payload); err != nil {
		in.logger.Warn("device status rejected", "topic", topic, "reason", err)
	}
}

// IngestStatus forwards a status event to waiting commands and
// updates the irrigation and lighting history it affects.
func (in *Ingestor) IngestStatus(ctx context.Context, payload []byte) error {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ErrBadPayload
	}
	if p.DeviceID == "" {
		return ErrMissingDeviceID
	}
	in.logger.Info("device status", "serial", p.DeviceID, "event", p.Event)

	if in.acks != nil && p.Event != "" {
		in.acks.Receive(mqtt.Ack{
			Serial:    p.DeviceID,
			Action:    p.Event,
			Success:   p.Status != "failed" && !strings.HasSuffix(p.Event, "_failed"),
			Message:   p.Message,
			Timestamp: time.Now(),
		})
	}

	dev, err := in.store.Device(ctx, p.DeviceID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", p.DeviceID, ErrDeviceNotRegistered)
	}
	if err != nil {
		return err
	}

	data := map[string]any{
		"device_id": dev.ID,
		"serial":    dev.SerialNumber,
		"owner_id":  dev.OwnerID,
		"event":     p.Event,
	}
	if p.PumpOn != nil {
		data["pump_on"] = *p.PumpOn
	}
	if p.LightOn != nil {
		data["light_on"] = *p.LightOn
	}
	in.bus.Publish(events.Event{Source: events.SourceIoT, Kind: events.KindDeviceStatus, Data: data})

	if err := in.updateIrrigation(ctx, dev, p); err != nil {
		return err
	}
	return in.updateLighting(ctx, dev, p)
}

func (in *Ingestor) updateIrrigation(ctx context.Context, dev *Device, p statusPayload) error {
	open, err := in.store.OpenIrrigationEvent(ctx, dev.ID)
	if err != nil {
		return err
	}

	if open == nil {
		if p.Event != "auto_irrigation_triggered" {
			return nil
		}
		_, err := in.store.CreateIrrigationEvent(ctx, IrrigationEvent{
			DeviceID:           dev.ID,
			Type:               IrrigationAuto,
			Status:             EventRunning,
			DurationSeconds:    p.Duration,
			SoilMoistureBefore: p.SoilMoisture,
		})
		return err
	}

	now := time.Now().UTC()
	switch p.Event {
	case "pump_on", "irrigation_started":
		open.Status = EventRunning
	case "pump_off", "irrigation_completed":
		open.Status = EventCompleted
		open.CompletedAt = &now
		open.SoilMoistureAfter = p.SoilMoisture
		if p.Duration != nil && *p.Duration > 0 {
			open.ActualDuration = p.Duration
		}
	case "irrigation_failed":
		open.Status = EventFailed
		open.CompletedAt = &now
		open.ErrorMessage = p.Message
	default:
		return nil
	}
	return in.store.UpdateIrrigationEvent(ctx, open)
}

func (in *Ingestor) updateLighting(ctx context.Context, dev *Device, p statusPayload) error {
	switch p.Event {
	case "light_auto_mode_disabled_by_manual_off":
		cfg, err := in.store.AutoConfig(ctx, dev.ID, AutoLighting)
		if err != nil {
			return err
		}
		if !cfg.Enabled {
			return nil
		}
		cfg.Enabled = false
		in.logger.Info("auto light disabled by manual off", "serial", dev.SerialNumber)
		return in.store.SaveAutoConfig(ctx, cfg)

	case "light_on", "light_off":
		// Manual switches are logged when the command is sent; only
		// changes made by the device's own auto mode are recorded here.
		cfg, err := in.store.AutoConfig(ctx, dev.ID, AutoLighting)
		if err != nil || !cfg.Enabled {
			return err
		}
		action := LightOn
		if p.Event == "light_off" {
			action = LightOff
		}
		_, err = in.store.CreateLightingEvent(ctx, LightingEvent{
			DeviceID:   dev.ID,
			Action:     action,
			Source:     SourceAuto,
			LightLevel: p.LightLevel,
		})
		return err
	}
	return nil
}
