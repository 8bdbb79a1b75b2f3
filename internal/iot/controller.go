package iot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/mqtt"
	"github.com/nugget/agrifarm/internal/users"
)

// CommandPublisher sends a control command to a device by serial.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, serial string, command map[string]any) error
}

// AreaLookup resolves areas for assignment and activation.
type AreaLookup interface {
	GetArea(ctx context.Context, id string) (*farms.Area, error)
}

// CommandResult describes a command that was published. Ack and AckErr
// are only set when the caller asked to wait with [WaitForAck].
type CommandResult struct {
	Device      *Device          `json:"device"`
	Command     map[string]any   `json:"command"`
	ExpectedAck string           `json:"expectedAck"`
	Irrigation  *IrrigationEvent `json:"irrigationEvent,omitempty"`
	Lighting    *LightingEvent   `json:"lightingEvent,omitempty"`
	AutoConfig  *AutoConfig      `json:"autoConfig,omitempty"`
	Ack         *mqtt.Ack        `json:"ack,omitempty"`
	AckErr      error            `json:"-"`
}

// Confirmed reports whether the device acknowledged success.
func (r *CommandResult) Confirmed() bool {
	return r.Ack != nil && r.Ack.Success
}

type commandOptions struct {
	waitAck bool
}

// CommandOption adjusts a single command.
type CommandOption func(*commandOptions)

// WaitForAck makes the command block until the device confirms it or
// the ack timeout elapses. A missing ack is reported in
// CommandResult.AckErr; the command itself still succeeded.
func WaitForAck() CommandOption {
	return func(o *commandOptions) { o.waitAck = true }
}

// Controller checks access and turns user intent into device commands.
type Controller struct {
	store      *Store
	users      UserLookup
	areas      AreaLookup
	pub        CommandPublisher
	acks       *mqtt.AckTracker
	ackTimeout time.Duration
	logger     *slog.Logger
}

// NewController wires a controller. acks may be nil, in which case
// WaitForAck is ignored.
func NewController(store *Store, us UserLookup, areas AreaLookup, pub CommandPublisher, acks *mqtt.AckTracker, ackTimeout time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if ackTimeout <= 0 {
		ackTimeout = mqtt.DefaultAckTimeout
	}
	return &Controller{
		store:      store,
		users:      us,
		areas:      areas,
		pub:        pub,
		acks:       acks,
		ackTimeout: ackTimeout,
		logger:     logger,
	}
}

// Store exposes the underlying store for read-only handlers.
func (c *Controller) Store() *Store { return c.store }

func (c *Controller) isAdmin(ctx context.Context, userID string) bool {
	if c.users == nil {
		return false
	}
	u, err := c.users.Get(ctx, userID)
	return err == nil && u.Role == users.RoleAdmin
}

// Authorize returns the device ref names if userID may use it. Control
// additionally requires the device to be ACTIVE.
func (c *Controller) Authorize(ctx context.Context, userID, ref string, control bool) (*Device, error) {
	dev, err := c.store.Device(ctx, ref)
	if err != nil {
		return nil, err
	}
	if control && dev.Status != StatusActive {
		return nil, fmt.Errorf("%s: %w", dev.SerialNumber, ErrInactive)
	}
	if c.isAdmin(ctx, userID) {
		return dev, nil
	}
	if dev.OwnerID == "" {
		return nil, fmt.Errorf("%s: %w", dev.SerialNumber, ErrNotAssigned)
	}
	if dev.OwnerID != userID {
		c.logger.Warn("device access denied", "serial", dev.SerialNumber, "user_id", userID)
		return nil, fmt.Errorf("%s: %w", dev.SerialNumber, ErrForbidden)
	}
	return dev, nil
}

// send publishes cmd to dev, waiting for expectedAck when asked.
func (c *Controller) send(ctx context.Context, dev *Device, cmd map[string]any, expectedAck string, opts []CommandOption) (*CommandResult, error) {
	var o commandOptions
	for _, opt := range opts {
		opt(&o)
	}

	var pending *mqtt.PendingAck
	if o.waitAck && c.acks != nil {
		pending = c.acks.Expect(dev.SerialNumber, expectedAck)
	}
	if err := c.pub.PublishCommand(ctx, dev.SerialNumber, cmd); err != nil {
		if pending != nil {
			c.acks.Cancel(dev.SerialNumber, expectedAck)
		}
		return nil, fmt.Errorf("send %v to %s: %w", cmd["action"], dev.SerialNumber, err)
	}

	res := &CommandResult{Device: dev, Command: cmd, ExpectedAck: expectedAck}
	if pending != nil {
		ack, err := pending.Wait(ctx, c.ackTimeout)
		if err != nil {
			c.logger.Warn("device did not confirm command", "serial", dev.SerialNumber, "ack", expectedAck, "error", err)
			res.AckErr = err
		} else {
			res.Ack = &ack
		}
	}
	return res, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Pump switches the pump on or off manually.
func (c *Controller) Pump(ctx context.Context, userID, ref string, on bool, opts ...CommandOption) (*CommandResult, error) {
	dev, err := c.Authorize(ctx, userID, ref, true)
	if err != nil {
		return nil, err
	}
	soil, err := c.store.LatestSoilMoisture(ctx, dev.ID)
	if err != nil {
		return nil, err
	}

	ev := IrrigationEvent{DeviceID: dev.ID, UserID: userID}
	cmd := map[string]any{"component": "pump", "timestamp": nowMillis()}
	expected := "pump_on"
	if on {
		ev.Type, ev.Status = IrrigationManualOn, EventPending
		ev.SoilMoistureBefore = soil
		cmd["action"] = "turn_on"
	} else {
		now := time.Now().UTC()
		ev.Type, ev.Status = IrrigationManualOff, EventCompleted
		ev.SoilMoistureAfter = soil
		ev.CompletedAt = &now
		cmd["action"] = "turn_off"
		expected = "pump_off"
	}
	saved, err := c.store.CreateIrrigationEvent(ctx, ev)
	if err != nil {
		return nil, err
	}

	res, err := c.send(ctx, dev, cmd, expected, opts)
	if err != nil {
		return nil, err
	}
	res.Irrigation = saved
	c.logger.Info("pump command sent", "serial", dev.SerialNumber, "on", on, "user_id", userID)
	return res, nil
}

// MaxIrrigationSeconds bounds a single duration irrigation.
const MaxIrrigationSeconds = 7200

// Irrigate runs the pump for a fixed number of seconds.
func (c *Controller) Irrigate(ctx context.Context, userID, ref string, seconds int, opts ...CommandOption) (*CommandResult, error) {
	if seconds < 1 || seconds > MaxIrrigationSeconds {
		return nil, fmt.Errorf("%w: duration must be between 1 and %d seconds", ErrInvalidInput, MaxIrrigationSeconds)
	}
	dev, err := c.Authorize(ctx, userID, ref, true)
	if err != nil {
		return nil, err
	}
	soil, err := c.store.LatestSoilMoisture(ctx, dev.ID)
	if err != nil {
		return nil, err
	}
	saved, err := c.store.CreateIrrigationEvent(ctx, IrrigationEvent{
		DeviceID:           dev.ID,
		UserID:             userID,
		Type:               IrrigationDuration,
		Status:             EventPending,
		DurationSeconds:    &seconds,
		SoilMoistureBefore: soil,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.send(ctx, dev, map[string]any{
		"action":    "irrigate",
		"duration":  seconds,
		"timestamp": nowMillis(),
	}, "irrigation_started", opts)
	if err != nil {
		return nil, err
	}
	res.Irrigation = saved
	c.logger.Info("duration irrigation started", "serial", dev.SerialNumber, "seconds", seconds, "user_id", userID)
	return res, nil
}

// Light switches the light. Switching it off also disables the
// automatic light mode, matching what the firmware does.
func (c *Controller) Light(ctx context.Context, userID, ref string, on bool, opts ...CommandOption) (*CommandResult, error) {
	dev, err := c.Authorize(ctx, userID, ref, true)
	if err != nil {
		return nil, err
	}
	action, cmdAction, expected := LightOn, "turn_on_light", "light_on"
	if !on {
		action, cmdAction, expected = LightOff, "turn_off_light", "light_off"
	}
	saved, err := c.store.CreateLightingEvent(ctx, LightingEvent{
		DeviceID: dev.ID,
		UserID:   userID,
		Action:   action,
		Source:   SourceManual,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.send(ctx, dev, map[string]any{"action": cmdAction}, expected, opts)
	if err != nil {
		return nil, err
	}
	res.Lighting = saved

	if !on {
		cfg, err := c.store.AutoConfig(ctx, dev.ID, AutoLighting)
		if err != nil {
			return nil, err
		}
		if cfg.Enabled {
			cfg.Enabled = false
			if err := c.store.SaveAutoConfig(ctx, cfg); err != nil {
				return nil, err
			}
		}
	}
	c.logger.Info("light command sent", "serial", dev.SerialNumber, "on", on, "user_id", userID)
	return res, nil
}

// AutoIrrigationUpdate changes automatic irrigation. Nil fields keep
// their current value.
type AutoIrrigationUpdate struct {
	Enabled         *bool    `json:"enabled"`
	Threshold       *float64 `json:"moistureThreshold"`
	DurationSeconds *int     `json:"irrigationDuration"`
	CooldownSeconds *int     `json:"cooldownPeriod"`
}

func (u AutoIrrigationUpdate) validate() error {
	if u.Threshold != nil && (*u.Threshold < 0 || *u.Threshold > 100) {
		return fmt.Errorf("%w: moistureThreshold must be between 0 and 100", ErrInvalidInput)
	}
	if u.DurationSeconds != nil && (*u.DurationSeconds < 0 || *u.DurationSeconds > MaxIrrigationSeconds) {
		return fmt.Errorf("%w: irrigationDuration must be between 0 and %d", ErrInvalidInput, MaxIrrigationSeconds)
	}
	if u.CooldownSeconds != nil && (*u.CooldownSeconds < 0 || *u.CooldownSeconds > 86400) {
		return fmt.Errorf("%w: cooldownPeriod must be between 0 and 86400", ErrInvalidInput)
	}
	return nil
}

// SetAutoIrrigation saves and pushes the automatic irrigation config.
func (c *Controller) SetAutoIrrigation(ctx context.Context, userID, ref string, u AutoIrrigationUpdate, opts ...CommandOption) (*CommandResult, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}
	dev, err := c.Authorize(ctx, userID, ref, true)
	if err != nil {
		return nil, err
	}
	cfg, err := c.store.AutoConfig(ctx, dev.ID, AutoIrrigation)
	if err != nil {
		return nil, err
	}
	if u.Enabled != nil {
		cfg.Enabled = *u.Enabled
	}
	if u.Threshold != nil {
		cfg.Threshold = *u.Threshold
	}
	if u.DurationSeconds != nil {
		cfg.DurationSeconds = *u.DurationSeconds
	}
	if u.CooldownSeconds != nil {
		cfg.CooldownSeconds = *u.CooldownSeconds
	}
	if err := c.store.SaveAutoConfig(ctx, cfg); err != nil {
		return nil, err
	}

	res, err := c.send(ctx, dev, map[string]any{
		"action":    "set_auto_mode",
		"enabled":   cfg.Enabled,
		"threshold": cfg.Threshold,
		"duration":  cfg.DurationSeconds,
		"cooldown":  cfg.CooldownSeconds,
		"timestamp": nowMillis(),
	}, "auto_mode_updated", opts)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := c.store.CreateIrrigationEvent(ctx, IrrigationEvent{
		DeviceID:    dev.ID,
		UserID:      userID,
		Type:        IrrigationAutoConfig,
		Status:      EventCompleted,
		CompletedAt: &now,
	}); err != nil {
		return nil, err
	}
	res.AutoConfig = &cfg
	return res, nil
}

// AutoLightUpdate changes automatic lighting. Nil fields keep their
// current value.
type AutoLightUpdate struct {
	Enabled   *bool    `json:"enabled"`
	Threshold *float64 `json:"threshold"`
}

// SetAutoLight saves and pushes the automatic lighting config.
func (c *Controller) SetAutoLight(ctx context.Context, userID, ref string, u AutoLightUpdate, opts ...CommandOption) (*CommandResult, error) {
	if u.Threshold != nil && *u.Threshold < 0 {
		return nil, fmt.Errorf("%w: threshold must not be negative", ErrInvalidInput)
	}
	dev, err := c.Authorize(ctx, userID, ref, true)
	if err != nil {
		return nil, err
	}
	cfg, err := c.store.AutoConfig(ctx, dev.ID, AutoLighting)
	if err != nil {
		return nil, err
	}
	if u.Enabled != nil {
		cfg.Enabled = *u.Enabled
	}
	if u.Threshold != nil {
		cfg.Threshold = *u.Threshold
	}
	if err := c.store.SaveAutoConfig(ctx, cfg); err != nil {
		return nil, err
	}

	res, err := c.send(ctx, dev, map[string]any{
		"action":    "set_light_auto",
		"enabled":   cfg.Enabled,
		"threshold": cfg.Threshold,
	}, "light_auto_updated", opts)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.CreateLightingEvent(ctx, LightingEvent{
		DeviceID: dev.ID,
		UserID:   userID,
		Action:   LightAutoConfig,
		Source:   SourceManual,
	}); err != nil {
		return nil, err
	}
	res.AutoConfig = &cfg
	return res, nil
}

// Assign moves a device into one of the user's areas. Unassigned
// devices may be claimed; assigned ones only moved by their owner.
func (c *Controller) Assign(ctx context.Context, userID, ref, areaID string) (*Device, error) {
	dev, err := c.store.Device(ctx, ref)
	if err != nil {
		return nil, err
	}
	area, err := c.areas.GetArea(ctx, areaID)
	if errors.Is(err, farms.ErrNotFound) {
		return nil, fmt.Errorf("%w: area %s not found", ErrInvalidInput, areaID)
	}
	if err != nil {
		return nil, err
	}

	admin := c.isAdmin(ctx, userID)
	if !admin && area.OwnerID != userID {
		return nil, fmt.Errorf("area %s: %w", areaID, ErrForbidden)
	}
	if !admin && dev.OwnerID != "" && dev.OwnerID != userID {
		return nil, fmt.Errorf("%s: %w", dev.SerialNumber, ErrForbidden)
	}
	c.logger.Info("assigning device", "serial", dev.SerialNumber, "area_id", areaID, "user_id", userID)
	return c.store.Assign(ctx, dev.ID, area.ID, area.FarmID, area.OwnerID)
}

// ActivateInput is a technician's on-site activation.
type ActivateInput struct {
	SerialNumber          string `json:"serialNumber"`
	AreaID                string `json:"areaId"`
	InstallationRequestID string `json:"installationRequestId"`
	IsPaid                *bool  `json:"isPaid,omitempty"`
}

// Activate brings an inventory device online in the given area. The
// device must already be registered by serial number.
func (c *Controller) Activate(ctx context.Context, technicianID string, in ActivateInput) (*Device, error) {
	if in.SerialNumber == "" || in.AreaID == "" {
		return nil, fmt.Errorf("%w: serialNumber and areaId are required", ErrInvalidInput)
	}
	if _, err := c.store.Device(ctx, in.SerialNumber); errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", in.SerialNumber, ErrDeviceNotRegistered)
	} else if err != nil {
		return nil, err
	}
	area, err := c.areas.GetArea(ctx, in.AreaID)
	if errors.Is(err, farms.ErrNotFound) {
		return nil, fmt.Errorf("%w: area %s not found", ErrInvalidInput, in.AreaID)
	}
	if err != nil {
		return nil, err
	}

	dev, err := c.store.Activate(ctx, Activation{
		SerialNumber: in.SerialNumber,
		AreaID:       area.ID,
		FarmID:       area.FarmID,
		OwnerID:      area.OwnerID,
		TechnicianID: technicianID,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("device activated", "serial", dev.SerialNumber, "area_id", area.ID, "technician_id", technicianID)
	return dev, nil
}

// Devices lists the user's devices; admins see all of them.
func (c *Controller) Devices(ctx context.Context, userID, farmID string) ([]Device, error) {
	owner := userID
	if c.isAdmin(ctx, userID) {
		owner = ""
	}
	return c.store.Devices(ctx, owner, farmID)
}

// LatestReadings returns the newest samples of the user's devices.
func (c *Controller) LatestReadings(ctx context.Context, userID, areaID string, limit int) ([]SensorData, error) {
	return c.store.LatestReadings(ctx, userID, areaID, limit)
}

// LightingHistory returns the light changes of a device the user may
// see.
func (c *Controller) LightingHistory(ctx context.Context, userID, ref string, limit int) ([]LightingEvent, error) {
	dev, err := c.Authorize(ctx, userID, ref, false)
	if err != nil {
		return nil, err
	}
	return c.store.LightingHistory(ctx, dev.ID, limit)
}

// IrrigationHistory returns the irrigation events of a device the user
// may see.
func (c *Controller) IrrigationHistory(ctx context.Context, userID, ref string, limit int) ([]IrrigationEvent, error) {
	dev, err := c.Authorize(ctx, userID, ref, false)
	if err != nil {
		return nil, err
	}
	return c.store.IrrigationHistory(ctx, dev.ID, limit)
}

// AutoConfig returns a device's automatic mode settings.
func (c *Controller) AutoConfig(ctx context.Context, userID, ref string, kind AutoKind) (AutoConfig, error) {
	dev, err := c.Authorize(ctx, userID, ref, false)
	if err != nil {
		return AutoConfig{}, err
	}
	return c.store.AutoConfig(ctx, dev.ID, kind)
}
