package router

import (
	"context"
	"log/slog"
	"time"
)

const (
	msgFinancialPending = "Chức năng quản lý tài chính đang được phát triển. Vui lòng quay lại sau."
	msgNoAction         = "Intent này không yêu cầu action cụ thể."
)

// ActionResult is the reply to a command-like message. Err carries an
// internal failure the user only sees as Message.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Err     error  `json:"-"`
}

// ActionRouter serves intents answered from farm data and devices.
type ActionRouter struct {
	sensors *sensorHandler
	devices *deviceHandler
	logger  *slog.Logger
}

// NewActionRouter wires the sensor and device handlers. cmd may be nil
// when device control is unavailable.
func NewActionRouter(areas AreaFinder, devices DeviceSource, cmd DeviceCommander, logger *slog.Logger) *ActionRouter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &ActionRouter{
		sensors: &sensorHandler{areas: areas, devices: devices, now: time.Now},
		logger:  logger,
	}
	if cmd != nil {
		a.devices = &deviceHandler{areas: areas, devices: devices, cmd: cmd}
	}
	return a
}

// Route dispatches c to the handler for its intent.
func (a *ActionRouter) Route(ctx context.Context, userID string, c *Classification) ActionResult {
	var res ActionResult
	switch c.Intent {
	case IntentFinancial:
		res = ActionResult{Message: msgFinancialPending}
	case IntentSensor:
		res = a.sensors.handle(ctx, userID, c)
	case IntentDeviceControl:
		if a.devices == nil {
			res = ActionResult{Message: msgDeviceControlFail}
			break
		}
		res = a.devices.handle(ctx, userID, c)
	default:
		res = ActionResult{Message: msgNoAction}
	}
	if res.Err != nil {
		a.logger.Error("action failed", "intent", c.Intent, "user_id", userID, "error", res.Err)
	}
	return res
}
