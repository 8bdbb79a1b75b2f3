package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/iot"
)

// DeviceCommander sends commands to a user's devices.
type DeviceCommander interface {
	Pump(ctx context.Context, userID, ref string, on bool, opts ...iot.CommandOption) (*iot.CommandResult, error)
	Irrigate(ctx context.Context, userID, ref string, seconds int, opts ...iot.CommandOption) (*iot.CommandResult, error)
	Light(ctx context.Context, userID, ref string, on bool, opts ...iot.CommandOption) (*iot.CommandResult, error)
	SetAutoIrrigation(ctx context.Context, userID, ref string, u iot.AutoIrrigationUpdate, opts ...iot.CommandOption) (*iot.CommandResult, error)
}

type deviceKind string

const (
	kindPump  deviceKind = "pump"
	kindLight deviceKind = "light"
)

var deviceTypeMap = map[string]deviceKind{
	"tưới":                kindPump,
	"bơm":                 kindPump,
	"máy bơm":             kindPump,
	"máy tưới":            kindPump,
	"bơm nước":            kindPump,
	"hệ thống tưới":       kindPump,
	"tưới tự động":        kindPump,
	"chế độ tưới":         kindPump,
	"chế độ tưới tự động": kindPump,
	"đèn":                 kindLight,
	"bóng đèn":            kindLight,
	"đèn chiếu sáng":      kindLight,
}

var (
	onKeywords     = []string{"bật", "mở", "khởi động", "start", "on", "kích hoạt"}
	offKeywords    = []string{"tắt", "dừng", "ngừng", "stop", "off", "huỷ", "hủy", "vô hiệu hóa"}
	autoKeywords   = []string{"tự động", "auto", "lịch", "hẹn giờ"}
	configKeywords = []string{"cài đặt", "thiết lập", "chỉnh", "ngưỡng"}
)

const (
	msgUseDashboard      = "Vui lòng sử dụng Bảng điều khiển tại Farm Dashboard để thao tác chính xác hơn."
	msgUnknownDevice     = "Vui lòng sử dụng Bảng điều khiển tại Farm Dashboard để thao tác."
	msgAutoConfig        = "Vui lòng sử dụng Farm Dashboard để thay đổi các thông số tưới tự động (ngưỡng ẩm, thời gian tưới...)."
	msgAckTimeout        = "⚠️ Không nhận được phản hồi từ thiết bị. Vui lòng kiểm tra kết nối hoặc thử lại sau."
	msgDeviceControlFail = "Không thể điều khiển thiết bị. Vui lòng thử lại."
)

// deviceHandler turns "bật máy bơm khu A trong 5 phút" into a device
// command and reports the device's acknowledgement.
type deviceHandler struct {
	areas   AreaFinder
	devices DeviceSource
	cmd     DeviceCommander
}

// deviceCommand is what was understood from the message.
type deviceCommand struct {
	Kind     deviceKind `json:"deviceType"`
	Action   string     `json:"action"`
	Area     string     `json:"area"`
	Duration int        `json:"duration,omitempty"`
	Auto     bool       `json:"auto,omitempty"`
}

func (h *deviceHandler) handle(ctx context.Context, userID string, c *Classification) ActionResult {
	devEnt, ok := c.Entity(EntityDeviceName)
	if !ok {
		return ActionResult{Message: msgUseDashboard}
	}
	areaEnt, ok := c.Entity(EntityFarmArea)
	if !ok {
		return ActionResult{Message: msgUseDashboard}
	}
	kind, ok := deviceTypeMap[strings.TrimSpace(devEnt.Value)]
	if !ok {
		return ActionResult{Message: msgUnknownDevice}
	}
	action := detectAction(c.Normalized)
	if action == "" {
		return ActionResult{Message: msgUseDashboard}
	}

	cmd := deviceCommand{Kind: kind, Action: action, Area: areaEnt.Value}
	if e, ok := c.Entity(EntityDuration); ok {
		cmd.Duration = ParseDuration(e.Value)
	} else if e, ok := c.Entity(EntityDate); ok {
		cmd.Duration = ParseDuration(e.Raw)
	}

	area, err := h.areas.FindArea(ctx, userID, areaEnt.Value)
	if errors.Is(err, farms.ErrNotFound) {
		return ActionResult{Message: fmt.Sprintf(
			"Không tìm thấy khu vực \"%s\" hoặc bạn không có quyền truy cập. Vui lòng sử dụng Bảng điều khiển tại Farm Dashboard để thao tác.",
			areaEnt.Value)}
	}
	if err != nil {
		return ActionResult{Message: msgDeviceControlFail, Err: err}
	}
	cmd.Area = area.Name

	dev, err := h.devices.ControllerInArea(ctx, area.ID)
	if errors.Is(err, iot.ErrNotFound) {
		name := "đèn"
		if kind == kindPump {
			name = "máy bơm"
		}
		return ActionResult{Message: fmt.Sprintf(
			"Không tìm thấy %s trong khu vực \"%s\" hoặc bạn không có quyền điều khiển. Vui lòng sử dụng Bảng điều khiển tại Farm Dashboard để thao tác.",
			name, area.Name)}
	}
	if err != nil {
		return ActionResult{Message: msgDeviceControlFail, Err: err}
	}

	auto := containsAny(c.Normalized, autoKeywords)
	if auto && containsAny(c.Normalized, configKeywords) {
		return ActionResult{Message: msgAutoConfig, Data: cmd}
	}
	cmd.Auto = auto && kind == kindPump

	res, err := h.execute(ctx, userID, dev.ID, cmd)
	switch {
	case errors.Is(err, iot.ErrInvalidInput):
		return ActionResult{Message: "⚠️ " + err.Error(), Data: cmd}
	case errors.Is(err, iot.ErrForbidden), errors.Is(err, iot.ErrInactive), errors.Is(err, iot.ErrNotAssigned):
		return ActionResult{Message: msgUnknownDevice, Data: cmd}
	case err != nil:
		return ActionResult{Message: msgDeviceControlFail, Data: cmd, Err: err}
	}

	switch {
	case res.Confirmed():
		return ActionResult{Success: true, Message: commandReply(cmd), Data: cmd}
	case res.Ack != nil:
		reason := res.Ack.Message
		if reason == "" {
			reason = "Không thể thực thi lệnh"
		}
		return ActionResult{Message: "⚠️ Thiết bị báo lỗi: " + reason, Data: cmd}
	}
	return ActionResult{Message: msgAckTimeout, Data: cmd}
}

func (h *deviceHandler) execute(ctx context.Context, userID, ref string, cmd deviceCommand) (*iot.CommandResult, error) {
	on := cmd.Action == "on"
	wait := iot.WaitForAck()
	switch {
	case cmd.Auto:
		return h.cmd.SetAutoIrrigation(ctx, userID, ref, iot.AutoIrrigationUpdate{Enabled: &on}, wait)
	case cmd.Kind == kindPump && on && cmd.Duration > 0:
		return h.cmd.Irrigate(ctx, userID, ref, cmd.Duration, wait)
	case cmd.Kind == kindPump:
		return h.cmd.Pump(ctx, userID, ref, on, wait)
	}
	return h.cmd.Light(ctx, userID, ref, on, wait)
}

// detectAction looks for an "on" keyword first, then an "off" keyword.
func detectAction(norm string) string {
	switch {
	case containsAny(norm, onKeywords):
		return "on"
	case containsAny(norm, offKeywords):
		return "off"
	}
	return ""
}

func commandReply(cmd deviceCommand) string {
	if cmd.Auto {
		if cmd.Action == "on" {
			return "Đã bật chế độ tưới tự động cho " + cmd.Area
		}
		return "Đã tắt chế độ tưới tự động cho " + cmd.Area
	}
	if cmd.Kind == kindPump {
		switch {
		case cmd.Action == "on" && cmd.Duration > 0:
			return fmt.Sprintf("Đã bật tưới %s trong %s. Bạn có thể theo dõi lịch sử tưới tiêu trong trang điều khiển !",
				cmd.Area, FormatDuration(cmd.Duration))
		case cmd.Action == "on":
			return "Đã bật tưới " + cmd.Area
		}
		return "Đã tắt tưới " + cmd.Area
	}
	if cmd.Action == "on" {
		return "Đã bật đèn " + cmd.Area
	}
	return "Đã tắt đèn " + cmd.Area
}
