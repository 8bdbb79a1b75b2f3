package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/iot"
)

// Reading fields a sensor question can ask about.
const (
	MetricTemperature  = "temperature"
	MetricHumidity     = "humidity"
	MetricSoilMoisture = "soilMoisture"
	MetricLight        = "lightLevel"
)

var metricLabels = map[string]string{
	MetricTemperature:  "Nhiệt độ",
	MetricHumidity:     "Độ ẩm không khí",
	MetricSoilMoisture: "Độ ẩm đất",
	MetricLight:        "Ánh sáng",
}

var metricUnits = map[string]string{
	MetricTemperature:  "°C",
	MetricHumidity:     "%",
	MetricSoilMoisture: "%",
	MetricLight:        " lux",
}

const (
	staleAfter     = 10 * time.Minute
	offlineAfter   = time.Hour
	maxSummaryArea = 3

	msgSensorFailure  = "Xin lỗi, tôi gặp sự cố khi lấy dữ liệu cảm biến. Vui lòng thử lại sau."
	msgNoActiveSensor = "Trang trại của bạn chưa có thiết bị cảm biến nào đang hoạt động."
	msgNoReport       = "Không tìm thấy dữ liệu cảm biến nào."
)

// AreaFinder resolves a user's farm areas.
type AreaFinder interface {
	FindArea(ctx context.Context, userID, name string) (*farms.Area, error)
	FarmByUser(ctx context.Context, userID string) (*farms.Farm, error)
	Areas(ctx context.Context, farmID string) ([]farms.Area, error)
}

// DeviceSource lists devices and their readings.
type DeviceSource interface {
	DevicesByArea(ctx context.Context, areaID string) ([]iot.Device, error)
	ControllerInArea(ctx context.Context, areaID string) (*iot.Device, error)
	LatestReadings(ctx context.Context, ownerID, areaID string, limit int) ([]iot.SensorData, error)
}

// sensorHandler answers questions about the latest sensor readings.
type sensorHandler struct {
	areas   AreaFinder
	devices DeviceSource
	now     func() time.Time
}

func (h *sensorHandler) handle(ctx context.Context, userID string, c *Classification) ActionResult {
	var metric string
	if e, ok := c.Entity(EntityMetric); ok {
		metric = metricNames[e.Value]
	}

	var (
		res ActionResult
		err error
	)
	if e, ok := c.Entity(EntityFarmArea); ok {
		res, err = h.areaReport(ctx, userID, e.Value, metric)
	} else {
		res, err = h.farmReport(ctx, userID, metric)
	}
	if err != nil {
		return ActionResult{Message: msgSensorFailure, Err: err}
	}
	return res
}

func (h *sensorHandler) areaReport(ctx context.Context, userID, name, metric string) (ActionResult, error) {
	area, err := h.areas.FindArea(ctx, userID, name)
	if errors.Is(err, farms.ErrNotFound) {
		return ActionResult{Message: fmt.Sprintf("Tôi không tìm thấy khu vực \"%s\". Vui lòng kiểm tra lại tên khu vực.", name)}, nil
	}
	if err != nil {
		return ActionResult{}, err
	}

	active, err := h.hasActiveSensor(ctx, area.ID)
	if err != nil {
		return ActionResult{}, err
	}
	if !active {
		return ActionResult{Message: fmt.Sprintf("Khu vực \"%s\" hiện chưa có thiết bị cảm biến nào đang hoạt động.", area.Name)}, nil
	}

	latest, err := h.latest(ctx, userID, area.ID)
	if err != nil {
		return ActionResult{}, err
	}
	if latest == nil {
		return ActionResult{Message: fmt.Sprintf("Hiện tại chưa có dữ liệu cảm biến từ khu vực \"%s\".", area.Name)}, nil
	}

	age := h.now().Sub(latest.Timestamp)
	minutes := int(age / time.Minute)
	ago := timeAgo(minutes)
	stale := age > staleAfter
	data := map[string]any{"area": area.Name, "minutesAgo": minutes, "isStale": stale}

	if metric != "" {
		v := metricValue(latest, metric)
		if v == nil {
			return ActionResult{Message: fmt.Sprintf("Không có dữ liệu về %s tại khu vực \"%s\".", metricLabels[metric], area.Name)}, nil
		}
		data["metric"], data["value"] = metric, *v
		value := formatNumber(*v) + metricUnits[metric]
		var msg string
		switch {
		case age > offlineAfter:
			msg = fmt.Sprintf("⚠️ Thiết bị tại %s có thể đã offline. Dữ liệu cuối cùng (%s) cho thấy %s là %s. Vui lòng kiểm tra kết nối thiết bị.",
				area.Name, ago, metricLabels[metric], value)
		case stale:
			msg = fmt.Sprintf("%s tại %s là %s (cập nhật %s). Lưu ý: Dữ liệu có thể không còn chính xác.",
				metricLabels[metric], area.Name, value, ago)
		default:
			msg = fmt.Sprintf("%s tại %s hiện tại là %s.", metricLabels[metric], area.Name, value)
		}
		return ActionResult{Success: true, Message: msg, Data: data}, nil
	}

	parts := summaryParts(latest)
	if len(parts) == 0 {
		return ActionResult{Message: fmt.Sprintf("Dữ liệu cảm biến tại khu vực \"%s\" không đầy đủ.", area.Name)}, nil
	}
	data["reading"] = latest
	list := "- " + strings.Join(parts, "\n- ")
	var msg string
	switch {
	case age > offlineAfter:
		msg = fmt.Sprintf("⚠️ Thiết bị tại %s có thể đã offline. Dữ liệu cuối cùng (%s):\n%s\n\nVui lòng kiểm tra kết nối thiết bị.", area.Name, ago, list)
	case stale:
		msg = fmt.Sprintf("Thông số môi trường tại %s (cập nhật %s):\n%s\n\nLưu ý: Dữ liệu có thể không còn chính xác.", area.Name, ago, list)
	default:
		msg = fmt.Sprintf("Thông số môi trường tại %s:\n%s", area.Name, list)
	}
	return ActionResult{Success: true, Message: msg, Data: data}, nil
}

func (h *sensorHandler) farmReport(ctx context.Context, userID, metric string) (ActionResult, error) {
	farm, err := h.areas.FarmByUser(ctx, userID)
	if errors.Is(err, farms.ErrNotFound) {
		return ActionResult{Message: msgNoActiveSensor}, nil
	}
	if err != nil {
		return ActionResult{}, err
	}
	areas, err := h.areas.Areas(ctx, farm.ID)
	if err != nil {
		return ActionResult{}, err
	}

	var active []farms.Area
	for _, a := range areas {
		ok, err := h.hasActiveSensor(ctx, a.ID)
		if err != nil {
			return ActionResult{}, err
		}
		if ok {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return ActionResult{Message: msgNoActiveSensor}, nil
	}
	if len(active) > maxSummaryArea && metric == "" {
		return ActionResult{Message: fmt.Sprintf("Bạn có %d khu vực đang hoạt động. Vui lòng hỏi cụ thể khu vực nào để tôi báo cáo chi tiết hơn.", len(active))}, nil
	}

	var lines []string
	for _, a := range active {
		latest, err := h.latest(ctx, userID, a.ID)
		if err != nil {
			return ActionResult{}, err
		}
		if latest == nil {
			continue
		}
		if metric != "" {
			if v := metricValue(latest, metric); v != nil {
				lines = append(lines, fmt.Sprintf("- %s: %s%s", a.Name, formatNumber(*v), metricUnits[metric]))
			}
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s°C, %s%%",
			a.Name, formatOptional(latest.Temperature), formatOptional(latest.Humidity)))
	}
	if len(lines) == 0 {
		return ActionResult{Message: msgNoReport}, nil
	}

	label := "Thông số"
	if metric != "" {
		label = metricLabels[metric]
	}
	return ActionResult{
		Success: true,
		Message: fmt.Sprintf("Báo cáo %s hiện tại:\n%s", strings.ToLower(label), strings.Join(lines, "\n")),
		Data:    map[string]any{"areas": len(active)},
	}, nil
}

func (h *sensorHandler) hasActiveSensor(ctx context.Context, areaID string) (bool, error) {
	devs, err := h.devices.DevicesByArea(ctx, areaID)
	if err != nil {
		return false, err
	}
	for _, d := range devs {
		if d.Type == iot.DeviceSensorNode && d.Status == iot.StatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (h *sensorHandler) latest(ctx context.Context, userID, areaID string) (*iot.SensorData, error) {
	rs, err := h.devices.LatestReadings(ctx, userID, areaID, 1)
	if err != nil || len(rs) == 0 {
		return nil, err
	}
	return &rs[0], nil
}

func metricValue(r *iot.SensorData, metric string) *float64 {
	switch metric {
	case MetricTemperature:
		return r.Temperature
	case MetricHumidity:
		return r.Humidity
	case MetricSoilMoisture:
		return r.SoilMoisture
	case MetricLight:
		return r.LightLevel
	}
	return nil
}

func summaryParts(r *iot.SensorData) []string {
	var parts []string
	if r.Temperature != nil {
		parts = append(parts, "Nhiệt độ: "+formatNumber(*r.Temperature)+"°C")
	}
	if r.Humidity != nil {
		parts = append(parts, "Độ ẩm: "+formatNumber(*r.Humidity)+"%")
	}
	if r.SoilMoisture != nil {
		parts = append(parts, "Độ ẩm đất: "+formatNumber(*r.SoilMoisture)+"%")
	}
	if r.LightLevel != nil {
		parts = append(parts, "Ánh sáng: "+formatNumber(*r.LightLevel)+" lux")
	}
	return parts
}

func timeAgo(minutes int) string {
	switch {
	case minutes < 60:
		return fmt.Sprintf("%d phút trước", minutes)
	case minutes < 1440:
		return fmt.Sprintf("%d giờ trước", minutes/60)
	}
	return fmt.Sprintf("%d ngày trước", minutes/1440)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatNumber(*v)
}
