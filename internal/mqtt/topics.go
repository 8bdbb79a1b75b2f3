package mqtt

import "strings"

// Topic catalog. Devices publish on the sensors/ topics; the control
// topics are reserved for backend to device traffic.
const (
	TopicSensorData        = "sensors/+/data"
	TopicSensorStatus      = "sensors/+/status"
	TopicDeviceControl     = "devices/+/control"
	TopicIrrigationControl = "irrigation/+/control"
	TopicPumpControl       = "pump/+/control"
	TopicSystemStatus      = "system/status"
)

// CommandTopic returns the topic a device with the given serial number
// listens on for control commands.
func CommandTopic(serial string) string {
	return "control/" + serial + "/command"
}

// SerialFromTopic extracts the device segment from a two-level
// wildcard topic such as sensors/<serial>/data. It returns "" when the
// topic does not have exactly three levels.
func SerialFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

// Match reports whether topic matches filter using MQTT wildcard
// rules: "+" matches exactly one level and a trailing "#" matches any
// number of remaining levels, including none.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, seg := range f {
		if seg == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
