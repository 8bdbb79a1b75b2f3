// Package events fans operational events out to live subscribers. The
// MQTT ingestor publishes sensor readings and device status here, and
// the /ws/sensors websocket handler streams them to browsers. A nil
// *Bus accepts Publish as a no-op so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceIoT    = "iot"
	SourceMQTT   = "mqtt"
	SourceChat   = "chat"
	SourceRouter = "router"
)

// Kinds.
const (
	// KindSensorReading carries a stored reading.
	// Data: device_id, serial, owner_id, temperature, humidity,
	// soil_moisture, light_level.
	KindSensorReading = "sensor_reading"
	// KindDeviceStatus carries a status event reported by a device.
	// Data: device_id, serial, owner_id, event, pump_on, light_on.
	KindDeviceStatus = "device_status"
	// KindCommandSent signals a control command published to a device.
	// Data: serial, action.
	KindCommandSent = "command_sent"
	// KindConnection signals a broker connection change.
	// Data: state (up|down).
	KindConnection = "connection"
	// KindMessageRouted signals a chat message passed through the
	// router. Data: request_id, intent, layer, confidence, elapsed_ms.
	KindMessageRouted = "message_routed"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// OwnerID returns Data["owner_id"] as a string, or "".
func (e Event) OwnerID() string {
	s, _ := e.Data["owner_id"].(string)
	return s
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses events; publishers never wait.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with buffer space. A zero
// Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Repeated
// calls are no-ops.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
