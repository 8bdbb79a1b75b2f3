// Package mqtt bridges the backend to the farm's ESP32 devices over an
// MQTT broker.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// subscribes to the sensor data and sensor status topics and publishes
// a retained "online" birth message on [TopicSystemStatus]. A retained
// will message flips that topic to "offline" on unexpected
// disconnects.
//
// Inbound messages pass a per-interval rate limiter and are dispatched
// to every [MessageHandler] whose filter matches the topic. Control
// commands go out on control/<serial>/command carrying the shared
// device secret; devices confirm them with a status event that the
// [AckTracker] matches back to the waiting caller.
package mqtt
