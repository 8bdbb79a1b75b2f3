// Package iot holds the device registry, the telemetry and event
// history of ESP32 controllers, the ingestion of their MQTT traffic,
// and the commands users send them.
package iot

import (
	"errors"
	"time"
)

// DeviceType classifies hardware.
type DeviceType string

// Device types.
const (
	DeviceSensorNode DeviceType = "SENSOR_NODE"
	DeviceController DeviceType = "CONTROLLER"
	DeviceGateway    DeviceType = "GATEWAY"
)

// DeviceStatus is the provisioning state of a device. Devices enter
// inventory PENDING and only a technician activation makes them
// ACTIVE.
type DeviceStatus string

// Device states.
const (
	StatusPending  DeviceStatus = "PENDING"
	StatusActive   DeviceStatus = "ACTIVE"
	StatusInactive DeviceStatus = "INACTIVE"
)

// Errors.
var (
	ErrNotFound            = errors.New("device not found")
	ErrDeviceNotRegistered = errors.New("device not registered")
	ErrForbidden           = errors.New("device belongs to another user")
	ErrInactive            = errors.New("device is not active")
	ErrNotAssigned         = errors.New("device is not assigned to a farm")
	ErrSerialTaken         = errors.New("serial number already registered")
	ErrAlreadyActivated    = errors.New("device already activated for another farmer")
	ErrInvalidInput        = errors.New("invalid input")
)

// Device is a registered ESP32 unit.
type Device struct {
	ID           string       `json:"id"`
	SerialNumber string       `json:"serialNumber"`
	Name         string       `json:"name"`
	Type         DeviceType   `json:"type"`
	Status       DeviceStatus `json:"status"`
	IsActive     bool         `json:"isActive"`
	// OwnerID is the farmer that owns the device, through its area's
	// farm when assigned and the owner column otherwise.
	OwnerID     string     `json:"ownerId,omitempty"`
	FarmID      string     `json:"farmId,omitempty"`
	AreaID      string     `json:"areaId,omitempty"`
	AreaName    string     `json:"areaName,omitempty"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	ActivatedBy string     `json:"activatedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// SensorData is one telemetry sample. Absent measurements are nil.
type SensorData struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"deviceId"`
	SerialNumber string    `json:"serialNumber,omitempty"`
	DeviceName   string    `json:"deviceName,omitempty"`
	AreaName     string    `json:"areaName,omitempty"`
	Temperature  *float64  `json:"temperature"`
	Humidity     *float64  `json:"humidity"`
	SoilMoisture *float64  `json:"soilMoisture"`
	LightLevel   *float64  `json:"lightLevel"`
	Timestamp    time.Time `json:"timestamp"`
}

// IrrigationType says what started an irrigation event.
type IrrigationType string

// Irrigation event types.
const (
	IrrigationManualOn   IrrigationType = "manual_on"
	IrrigationManualOff  IrrigationType = "manual_off"
	IrrigationDuration   IrrigationType = "duration"
	IrrigationAuto       IrrigationType = "auto"
	IrrigationAutoConfig IrrigationType = "auto_config_update"
)

// EventStatus is the lifecycle of an irrigation event.
type EventStatus string

// Event states.
const (
	EventPending   EventStatus = "pending"
	EventRunning   EventStatus = "running"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
	EventCancelled EventStatus = "cancelled"
)

// IrrigationEvent records one pump run or configuration change.
type IrrigationEvent struct {
	ID                 string         `json:"id"`
	DeviceID           string         `json:"deviceId"`
	UserID             string         `json:"userId,omitempty"`
	Type               IrrigationType `json:"type"`
	Status             EventStatus    `json:"status"`
	DurationSeconds    *int           `json:"plannedDuration,omitempty"`
	SoilMoistureBefore *float64       `json:"soilMoistureBefore,omitempty"`
	SoilMoistureAfter  *float64       `json:"soilMoistureAfter,omitempty"`
	ActualDuration     *int           `json:"actualDuration,omitempty"`
	ErrorMessage       string         `json:"errorMessage,omitempty"`
	StartedAt          *time.Time     `json:"startTime,omitempty"`
	CompletedAt        *time.Time     `json:"endTime,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// Lighting event actions and sources.
const (
	LightOn         = "on"
	LightOff        = "off"
	LightAutoConfig = "auto_config_update"

	SourceManual = "manual"
	SourceAuto   = "auto"
	SourceDevice = "device"
)

// LightingEvent records a light switch or configuration change.
type LightingEvent struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	UserID     string    `json:"userId,omitempty"`
	Action     string    `json:"action"`
	Source     string    `json:"source"`
	LightLevel *float64  `json:"lightLevel,omitempty"`
	CreatedAt  time.Time `json:"timestamp"`
}

// AutoKind selects which automatic mode a config drives.
type AutoKind string

// Auto modes.
const (
	AutoIrrigation AutoKind = "irrigation"
	AutoLighting   AutoKind = "lighting"
)

// AutoConfig is the automatic mode the device runs on its own.
// Threshold is soil moisture percent for irrigation and lux for
// lighting.
type AutoConfig struct {
	DeviceID        string    `json:"deviceId"`
	Kind            AutoKind  `json:"kind"`
	Enabled         bool      `json:"enabled"`
	Threshold       float64   `json:"threshold"`
	DurationSeconds int       `json:"duration,omitempty"`
	CooldownSeconds int       `json:"cooldown,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DefaultAutoConfig returns the settings a device starts with.
func DefaultAutoConfig(deviceID string, kind AutoKind) AutoConfig {
	if kind == AutoLighting {
		return AutoConfig{DeviceID: deviceID, Kind: kind, Threshold: 100}
	}
	return AutoConfig{
		DeviceID:        deviceID,
		Kind:            AutoIrrigation,
		Threshold:       30,
		DurationSeconds: 600,
		CooldownSeconds: 3600,
	}
}
