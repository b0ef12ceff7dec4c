// Package schema defines the wire-level data types that flow through the
// message bus, and the MessagePack codec used to (de)serialize them.
package schema

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// SensorType enumerates the IoT sensor kinds the pipeline understands.
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorHumidity    SensorType = "humidity"
	SensorPressure    SensorType = "pressure"
)

func (s SensorType) valid() bool {
	switch s {
	case SensorTemperature, SensorHumidity, SensorPressure:
		return true
	}
	return false
}

// ActivityEventType enumerates the user-activity event kinds.
type ActivityEventType string

const (
	EventPageView ActivityEventType = "page_view"
	EventClick    ActivityEventType = "click"
	EventPurchase ActivityEventType = "purchase"
)

func (e ActivityEventType) valid() bool {
	switch e {
	case EventPageView, EventClick, EventPurchase:
		return true
	}
	return false
}

// SensorReading is a single IoT measurement, partitioned on DeviceID.
type SensorReading struct {
	DeviceID   string     `msgpack:"device_id" json:"device_id"`
	SensorType SensorType `msgpack:"sensor_type" json:"sensor_type"`
	Value      float64    `msgpack:"value" json:"value"`
	Unit       string     `msgpack:"unit" json:"unit"`
	Timestamp  float64    `msgpack:"timestamp" json:"timestamp"`
	Location   string     `msgpack:"location" json:"location"`
}

// Validate enforces the wire-level invariants: bounded sensor_type, positive timestamp.
func (r *SensorReading) Validate() error {
	if !r.SensorType.valid() {
		return fmt.Errorf("invalid sensor_type %q", r.SensorType)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be > 0, got %f", r.Timestamp)
	}
	if r.DeviceID == "" {
		return fmt.Errorf("device_id must not be empty")
	}
	return nil
}

// PartitionKey returns the routing key for the bus (device_id).
func (r *SensorReading) PartitionKey() string { return r.DeviceID }

// ActivityEvent is a single user-activity event, partitioned on UserID.
type ActivityEvent struct {
	SessionID string            `msgpack:"session_id" json:"session_id"`
	UserID    string            `msgpack:"user_id" json:"user_id"`
	EventType ActivityEventType `msgpack:"event_type" json:"event_type"`
	Page      string            `msgpack:"page" json:"page"`
	Value     *float64          `msgpack:"value,omitempty" json:"value,omitempty"`
	Timestamp float64           `msgpack:"timestamp" json:"timestamp"`
}

// Validate enforces the wire-level invariants: bounded event_type, value required
// iff event_type is purchase.
func (e *ActivityEvent) Validate() error {
	if !e.EventType.valid() {
		return fmt.Errorf("invalid event_type %q", e.EventType)
	}
	if e.EventType == EventPurchase && e.Value == nil {
		return fmt.Errorf("value is required when event_type is purchase")
	}
	if e.UserID == "" {
		return fmt.Errorf("user_id must not be empty")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be > 0, got %f", e.Timestamp)
	}
	return nil
}

// PartitionKey returns the routing key for the bus (user_id).
func (e *ActivityEvent) PartitionKey() string { return e.UserID }

// DecodeSensorReading unpacks a MessagePack value into a SensorReading and
// validates it.
func DecodeSensorReading(raw []byte) (*SensorReading, error) {
	var r SensorReading
	if err := msgpack.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode sensor reading: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// DecodeActivityEvent unpacks a MessagePack value into an ActivityEvent and
// validates it.
func DecodeActivityEvent(raw []byte) (*ActivityEvent, error) {
	var e ActivityEvent
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode activity event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// EncodeSensorReading packs a SensorReading into MessagePack bytes. Used by
// tests to build synthetic wire payloads without a live producer.
func EncodeSensorReading(r *SensorReading) ([]byte, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode sensor reading: %w", err)
	}
	return b, nil
}

// EncodeActivityEvent packs an ActivityEvent into MessagePack bytes. Used by
// tests to build synthetic wire payloads without a live producer.
func EncodeActivityEvent(e *ActivityEvent) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode activity event: %w", err)
	}
	return b, nil
}

// ToMap converts arbitrary MessagePack-decodable bytes into a generic map,
// without decoding into a concrete type. The consumer does not use it: it
// dispatches on the topic name and handlers decode the concrete type.
func ToMap(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode generic map: %w", err)
	}
	return m, nil
}
