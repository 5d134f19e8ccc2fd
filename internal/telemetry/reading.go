// Package telemetry holds the ingestion domain: raw and validated readings,
// incidents derived from them, and the error taxonomy shared by the writers
// and the gateway.
package telemetry

import "time"

// RawReading is the wire shape accepted on both the HTTP and the queue path.
type RawReading struct {
	MachineID  string     `json:"machineId"`
	SensorType string     `json:"sensorType"`
	Value      *float64   `json:"value"`
	ObservedAt *time.Time `json:"observedAt,omitempty"`
}

// Reading is a validated sensor observation. It is never mutated once built.
type Reading struct {
	ID         string    `json:"id"`
	MachineID  string    `json:"machineId"`
	SensorType string    `json:"sensorType"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observedAt"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// StoredTime normalizes t to what the durable stores keep: UTC with
// microsecond precision. A redelivered reading reloaded from storage then
// compares equal to the result of its first commit.
func StoredTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Severity of an incident.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s == SeverityWarning || s == SeverityCritical
}
