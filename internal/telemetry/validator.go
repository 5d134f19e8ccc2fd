package telemetry

import (
	"math"
	"strings"
	"time"
)

const maxMachineIDLength = 128

// SensorCatalog answers whether a sensor type has been registered.
type SensorCatalog interface {
	KnowsSensorType(sensorType string) bool
}

// Validator turns raw readings into Readings. It is safe for concurrent use.
type Validator struct {
	catalog SensorCatalog
	maxSkew time.Duration
	now     func() time.Time
}

// NewValidator builds a validator for catalog. A non-positive maxSkew
// disables the future-timestamp check.
func NewValidator(catalog SensorCatalog, maxSkew time.Duration) *Validator {
	return &Validator{catalog: catalog, maxSkew: maxSkew, now: time.Now}
}

// Validate checks raw against the rules below and stops at the first failure.
// receivedAt becomes ObservedAt when the raw reading carries none.
func (v *Validator) Validate(raw RawReading, receivedAt time.Time) (Reading, error) {
	return v.ValidateAgainst(v.catalog, raw, receivedAt)
}

// ValidateAgainst is Validate with the sensor types of catalog instead of
// the one the validator was built with.
func (v *Validator) ValidateAgainst(catalog SensorCatalog, raw RawReading, receivedAt time.Time) (Reading, error) {
	machineID := strings.TrimSpace(raw.MachineID)
	if machineID == "" {
		return Reading{}, &ValidationError{Field: "machineId", Reason: "must not be empty"}
	}
	if len(machineID) > maxMachineIDLength {
		return Reading{}, &ValidationError{Field: "machineId", Reason: "too long"}
	}
	sensorType := strings.ToLower(strings.TrimSpace(raw.SensorType))
	if sensorType == "" {
		return Reading{}, &ValidationError{Field: "sensorType", Reason: "must not be empty"}
	}
	if catalog == nil || !catalog.KnowsSensorType(sensorType) {
		return Reading{}, &ValidationError{Field: "sensorType", Reason: "unknown sensor type " + sensorType}
	}
	if raw.Value == nil {
		return Reading{}, &ValidationError{Field: "value", Reason: "is required"}
	}
	value := *raw.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Reading{}, &ValidationError{Field: "value", Reason: "must be a finite number"}
	}
	if receivedAt.IsZero() {
		receivedAt = v.now()
	}
	receivedAt = StoredTime(receivedAt)
	observedAt := receivedAt
	if raw.ObservedAt != nil && !raw.ObservedAt.IsZero() {
		observedAt = StoredTime(*raw.ObservedAt)
		if v.maxSkew > 0 && observedAt.After(receivedAt.Add(v.maxSkew)) {
			return Reading{}, &ValidationError{Field: "observedAt", Reason: "is in the future"}
		}
	}
	return Reading{
		MachineID:  machineID,
		SensorType: sensorType,
		Value:      value,
		ObservedAt: observedAt,
		ReceivedAt: receivedAt,
	}, nil
}
