package rules

import (
	"strconv"
	"strings"

	"industrial-sentinel/internal/telemetry"
)

const defaultTemplate = "{{sensorType}} {{comparator}} {{threshold}} on {{machineId}}: {{value}}"

// Evaluate returns one candidate incident per rule of reading.SensorType
// whose condition holds, in catalog order. It has no side effects.
func Evaluate(catalog *Catalog, reading telemetry.Reading) []telemetry.CandidateIncident {
	if catalog == nil {
		return nil
	}
	var candidates []telemetry.CandidateIncident
	for _, rule := range catalog.byType[normalizeSensorType(reading.SensorType)] {
		if !rule.Comparator.Holds(reading.Value, rule.Threshold) {
			continue
		}
		candidates = append(candidates, telemetry.CandidateIncident{
			RuleID:      rule.ID,
			MachineID:   reading.MachineID,
			Severity:    rule.Severity,
			Description: Render(rule, reading),
		})
	}
	return candidates
}

// Render fills rule.MessageTemplate with values from reading.
func Render(rule Rule, reading telemetry.Reading) string {
	tmpl := rule.MessageTemplate
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	replacer := strings.NewReplacer(
		"{{machineId}}", reading.MachineID,
		"{{sensorType}}", reading.SensorType,
		"{{value}}", formatValue(reading.Value),
		"{{threshold}}", formatValue(rule.Threshold),
		"{{comparator}}", string(rule.Comparator),
		"{{severity}}", string(rule.Severity),
	)
	return replacer.Replace(tmpl)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
