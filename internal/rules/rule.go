// Package rules holds the static threshold rule catalog and the pure
// evaluator that turns a reading into candidate incidents.
package rules

import (
	"fmt"
	"strings"

	"industrial-sentinel/internal/telemetry"
)

// Comparator is a threshold comparison operator.
type Comparator string

const (
	GreaterThan    Comparator = ">"
	GreaterOrEqual Comparator = ">="
	LessThan       Comparator = "<"
	LessOrEqual    Comparator = "<="
	Equal          Comparator = "=="
	NotEqual       Comparator = "!="
)

// Holds reports whether value compared against threshold satisfies c.
func (c Comparator) Holds(value, threshold float64) bool {
	switch c {
	case GreaterThan:
		return value > threshold
	case GreaterOrEqual:
		return value >= threshold
	case LessThan:
		return value < threshold
	case LessOrEqual:
		return value <= threshold
	case Equal:
		return value == threshold
	case NotEqual:
		return value != threshold
	default:
		return false
	}
}

// ParseComparator accepts the symbolic operators and their spelled-out forms.
func ParseComparator(op string) (Comparator, error) {
	switch strings.TrimSpace(strings.ToLower(op)) {
	case ">", "gt", "above", "greater than":
		return GreaterThan, nil
	case ">=", "gte", "at least":
		return GreaterOrEqual, nil
	case "<", "lt", "below", "less than":
		return LessThan, nil
	case "<=", "lte", "at most":
		return LessOrEqual, nil
	case "==", "=", "eq":
		return Equal, nil
	case "!=", "ne":
		return NotEqual, nil
	default:
		return "", fmt.Errorf("unsupported comparator %q", op)
	}
}

// Rule maps a sensor type to a threshold condition and the severity of the
// incident it raises.
type Rule struct {
	ID              string             `yaml:"id" json:"id"`
	SensorType      string             `yaml:"sensorType" json:"sensorType"`
	Comparator      Comparator         `yaml:"comparator" json:"comparator"`
	Threshold       float64            `yaml:"threshold" json:"threshold"`
	Severity        telemetry.Severity `yaml:"severity" json:"severity"`
	MessageTemplate string             `yaml:"messageTemplate" json:"messageTemplate"`
}
