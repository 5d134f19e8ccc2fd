package rules

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"industrial-sentinel/internal/telemetry"
)

// ErrorDetail describes one problem found in a catalog definition.
type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint,omitempty"`
}

// CatalogError lists everything wrong with a catalog definition.
type CatalogError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details"`
}

func (e *CatalogError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Problem)
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(parts, "; "))
}

// Definition is the on-disk shape of a catalog. SensorTypes may list types
// that have no rules yet; readings of those types are accepted and stored.
type Definition struct {
	SensorTypes []string `yaml:"sensorTypes"`
	Rules       []Rule   `yaml:"rules"`
}

// Catalog is an immutable index of rules by sensor type. Build one with
// NewCatalog; never modify it afterwards.
type Catalog struct {
	byType map[string][]Rule
	types  []string
}

// NewCatalog validates def and indexes it.
func NewCatalog(def Definition) (*Catalog, error) {
	var details []ErrorDetail
	byType := map[string][]Rule{}
	for _, st := range def.SensorTypes {
		name := normalizeSensorType(st)
		if name == "" {
			details = append(details, ErrorDetail{Field: "sensorTypes", Problem: "empty entry"})
			continue
		}
		if _, ok := byType[name]; !ok {
			byType[name] = nil
		}
	}
	seen := map[string]struct{}{}
	for i, rule := range def.Rules {
		normalized, ruleDetails := normalizeRule(rule, i)
		details = append(details, ruleDetails...)
		if len(ruleDetails) > 0 {
			continue
		}
		if _, dup := seen[normalized.ID]; dup {
			details = append(details, ErrorDetail{Field: fmt.Sprintf("rules[%d].id", i), Problem: "duplicate", Hint: "rule ids must be unique"})
			continue
		}
		seen[normalized.ID] = struct{}{}
		byType[normalized.SensorType] = append(byType[normalized.SensorType], normalized)
	}
	if len(details) > 0 {
		return nil, &CatalogError{Code: "RULE_CATALOG_INVALID", Message: "rule catalog failed validation", Details: details}
	}
	types := make([]string, 0, len(byType))
	for name := range byType {
		types = append(types, name)
	}
	sort.Strings(types)
	return &Catalog{byType: byType, types: types}, nil
}

func normalizeRule(rule Rule, index int) (Rule, []ErrorDetail) {
	var details []ErrorDetail
	rule.SensorType = normalizeSensorType(rule.SensorType)
	if rule.SensorType == "" {
		details = append(details, ErrorDetail{Field: fmt.Sprintf("rules[%d].sensorType", index), Problem: "missing", Hint: "Example: temperature"})
	}
	cmp, err := ParseComparator(string(rule.Comparator))
	if err != nil {
		details = append(details, ErrorDetail{Field: fmt.Sprintf("rules[%d].comparator", index), Problem: "unsupported", Hint: "Use >, >=, <, <=, == or !="})
	}
	rule.Comparator = cmp
	rule.Severity = telemetry.Severity(strings.ToUpper(strings.TrimSpace(string(rule.Severity))))
	if !rule.Severity.Valid() {
		details = append(details, ErrorDetail{Field: fmt.Sprintf("rules[%d].severity", index), Problem: "invalid", Hint: "WARNING or CRITICAL"})
	}
	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
		details = append(details, ErrorDetail{Field: fmt.Sprintf("rules[%d].threshold", index), Problem: "not a finite number", Hint: "Example: 80.5"})
	}
	if strings.TrimSpace(rule.MessageTemplate) == "" {
		rule.MessageTemplate = defaultTemplate
	}
	if strings.TrimSpace(rule.ID) == "" {
		rule.ID = fmt.Sprintf("%s-%s-%s", rule.SensorType, comparatorSlug(rule.Comparator), formatValue(rule.Threshold))
	}
	return rule, details
}

func comparatorSlug(c Comparator) string {
	switch c {
	case GreaterThan:
		return "gt"
	case GreaterOrEqual:
		return "gte"
	case LessThan:
		return "lt"
	case LessOrEqual:
		return "lte"
	case Equal:
		return "eq"
	case NotEqual:
		return "ne"
	default:
		return "unknown"
	}
}

func normalizeSensorType(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// LoadCatalog reads a YAML catalog definition from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse rule catalog %s: %w", path, err)
	}
	if len(def.Rules) == 0 && len(def.SensorTypes) == 0 {
		return nil, fmt.Errorf("rule catalog %s is empty", path)
	}
	return NewCatalog(def)
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog(Definition{
		SensorTypes: []string{"temperature", "vibration", "pressure"},
		Rules: []Rule{
			{ID: "temperature-critical", SensorType: "temperature", Comparator: GreaterThan, Threshold: 90, Severity: telemetry.SeverityCritical, MessageTemplate: "Critical temperature: {{value}}°C"},
			{ID: "vibration-warning", SensorType: "vibration", Comparator: GreaterThan, Threshold: 80, Severity: telemetry.SeverityWarning, MessageTemplate: "High vibration: {{value}} (limit {{threshold}})"},
			{ID: "vibration-critical", SensorType: "vibration", Comparator: GreaterThan, Threshold: 95, Severity: telemetry.SeverityCritical, MessageTemplate: "Critical vibration: {{value}} (limit {{threshold}})"},
		},
	})
	if err != nil {
		panic(err)
	}
	return catalog
}

// KnowsSensorType reports whether readings of sensorType are accepted.
func (c *Catalog) KnowsSensorType(sensorType string) bool {
	if c == nil {
		return false
	}
	_, ok := c.byType[normalizeSensorType(sensorType)]
	return ok
}

// RulesFor returns the rules registered for sensorType in catalog order.
func (c *Catalog) RulesFor(sensorType string) []Rule {
	rules := c.byType[normalizeSensorType(sensorType)]
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// SensorTypes lists the accepted sensor types, sorted.
func (c *Catalog) SensorTypes() []string {
	out := make([]string, len(c.types))
	copy(out, c.types)
	return out
}

// Len returns the number of rules in the catalog.
func (c *Catalog) Len() int {
	n := 0
	for _, rules := range c.byType {
		n += len(rules)
	}
	return n
}

// Active holds the catalog currently in force. Reload swaps the whole
// catalog; readers always see a complete one.
type Active struct {
	current atomic.Pointer[Catalog]
}

// NewActive wraps catalog.
func NewActive(catalog *Catalog) *Active {
	a := &Active{}
	a.current.Store(catalog)
	return a
}

// Catalog returns the catalog in force.
func (a *Active) Catalog() *Catalog {
	return a.current.Load()
}

// Replace installs catalog and returns the previous one.
func (a *Active) Replace(catalog *Catalog) *Catalog {
	return a.current.Swap(catalog)
}

// KnowsSensorType delegates to the catalog in force.
func (a *Active) KnowsSensorType(sensorType string) bool {
	return a.Catalog().KnowsSensorType(sensorType)
}
