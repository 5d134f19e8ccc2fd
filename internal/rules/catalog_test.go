package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"industrial-sentinel/internal/telemetry"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalogFromYAML(t *testing.T) {
	path := writeCatalog(t, `
sensorTypes: [humidity]
rules:
  - id: temp-hot
    sensorType: Temperature
    comparator: above
    threshold: 70
    severity: warning
    messageTemplate: "{{machineId}} running hot at {{value}}"
`)
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !catalog.KnowsSensorType("humidity") || !catalog.KnowsSensorType("TEMPERATURE") {
		t.Fatalf("expected both sensor types, got %v", catalog.SensorTypes())
	}
	rules := catalog.RulesFor("temperature")
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].Comparator != GreaterThan || rules[0].Severity != telemetry.SeverityWarning {
		t.Fatalf("rule not normalized: %+v", rules[0])
	}
	if catalog.Len() != 1 {
		t.Fatalf("expected Len 1, got %d", catalog.Len())
	}
}

func TestLoadCatalogReportsAllProblems(t *testing.T) {
	path := writeCatalog(t, `
rules:
  - id: a
    sensorType: ""
    comparator: "~"
    threshold: 1
    severity: LOW
`)
	_, err := LoadCatalog(path)
	var catErr *CatalogError
	if !errors.As(err, &catErr) {
		t.Fatalf("expected CatalogError, got %v", err)
	}
	if len(catErr.Details) != 3 {
		t.Fatalf("expected 3 details, got %+v", catErr.Details)
	}
	if catErr.Details[0].Field != "rules[0].sensorType" {
		t.Fatalf("unexpected first detail %+v", catErr.Details[0])
	}
}

func TestNewCatalogRejectsDuplicateIDs(t *testing.T) {
	rule := Rule{ID: "x", SensorType: "temperature", Comparator: GreaterThan, Threshold: 1, Severity: telemetry.SeverityWarning}
	_, err := NewCatalog(Definition{Rules: []Rule{rule, rule}})
	var catErr *CatalogError
	if !errors.As(err, &catErr) || catErr.Details[0].Problem != "duplicate" {
		t.Fatalf("expected duplicate detail, got %v", err)
	}
}

func TestNewCatalogGeneratesIDs(t *testing.T) {
	catalog, err := NewCatalog(Definition{Rules: []Rule{{SensorType: "temperature", Comparator: ">=", Threshold: 80.5, Severity: "CRITICAL"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id := catalog.RulesFor("temperature")[0].ID; id != "temperature-gte-80.5" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestLoadCatalogRejectsNonFiniteThreshold(t *testing.T) {
	for _, threshold := range []string{".nan", ".inf", "-.inf"} {
		path := writeCatalog(t, `
rules:
  - sensorType: temperature
    comparator: ">"
    threshold: `+threshold+`
    severity: WARNING
`)
		_, err := LoadCatalog(path)
		var catErr *CatalogError
		if !errors.As(err, &catErr) {
			t.Fatalf("threshold %s: expected CatalogError, got %v", threshold, err)
		}
		if len(catErr.Details) != 1 || catErr.Details[0].Field != "rules[0].threshold" {
			t.Fatalf("threshold %s: unexpected details %+v", threshold, catErr.Details)
		}
	}
}

func TestLoadCatalogEmptyAndMissing(t *testing.T) {
	if _, err := LoadCatalog(writeCatalog(t, "rules: []\n")); err == nil {
		t.Fatalf("expected error for empty catalog")
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestRulesForReturnsCopy(t *testing.T) {
	catalog := DefaultCatalog()
	rules := catalog.RulesFor("vibration")
	rules[0].Threshold = 0
	if catalog.RulesFor("vibration")[0].Threshold != 80 {
		t.Fatalf("catalog mutated through RulesFor")
	}
}

func TestActiveReplace(t *testing.T) {
	active := NewActive(DefaultCatalog())
	if active.KnowsSensorType("humidity") {
		t.Fatalf("humidity should be unknown")
	}
	next, err := NewCatalog(Definition{SensorTypes: []string{"humidity"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prev := active.Replace(next)
	if prev == nil || !prev.KnowsSensorType("temperature") {
		t.Fatalf("expected previous catalog back")
	}
	if !active.KnowsSensorType("humidity") || active.KnowsSensorType("temperature") {
		t.Fatalf("replacement not in force")
	}
}
