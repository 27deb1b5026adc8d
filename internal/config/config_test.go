package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"deliverline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cat := cfg.Catalog()
	def := domain.DefaultCatalog()
	if len(cat.All) != len(def.All) || len(cat.Technical) != len(def.Technical) {
		t.Fatalf("catalog %+v differs from default %+v", cat, def)
	}
	if cat.GeneralManagement != def.GeneralManagement || cat.TechnicalDirection != def.TechnicalDirection {
		t.Fatalf("special departments differ: %+v", cat)
	}
	if len(cfg.Scan.Rules) != 5 || len(cfg.Scan.DateLayouts) != 4 {
		t.Fatalf("scan defaults: %d rules, %d layouts", len(cfg.Scan.Rules), len(cfg.Scan.DateLayouts))
	}
	if cfg.DefaultDeadline().Hours() != 7*24 {
		t.Fatalf("default deadline %s", cfg.DefaultDeadline())
	}
}

func TestFromYAMLOverridesSections(t *testing.T) {
	cfg, err := FromYAML([]byte("deliverables:\n  delete_policy: unconditional\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Deliverables.DeletePolicy != DeletePolicyUnconditional {
		t.Fatalf("delete policy %q", cfg.Deliverables.DeletePolicy)
	}
	if len(cfg.Departments.All) == 0 {
		t.Fatalf("departments default lost")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown technical": "departments:\n  technical: [Space]\n",
		"bad policy":        "deliverables:\n  delete_policy: never\n",
		"bad pattern":       "scan:\n  date_layouts:\n    - pattern: '('\n      layout: '2006'\n",
		"empty keyword":     "scan:\n  rules:\n    - department: Sales\n      keywords: ['']\n",
		"webhook url":       "webhooks:\n  - events: [deliverable.created]\n",
		"zero deadline":     "scan:\n  default_deadline_days: 0\n",
		"zero burst":        "server:\n  rate_limit:\n    per_second: 5\n    burst: 0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRateLimitDisabledAllowsZeroBurst(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  rate_limit:\n    per_second: 0\n    burst: 0\n"))
	if err != nil {
		t.Fatalf("disabled rate limit: %v", err)
	}
	if cfg.Server.RateLimit.PerSecond != 0 || cfg.Server.RateLimit.Burst != 0 {
		t.Fatalf("rate limit %+v", cfg.Server.RateLimit)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file: cfg=%v err=%v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("load missing: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "deliverline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: cfg=%v err=%v", cfg, err)
	}
	out, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := FromYAML(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Scan.Rules[1].Department != "Marketing" {
		t.Fatalf("rules changed: %+v", again.Scan.Rules)
	}
}
