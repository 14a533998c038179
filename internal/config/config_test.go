package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFromYAMLDefaultsAndOverrides(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  addr: \":9090\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr override lost: %s", cfg.Server.Addr)
	}
	// omitted sections keep defaults
	if cfg.Tasks.DefaultPriority != 3 || cfg.Workflow.MaxTemplatesPerRule != 10 {
		t.Fatalf("defaults not filled: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"priority too high", "tasks:\n  default_priority: 6\n", "default_priority"},
		{"priority zero", "tasks:\n  default_priority: 0\n", "default_priority"},
		{"template cap zero", "workflow:\n  max_templates_per_rule: 0\n", "max_templates_per_rule"},
		{"empty addr", "server:\n  addr: \"\"\n", "server.addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestGeneratedDefaultRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scrumbringer.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *cfg != *Default() {
		t.Fatalf("generated default does not match built-in default: %+v", cfg)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config for missing file, got %+v", cfg)
	}
}
