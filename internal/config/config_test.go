package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8181" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8181")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, "info")
	}
	if cfg.PolicyBundle.Glob != "*.qauthz" {
		t.Errorf("PolicyBundle.Glob = %q, want %q", cfg.PolicyBundle.Glob, "*.qauthz")
	}
	if cfg.ApprovalStore.Backend != "memory" {
		t.Errorf("ApprovalStore.Backend = %q, want %q", cfg.ApprovalStore.Backend, "memory")
	}
	if cfg.ApprovalStore.CleanupInterval != "5m" {
		t.Errorf("ApprovalStore.CleanupInterval = %q, want %q", cfg.ApprovalStore.CleanupInterval, "5m")
	}
	if cfg.RelationshipStore.Backend != "memory" {
		t.Errorf("RelationshipStore.Backend = %q, want %q", cfg.RelationshipStore.Backend, "memory")
	}
	if cfg.DecisionLog.Output != "stdout" {
		t.Errorf("DecisionLog.Output = %q, want %q", cfg.DecisionLog.Output, "stdout")
	}
	if cfg.DecisionLog.BufferSize != 1000 {
		t.Errorf("DecisionLog.BufferSize = %d, want 1000", cfg.DecisionLog.BufferSize)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server: ServerConfig{HTTPAddr: ":9090"},
		ApprovalStore: StoreConfig{
			Backend: "sqlite",
			Path:    "/tmp/approvals.db",
		},
		DecisionLog: DecisionLogConfig{Output: "file:///var/log/decisions.log"},
	}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr was overwritten: got %q, want %q", cfg.Server.HTTPAddr, ":9090")
	}
	if cfg.ApprovalStore.Backend != "sqlite" {
		t.Errorf("ApprovalStore.Backend was overwritten: got %q, want sqlite", cfg.ApprovalStore.Backend)
	}
	if cfg.ApprovalStore.Path != "/tmp/approvals.db" {
		t.Errorf("ApprovalStore.Path was overwritten: got %q", cfg.ApprovalStore.Path)
	}
	if cfg.DecisionLog.Output != "file:///var/log/decisions.log" {
		t.Errorf("DecisionLog.Output was overwritten: got %q", cfg.DecisionLog.Output)
	}
}

func TestConfig_SetDevDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{DevMode: true}
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug with no bundle configured in dev mode", cfg.Server.LogLevel)
	}
	if cfg.DecisionLog.Output != "stdout" {
		t.Errorf("DecisionLog.Output = %q, want stdout", cfg.DecisionLog.Output)
	}
}

func TestConfig_SetDevDefaults_NoOpWhenDisabled(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "" {
		t.Errorf("LogLevel = %q, want untouched when DevMode is false", cfg.Server.LogLevel)
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "quorumauthz.yaml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "quorumauthz.yml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Simulate the binary: a file named "quorumauthz" with no extension
	_ = os.WriteFile(filepath.Join(dir, "quorumauthz"), []byte("\x7fELF binary"), 0755)

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "quorumauthz.yaml")
	ymlPath := filepath.Join(dir, "quorumauthz.yml")
	_ = os.WriteFile(yamlPath, []byte("server:\n  http_addr: :8080\n"), 0644)
	_ = os.WriteFile(ymlPath, []byte("server:\n  http_addr: :9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}
