package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// Simulate running the `serve` command with no config file at all.
	cfg := &Config{}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() zero-config unexpected error: %v", err)
	}
	if cfg.DecisionLog.Output != "stdout" {
		t.Errorf("default decision_log output = %q, want 'stdout'", cfg.DecisionLog.Output)
	}
}

func TestValidate_InvalidHTTPAddr(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.HTTPAddr = "not-a-host-port"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "Server.HTTPAddr") {
		t.Errorf("error = %q, want to contain 'Server.HTTPAddr'", err.Error())
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "Server.LogLevel") {
		t.Errorf("error = %q, want to contain 'Server.LogLevel'", err.Error())
	}
}

func TestValidate_ValidDecisionLogOutputStdout(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.DecisionLog.Output = "stdout"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with stdout unexpected error: %v", err)
	}
}

func TestValidate_ValidDecisionLogOutputFile(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.DecisionLog.Output = "file:///var/log/decisions.log"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with file:// unexpected error: %v", err)
	}
}

func TestValidate_InvalidDecisionLogOutput(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.DecisionLog.Output = "invalid"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "DecisionLog.Output") {
		t.Errorf("error = %q, want to contain 'DecisionLog.Output'", errStr)
	}
}

func TestValidate_InvalidDecisionLogOutputRelativePath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.DecisionLog.Output = "file://relative/path"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for relative path, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "DecisionLog.Output") {
		t.Errorf("error = %q, want to contain 'DecisionLog.Output'", errStr)
	}
}

func TestValidate_InvalidStoreBackend(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ApprovalStore.Backend = "redis"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ApprovalStore.Backend") {
		t.Errorf("error = %q, want to contain 'ApprovalStore.Backend'", err.Error())
	}
}

func TestValidate_SQLiteBackendRequiresPath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ApprovalStore.Backend = "sqlite"
	cfg.ApprovalStore.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for sqlite backend with no path, got nil")
	}
	if !strings.Contains(err.Error(), "approval_store") {
		t.Errorf("error = %q, want to contain 'approval_store'", err.Error())
	}
}

func TestValidate_SQLiteBackendWithPathIsValid(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ApprovalStore.Backend = "sqlite"
	cfg.ApprovalStore.Path = "/var/lib/quorumauthz/approvals.db"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with sqlite backend and path unexpected error: %v", err)
	}
}

func TestValidate_RelationshipStoreSQLiteRequiresPath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.RelationshipStore.Backend = "sqlite"
	cfg.RelationshipStore.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for sqlite backend with no path, got nil")
	}
	if !strings.Contains(err.Error(), "relationship_store") {
		t.Errorf("error = %q, want to contain 'relationship_store'", err.Error())
	}
}

func TestValidate_InvalidPolicyBundleDir(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.PolicyBundle.Dir = "/path/does/not/exist/hopefully"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for nonexistent dir, got nil")
	}
	if !strings.Contains(err.Error(), "PolicyBundle.Dir") {
		t.Errorf("error = %q, want to contain 'PolicyBundle.Dir'", err.Error())
	}
}

func TestValidate_DecisionLogBufferSizeMustBePositive(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.DecisionLog.BufferSize = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for negative buffer size, got nil")
	}
	if !strings.Contains(err.Error(), "DecisionLog.BufferSize") {
		t.Errorf("error = %q, want to contain 'DecisionLog.BufferSize'", err.Error())
	}
}
