package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers quorumauthz-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	if err := v.RegisterValidation("store_backend", validateStoreBackend); err != nil {
		return fmt.Errorf("failed to register store_backend validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates a decision-log output field.
// Valid values: "stdout" or "file://<absolute-path>"
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// validateStoreBackend validates a StoreConfig.Backend field.
func validateStoreBackend(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "memory", "sqlite":
		return true
	default:
		return false
	}
}

// Validate validates the Config using struct tags and custom cross-field
// rules. Returns an error if validation fails, with actionable messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateSQLiteRequiresPath(); err != nil {
		return err
	}

	return nil
}

// validateSQLiteRequiresPath ensures a store configured with the sqlite
// backend also specifies a database path.
func (c *Config) validateSQLiteRequiresPath() error {
	if c.ApprovalStore.Backend == "sqlite" && c.ApprovalStore.Path == "" {
		return errors.New("approval_store: path is required when backend is sqlite")
	}
	if c.RelationshipStore.Backend == "sqlite" && c.RelationshipStore.Path == "" {
		return errors.New("relationship_store: path is required when backend is sqlite")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "dir":
		return fmt.Sprintf("%s must be an existing directory", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	case "store_backend":
		return fmt.Sprintf("%s must be 'memory' or 'sqlite'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
