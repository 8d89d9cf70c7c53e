// Package scope implements the multi-tenant scope type shared by the
// engine, the approval store and the relationship store. A Scope narrows
// where an Approval or Relationship record applies and is encoded into
// every store key, so its byte encoding must be stable across versions.
package scope

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies which Scope variant is populated.
type Kind uint8

const (
	Global Kind = iota
	Tenant
	Environment
	TenantEnvironment
	Custom
)

func (k Kind) String() string {
	switch k {
	case Global:
		return "global"
	case Tenant:
		return "tenant"
	case Environment:
		return "environment"
	case TenantEnvironment:
		return "tenant_environment"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// delimiter separates scope components in both the encoded form and in
// store keys. Components must not contain it.
const delimiter = ":"

// ErrInvalidComponent is returned when a scope component contains the
// reserved delimiter.
var ErrInvalidComponent = errors.New("scope: component must not contain ':'")

// Scope narrows the applicability of an Approval or Relationship record.
type Scope struct {
	kind   Kind
	tenant string
	env    string
	custom []string
}

func validateComponent(s string) error {
	if strings.Contains(s, delimiter) {
		return ErrInvalidComponent
	}
	return nil
}

func validateComponents(ss []string) error {
	for _, s := range ss {
		if err := validateComponent(s); err != nil {
			return err
		}
	}
	return nil
}

// NewGlobal returns the scope that applies everywhere.
func NewGlobal() Scope { return Scope{kind: Global} }

// NewTenant returns a scope restricted to a single tenant.
func NewTenant(tenant string) (Scope, error) {
	if err := validateComponent(tenant); err != nil {
		return Scope{}, err
	}
	return Scope{kind: Tenant, tenant: tenant}, nil
}

// NewEnvironment returns a scope restricted to a single environment
// (e.g. "staging", "production").
func NewEnvironment(env string) (Scope, error) {
	if err := validateComponent(env); err != nil {
		return Scope{}, err
	}
	return Scope{kind: Environment, env: env}, nil
}

// NewTenantEnvironment returns a scope restricted to a tenant within an
// environment.
func NewTenantEnvironment(tenant, env string) (Scope, error) {
	if err := validateComponent(tenant); err != nil {
		return Scope{}, err
	}
	if err := validateComponent(env); err != nil {
		return Scope{}, err
	}
	return Scope{kind: TenantEnvironment, tenant: tenant, env: env}, nil
}

// NewCustom returns a scope carrying an ordered list of host-defined path
// components.
func NewCustom(components ...string) (Scope, error) {
	if len(components) == 0 {
		return Scope{}, errors.New("scope: custom scope requires at least one component")
	}
	if err := validateComponents(components); err != nil {
		return Scope{}, err
	}
	custom := make([]string, len(components))
	copy(custom, components)
	return Scope{kind: Custom, custom: custom}, nil
}

// Kind reports which Scope variant this value holds.
func (s Scope) Kind() Kind { return s.kind }

// Tenant returns the tenant component, if any.
func (s Scope) Tenant() string { return s.tenant }

// Environment returns the environment component, if any.
func (s Scope) Environment() string { return s.env }

// Custom returns the ordered custom path components, if any.
func (s Scope) Custom() []string { return s.custom }

// Encode returns the byte-stable, deterministic string form of s, used as
// the scope component of every store key. The encoding is kind-prefixed so
// that distinct kinds never collide even if their components happen to
// coincide (e.g. a tenant literally named "global").
func (s Scope) Encode() string {
	switch s.kind {
	case Global:
		return "global"
	case Tenant:
		return "tenant" + delimiter + s.tenant
	case Environment:
		return "env" + delimiter + s.env
	case TenantEnvironment:
		return "tenant" + delimiter + s.tenant + delimiter + "env" + delimiter + s.env
	case Custom:
		return "custom" + delimiter + strings.Join(s.custom, delimiter)
	default:
		return "unknown"
	}
}

// String implements fmt.Stringer in terms of Encode, so a Scope prints the
// same value it would encode into a store key.
func (s Scope) String() string { return s.Encode() }

// Equal reports whether two scopes encode identically.
func (s Scope) Equal(other Scope) bool { return s.Encode() == other.Encode() }

// Decode parses the output of Encode back into a Scope. It is the inverse
// of Encode and is used when replaying serialized records.
func Decode(encoded string) (Scope, error) {
	parts := strings.Split(encoded, delimiter)
	switch parts[0] {
	case "global":
		if len(parts) != 1 {
			return Scope{}, fmt.Errorf("scope: malformed global encoding %q", encoded)
		}
		return NewGlobal(), nil
	case "tenant":
		switch len(parts) {
		case 2:
			return NewTenant(parts[1])
		case 4:
			if parts[2] != "env" {
				return Scope{}, fmt.Errorf("scope: malformed tenant encoding %q", encoded)
			}
			return NewTenantEnvironment(parts[1], parts[3])
		default:
			return Scope{}, fmt.Errorf("scope: malformed tenant encoding %q", encoded)
		}
	case "env":
		if len(parts) != 2 {
			return Scope{}, fmt.Errorf("scope: malformed env encoding %q", encoded)
		}
		return NewEnvironment(parts[1])
	case "custom":
		if len(parts) < 2 {
			return Scope{}, fmt.Errorf("scope: malformed custom encoding %q", encoded)
		}
		return NewCustom(parts[1:]...)
	default:
		return Scope{}, fmt.Errorf("scope: unknown kind in encoding %q", encoded)
	}
}
