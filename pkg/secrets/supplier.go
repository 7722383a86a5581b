package secrets

import (
	"fmt"
	"os"
)

// Handle carries a credential for one provider. Formatting a handle never
// reveals the value; only Value() does, and nothing in the engine stores it.
type Handle struct {
	providerID string
	value      string
}

// NewHandle wraps a raw credential value.
func NewHandle(providerID, value string) Handle {
	return Handle{providerID: providerID, value: value}
}

// Value returns the raw credential for transport use.
func (h Handle) Value() string { return h.value }

// Empty reports whether the handle carries no credential.
func (h Handle) Empty() bool { return h.value == "" }

func (h Handle) String() string {
	if h.value == "" {
		return fmt.Sprintf("secret(%s,empty)", h.providerID)
	}
	return fmt.Sprintf("secret(%s,redacted)", h.providerID)
}

// GoString keeps %#v output redacted as well.
func (h Handle) GoString() string { return h.String() }

// Supplier resolves a credential handle by provider ID.
type Supplier interface {
	Credential(providerID string) (Handle, error)
}

// EnvLookup maps a provider ID to the environment variable holding its key.
// Providers without a key (the local runtime) return "", true.
type EnvLookup func(providerID string) (envName string, ok bool)

// EnvSupplier reads credentials from the environment, resolving variable
// names through a lookup so hot-added providers work without rewiring.
type EnvSupplier struct {
	lookup EnvLookup
}

// NewEnvSupplier creates an environment-backed supplier.
func NewEnvSupplier(lookup EnvLookup) *EnvSupplier {
	return &EnvSupplier{lookup: lookup}
}

// Credential resolves the provider's credential from the environment.
func (s *EnvSupplier) Credential(providerID string) (Handle, error) {
	envName, ok := s.lookup(providerID)
	if !ok {
		return Handle{}, fmt.Errorf("credential lookup: unknown provider %s", providerID)
	}
	if envName == "" {
		// keyless provider
		return Handle{providerID: providerID}, nil
	}
	value := os.Getenv(envName)
	if value == "" {
		return Handle{}, fmt.Errorf("credential for %s: environment variable %s is not set", providerID, envName)
	}
	return Handle{providerID: providerID, value: value}, nil
}

// Static is a fixed provider->credential map, for tests.
type Static map[string]string

// Credential returns the mapped value; unknown providers get an empty handle.
func (s Static) Credential(providerID string) (Handle, error) {
	return Handle{providerID: providerID, value: s[providerID]}, nil
}
