package providers

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrCapabilityMismatch = errors.New("provider does not implement the domain contract")
	ErrInvalidOptions     = errors.New("invalid provider options")
)

// ErrNoProvidersLoaded is returned when a domain has providers enabled but
// none of them could be loaded.
var ErrNoProvidersLoaded = errors.New("no providers loaded")

// ProviderSetupError reports a provider that could not be created or set
// up. The provider is excluded; others continue loading.
type ProviderSetupError struct {
	Provider string
	Category Category
	Err      error
}

func (e *ProviderSetupError) Error() string {
	return fmt.Sprintf("failed to set up %s provider %q: %v", e.Category, e.Provider, e.Err)
}

func (e *ProviderSetupError) Unwrap() error { return e.Err }

// ProviderRuntimeError reports a failure of a provider during normal
// operation. It is contained at the call site.
type ProviderRuntimeError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderRuntimeError) Error() string {
	return fmt.Sprintf("provider %q failed to %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderRuntimeError) Unwrap() error { return e.Err }
