package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialExhaustion is returned when no account can serve a request
	ErrCredentialExhaustion = errors.New("credential exhaustion")

	// ErrUnknownProvider is returned when a provider has no accounts at all
	ErrUnknownProvider = fmt.Errorf("%w: unknown provider", ErrCredentialExhaustion)

	// ErrNoUsableAccount is returned when every account of a provider is unhealthy or disabled
	ErrNoUsableAccount = fmt.Errorf("%w: no usable account", ErrCredentialExhaustion)

	// ErrAccountNotFound is returned when an account id is not registered
	ErrAccountNotFound = errors.New("account not found")
)
