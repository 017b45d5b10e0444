package schema

import "errors"

var (
	// ErrNotPresent indicates a tab has no content script listening.
	ErrNotPresent = errors.New("receiving end does not exist")
	// ErrUnsupportedURL indicates the tab URL cannot host the reading view.
	ErrUnsupportedURL = errors.New("unsupported url")
	// ErrNoInjector indicates the host exposes no script injection capability.
	ErrNoInjector = errors.New("no script injection capability")
	// ErrTabNotFound indicates a requested tab could not be found.
	ErrTabNotFound = errors.New("tab not found")
	// ErrInvalidMessage indicates a malformed message payload.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrMissingSender indicates a message that requires a sender tab had none.
	ErrMissingSender = errors.New("message has no sender tab")
	// ErrUnknownFlag indicates an unsupported feature flag name.
	ErrUnknownFlag = errors.New("unknown feature flag")
	// ErrInvalidDomain indicates an empty or malformed domain.
	ErrInvalidDomain = errors.New("invalid domain")
	// ErrInvalidDomainSetting indicates a value other than allow, deny or unset.
	ErrInvalidDomainSetting = errors.New("invalid domain setting")
)
