package errors

import "errors"

// Startup errors. Both abort initialization before any message is sent.
var (
	ErrConfig   = errors.New("invalid configuration")
	ErrSecurity = errors.New("origin not allowed")
)

// Selection errors.
var (
	ErrAuthInvalid  = errors.New("stored access token rejected")
	ErrLinkCreation = errors.New("public link creation failed")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
