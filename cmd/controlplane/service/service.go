// Package service implements the control plane's API operations over the
// shared repositories. Handlers stay thin; everything that touches more
// than one store lives here.
package service

import "errors"

// Sentinel errors the HTTP layer maps onto status codes. Repository
// sentinels (not found, conflict) pass through unchanged.
var (
	ErrInvalid      = errors.New("invalid request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrGone         = errors.New("gone")
)
