// Package apperr holds the sentinel errors shared by the sync engine and its
// API surfaces.
package apperr

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionRunning is returned when a sync is requested while another
	// session holds the lock.
	ErrSessionRunning = errors.New("sync session already running")
)
