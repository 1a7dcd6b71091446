package session

import "errors"

var (
	errSessionStopped   = errors.New("session is stopped")
	errAlreadyConnected = errors.New("session is already connected")
	errNotConnected     = errors.New("session has no live transport")
)
