package collabclient

import "errors"

var (
	ErrTransport    = errors.New("TRANSPORT_ERROR")
	ErrConflict     = errors.New("CONFLICT")
	ErrOutOfSync    = errors.New("OUT_OF_SYNC")
	ErrNotConnected = errors.New("NOT_CONNECTED")
)
