package domain

import "errors"

var (
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrMissingRoutingID   = errors.New("payload is missing its routing id")
	ErrMalformedEvent     = errors.New("malformed event")
	ErrMalformedCommand   = errors.New("malformed command")
	ErrUnknownCommand     = errors.New("unknown command type")
	ErrMissingCommandID   = errors.New("command is missing its target id")
	ErrInvalidRoom        = errors.New("invalid room id")
	ErrForbiddenUserRoom  = errors.New("cannot join another user's room")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrHostFull           = errors.New("host connection limit reached")
	ErrHostStopped        = errors.New("host stopped")
)
