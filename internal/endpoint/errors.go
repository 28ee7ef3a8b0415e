package endpoint

import "errors"

var (
	ErrClosed          = errors.New("endpoint: closed")
	ErrPayloadTooLarge = errors.New("endpoint: payload exceeds one data unit")
	ErrDialInProgress  = errors.New("endpoint: dial to peer already in progress")
	ErrAcceptBacklog   = errors.New("endpoint: accept backlog full")
)
