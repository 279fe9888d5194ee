package domain

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrHostUnreachable = errors.New("session host is unreachable")
	ErrNotHost         = errors.New("requester is not the session host")
	ErrLinkClosed      = errors.New("peer link is closed")
)
