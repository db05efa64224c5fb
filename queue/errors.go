package queue

import "errors"

// ErrProtocolViolation marks a malformed descriptor chain, or an
// unmappable-entry layout the worker does not recognize. Callers treat
// this as fatal to the session.
var ErrProtocolViolation = errors.New("queue: protocol violation")

// ErrReplyTooLarge marks a reply that does not fit the guest-supplied
// sink iovecs.
var ErrReplyTooLarge = errors.New("queue: reply too large for sink")

// ErrBackend wraps a negative result from a slave-channel RPC.
var ErrBackend = errors.New("queue: backend RPC failed")

// ErrNoSpace is returned by a notifier's Send when the notification
// queue currently has no descriptor available.
var ErrNoSpace = errors.New("queue: notification queue full")
