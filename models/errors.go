package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindMissing          ErrorKind = "missing"
	KindUnsupported      ErrorKind = "unsupported"
	KindDisabled         ErrorKind = "disabled"
	KindPlaylistMissing  ErrorKind = "playlistMissing"
	KindAuth             ErrorKind = "auth"
	KindNotFound         ErrorKind = "notFound"
	KindPlaylistNotFound ErrorKind = "playlistNotFound"
	KindRateLimited      ErrorKind = "rateLimited"
	KindInvalid          ErrorKind = "invalid"
	KindRequest          ErrorKind = "request"
	KindRetry            ErrorKind = "retry"
	KindChannel          ErrorKind = "channel"
	KindSendFailed       ErrorKind = "sendFailed"
)

// Error is the tagged error returned by every relay component.
// UserMessage is safe to show in chat as-is.
type Error struct {
	Platform    Platform
	Kind        ErrorKind
	UserMessage string
	// Status is the last upstream HTTP status, when there was one
	Status int
	Err    error
}

func NewError(platform Platform, kind ErrorKind, userMessage string) *Error {
	return &Error{Platform: platform, Kind: kind, UserMessage: userMessage}
}

// WrapError tags err, keeping it reachable through errors.Unwrap
func WrapError(platform Platform, kind ErrorKind, userMessage string, err error) *Error {
	return &Error{Platform: platform, Kind: kind, UserMessage: userMessage, Err: err}
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Platform != "" {
		prefix = string(e.Platform) + ": " + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.UserMessage, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.UserMessage)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError finds the outermost tagged error in err's chain
func AsError(err error) (*Error, bool) {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr, true
	}
	return nil, false
}

// KindOf returns the kind of the first tagged error in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	if relayErr, ok := AsError(err); ok {
		return relayErr.Kind
	}
	return ""
}

// UserMessageOf returns a message fit for chat, falling back to a generic one
// for untagged errors.
func UserMessageOf(err error) string {
	if relayErr, ok := AsError(err); ok && relayErr.UserMessage != "" {
		return relayErr.UserMessage
	}
	return "Something went wrong while handling that link. Try again in a bit."
}
