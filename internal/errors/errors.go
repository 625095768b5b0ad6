// Package errors defines the error codes surfaced by the process bridge.
//
// Codes follow the format {domain}.{error} and are stable: the control API
// sends them to the front end, and the Go client decodes them back into a
// *CodedError so callers can use errors.Is against the kind sentinels below.
package errors

import (
	"errors"
	"fmt"
)

const (
	// CodeUnsupportedLanguage is a request for a language with no configured server.
	CodeUnsupportedLanguage = "config.unsupported_language"
	// CodeSpawnFailed covers missing binaries, PTY allocation failures and permission errors.
	CodeSpawnFailed = "process.spawn_failed"
	// CodeIOFailed is a pipe or socket read/write failure.
	CodeIOFailed = "io.failed"
	// CodeProtocol is a malformed frame: bad header, absent or zero Content-Length, non-UTF-8 body.
	CodeProtocol = "protocol.malformed"
	// CodeNotFound is an unknown instance or terminal id, or an undetectable project.
	CodeNotFound = "lookup.not_found"

	// Control API request errors.
	CodeInvalidRequest = "request.invalid"
	CodeRateLimited    = "request.rate_limited"

	CodeUnknown = "error.unknown"
)

// Kind sentinels. errors.Is(err, ErrLookup) matches any CodedError carrying CodeNotFound.
var (
	ErrConfiguration = &CodedError{Code: CodeUnsupportedLanguage}
	ErrSpawn         = &CodedError{Code: CodeSpawnFailed}
	ErrIO            = &CodedError{Code: CodeIOFailed}
	ErrProtocol      = &CodedError{Code: CodeProtocol}
	ErrLookup        = &CodedError{Code: CodeNotFound}
	ErrInvalid       = &CodedError{Code: CodeInvalidRequest}
	ErrRateLimited   = &CodedError{Code: CodeRateLimited}
)

// CodedError wraps an error with a stable code.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the kind sentinel for e's code.
func (e *CodedError) Is(target error) bool {
	t, ok := target.(*CodedError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Cause == nil && t.Code == e.Code
}

func New(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{Code: code, Message: message, Cause: cause}
}

func UnsupportedLanguage(language string) *CodedError {
	return New(CodeUnsupportedLanguage, fmt.Sprintf("unsupported language: %s", language))
}

func SpawnFailed(what string, cause error) *CodedError {
	return Wrap(CodeSpawnFailed, fmt.Sprintf("failed to spawn %s", what), cause)
}

func IOFailed(op string, cause error) *CodedError {
	return Wrap(CodeIOFailed, op, cause)
}

func Protocol(reason string, cause error) *CodedError {
	return Wrap(CodeProtocol, reason, cause)
}

func NotFound(what, id string) *CodedError {
	return New(CodeNotFound, fmt.Sprintf("no %s with id: %s", what, id))
}

// GetCode returns the code carried by err, or CodeUnknown for uncoded errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// ToCodeAndMessage converts an error into the pair sent to clients.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		msg := coded.Message
		if coded.Cause != nil {
			msg = fmt.Sprintf("%s: %v", msg, coded.Cause)
		}
		return coded.Code, msg
	}
	return CodeUnknown, err.Error()
}
