package types

import (
	"errors"
	"fmt"
)

// Kind identifies one member of the closed error taxonomy shared by every backend.
type Kind int

const (
	KindUnknown Kind = iota
	RepositoryNotFound
	RepositoryAlreadyExists
	KeyNotFound
	KeyVersionNotFound
	VersionConflict
	InvalidToken
	PermissionDenied
	InvalidRepositoryName
	InvalidRequest
	DataAccessFailure
)

var kindNames = map[Kind]string{
	KindUnknown:             "Unknown",
	RepositoryNotFound:      "RepositoryNotFound",
	RepositoryAlreadyExists: "RepositoryAlreadyExists",
	KeyNotFound:             "KeyNotFound",
	KeyVersionNotFound:      "KeyVersionNotFound",
	VersionConflict:         "VersionConflict",
	InvalidToken:            "InvalidToken",
	PermissionDenied:        "PermissionDenied",
	InvalidRepositoryName:   "InvalidRepositoryName",
	InvalidRequest:          "InvalidRequest",
	DataAccessFailure:       "DataAccessFailure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the only error type that crosses the store and service boundaries.
// Call sites switch on Kind; Cause keeps the backend-specific error for logs.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrRepositoryNotFound      = &Error{Kind: RepositoryNotFound}
	ErrRepositoryAlreadyExists = &Error{Kind: RepositoryAlreadyExists}
	ErrKeyNotFound             = &Error{Kind: KeyNotFound}
	ErrKeyVersionNotFound      = &Error{Kind: KeyVersionNotFound}
	ErrVersionConflict         = &Error{Kind: VersionConflict}
	ErrInvalidToken            = &Error{Kind: InvalidToken}
	ErrPermissionDenied        = &Error{Kind: PermissionDenied}
	ErrInvalidRepositoryName   = &Error{Kind: InvalidRepositoryName}
	ErrInvalidRequest          = &Error{Kind: InvalidRequest}
	ErrDataAccess              = &Error{Kind: DataAccessFailure}
)

// Err builds a taxonomy error of the same kind as typedError, wrapping innerErr.
// An empty msgTemplate keeps the kind name as message.
func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	kind := KindOf(typedError)
	if kind == KindUnknown {
		kind = DataAccessFailure
	}
	e := &Error{Kind: kind, Cause: innerErr}
	if msgTemplate != "" {
		e.Msg = fmt.Sprintf(msgTemplate, args...)
	}
	return e
}

// KindOf returns the taxonomy kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the caller may retry the failed request.
func IsRetryable(err error) bool {
	return KindOf(err) == DataAccessFailure
}

func RepositoryNotFoundErr(repo RepositoryID) error {
	return Err(ErrRepositoryNotFound, nil, "Repository '%s-%s' not found", repo.Namespace, repo.Name)
}

func RepositoryExistsErr(repo RepositoryID) error {
	return Err(ErrRepositoryAlreadyExists, nil, "Repository '%s-%s' already exists", repo.Namespace, repo.Name)
}

func KeyNotFoundErr(key string) error {
	return Err(ErrKeyNotFound, nil, "Key '%s' not found", key)
}

func KeyVersionNotFoundErr(key string, version int64) error {
	return Err(ErrKeyVersionNotFound, nil, "Key '%s' version '%d' not found", key, version)
}

func VersionConflictErr(key string, expected int64) error {
	switch expected {
	case CreateOnly:
		return Err(ErrVersionConflict, nil, "Key '%s' already exists", key)
	default:
		return Err(ErrVersionConflict, nil, "Key '%s' version conflict, expected '%d'", key, expected)
	}
}

// DataAccessErr wraps a driver error at the backend boundary.
func DataAccessErr(cause error, msgTemplate string, args ...any) error {
	return Err(ErrDataAccess, cause, msgTemplate, args...)
}
