package storage

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
)

var (
	ErrCorruptSession      = errors.New("session file is corrupt")
	ErrIncompatibleSession = errors.New("session file was written by an incompatible version")
	ErrInvalidUsername     = errors.New("invalid username")
	ErrSessionNotFound     = errors.New("session file not found")
	ErrUnsupportedType     = errors.New("value cannot be stored in a session file")
)

type Storage struct {
	basePath string
}

// Record is the opaque state a client needs to resume a session. Byte
// slices survive a save/load cycle; numbers come back as json.Number.
type Record map[string]any

// DeviceID returns the record's device_id field, or "" when it is absent.
func (r Record) DeviceID() string {
	return r.String("device_id")
}

// String returns key as a string. Numbers are formatted; other kinds yield "".
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// SessionError ties a load or save failure to the file it concerns.
type SessionError struct {
	Username string
	Path     string
	Err      error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s (%s): %v", e.Username, e.Path, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

type UnsupportedTypeError struct {
	Type   reflect.Type
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported session value of type %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("unsupported session value of type %s", e.Type)
}

func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}
