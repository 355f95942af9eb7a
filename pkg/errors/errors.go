package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Representation of errors passed between the stages of a poll
// cycle. These are divided into a small number of categories,
// distinguished by who should deal with them; i.e., is this error:
//  - a transient problem with a collaborator, so worth trying again?
//  - a reason to stop what we're doing altogether (e.g., shutdown)?
//  - a problem with the configuration, which no amount of retrying will fix?
//
// A nil error is the Ok case.
type Error struct {
	Type Type
	// the stage at which it went wrong
	Kind Kind
	// a message that can be printed out for the operator
	Help string `json:"help"`
	// the underlying error that can be e.g., logged for developers to look at
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Type) + " error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Kind == "" {
		return msg
	}
	return string(e.Kind) + ": " + msg
}

// Cause lets github.com/pkg/errors.Cause see through to the
// underlying error.
func (e *Error) Cause() error {
	return e.Err
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Type string

const (
	// Something went wrong that may well go right next time; the
	// retry policy or the next poll cycle deals with it.
	TypeTransient Type = "transient"
	// Whatever we're in the middle of must stop, e.g., because the
	// process is shutting down.
	TypeFatal Type = "fatal"
	// The settings supplied can't work, and the process should not
	// start.
	TypeConfig Type = "config"
)

type Kind string

const (
	KindSource    Kind = "source"
	KindBuild     Kind = "build"
	KindFetch     Kind = "fetch"
	KindDeploy    Kind = "deploy"
	KindState     Kind = "state"
	KindCleanup   Kind = "cleanup"
	KindNamespace Kind = "namespace"
	KindConfig    Kind = "config"
)

// Transient marks err as recoverable by trying again. It returns nil
// if err is nil, and leaves an error that's already been classified
// alone.
func Transient(kind Kind, err error) error {
	return classify(TypeTransient, kind, err)
}

// Fatal marks err as one that should stop the current operation.
func Fatal(kind Kind, err error) error {
	return classify(TypeFatal, kind, err)
}

// ConfigError marks err as a problem with the settings.
func ConfigError(err error) error {
	return classify(TypeConfig, KindConfig, err)
}

// Configf is a shorthand for ConfigError(fmt.Errorf(...)).
func Configf(format string, args ...interface{}) error {
	return ConfigError(fmt.Errorf(format, args...))
}

func classify(t Type, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Type: t, Kind: kind, Err: err}
}

func typeOf(err error) (Type, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

// IsTransient reports whether err has been classified as
// recoverable.
func IsTransient(err error) bool {
	t, ok := typeOf(err)
	return ok && t == TypeTransient
}

// IsFatal reports whether err has been classified as fatal, or is a
// context cancellation, which is always fatal to the operation it
// interrupted.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if t, ok := typeOf(err); ok {
		return t == TypeFatal
	}
	return errors.Is(err, context.Canceled)
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	t, ok := typeOf(err)
	return ok && t == TypeConfig
}

// KindOf returns the stage at which err was raised, or the empty
// Kind if it's not been classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
		Help string `json:"help,omitempty"`
		Err  string `json:"error,omitempty"`
	}{
		Type: string(e.Type),
		Kind: string(e.Kind),
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	jsonable := &struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
		Help string `json:"help,omitempty"`
		Err  string `json:"error,omitempty"`
	}{}
	if err := json.Unmarshal(data, &jsonable); err != nil {
		return err
	}
	e.Type = Type(jsonable.Type)
	e.Kind = Kind(jsonable.Kind)
	e.Help = jsonable.Help
	if jsonable.Err != "" {
		e.Err = errors.New(jsonable.Err)
	}
	return nil
}
