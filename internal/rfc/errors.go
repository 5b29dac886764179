package rfc

import (
	"errors"
	"fmt"
)

// Group classifies a call failure the way RFC error groups do.
type Group string

const (
	GroupCommunication Group = "COMMUNICATION_FAILURE"
	GroupLogon         Group = "LOGON_FAILURE"
	GroupABAPException Group = "ABAP_EXCEPTION"
	GroupSystem        Group = "SYSTEM_FAILURE"
	GroupProtocol      Group = "PROTOCOL_ERROR"
)

const (
	KeySystemError      = "SYSTEM_ERROR"
	KeyFunctionNotFound = "FUNCTION_NOT_FOUND"
	KeyNotLoggedOn      = "NOT_LOGGED_ON"
	KeyTimeout          = "TIMEOUT"
)

// Error is a structured call error. errors.Is matches on Group and, when the
// target names one, Key.
type Error struct {
	Group   Group
	Key     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Key == "" {
		return fmt.Sprintf("rfc: %s: %s", e.Group, msg)
	}
	if msg == "" {
		return fmt.Sprintf("rfc: %s/%s", e.Group, e.Key)
	}
	return fmt.Sprintf("rfc: %s/%s: %s", e.Group, e.Key, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Group != e.Group {
		return false
	}
	return t.Key == "" || t.Key == e.Key
}

// Sentinels for errors.Is checks.
var (
	ErrCommunicationFailure = &Error{Group: GroupCommunication}
	ErrLogonFailure         = &Error{Group: GroupLogon}
	ErrABAPException        = &Error{Group: GroupABAPException}
	ErrSystemFailure        = &Error{Group: GroupSystem}
	ErrProtocol             = &Error{Group: GroupProtocol}
	ErrFunctionNotFound     = &Error{Group: GroupSystem, Key: KeyFunctionNotFound}

	ErrConversion        = errors.New("rfc: conversion error")
	ErrUnknownParameter  = errors.New("rfc: unknown parameter")
	ErrInvalidDescriptor = errors.New("rfc: invalid descriptor")
	ErrMissingParameter  = errors.New("rfc: missing required parameter")
)

// Exception raises an ABAP-style exception from a handler.
func Exception(key, message string) *Error {
	return &Error{Group: GroupABAPException, Key: key, Message: message}
}

// SystemError reports a server-side failure unrelated to the function's own exceptions.
func SystemError(message string) *Error {
	return &Error{Group: GroupSystem, Key: KeySystemError, Message: message}
}

func FunctionNotFound(name string) *Error {
	return &Error{Group: GroupSystem, Key: KeyFunctionNotFound, Message: fmt.Sprintf("function %s not found", name)}
}

func CommunicationError(err error) *Error {
	return &Error{Group: GroupCommunication, Err: err}
}

func LogonError(key, message string) *Error {
	return &Error{Group: GroupLogon, Key: key, Message: message}
}

func ProtocolError(err error) *Error {
	return &Error{Group: GroupProtocol, Err: err}
}

// AsError returns err as *Error, treating plain errors as system errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Group: GroupSystem, Key: KeySystemError, Message: err.Error(), Err: err}
}
