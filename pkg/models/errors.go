package models

import "errors"

var (
	ErrConfigInvalid       = errors.New("config invalid")
	ErrConfigNotFound      = errors.New("config not found")
	ErrRunnerUnhealthy     = errors.New("runner unhealthy")
	ErrRunnerPoolExhausted = errors.New("runner pool exhausted")
	ErrStepTimeout         = errors.New("step timeout")
	ErrUploadFailure       = errors.New("upload failure")
	ErrDeliveryUnreachable = errors.New("delivery unreachable")
	ErrNotificationFailure = errors.New("notification failure")
	ErrAlreadyTriggered    = errors.New("delivery already triggered")
	ErrNotFound            = errors.New("not found")
)
