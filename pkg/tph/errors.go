package tph

import (
	"errors"
	"fmt"
)

// errors
var (
	ErrNotSupported          = errors.New("TPH not supported")
	ErrAlreadyEnabled        = errors.New("TPH already enabled")
	ErrNotEnabled            = errors.New("TPH not enabled")
	ErrModeUnsupported       = errors.New("ST mode not supported by device")
	ErrCompleterIncompatible = errors.New("root port lacks a compatible TPH completer")
	ErrIndexOutOfBounds      = errors.New("ST table index out of bounds")
	ErrEntryNotFound         = fmt.Errorf("%w: MSI-X descriptor not found", ErrIndexOutOfBounds)
	ErrBackend               = errors.New("unusable ST table location")
	ErrUnavailable           = errors.New("firmware steering tag unavailable")
	ErrBadResponse           = errors.New("bad firmware steering tag response")
)
