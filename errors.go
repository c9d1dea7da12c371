// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pixie16

import (
	"errors"
	"fmt"
)

// Kind identifies a class of SDK error, independent of the module or slot
// that raised it.
type Kind uint8

const (
	KindNone Kind = iota
	KindCrateNotReady
	KindCrateAlreadyOpen
	KindModuleNotFound
	KindModuleNumberInvalid
	KindModuleSlotInvalid
	KindModuleAlreadyOpen
	KindModuleOffline
	KindModuleInitializeFailure
	KindChannelNumberInvalid
	KindInvalidValue
	KindConfigJSONError
	KindFileOpenFailure
	KindFileReadFailure
	KindInternalFailure
	KindHardwareFailure
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCrateNotReady:
		return "crate_not_ready"
	case KindCrateAlreadyOpen:
		return "crate_already_open"
	case KindModuleNotFound:
		return "module_not_found"
	case KindModuleNumberInvalid:
		return "module_number_invalid"
	case KindModuleSlotInvalid:
		return "module_slot_invalid"
	case KindModuleAlreadyOpen:
		return "module_already_open"
	case KindModuleOffline:
		return "module_offline"
	case KindModuleInitializeFailure:
		return "module_initialize_failure"
	case KindChannelNumberInvalid:
		return "channel_number_invalid"
	case KindInvalidValue:
		return "invalid_value"
	case KindConfigJSONError:
		return "config_json_error"
	case KindFileOpenFailure:
		return "file_open_failure"
	case KindFileReadFailure:
		return "file_read_failure"
	case KindInternalFailure:
		return "internal_failure"
	case KindHardwareFailure:
		return "hardware_failure"
	default:
		return "unknown"
	}
}

// Error is the SDK-wide error type: it carries the module number and slot
// (when known, -1 otherwise) alongside a human-readable message, so a
// caller can report "which module" without string-parsing the message.
type Error struct {
	Kind    Kind
	Module  int
	Slot    int
	Msg     string
	Wrapped error
}

func (e *Error) Error() string {
	switch {
	case e.Module >= 0 && e.Slot >= 0:
		return fmt.Sprintf("pixie16: module=%d slot=%d: %s: %s", e.Module, e.Slot, e.Kind, e.Msg)
	case e.Slot >= 0:
		return fmt.Sprintf("pixie16: slot=%d: %s: %s", e.Slot, e.Kind, e.Msg)
	default:
		return fmt.Sprintf("pixie16: %s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Wrapped }

// NewError builds an *Error with no known module/slot context.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Module: -1, Slot: -1, Msg: msg}
}

// NewModuleError builds an *Error tagged with a module number and slot.
func NewModuleError(kind Kind, module, slot int, msg string) *Error {
	return &Error{Kind: kind, Module: module, Slot: slot, Msg: msg}
}

// Wrap attaches kind/module/slot context to an underlying error, keeping it
// reachable through errors.Unwrap/errors.Is.
func Wrap(kind Kind, module, slot int, err error) *Error {
	return &Error{Kind: kind, Module: module, Slot: slot, Msg: err.Error(), Wrapped: err}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error. It
// returns KindNone with ok=false for a nil err, and KindInternalFailure
// with ok=false for any other error.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if err == nil {
		return KindNone, false
	}
	if !errors.As(err, &pe) {
		return KindInternalFailure, false
	}
	return pe.Kind, true
}
