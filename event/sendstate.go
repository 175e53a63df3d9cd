// Copyright (c) 2025 Loom Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

// SendState tracks the delivery lifecycle of an outgoing event.
//
// Events received from the server are always SendStateSent. Local echoes
// start as SendStateUnsent and move through SendStateSending. A failed
// attempt ends in SendStateUndelivered (or SendStateFailedUnknownDevices
// when the failure is a device-trust problem); retryable failures park in
// SendStateWaitingRetry, from which a timed retry returns to
// SendStateSending. Resending an undelivered event creates a new attempt,
// it never mutates the old one in place.
type SendState int

const (
	SendStateSent SendState = iota
	SendStateUnsent
	SendStateSending
	SendStateWaitingRetry
	SendStateUndelivered
	SendStateFailedUnknownDevices
)

func (ss SendState) String() string {
	switch ss {
	case SendStateSent:
		return "sent"
	case SendStateUnsent:
		return "unsent"
	case SendStateSending:
		return "sending"
	case SendStateWaitingRetry:
		return "waiting_retry"
	case SendStateUndelivered:
		return "undelivered"
	case SendStateFailedUnknownDevices:
		return "failed_unknown_devices"
	default:
		return "invalid"
	}
}

// IsPending reports whether the event is still on its way to the server.
func (ss SendState) IsPending() bool {
	switch ss {
	case SendStateUnsent, SendStateSending, SendStateWaitingRetry:
		return true
	default:
		return false
	}
}

// IsFailed reports whether the send attempt ended without confirmation.
func (ss SendState) IsFailed() bool {
	return ss == SendStateUndelivered || ss == SendStateFailedUnknownDevices
}

// CanTransition reports whether moving from ss to the given state is a
// legal step in the state machine.
func (ss SendState) CanTransition(to SendState) bool {
	switch ss {
	case SendStateUnsent:
		return to == SendStateSending
	case SendStateSending:
		switch to {
		case SendStateSent, SendStateWaitingRetry, SendStateUndelivered, SendStateFailedUnknownDevices:
			return true
		}
	case SendStateWaitingRetry:
		return to == SendStateSending
	}
	return false
}
