// Package core defines the sentinel errors shared across the gateway.
// Call sites wrap them with fmt.Errorf("...: %w", ...) so errors.Is
// keeps working through the added context.
package core

import "errors"

var (
	// Fragmentation protocol errors.
	ErrConfig               = errors.New("schcgw: invalid fragmentation config")
	ErrNoFragmentationNeed  = errors.New("schcgw: packet fits in one MTU, fragmentation not needed")
	ErrNoConnection         = errors.New("schcgw: no free connection slot for device")
	ErrUnexpectedFragment   = errors.New("schcgw: fragment received outside an active connection")
	ErrRetransmitExhaustion = errors.New("schcgw: retransmit attempts exhausted")

	// Session errors.
	ErrSessionAlreadyExists = errors.New("schcgw: session already exists")

	// Configuration errors.
	ErrConfigInvalid = errors.New("schcgw: invalid configuration")
)
