// Package schc re-exports the fragmentation core for callers that
// embed the gateway as a library instead of running the daemon: the
// wire parameters, the TX state machine and the RX reassembler.
package schc

import (
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/ack"
	"github.com/aranea-iot/schcgw/internal/schc/fragmenter"
	"github.com/aranea-iot/schcgw/internal/schc/mic"
	"github.com/aranea-iot/schcgw/internal/schc/reassembler"
)

// Wire-layout parameters shared by both peers.
type Params = schc.Params

// DefaultParams is the single-window wire profile.
func DefaultParams() Params { return schc.DefaultParams() }

// Return codes of a fragmentation attempt.
type ReturnCode = schc.ReturnCode

const (
	Success         = schc.Success
	Failure         = schc.Failure
	NoFragmentation = schc.NoFragmentation
)

// TX side: the sender state machine and its injected capabilities.
type (
	Connection   = fragmenter.Connection
	Capabilities = fragmenter.Capabilities
	Sender       = fragmenter.Sender
	Scheduler    = fragmenter.Scheduler
	Clock        = fragmenter.Clock
	State        = fragmenter.State
)

const (
	StateInit       = fragmenter.StateInit
	StateSend       = fragmenter.StateSend
	StateWaitBitmap = fragmenter.StateWaitBitmap
	StateResend     = fragmenter.StateResend
	StateEnd        = fragmenter.StateEnd
)

// NewConnection allocates a TX connection for deviceID.
func NewConnection(deviceID uint32, params Params, caps Capabilities) *Connection {
	return fragmenter.New(deviceID, params, caps)
}

// RX side.
type Reassembler = reassembler.Reassembler

// NewReassembler creates the RX counterpart; acks go out via sender.
func NewReassembler(params Params, sender reassembler.Sender) *Reassembler {
	return reassembler.New(params, sender)
}

// AckFrame is a decoded acknowledgement.
type AckFrame = ack.Frame

// DecodeAck parses an ack frame; expectMIC selects the terminal layout.
func DecodeAck(params Params, frame []byte, expectMIC bool) (AckFrame, error) {
	return ack.Decode(params, frame, expectMIC)
}

// EncodeAck builds the on-wire ack frame.
func EncodeAck(params Params, ruleID []byte, f AckFrame) []byte {
	return ack.Encode(params, ruleID, f)
}

// ComputeMIC returns the 4-byte message integrity check over data.
func ComputeMIC(data []byte) []byte { return mic.Compute(data) }
