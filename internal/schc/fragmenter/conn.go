// Package fragmenter implements the SCHC sender state machine:
// INIT -> SEND -> WAIT_BITMAP -> RESEND -> END.
//
// Nothing in this package keeps package-level mutable state: every
// transition takes the *Connection the caller owns, so a session
// manager can drive any number of connections concurrently.
package fragmenter

import (
	"fmt"
	"time"

	"github.com/aranea-iot/schcgw/internal/core"
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/bitio"
	"github.com/aranea-iot/schcgw/internal/schc/mic"
)

// State is the connection's position in the sender state machine.
type State int

const (
	StateInit State = iota
	StateSend
	StateWaitBitmap
	StateResend
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSend:
		return "SEND"
	case StateWaitBitmap:
		return "WAIT_BITMAP"
	case StateResend:
		return "RESEND"
	case StateEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// Sender transmits one fragmentation-layer frame to a device.
type Sender interface {
	Send(frame []byte, deviceID uint32) error
}

// Scheduler arms a one-shot callback, standing in for post_timer_task.
// Cancel stops a pending callback if it has not fired yet; it is a no-op
// if the callback already ran or was already cancelled.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
}

// Clock reports the current time, so retransmit bookkeeping and tests
// using a virtual clock never depend on wall-clock time.
type Clock interface {
	Now() time.Time
}

// Capabilities bundles the host services the state machine needs:
// the frame transport and the timer facility, injected so tests can
// supply a capture sink and a deterministic clock.
type Capabilities struct {
	Sender    Sender
	Scheduler Scheduler
	Clock     Clock
}

func (c Capabilities) validate() error {
	if c.Sender == nil {
		return fmt.Errorf("%w: send capability missing", core.ErrConfig)
	}
	if c.Scheduler == nil {
		return fmt.Errorf("%w: scheduler capability missing", core.ErrConfig)
	}
	return nil
}

// Ack is the last reconciled acknowledgement frame for the current window.
type Ack struct {
	Dtag   uint32
	Window uint32
	Bitmap []byte
	MICOK  bool
}

// Connection is one in-flight fragmentation toward a device.
type Connection struct {
	DeviceID uint32
	Params   schc.Params
	Caps     Capabilities

	Data      []byte
	PacketLen int
	MTU       int

	RuleID    []byte
	Dtag      uint32
	Window    uint32
	WindowCnt int
	FCN       int
	FragCnt   int

	Bitmap []byte
	MIC    []byte

	Attempts     int
	DutyCycle    time.Duration
	RetransmitTO time.Duration

	State State
	Ack   Ack

	resendCursor int
	cancelTimer  func()
	done         chan struct{}
	result       schc.ReturnCode
	resultErr    error
}

// New allocates a Connection for deviceID. It does not yet hold a
// packet; call Fragment to validate parameters and start transmission.
func New(deviceID uint32, params schc.Params, caps Capabilities) *Connection {
	return &Connection{
		DeviceID: deviceID,
		Params:   params,
		Caps:     caps,
		State:    StateInit,
		done:     make(chan struct{}),
	}
}

// Done returns a channel that closes once the connection reaches END or
// fails, so callers can select on it instead of polling State.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Result returns the final return code and error once Done is closed.
// It is only meaningful after Done has fired.
func (c *Connection) Result() (schc.ReturnCode, error) {
	return c.result, c.resultErr
}

func (c *Connection) finish(code schc.ReturnCode, err error) {
	c.result = code
	c.resultErr = err
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// windowLocalIndex maps the absolute FragCnt (pre-increment, i.e. the
// position about to be sent) onto a 0-based index within the current
// window, the range the per-window bitmap actually spans.
func (c *Connection) windowLocalIndex(fragCnt int) int {
	return fragCnt - c.WindowCnt*c.Params.WindowSize()
}

// Fragment validates the connection parameters against packet/mtu and,
// if fragmentation is required, computes the MIC and enters SEND,
// emitting frames until the state machine suspends on a timer or an
// awaited ack.
func (c *Connection) Fragment(packet []byte, mtu int, dtag uint32, ruleID []byte, dutyCycle, retransmitTimeout time.Duration) (schc.ReturnCode, error) {
	if err := c.Params.Validate(); err != nil {
		return schc.Failure, fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	if err := c.Caps.validate(); err != nil {
		return schc.Failure, err
	}
	if len(packet) == 0 {
		return schc.Failure, fmt.Errorf("%w: empty packet", core.ErrConfig)
	}
	if mtu <= 0 || mtu > c.Params.MaxMTULength {
		return schc.Failure, fmt.Errorf("%w: mtu %d out of range (max %d)", core.ErrConfig, mtu, c.Params.MaxMTULength)
	}
	if len(ruleID) != c.Params.RuleSizeBytes() {
		return schc.Failure, fmt.Errorf("%w: rule id must be %d bytes", core.ErrConfig, c.Params.RuleSizeBytes())
	}

	c.Data = packet
	c.PacketLen = len(packet)
	c.MTU = mtu
	c.Dtag = dtag
	c.DutyCycle = dutyCycle
	c.RetransmitTO = retransmitTimeout

	if c.PacketLen < c.MTU {
		c.State = StateEnd
		c.finish(schc.NoFragmentation, core.ErrNoFragmentationNeed)
		return schc.NoFragmentation, core.ErrNoFragmentationNeed
	}

	c.RuleID = append([]byte(nil), ruleID...)
	bitio.Set(c.RuleID, c.Params.FragPos, 1)

	c.Window = 0
	c.WindowCnt = 0
	c.Bitmap = make([]byte, c.Params.BitmapSizeBytes())
	c.Ack.Bitmap = make([]byte, c.Params.BitmapSizeBytes())
	c.FCN = c.Params.MaxWindFcn
	c.FragCnt = 0
	c.Attempts = 0
	c.MIC = mic.Compute(c.Data[:c.PacketLen])

	c.State = StateSend
	c.run()

	// run() only calls finish for a terminal outcome (END or a failure);
	// anything else means the connection is correctly in flight, awaiting
	// a timer callback or an incoming ack, and Fragment reports that as
	// success-so-far. Done()/Result() observe the eventual outcome.
	select {
	case <-c.done:
		return c.result, c.resultErr
	default:
		return schc.Success, nil
	}
}
