package fragmenter

import (
	"github.com/aranea-iot/schcgw/internal/core"
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/ack"
	"github.com/aranea-iot/schcgw/internal/schc/bitio"
)

// run dispatches on the connection's current state. Every branch either
// suspends (arms a timer and returns) or recurses synchronously into
// the next state; it never blocks.
func (c *Connection) run() {
	switch c.State {
	case StateSend:
		c.doSend()
	case StateWaitBitmap:
		c.doWaitBitmap()
	case StateResend:
		c.doResend()
	case StateEnd:
		c.doEnd()
	}
}

func (c *Connection) doSend() {
	localIdx := c.windowLocalIndex(c.FragCnt)
	bitio.Set(c.Bitmap, localIdx, 1)
	c.FragCnt++

	if _, terminal := terminalOffset(c); terminal {
		c.FCN = allOnes(c.Params.FcnSizeBits)
		if !c.send() {
			return
		}
		c.armRetransmit()
		c.State = StateWaitBitmap
		return
	}

	if c.FCN == 0 {
		if !c.send() {
			return
		}
		c.FCN = c.Params.MaxWindFcn
		c.armRetransmit()
		c.State = StateWaitBitmap
		return
	}

	if !c.send() {
		return
	}
	c.FCN--
	c.State = StateSend
	c.armDutyCycle()
}

func (c *Connection) doResend() {
	found := -1
	for i := c.resendCursor; i <= c.Params.MaxWindFcn; i++ {
		if bitio.At(c.Ack.Bitmap, i) {
			found = i
			break
		}
	}

	if found == -1 {
		c.FragCnt = (c.WindowCnt + 1) * c.Params.WindowSize()
		c.armRetransmit()
		c.State = StateWaitBitmap
		return
	}

	c.resendCursor = found + 1
	c.FragCnt = c.WindowCnt*c.Params.WindowSize() + found + 1
	if _, terminal := terminalOffset(c); terminal {
		c.FCN = allOnes(c.Params.FcnSizeBits)
	} else {
		c.FCN = c.Params.WindowSize()*(c.WindowCnt+1) - c.FragCnt
	}

	if !c.send() {
		return
	}
	c.State = StateResend
	c.armDutyCycle()
}

func (c *Connection) doWaitBitmap() {
	// Reached via the retransmit timer with no fresh ack. If the last
	// ack left fragments outstanding, that set is sent again; otherwise
	// keep waiting. The host decides when enough attempts have been
	// made - RetransmitExhaustion is a policy the caller enforces
	// through Abort.
	if c.Ack.Bitmap != nil && !bitio.IsZero(c.Ack.Bitmap, c.Params.WindowSize()) {
		c.Attempts++
		c.resendCursor = 0
		c.State = StateResend
		c.run()
		return
	}
	c.armRetransmit()
}

func (c *Connection) doEnd() {
	c.cancel()
	c.finish(schc.Success, nil)
}

// Abort force-finishes the connection with RetransmitExhaustion. The
// state machine never gives up on its own; a session manager that
// tracks wall-clock deadlines or Attempts calls this once it decides
// to stop waiting.
func (c *Connection) Abort() {
	if c.State == StateEnd {
		return
	}
	c.cancel()
	c.State = StateEnd
	c.finish(schc.Failure, core.ErrRetransmitExhaustion)
}

// send transmits the current fragment and reports whether the state
// machine should keep running; a transport error finishes the connection
// with Failure and stops further state transitions.
func (c *Connection) send() bool {
	frame := buildFragment(c)
	if err := c.Caps.Sender.Send(frame, c.DeviceID); err != nil {
		c.cancel()
		c.finish(schc.Failure, err)
		return false
	}
	return true
}

func (c *Connection) armDutyCycle() {
	c.cancel()
	cancel := c.Caps.Scheduler.After(c.DutyCycle, c.run)
	// A scheduler may run the callback before After returns; if that run
	// armed a timer of its own, keep its canceller instead of this one.
	if c.cancelTimer == nil {
		c.cancelTimer = cancel
	}
}

func (c *Connection) armRetransmit() {
	c.cancel()
	c.cancelTimer = c.Caps.Scheduler.After(c.RetransmitTO, func() {
		if c.State == StateEnd {
			return
		}
		c.run()
	})
}

func (c *Connection) cancel() {
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
}

func allOnes(bits int) int {
	return (1 << uint(bits)) - 1
}

// HandleAck is called with an inbound frame and reports whether it was
// consumed as an ack for this connection. A frame is only treated as
// an ack while WAIT_BITMAP is active and its rule id matches;
// otherwise callers should forward it to the RX reassembler.
func (c *Connection) HandleAck(frame []byte) (consumed bool, err error) {
	if c.State != StateWaitBitmap {
		return false, nil
	}
	if !ack.Matches(c.Params, c.RuleID, frame) {
		return false, nil
	}

	_, expectingTerminal := terminalOffset(c)
	parsed, err := ack.Decode(c.Params, frame, expectingTerminal)
	if err != nil {
		// Rule id matched but the frame is malformed: consume and drop
		// it rather than handing header garbage to the reassembler.
		return true, err
	}

	c.Ack.Dtag = parsed.Dtag
	c.Ack.Window = parsed.Window
	c.Ack.MICOK = parsed.MICOK

	if parsed.Window != c.Window {
		// Stale or premature ack for the wrong window: discard, keep
		// waiting for the right one.
		return true, nil
	}

	if parsed.MICOK {
		// A confirmed MIC always ends the transfer, whatever the
		// bitmap says.
		c.State = StateEnd
		c.run()
		return true, nil
	}

	c.Ack.Bitmap = parsed.Bitmap
	c.reconcile()
	return true, nil
}

func (c *Connection) reconcile() {
	windowSize := c.Params.WindowSize()
	resend := make([]byte, c.Params.BitmapSizeBytes())
	bitio.Xor(resend, c.Bitmap, c.Ack.Bitmap, windowSize)

	if bitio.IsZero(resend, windowSize) {
		_, terminal := terminalOffset(c)
		if !terminal {
			c.cancel()
			clearBitmaps(c)
			c.Window ^= 1
			c.WindowCnt++
			c.State = StateSend
			c.run()
			return
		}
		// Terminal window fully acked but MIC unconfirmed: the frame
		// itself may have been corrupted in a way the per-fragment
		// bitmap can't see. Force a resend of just the terminal
		// fragment so the MIC can be re-verified.
		bitio.Set(resend, c.windowLocalIndex(c.FragCnt-1), 1)
	}

	c.Ack.Bitmap = resend
	c.resendCursor = 0
	c.Attempts++
	c.State = StateResend
	c.run()
}

func clearBitmaps(c *Connection) {
	for i := range c.Bitmap {
		c.Bitmap[i] = 0
	}
	for i := range c.Ack.Bitmap {
		c.Ack.Bitmap[i] = 0
	}
}
