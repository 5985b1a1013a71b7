// Package reassembler is the RX counterpart of the fragmenter: it
// consumes fragment frames for a pool of devices, tracks per-window
// bitmaps, verifies the MIC on the terminal fragment and emits the
// acknowledgements the sender's WAIT_BITMAP state expects.
//
// Fragments are expected in FCN order within a window, the order the
// sender guarantees on a serial link; there is no out-of-order payload
// buffer. Payload placement is the sender's framing math run in
// reverse.
package reassembler

import (
	"fmt"

	"github.com/aranea-iot/schcgw/internal/core"
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/ack"
	"github.com/aranea-iot/schcgw/internal/schc/bitio"
	"github.com/aranea-iot/schcgw/internal/schc/connpool"
	"github.com/aranea-iot/schcgw/internal/schc/mic"
)

// Sender transmits an ack frame back toward the fragmenting device.
type Sender interface {
	Send(frame []byte, deviceID uint32) error
}

// Reassembler owns the fixed RX connection table and drives one
// in-flight reassembly per device.
type Reassembler struct {
	params schc.Params
	sender Sender
	table  *connpool.Table
}

// rxConn is the per-device reassembly state held in a pool slot.
type rxConn struct {
	ruleID    []byte
	dtag      uint32
	window    uint32
	windowCnt int
	bitmap    []byte

	mtu int
	buf []byte

	// Set once the all-1 fragment of the final window has been seen.
	terminalIdx int
	packetLen   int
	micWant     []byte
}

// New creates a reassembler with params.RxConns table slots.
func New(params schc.Params, sender Sender) *Reassembler {
	return &Reassembler{
		params: params,
		sender: sender,
		table:  connpool.New(params.RxConns),
	}
}

// Connections reports how many reassemblies are currently in flight.
func (r *Reassembler) Connections() int {
	return r.table.Len()
}

// Input consumes one inbound frame from deviceID. It returns the
// reassembled packet once the terminal fragment's MIC has been
// confirmed, or nil while the transfer is still in progress. Frames
// whose rule id does not carry the fragmentation bit are unfragmented
// packets and are returned as-is.
func (r *Reassembler) Input(frame []byte, deviceID uint32) ([]byte, error) {
	p := r.params
	if len(frame)*8 < p.HeaderBitsNoMIC() {
		return nil, fmt.Errorf("reassembler: frame too short: %d bytes", len(frame))
	}
	if !bitio.At(frame, p.FragPos) {
		return frame, nil
	}

	slot, ok := r.table.Get(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: device %d", core.ErrNoConnection, deviceID)
	}
	conn, _ := slot.Value.(*rxConn)
	if conn == nil {
		conn = &rxConn{
			bitmap:      make([]byte, p.BitmapSizeBytes()),
			mtu:         len(frame),
			terminalIdx: -1,
		}
		slot.Value = conn
	}

	pos := 0
	ruleID := make([]byte, p.RuleSizeBytes())
	bitio.Copy(ruleID, 0, frame, 0, p.RuleSizeBits)
	pos += p.RuleSizeBits

	var dtag uint32
	if p.DtagSizeBits > 0 {
		dtag = bitio.ReadUint(frame, pos, p.DtagSizeBits)
		pos += p.DtagSizeBits
	}
	window := bitio.ReadUint(frame, pos, p.WindowSizeBits)
	pos += p.WindowSizeBits
	fcn := int(bitio.ReadUint(frame, pos, p.FcnSizeBits))
	pos += p.FcnSizeBits

	if conn.ruleID == nil {
		conn.ruleID = ruleID
		conn.dtag = dtag
		conn.window = window
		// The packet head is the original rule id: the one on the wire
		// with the fragmentation bit cleared again.
		head := make([]byte, p.RuleSizeBytes())
		copy(head, ruleID)
		bitio.Clear(head, p.FragPos, 1)
		conn.ensure(p.RuleSizeBytes())
		bitio.Copy(conn.buf, 0, head, 0, p.RuleSizeBits)
	}

	if window != conn.window {
		// The sender only moves its window bit after the previous window
		// was fully acked, so a flipped bit starts the next window.
		conn.window = window
		conn.windowCnt++
		for i := range conn.bitmap {
			conn.bitmap[i] = 0
		}
	}

	terminal := fcn == (1<<uint(p.FcnSizeBits))-1
	idx := p.MaxWindFcn - fcn
	if terminal {
		if conn.terminalIdx < 0 {
			// The all-1 FCN does not encode a position; in-order it
			// lands one past the highest fragment seen this window,
			// which stays correct when earlier fragments were lost.
			conn.terminalIdx = nextIdx(conn.bitmap, p.WindowSize())
		}
		idx = conn.terminalIdx
		conn.micWant = make([]byte, p.MicSizeBytes)
		bitio.Copy(conn.micWant, 0, frame, pos, p.MicSizeBytes*8)
		pos += p.MicSizeBytes * 8
	}
	if idx < 0 || idx > p.MaxWindFcn {
		return nil, fmt.Errorf("reassembler: fcn %d out of window", fcn)
	}

	if err := r.store(conn, frame, pos, idx, terminal); err != nil {
		return nil, err
	}
	bitio.Set(conn.bitmap, idx, 1)

	if conn.terminalIdx >= 0 {
		// Final window. Ack with the MIC flag once the bitmap has no
		// holes, or immediately when the terminal fragment itself shows
		// there are holes to report.
		if filled(conn.bitmap, conn.terminalIdx+1) {
			packet := conn.buf[:conn.packetLen]
			micOK := bitio.Compare(mic.Compute(packet), conn.micWant, p.MicSizeBytes*8)
			err := r.emitAck(conn, deviceID, true, micOK)
			if micOK {
				r.table.Release(deviceID)
				return packet, err
			}
			return nil, err
		}
		if terminal {
			return nil, r.emitAck(conn, deviceID, true, false)
		}
		return nil, nil
	}

	// Intermediate window: the all-0 boundary fragment requests an ack,
	// and so does a retransmission that fills the last hole.
	if fcn == 0 || filled(conn.bitmap, p.WindowSize()) {
		return nil, r.emitAck(conn, deviceID, false, false)
	}
	return nil, nil
}

// store copies the fragment's payload bits into the reassembly buffer
// at the offset implied by its absolute fragment number; the terminal
// fragment also pins down the total packet length.
func (r *Reassembler) store(conn *rxConn, frame []byte, headerBits, idx int, terminal bool) error {
	p := r.params
	absFrag := conn.windowCnt*p.WindowSize() + idx // 0-based fragment number

	totalBitOffset := (conn.mtu*8 - p.HeaderBitsNoMIC()) * absFrag
	totalByteOffset := totalBitOffset / 8
	remainingBitOffset := totalBitOffset % 8
	dstBitPos := totalByteOffset*8 + remainingBitOffset + p.RuleSizeBits

	if !terminal {
		if len(frame) != conn.mtu {
			return fmt.Errorf("reassembler: fragment length %d, link mtu %d", len(frame), conn.mtu)
		}
		payloadBits := conn.mtu*8 - headerBits
		conn.ensure((dstBitPos + payloadBits + 7) / 8)
		bitio.Copy(conn.buf, dstBitPos, frame, headerBits, payloadBits)
		return nil
	}

	// Invert the sender's terminal length formula to recover the full
	// packet length, then take only the bits that belong to it; the
	// frame tail beyond that is byte-rounding padding.
	packetLen := totalByteOffset + len(frame) - ceilDiv(headerBits+remainingBitOffset, 8)
	payloadBits := packetLen*8 - dstBitPos
	if payloadBits < 0 {
		return fmt.Errorf("reassembler: terminal fragment before payload end")
	}
	if max := len(frame)*8 - headerBits; payloadBits > max {
		payloadBits = max
	}
	conn.ensure(packetLen)
	bitio.Copy(conn.buf, dstBitPos, frame, headerBits, payloadBits)
	conn.packetLen = packetLen
	return nil
}

func (r *Reassembler) emitAck(conn *rxConn, deviceID uint32, terminal, micOK bool) error {
	frame := ack.Encode(r.params, conn.ruleID, ack.Frame{
		Dtag:   conn.dtag,
		Window: conn.window,
		HasMIC: terminal,
		MICOK:  micOK,
		Bitmap: conn.bitmap,
	})
	return r.sender.Send(frame, deviceID)
}

func (c *rxConn) ensure(n int) {
	if len(c.buf) < n {
		grown := make([]byte, n)
		copy(grown, c.buf)
		c.buf = grown
	}
}

// filled reports whether the first n bitmap bits are all set.
func filled(bitmap []byte, n int) bool {
	return popCount(bitmap, n) == n
}

// nextIdx returns the window slot one past the highest set bit.
func nextIdx(bitmap []byte, bits int) int {
	highest := -1
	for i := 0; i < bits; i++ {
		if bitio.At(bitmap, i) {
			highest = i
		}
	}
	return highest + 1
}

func popCount(bitmap []byte, bits int) int {
	n := 0
	for i := 0; i < bits; i++ {
		if bitio.At(bitmap, i) {
			n++
		}
	}
	return n
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
