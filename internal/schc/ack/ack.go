// Package ack encodes and decodes SCHC acknowledgement frames and
// holds the optional bitmap compression. The sender parses inbound acks
// with Decode and computes its retransmit set in the fragmenter; the
// receiver builds outbound acks with Encode after an all-0 or all-1
// fragment closes a window.
package ack

import (
	"fmt"

	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/bitio"
)

// Frame is one parsed (or to-be-encoded) acknowledgement.
type Frame struct {
	Dtag   uint32
	Window uint32

	// HasMIC reports whether the frame carries the 1-bit MIC flag; it is
	// present only on the ack closing the terminal window.
	HasMIC bool
	MICOK  bool

	// Bitmap spans Params.WindowSize() bits: bit i set means fragment i
	// of the acked window was received.
	Bitmap []byte
}

// Matches reports whether frame starts with ruleID, the gate applied
// before treating inbound bytes as an ack at all.
func Matches(params schc.Params, ruleID, frame []byte) bool {
	if len(frame)*8 < params.RuleSizeBits {
		return false
	}
	return bitio.Compare(ruleID, frame, params.RuleSizeBits)
}

// Decode parses an ack frame. expectMIC must be true iff the sender is
// awaiting the ack of its terminal window; only then does the wire
// format carry the MIC flag between the window bit and the bitmap.
func Decode(params schc.Params, frame []byte, expectMIC bool) (Frame, error) {
	head := params.RuleSizeBits + params.DtagSizeBits + params.WindowSizeBits
	if expectMIC {
		head++
	}
	if len(frame)*8 < head {
		return Frame{}, fmt.Errorf("ack: frame too short: %d bytes", len(frame))
	}

	var f Frame
	pos := params.RuleSizeBits
	if params.DtagSizeBits > 0 {
		f.Dtag = bitio.ReadUint(frame, pos, params.DtagSizeBits)
		pos += params.DtagSizeBits
	}
	f.Window = bitio.ReadUint(frame, pos, params.WindowSizeBits)
	pos += params.WindowSizeBits

	if expectMIC {
		f.HasMIC = true
		f.MICOK = bitio.At(frame, pos)
		pos++
	}

	f.Bitmap = make([]byte, params.BitmapSizeBytes())
	avail := len(frame)*8 - pos
	n := params.WindowSize()
	if avail < n {
		// A confirmed MIC ends the transfer before the bitmap is ever
		// consulted, so a short terminal ack is still acceptable.
		if !params.CompressBitmap && !(f.HasMIC && f.MICOK) {
			return Frame{}, fmt.Errorf("ack: bitmap truncated: %d of %d bits", avail, n)
		}
		n = avail
	}
	bitio.Copy(f.Bitmap, 0, frame, pos, n)
	if params.CompressBitmap {
		f.Bitmap = expandBitmap(params, f.Bitmap)
	}
	return f, nil
}

// Encode builds the on-wire ack frame for f, led by ruleID. The rule id
// is emitted as given; the receiver echoes the fragmentation rule id it
// saw, fragmentation bit included.
func Encode(params schc.Params, ruleID []byte, f Frame) []byte {
	buf := make([]byte, params.RuleSizeBytes()+1+2*params.BitmapSizeBytes())
	pos := params.RuleSizeBits
	bitio.Copy(buf, 0, ruleID, 0, pos)

	if params.DtagSizeBits > 0 {
		bitio.WriteUint(buf, pos, params.DtagSizeBits, f.Dtag)
		pos += params.DtagSizeBits
	}
	bitio.WriteUint(buf, pos, params.WindowSizeBits, f.Window)
	pos += params.WindowSizeBits

	if f.HasMIC {
		if f.MICOK {
			bitio.Set(buf, pos, 1)
		}
		pos++
	}

	bitmap := f.Bitmap
	bits := params.WindowSize()
	if params.CompressBitmap {
		bitmap, bits = trimBitmap(params, bitmap)
	}
	bitio.Copy(buf, pos, bitmap, 0, bits)
	pos += bits

	return buf[:(pos+7)/8]
}

// trimBitmap drops the rightmost all-zero bytes of the window bitmap.
// The head bytes are kept whole so the receiver can restore the window
// width.
func trimBitmap(params schc.Params, bitmap []byte) ([]byte, int) {
	end := len(bitmap)
	for end > 1 && bitmap[end-1] == 0 {
		end--
	}
	bits := end * 8
	if max := params.WindowSize(); bits > max {
		bits = max
	}
	return bitmap[:end], bits
}

// expandBitmap restores a trimmed bitmap to its full window width.
// Trimmed bytes were all-zero, and the backing slice from Decode is
// already full width and zero filled, so this is the identity today; it
// exists so the trim scheme stays symmetrical if it ever drops partial
// bytes.
func expandBitmap(params schc.Params, bitmap []byte) []byte {
	if len(bitmap) >= params.BitmapSizeBytes() {
		return bitmap[:params.BitmapSizeBytes()]
	}
	full := make([]byte, params.BitmapSizeBytes())
	copy(full, bitmap)
	return full
}
