package fragmenter

import "github.com/aranea-iot/schcgw/internal/schc/bitio"

// terminalOffset reports, for the connection's current (about-to-be-
// sent) FragCnt, whether this fragment is the last one of the whole
// packet and, if so, the absolute bit offset into Data where its
// payload begins. A fragment is terminal only when the remaining
// payload plus the enlarged header (with MIC) still fits in one MTU.
func terminalOffset(c *Connection) (bitOffset int, terminal bool) {
	totalFragments := c.PacketLen / c.MTU
	if c.FragCnt <= totalFragments {
		return 0, false
	}

	headerBits := c.Params.HeaderBitsNoMIC()
	totalBitOffset := (c.MTU*8 - headerBits) * (c.FragCnt - 1)
	totalByteOffset := totalBitOffset / 8
	remainingBitOffset := totalBitOffset % 8

	headerBitsWithMIC := headerBits + c.Params.MicSizeBytes*8
	candidateLen := (c.PacketLen - totalByteOffset) + ceilDiv(headerBitsWithMIC+remainingBitOffset, 8)
	if candidateLen > c.MTU {
		return 0, false
	}
	return totalBitOffset, true
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// buildHeader packs rule id, dtag, window, fcn and (on the terminal
// fragment) the MIC into buf, returning the number of header bits
// written.
func buildHeader(c *Connection, buf []byte) int {
	pos := c.Params.RuleSizeBits
	bitio.Copy(buf, 0, c.RuleID, 0, pos)

	if c.Params.DtagSizeBits > 0 {
		bitio.WriteUint(buf, pos, c.Params.DtagSizeBits, c.Dtag)
		pos += c.Params.DtagSizeBits
	}

	bitio.WriteUint(buf, pos, c.Params.WindowSizeBits, c.Window)
	pos += c.Params.WindowSizeBits

	bitio.WriteUint(buf, pos, c.Params.FcnSizeBits, uint32(c.FCN))
	pos += c.Params.FcnSizeBits

	if _, terminal := terminalOffset(c); terminal {
		bitio.Copy(buf, pos, c.MIC, 0, c.Params.MicSizeBytes*8)
		pos += c.Params.MicSizeBytes * 8
	}
	return pos
}

// buildFragment assembles the on-wire frame for the connection's
// current FragCnt/FCN, slicing the payload out of Data at the correct
// bit offset.
func buildFragment(c *Connection) []byte {
	buf := make([]byte, c.MTU)
	headerBits := buildHeader(c, buf)

	packetBitOffset, terminal := terminalOffset(c)
	var packetLen int
	if !terminal {
		packetBitOffset = (c.MTU*8 - headerBits) * (c.FragCnt - 1)
		packetLen = c.MTU
	}

	totalByteOffset := packetBitOffset / 8
	remainingBitOffset := packetBitOffset % 8

	if terminal {
		packetLen = (c.PacketLen - totalByteOffset) + ceilDiv(headerBits+remainingBitOffset, 8)
	}

	packetBits := packetLen*8 - headerBits
	// The packet's own leading RuleSizeBits belong to its original
	// (non-fragmentation) rule id, already represented by RuleID in the
	// header above, so every payload slice skips past them.
	srcBitPos := totalByteOffset*8 + remainingBitOffset + c.Params.RuleSizeBits
	// The terminal fragment's byte-rounded length can ask for a few
	// more bits than the packet holds; the tail of the frame stays
	// zero padding instead.
	if avail := c.PacketLen*8 - srcBitPos; packetBits > avail {
		packetBits = avail
	}
	bitio.Copy(buf, headerBits, c.Data, srcBitPos, packetBits)

	return buf[:packetLen]
}
