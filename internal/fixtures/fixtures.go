// Package fixtures synthesizes wire-shaped compressed packets for
// tests and the CLI demo. A SCHC compressor normally hands the
// fragmenter its output; since compression is out of scope, these
// stand-ins are built from a real IPv6/UDP datagram carrying a CoAP
// observation, so framing code is exercised against realistic bytes
// instead of counter patterns.
package fixtures

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// CoAP message constants for the synthetic observation below.
const (
	coapVersion     = 1
	coapTypeNonConf = 1
	coapCodePOST    = 0x02
)

// CompressedPacket returns a deterministic pseudo-compressed packet of
// exactly n bytes, led by ruleID. The body is a serialized IPv6/UDP/
// CoAP datagram, truncated or repeated to length; byte 0 is the rule
// id the compressor would have emitted.
func CompressedPacket(ruleID byte, n int) []byte {
	if n < 1 {
		return nil
	}
	datagram := coapDatagram()

	out := make([]byte, n)
	out[0] = ruleID
	for i := 1; i < n; i++ {
		out[i] = datagram[(i-1)%len(datagram)]
	}
	return out
}

// coapDatagram serializes one IPv6/UDP frame with a small CoAP POST
// payload, the kind of traffic a SCHC deployment compresses.
func coapDatagram() []byte {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	udp := &layers.UDP{
		SrcPort: 5683,
		DstPort: 5683,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(fmt.Sprintf("fixtures: %v", err))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(coapPayload())); err != nil {
		panic(fmt.Sprintf("fixtures: serialize: %v", err))
	}
	return buf.Bytes()
}

// coapPayload hand-packs a NON POST /t header plus a short sensor
// reading; gopacket has no CoAP layer.
func coapPayload() []byte {
	header := []byte{
		coapVersion<<6 | coapTypeNonConf<<4 | 0x01, // ver, type, token length 1
		coapCodePOST,
		0x30, 0x39, // message id 12345
		0xC1,       // token
		0xB1, 0x74, // Uri-Path "t"
		0xFF, // payload marker
	}
	return append(header, []byte(`{"t":21.5}`)...)
}
