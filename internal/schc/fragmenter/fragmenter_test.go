package fragmenter_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aranea-iot/schcgw/internal/core"
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/ack"
	"github.com/aranea-iot/schcgw/internal/schc/bitio"
	"github.com/aranea-iot/schcgw/internal/schc/fragmenter"
	"github.com/aranea-iot/schcgw/internal/schc/mic"
)

const (
	dutyCycle    = time.Millisecond
	retransmitTO = time.Second
)

// capturingSender records every transmitted frame.
type capturingSender struct {
	frames [][]byte
}

func (s *capturingSender) Send(frame []byte, deviceID uint32) error {
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

type failingSender struct{ err error }

func (s failingSender) Send(frame []byte, deviceID uint32) error { return s.err }

// dutyScheduler runs duty-cycle delays synchronously, so a window is
// emitted in one Fragment call, and parks the retransmit timer for the
// test to fire (or not) explicitly.
type dutyScheduler struct {
	pending func()
}

func (s *dutyScheduler) After(d time.Duration, fn func()) func() {
	if d == dutyCycle {
		fn()
		return func() {}
	}
	s.pending = fn
	return func() { s.pending = nil }
}

func (s *dutyScheduler) fire() {
	fn := s.pending
	s.pending = nil
	if fn != nil {
		fn()
	}
}

func testPacket(n int) []byte {
	packet := make([]byte, n)
	for i := range packet {
		packet[i] = byte(i * 13)
	}
	packet[0] = 0xA4 // original rule id; with the frag bit set it reads 0xA5
	return packet
}

func newConn(params schc.Params) (*fragmenter.Connection, *capturingSender, *dutyScheduler) {
	sender := &capturingSender{}
	sched := &dutyScheduler{}
	conn := fragmenter.New(1, params, fragmenter.Capabilities{Sender: sender, Scheduler: sched})
	return conn, sender, sched
}

// fcnOf reads the FCN field out of a transmitted fragment.
func fcnOf(params schc.Params, frame []byte) int {
	pos := params.RuleSizeBits + params.DtagSizeBits + params.WindowSizeBits
	return int(bitio.ReadUint(frame, pos, params.FcnSizeBits))
}

func windowOf(params schc.Params, frame []byte) uint32 {
	return bitio.ReadUint(frame, params.RuleSizeBits+params.DtagSizeBits, params.WindowSizeBits)
}

// ackWith builds an ack frame whose bitmap has every window bit set
// except the given 0-based indices.
func ackWith(params schc.Params, rule []byte, window uint32, terminal, micOK bool, missing ...int) []byte {
	bitmap := make([]byte, params.BitmapSizeBytes())
	bitio.Set(bitmap, 0, params.WindowSize())
	for _, i := range missing {
		bitio.Clear(bitmap, i, 1)
	}
	return ack.Encode(params, rule, ack.Frame{Window: window, HasMIC: terminal, MICOK: micOK, Bitmap: bitmap})
}

func fragRule(packet []byte, params schc.Params) []byte {
	rule := append([]byte(nil), packet[:params.RuleSizeBytes()]...)
	bitio.Set(rule, params.FragPos, 1)
	return rule
}

// S1: the packet fits within a single MTU and is not fragmented.
func TestNoFragmentationNeeded(t *testing.T) {
	params := schc.DefaultParams()
	conn, sender, _ := newConn(params)

	packet := testPacket(50)
	code, err := conn.Fragment(packet, 128, 0, packet[:1], dutyCycle, retransmitTO)
	assert.Equal(t, schc.NoFragmentation, code)
	assert.ErrorIs(t, err, core.ErrNoFragmentationNeed)
	assert.Empty(t, sender.frames)
}

func TestInitValidation(t *testing.T) {
	params := schc.DefaultParams()

	t.Run("missing sender", func(t *testing.T) {
		conn := fragmenter.New(1, params, fragmenter.Capabilities{Scheduler: &dutyScheduler{}})
		code, err := conn.Fragment(testPacket(125), 20, 0, []byte{0xA4}, dutyCycle, retransmitTO)
		assert.Equal(t, schc.Failure, code)
		assert.ErrorIs(t, err, core.ErrConfig)
	})
	t.Run("missing scheduler", func(t *testing.T) {
		conn := fragmenter.New(1, params, fragmenter.Capabilities{Sender: &capturingSender{}})
		code, err := conn.Fragment(testPacket(125), 20, 0, []byte{0xA4}, dutyCycle, retransmitTO)
		assert.Equal(t, schc.Failure, code)
		assert.ErrorIs(t, err, core.ErrConfig)
	})
	t.Run("oversized mtu", func(t *testing.T) {
		conn, _, _ := newConn(params)
		code, err := conn.Fragment(testPacket(512), params.MaxMTULength+1, 0, []byte{0xA4}, dutyCycle, retransmitTO)
		assert.Equal(t, schc.Failure, code)
		assert.ErrorIs(t, err, core.ErrConfig)
	})
	t.Run("empty packet", func(t *testing.T) {
		conn, _, _ := newConn(params)
		code, err := conn.Fragment(nil, 20, 0, []byte{0xA4}, dutyCycle, retransmitTO)
		assert.Equal(t, schc.Failure, code)
		assert.ErrorIs(t, err, core.ErrConfig)
	})
}

// S2/S5: exact-fit single window, no loss; fcn counts 6..1 then all-1,
// the terminal fragment carries the MIC, and the ack vector 0xA5 0x78
// (window 0, mic_ok 1) drives the machine to END.
func TestSingleWindowNoLoss(t *testing.T) {
	params := schc.DefaultParams()
	conn, sender, sched := newConn(params)

	packet := testPacket(125)
	code, err := conn.Fragment(packet, 20, 0, packet[:1], dutyCycle, retransmitTO)
	require.NoError(t, err)
	require.Equal(t, schc.Success, code)
	require.Equal(t, fragmenter.StateWaitBitmap, conn.State)

	require.Len(t, sender.frames, 7)
	wantFCN := []int{6, 5, 4, 3, 2, 1, 7}
	for i, frame := range sender.frames {
		assert.Equal(t, wantFCN[i], fcnOf(params, frame), "fragment %d", i+1)
		assert.Equal(t, uint32(0), windowOf(params, frame), "fragment %d", i+1)
	}

	// Terminal fragment carries the MIC right after the header.
	terminal := sender.frames[6]
	gotMIC := make([]byte, params.MicSizeBytes)
	bitio.Copy(gotMIC, 0, terminal, params.HeaderBitsNoMIC(), params.MicSizeBytes*8)
	assert.Equal(t, mic.Compute(packet), gotMIC)

	consumed, err := conn.HandleAck([]byte{0xA5, 0x78})
	require.NoError(t, err)
	require.True(t, consumed)

	assert.Equal(t, fragmenter.StateEnd, conn.State)
	assert.Nil(t, sched.pending, "retransmit timer must be cancelled on END")
	code, err = conn.Result()
	require.NoError(t, err)
	assert.Equal(t, schc.Success, code)
}

// S3: single window, fragments 2 and 3 lost; the sender resends exactly
// those two, in ascending order, then re-arms the retransmit timer.
func TestSingleLossResendsInOrder(t *testing.T) {
	params := schc.DefaultParams()
	conn, sender, sched := newConn(params)

	packet := testPacket(125)
	_, err := conn.Fragment(packet, 20, 0, packet[:1], dutyCycle, retransmitTO)
	require.NoError(t, err)
	require.Len(t, sender.frames, 7)

	rule := fragRule(packet, params)
	consumed, err := conn.HandleAck(ackWith(params, rule, 0, true, false, 1, 2))
	require.NoError(t, err)
	require.True(t, consumed)

	require.Len(t, sender.frames, 9, "exactly the two missing fragments are resent")
	assert.Equal(t, 5, fcnOf(params, sender.frames[7]))
	assert.Equal(t, 4, fcnOf(params, sender.frames[8]))
	assert.Equal(t, sender.frames[1], sender.frames[7], "retransmission is byte-identical")
	assert.Equal(t, sender.frames[2], sender.frames[8])

	assert.Equal(t, fragmenter.StateWaitBitmap, conn.State)
	assert.NotNil(t, sched.pending, "retransmit timer re-armed after resending")
	assert.Equal(t, 1, conn.Attempts)
}

// S4: two windows, fragments 2, 9 and 10 of window 0 lost. After the
// repair and a clean ack the sender toggles its window bit, bumps the
// window counter and proceeds into the next window.
func TestTwoWindowsLossInFirst(t *testing.T) {
	params := schc.DefaultParams()
	params.MaxWindFcn = 9
	params.FcnSizeBits = 4
	conn, sender, _ := newConn(params)

	packet := testPacket(190)
	_, err := conn.Fragment(packet, 20, 0, packet[:1], dutyCycle, retransmitTO)
	require.NoError(t, err)
	require.Len(t, sender.frames, 10, "window 0 holds ten fragments")

	rule := fragRule(packet, params)
	consumed, err := conn.HandleAck(ackWith(params, rule, 0, false, false, 1, 8, 9))
	require.NoError(t, err)
	require.True(t, consumed)

	require.Len(t, sender.frames, 13)
	assert.Equal(t, 8, fcnOf(params, sender.frames[10]))
	assert.Equal(t, 1, fcnOf(params, sender.frames[11]))
	assert.Equal(t, 0, fcnOf(params, sender.frames[12]))

	consumed, err = conn.HandleAck(ackWith(params, rule, 0, false, false))
	require.NoError(t, err)
	require.True(t, consumed)

	assert.Equal(t, uint32(1), conn.Window)
	assert.Equal(t, 1, conn.WindowCnt)
	// The terminal fragment of window 1 went out right away.
	require.Len(t, sender.frames, 14)
	assert.Equal(t, uint32(1), windowOf(params, sender.frames[13]))
	assert.Equal(t, 15, fcnOf(params, sender.frames[13]))
	assert.Equal(t, fragmenter.StateWaitBitmap, conn.State)
}

// An ack for the wrong window is discarded and the sender keeps waiting.
func TestUnexpectedWindowIsDiscarded(t *testing.T) {
	params := schc.DefaultParams()
	conn, sender, _ := newConn(params)

	packet := testPacket(125)
	_, err := conn.Fragment(packet, 20, 0, packet[:1], dutyCycle, retransmitTO)
	require.NoError(t, err)
	sent := len(sender.frames)

	rule := fragRule(packet, params)
	consumed, err := conn.HandleAck(ackWith(params, rule, 1, true, false))
	require.NoError(t, err)
	require.True(t, consumed)

	assert.Equal(t, fragmenter.StateWaitBitmap, conn.State)
	assert.Len(t, sender.frames, sent, "no retransmission for a stale window")

	// Even a confirmed MIC must not end the machine from the wrong window.
	consumed, err = conn.HandleAck(ackWith(params, rule, 1, true, true))
	require.NoError(t, err)
	require.True(t, consumed)
	assert.Equal(t, fragmenter.StateWaitBitmap, conn.State)
}

// A frame with a foreign rule id is not consumed; the caller forwards
// it to the reassembler instead.
func TestForeignRuleIsNotConsumed(t *testing.T) {
	params := schc.DefaultParams()
	conn, _, _ := newConn(params)

	packet := testPacket(125)
	_, err := conn.Fragment(packet, 20, 0, packet[:1], dutyCycle, retransmitTO)
	require.NoError(t, err)

	consumed, err := conn.HandleAck([]byte{0x11, 0x78})
	require.NoError(t, err)
	assert.False(t, consumed)
}

// A retransmit timeout with an unacked resend set sends it again.
func TestRetransmitTimeoutRepeatsResendSet(t *testing.T) {
	params := schc.DefaultParams()
	conn, sender, sched := newConn(params)

	packet := testPacket(125)
	_, err := conn.Fragment(packet, 20, 0, packet[:1], dutyCycle, retransmitTO)
	require.NoError(t, err)

	rule := fragRule(packet, params)
	_, err = conn.HandleAck(ackWith(params, rule, 0, true, false, 3))
	require.NoError(t, err)
	require.Len(t, sender.frames, 8)
	require.Equal(t, 1, conn.Attempts)

	sched.fire()
	assert.Len(t, sender.frames, 9, "timeout repeats the outstanding fragment")
	assert.Equal(t, 2, conn.Attempts)
}

// S6: with a 3-bit rule id, 2-bit dtag, 1-bit window and 3-bit fcn the
// first payload bit lands at bit offset 9 of the fragment buffer.
func TestHeaderBitOffset(t *testing.T) {
	params := schc.Params{
		RuleSizeBits:   3,
		DtagSizeBits:   2,
		WindowSizeBits: 1,
		FcnSizeBits:    3,
		MicSizeBytes:   4,
		MaxWindFcn:     6,
		MaxMTULength:   64,
		RxConns:        1,
		FragPos:        2,
	}
	require.NoError(t, params.Validate())
	require.Equal(t, 9, params.HeaderBitsNoMIC())

	conn, sender, _ := newConn(params)
	packet := testPacket(125)
	packet[0] = 0x80 // 3-bit rule id 100, frag bit (pos 2) clear
	_, err := conn.Fragment(packet, 20, 3, packet[:1], dutyCycle, retransmitTO)
	require.NoError(t, err)
	require.NotEmpty(t, sender.frames)

	frame := sender.frames[0]
	// rule id 101 (frag bit set), dtag 11, window 0, fcn 110.
	assert.Equal(t, uint32(0b101), bitio.ReadUint(frame, 0, 3))
	assert.Equal(t, uint32(0b11), bitio.ReadUint(frame, 3, 2))
	assert.Equal(t, uint32(0), bitio.ReadUint(frame, 5, 1))
	assert.Equal(t, uint32(6), bitio.ReadUint(frame, 6, 3))
	// The first payload bit is packet bit RuleSizeBits placed at offset 9.
	assert.Equal(t, bitio.At(packet, 3), bitio.At(frame, 9))
}

func TestSendFailureAbortsConnection(t *testing.T) {
	params := schc.DefaultParams()
	boom := errors.New("radio busy")
	conn := fragmenter.New(3, params, fragmenter.Capabilities{Sender: failingSender{err: boom}, Scheduler: &dutyScheduler{}})

	packet := testPacket(40)
	_, err := conn.Fragment(packet, 20, 0, packet[:1], dutyCycle, retransmitTO)
	require.Error(t, err)

	code, resultErr := conn.Result()
	assert.Equal(t, schc.Failure, code)
	assert.ErrorIs(t, resultErr, boom)
}

func TestAbortReportsRetransmitExhaustion(t *testing.T) {
	params := schc.DefaultParams()
	conn, _, sched := newConn(params)

	packet := testPacket(125)
	_, err := conn.Fragment(packet, 20, 0, packet[:1], dutyCycle, retransmitTO)
	require.NoError(t, err)
	require.Equal(t, fragmenter.StateWaitBitmap, conn.State)

	conn.Abort()
	code, abortErr := conn.Result()
	assert.Equal(t, schc.Failure, code)
	assert.ErrorIs(t, abortErr, core.ErrRetransmitExhaustion)
	assert.Nil(t, sched.pending)

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done must be closed after Abort")
	}
}

// Every transmitted fragment of a window has its bit in the local
// bitmap.
func TestLocalBitmapTracksTransmissions(t *testing.T) {
	params := schc.DefaultParams()
	conn, sender, _ := newConn(params)

	packet := testPacket(125)
	_, err := conn.Fragment(packet, 20, 0, packet[:1], dutyCycle, retransmitTO)
	require.NoError(t, err)

	for i := 0; i < len(sender.frames); i++ {
		assert.True(t, bitio.At(conn.Bitmap, i), "bitmap bit %d", i)
	}
}
