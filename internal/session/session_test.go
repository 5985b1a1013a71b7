package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aranea-iot/schcgw/internal/config"
	"github.com/aranea-iot/schcgw/internal/core"
	"github.com/aranea-iot/schcgw/internal/fixtures"
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/ack"
	"github.com/aranea-iot/schcgw/internal/schc/reassembler"
	"github.com/aranea-iot/schcgw/internal/session"
)

// loopSender hands every transmitted frame to a callback, so tests can
// model the peer inline.
type loopSender struct {
	mu     sync.Mutex
	frames [][]byte
	onSend func(frame []byte, deviceID uint32)
}

func (s *loopSender) Send(frame []byte, deviceID uint32) error {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	s.mu.Unlock()
	if s.onSend != nil {
		s.onSend(frame, deviceID)
	}
	return nil
}

func (s *loopSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func testProfile(deviceID uint32) config.DeviceProfile {
	return config.DeviceProfile{
		Name:     "test-device",
		DeviceID: deviceID,
		RuleID:   0xA4,
	}
}

func fastPolicy() session.Policy {
	return session.Policy{
		DutyCycle:         time.Microsecond,
		RetransmitTimeout: 5 * time.Millisecond,
		MaxAttempts:       3,
	}
}

func TestStartRejectsDuplicateSession(t *testing.T) {
	sender := &loopSender{}
	m := session.NewManager(fastPolicy(), sender, nil)

	packet := fixtures.CompressedPacket(0xA4, 125)
	s1, code, err := m.Start(testProfile(7), packet, 20)
	require.NoError(t, err)
	require.Equal(t, schc.Success, code)
	require.NotNil(t, s1)

	_, _, err = m.Start(testProfile(7), packet, 20)
	assert.ErrorIs(t, err, core.ErrSessionAlreadyExists)
}

func TestStartPassesThroughSmallPacket(t *testing.T) {
	sender := &loopSender{}
	m := session.NewManager(fastPolicy(), sender, nil)

	packet := fixtures.CompressedPacket(0xA4, 10)
	_, code, err := m.Start(testProfile(7), packet, 128)
	assert.Equal(t, schc.NoFragmentation, code)
	assert.ErrorIs(t, err, core.ErrNoFragmentationNeed)
	assert.Empty(t, m.List())
}

// Full loopback through the manager: frames are fed straight into a
// peer reassembler and its acks come back through Input.
func TestManagerLoopbackRoundTrip(t *testing.T) {
	params := schc.DefaultParams()
	sender := &loopSender{}

	var m *session.Manager
	var delivered []byte
	var deliveredMu sync.Mutex

	peerAcks := &loopSender{}
	peer := reassembler.New(params, peerAcks)

	sender.onSend = func(frame []byte, deviceID uint32) {
		packet, err := peer.Input(frame, deviceID)
		assert.NoError(t, err)
		if packet != nil {
			deliveredMu.Lock()
			delivered = append([]byte(nil), packet...)
			deliveredMu.Unlock()
		}
		for {
			peerAcks.mu.Lock()
			if len(peerAcks.frames) == 0 {
				peerAcks.mu.Unlock()
				return
			}
			ackFrame := peerAcks.frames[0]
			peerAcks.frames = peerAcks.frames[1:]
			peerAcks.mu.Unlock()
			go m.Input(ackFrame, deviceID)
		}
	}

	m = session.NewManager(fastPolicy(), sender, nil)
	packet := fixtures.CompressedPacket(0xA4, 125)
	s, code, err := m.Start(testProfile(7), packet, 20)
	require.NoError(t, err)
	require.Equal(t, schc.Success, code)

	require.Eventually(t, func() bool {
		return len(m.List()) == 0
	}, time.Second, time.Millisecond, "session should finish")

	deliveredMu.Lock()
	defer deliveredMu.Unlock()
	assert.Equal(t, packet, delivered)
	_ = s
}

// With no peer answering, the retransmit budget eventually aborts the
// session.
func TestAttemptCeilingAbortsSession(t *testing.T) {
	sender := &loopSender{}
	params := schc.DefaultParams()
	m := session.NewManager(session.Policy{
		DutyCycle:         time.Microsecond,
		RetransmitTimeout: time.Millisecond,
		MaxAttempts:       2,
	}, sender, nil)

	packet := fixtures.CompressedPacket(0xA4, 125)
	s, code, err := m.Start(testProfile(9), packet, 20)
	require.NoError(t, err)
	require.Equal(t, schc.Success, code)

	// Acks are only taken while the sender waits for one; let the window
	// finish pacing out first.
	require.Eventually(t, func() bool {
		list := m.List()
		return len(list) == 1 && list[0].State == "WAIT_BITMAP"
	}, time.Second, time.Millisecond)

	// Ack with one fragment missing puts the connection into a resend
	// loop that burns an attempt on every timeout.
	bitmap := make([]byte, params.BitmapSizeBytes())
	for i := 0; i < params.WindowSize(); i++ {
		if i != 3 {
			bitmap[i/8] |= 0x80 >> uint(i%8)
		}
	}
	ackFrame := ack.Encode(params, []byte{0xA5}, ack.Frame{Window: 0, HasMIC: true, MICOK: false, Bitmap: bitmap})
	_, err = m.Input(ackFrame, 9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(m.List()) == 0
	}, time.Second, time.Millisecond, "session should abort after max attempts")
	_ = s
}

func TestStopAbortsSession(t *testing.T) {
	sender := &loopSender{}
	m := session.NewManager(fastPolicy(), sender, nil)

	packet := fixtures.CompressedPacket(0xA4, 125)
	s, _, err := m.Start(testProfile(5), packet, 20)
	require.NoError(t, err)

	require.True(t, m.Stop(s.ID))
	require.Eventually(t, func() bool {
		return len(m.List()) == 0
	}, time.Second, time.Millisecond)
	assert.False(t, m.Stop(s.ID), "second stop finds nothing")
}

func TestInputWithoutReassemblerRejectsData(t *testing.T) {
	m := session.NewManager(fastPolicy(), &loopSender{}, nil)
	_, err := m.Input([]byte{0x15, 0x00}, 3)
	assert.ErrorIs(t, err, core.ErrUnexpectedFragment)
}
