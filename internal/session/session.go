// Package session manages concurrent fragmentation sessions. Each
// session wraps one fragmenter.Connection; the manager owns the lock
// that serialises state-machine entries (timer callbacks, inbound
// frames, CLI commands), which is the host-side obligation the
// fragmenter documents instead of locking internally.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aranea-iot/schcgw/internal/config"
	"github.com/aranea-iot/schcgw/internal/core"
	"github.com/aranea-iot/schcgw/internal/log"
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/fragmenter"
	"github.com/aranea-iot/schcgw/internal/schc/reassembler"
)

// Policy carries the link-level pacing and retry bounds from the
// global configuration.
type Policy struct {
	DutyCycle         time.Duration
	RetransmitTimeout time.Duration
	// MaxAttempts bounds retransmission rounds; once a connection's
	// attempt counter reaches it the session is aborted with
	// RetransmitExhaustion.
	MaxAttempts int
}

// Session is one in-flight fragmentation toward a device.
type Session struct {
	ID        string
	DeviceID  uint32
	Dtag      uint32
	PacketLen int
	CreatedAt time.Time

	conn *fragmenter.Connection
}

// Status is a point-in-time snapshot safe to serialize for the control
// plane.
type Status struct {
	ID        string    `json:"id"`
	DeviceID  uint32    `json:"device_id"`
	Dtag      uint32    `json:"dtag"`
	State     string    `json:"state"`
	FragCnt   int       `json:"frag_cnt"`
	WindowCnt int       `json:"window_cnt"`
	Attempts  int       `json:"attempts"`
	PacketLen int       `json:"packet_len"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns all TX sessions and the RX reassembler and routes
// inbound frames between them.
type Manager struct {
	mu       sync.Mutex
	policy   Policy
	sender   fragmenter.Sender
	reasm    *reassembler.Reassembler
	sessions map[string]*Session
	logger   log.Logger

	// Deliver is invoked (outside the lock) with every packet the
	// reassembler completes; when nil, reassembled packets are only
	// returned from Input.
	Deliver func(packet []byte, deviceID uint32)
}

// NewManager creates a session manager sending frames through sender.
// reasm may be nil when the gateway is transmit-only.
func NewManager(policy Policy, sender fragmenter.Sender, reasm *reassembler.Reassembler) *Manager {
	return &Manager{
		policy:   policy,
		sender:   sender,
		reasm:    reasm,
		sessions: make(map[string]*Session),
		logger:   log.GetLogger().WithField("component", "session"),
	}
}

func key(deviceID, dtag uint32) string {
	return fmt.Sprintf("%d/%d", deviceID, dtag)
}

// Start begins fragmenting packet toward the profile's device. The
// device id and dtag pair must not already have a live session.
func (m *Manager) Start(profile config.DeviceProfile, packet []byte, mtu int) (*Session, schc.ReturnCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(profile.DeviceID, profile.Dtag)
	if _, exists := m.sessions[k]; exists {
		return nil, schc.Failure, fmt.Errorf("%w: %s", core.ErrSessionAlreadyExists, k)
	}

	params := profile.Params.ToParams()
	s := &Session{
		ID:        uuid.NewString(),
		DeviceID:  profile.DeviceID,
		Dtag:      profile.Dtag,
		PacketLen: len(packet),
		CreatedAt: time.Now(),
	}
	s.conn = fragmenter.New(profile.DeviceID, params, fragmenter.Capabilities{
		Sender:    m.sender,
		Scheduler: &managedScheduler{m: m, s: s},
		Clock:     wallClock{},
	})

	m.logger.WithFields(map[string]interface{}{
		"session": s.ID, "device": s.DeviceID, "dtag": s.Dtag, "len": len(packet), "mtu": mtu,
	}).Info("starting fragmentation")

	code, err := s.conn.Fragment(packet, mtu, profile.Dtag, profile.RuleBytes(params),
		m.policy.DutyCycle, m.policy.RetransmitTimeout)
	if code == schc.Failure || code == schc.NoFragmentation {
		return s, code, err
	}

	m.sessions[k] = s
	go m.reap(k, s)
	return s, code, nil
}

// reap removes the session once its connection terminates.
func (m *Manager) reap(k string, s *Session) {
	<-s.conn.Done()
	code, err := s.conn.Result()

	m.mu.Lock()
	delete(m.sessions, k)
	m.mu.Unlock()

	l := m.logger.WithFields(map[string]interface{}{"session": s.ID, "result": code.String()})
	if err != nil {
		l.WithError(err).Warn("fragmentation finished")
		return
	}
	l.Info("fragmentation finished")
}

// Input routes one inbound frame: an ack for a waiting session is
// consumed there, anything else goes to the reassembler. It returns a
// reassembled packet when the frame completed one.
func (m *Manager) Input(frame []byte, deviceID uint32) ([]byte, error) {
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.DeviceID != deviceID {
			continue
		}
		consumed, err := s.conn.HandleAck(frame)
		if consumed {
			m.enforceAttempts(s)
			m.mu.Unlock()
			return nil, err
		}
	}
	m.mu.Unlock()

	if m.reasm == nil {
		return nil, fmt.Errorf("%w: no reassembler for device %d", core.ErrUnexpectedFragment, deviceID)
	}
	packet, err := m.reasm.Input(frame, deviceID)
	if packet != nil && m.Deliver != nil {
		m.Deliver(packet, deviceID)
	}
	return packet, err
}

func (m *Manager) enforceAttempts(s *Session) {
	if m.policy.MaxAttempts > 0 && s.conn.Attempts >= m.policy.MaxAttempts {
		m.logger.WithFields(map[string]interface{}{
			"session": s.ID, "attempts": s.conn.Attempts,
		}).Warn("retransmission budget exhausted, aborting")
		s.conn.Abort()
	}
}

// Stop aborts the session with the given id. It reports whether a
// session was found.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			s.conn.Abort()
			return true
		}
	}
	return false
}

// StopAll aborts every live session, used at daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.conn.Abort()
	}
}

// List snapshots all live sessions.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.statusLocked(s))
	}
	return out
}

// RxConnections reports in-flight reassemblies, 0 without a reassembler.
func (m *Manager) RxConnections() int {
	if m.reasm == nil {
		return 0
	}
	return m.reasm.Connections()
}

func (m *Manager) statusLocked(s *Session) Status {
	return Status{
		ID:        s.ID,
		DeviceID:  s.DeviceID,
		Dtag:      s.Dtag,
		State:     s.conn.State.String(),
		FragCnt:   s.conn.FragCnt,
		WindowCnt: s.conn.WindowCnt,
		Attempts:  s.conn.Attempts,
		PacketLen: s.PacketLen,
		CreatedAt: s.CreatedAt,
	}
}

// managedScheduler defers to time.AfterFunc but re-enters the state
// machine under the manager lock, and applies the attempt ceiling
// after every timer-driven transition.
type managedScheduler struct {
	m *Manager
	s *Session
}

func (ms *managedScheduler) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() {
		ms.m.mu.Lock()
		defer ms.m.mu.Unlock()
		fn()
		ms.m.enforceAttempts(ms.s)
	})
	return func() { t.Stop() }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
