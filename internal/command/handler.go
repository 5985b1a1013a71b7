// Package command implements the local control plane: a JSON-RPC
// handler exposed over a Unix domain socket, plus the matching client
// the CLI uses.
package command

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aranea-iot/schcgw/internal/config"
	"github.com/aranea-iot/schcgw/internal/fixtures"
	"github.com/aranea-iot/schcgw/internal/log"
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/session"
)

// ConfigReloader re-reads the device rule profiles.
type ConfigReloader interface {
	Reload() error
}

// Handler routes control plane commands onto the session manager.
type Handler struct {
	sessions  *session.Manager
	reloader  ConfigReloader
	profiles  func() map[uint32]config.DeviceProfile
	linkMTU   int
	startTime time.Time
	shutdown  func()
	logger    log.Logger
}

// NewHandler creates a command handler. profiles is called per request
// so a reload is visible immediately; shutdown triggers graceful stop.
func NewHandler(sessions *session.Manager, reloader ConfigReloader, profiles func() map[uint32]config.DeviceProfile, linkMTU int, shutdown func()) *Handler {
	return &Handler{
		sessions:  sessions,
		reloader:  reloader,
		profiles:  profiles,
		linkMTU:   linkMTU,
		startTime: time.Now(),
		shutdown:  shutdown,
		logger:    log.GetLogger().WithField("component", "command"),
	}
}

// Request is one control plane command.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response answers a Request.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries a failed command's code and message.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Handle dispatches one command.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	h.logger.WithFields(map[string]interface{}{"method": req.Method, "id": req.ID}).Debug("handling command")

	switch req.Method {
	case "ping":
		return Response{ID: req.ID, Result: "pong"}
	case "fragment":
		return h.handleFragment(req)
	case "session_list":
		return Response{ID: req.ID, Result: h.sessions.List()}
	case "session_stop":
		return h.handleSessionStop(req)
	case "inject":
		return h.handleInject(req)
	case "daemon_status":
		return h.handleDaemonStatus(req)
	case "config_reload":
		return h.handleConfigReload(req)
	case "daemon_shutdown":
		return h.handleDaemonShutdown(req)
	default:
		return errResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// FragmentParams starts a fragmentation. Exactly one of PayloadHex or
// DemoLength supplies the packet.
type FragmentParams struct {
	DeviceID   uint32 `json:"device_id"`
	PayloadHex string `json:"payload_hex,omitempty"`
	DemoLength int    `json:"demo_length,omitempty"`
	MTU        int    `json:"mtu,omitempty"`
}

// FragmentResult reports the started session.
type FragmentResult struct {
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
	PacketLen int    `json:"packet_len"`
}

func (h *Handler) handleFragment(req Request) Response {
	var p FragmentParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	profile, ok := h.profiles()[p.DeviceID]
	if !ok {
		return errResponse(req.ID, ErrCodeInvalidParams, fmt.Sprintf("no rule profile for device %d", p.DeviceID))
	}

	var packet []byte
	switch {
	case p.PayloadHex != "":
		var err error
		packet, err = hex.DecodeString(p.PayloadHex)
		if err != nil {
			return errResponse(req.ID, ErrCodeInvalidParams, fmt.Sprintf("payload_hex: %v", err))
		}
	case p.DemoLength > 0:
		packet = fixtures.CompressedPacket(byte(profile.RuleID), p.DemoLength)
	default:
		return errResponse(req.ID, ErrCodeInvalidParams, "either payload_hex or demo_length is required")
	}

	mtu := p.MTU
	if mtu == 0 {
		mtu = h.linkMTU
	}

	s, code, err := h.sessions.Start(profile, packet, mtu)
	if code == schc.Failure {
		return errResponse(req.ID, ErrCodeInternalError, err.Error())
	}

	res := FragmentResult{Code: code.String(), PacketLen: len(packet)}
	if code == schc.Success && s != nil {
		res.SessionID = s.ID
	}
	return Response{ID: req.ID, Result: res}
}

// SessionStopParams names the session to abort.
type SessionStopParams struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) handleSessionStop(req Request) Response {
	var p SessionStopParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	if !h.sessions.Stop(p.SessionID) {
		return errResponse(req.ID, ErrCodeInvalidParams, fmt.Sprintf("session %q not found", p.SessionID))
	}
	return Response{ID: req.ID, Result: "stopped"}
}

// InjectParams feeds a raw frame into the input path, as though it
// arrived from the link; used to exercise ack handling from the CLI.
type InjectParams struct {
	DeviceID uint32 `json:"device_id"`
	FrameHex string `json:"frame_hex"`
}

func (h *Handler) handleInject(req Request) Response {
	var p InjectParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}
	frame, err := hex.DecodeString(p.FrameHex)
	if err != nil {
		return errResponse(req.ID, ErrCodeInvalidParams, fmt.Sprintf("frame_hex: %v", err))
	}

	packet, err := h.sessions.Input(frame, p.DeviceID)
	if err != nil {
		return errResponse(req.ID, ErrCodeInternalError, err.Error())
	}
	result := map[string]interface{}{"consumed": true}
	if packet != nil {
		result["packet_hex"] = hex.EncodeToString(packet)
	}
	return Response{ID: req.ID, Result: result}
}

// DaemonStatus is the daemon_status result.
type DaemonStatus struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
	RxConnections int    `json:"rx_connections"`
	Devices       int    `json:"devices"`
}

func (h *Handler) handleDaemonStatus(req Request) Response {
	return Response{ID: req.ID, Result: DaemonStatus{
		Version:       Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Sessions:      len(h.sessions.List()),
		RxConnections: h.sessions.RxConnections(),
		Devices:       len(h.profiles()),
	}}
}

func (h *Handler) handleConfigReload(req Request) Response {
	if h.reloader == nil {
		return errResponse(req.ID, ErrCodeInternalError, "reload not supported")
	}
	if err := h.reloader.Reload(); err != nil {
		return errResponse(req.ID, ErrCodeInternalError, err.Error())
	}
	h.logger.Info("rule profiles reloaded")
	return Response{ID: req.ID, Result: "reloaded"}
}

func (h *Handler) handleDaemonShutdown(req Request) Response {
	if h.shutdown != nil {
		go h.shutdown()
	}
	return Response{ID: req.ID, Result: "shutting down"}
}

func errResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

// Version is stamped at build time via -ldflags.
var Version = "0.1.0"
