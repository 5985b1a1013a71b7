// Package link provides the frame transport the fragmentation core
// treats as an injected capability. The UDP driver is the demo-grade
// network path; a real deployment substitutes its LPWAN stack behind
// the same Sender interface.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aranea-iot/schcgw/internal/log"
)

// Handler consumes one inbound frame.
type Handler func(frame []byte, deviceID uint32)

// UDPDriver forwards frames to a fixed peer address and feeds inbound
// datagrams to a handler. Device ids do not map onto addresses here;
// the single-peer tunnel carries every device's traffic.
type UDPDriver struct {
	conn   *net.UDPConn
	peer   *net.UDPAddr
	logger log.Logger
}

// NewUDP binds listenAddr and resolves peerAddr. Either may be empty:
// no listener means Run is a no-op, no peer means Send fails.
func NewUDP(listenAddr, peerAddr string) (*UDPDriver, error) {
	d := &UDPDriver{logger: log.GetLogger().WithField("component", "link")}

	if peerAddr != "" {
		peer, err := net.ResolveUDPAddr("udp", peerAddr)
		if err != nil {
			return nil, fmt.Errorf("link: resolving peer: %w", err)
		}
		d.peer = peer
	}

	if listenAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", listenAddr)
		if err != nil {
			return nil, fmt.Errorf("link: resolving listen address: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("link: listen: %w", err)
		}
		d.conn = conn
	}
	return d, nil
}

// Send implements the fragmenter's Sender capability.
func (d *UDPDriver) Send(frame []byte, deviceID uint32) error {
	if d.peer == nil {
		return errors.New("link: no peer address configured")
	}
	var err error
	if d.conn != nil {
		_, err = d.conn.WriteToUDP(frame, d.peer)
	} else {
		var c net.Conn
		c, err = net.DialUDP("udp", nil, d.peer)
		if err == nil {
			_, err = c.Write(frame)
			c.Close()
		}
	}
	if err != nil {
		return fmt.Errorf("link: send to device %d: %w", deviceID, err)
	}
	d.logger.WithFields(map[string]interface{}{"device": deviceID, "len": len(frame)}).Debug("frame sent")
	return nil
}

// Run reads datagrams until ctx is cancelled. The tunnel carries no
// per-device addressing, so inbound frames are attributed to
// tunnelDeviceID; hosts with per-device links wire their own Handler.
func (d *UDPDriver) Run(ctx context.Context, handler Handler) error {
	if d.conn == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("link: read: %w", err)
		}
		frame := append([]byte(nil), buf[:n]...)
		d.logger.WithFields(map[string]interface{}{"from": from.String(), "len": n}).Debug("frame received")
		handler(frame, tunnelDeviceID)
	}
}

// LocalAddr reports the bound listen address, empty without a listener.
func (d *UDPDriver) LocalAddr() string {
	if d.conn == nil {
		return ""
	}
	return d.conn.LocalAddr().String()
}

// Close releases the listener, unblocking Run.
func (d *UDPDriver) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// tunnelDeviceID labels traffic on the single-peer UDP tunnel.
const tunnelDeviceID = 1

// DropSender logs and discards frames; the stand-in when no peer is
// configured so dry runs still exercise the full state machine.
type DropSender struct{}

func (DropSender) Send(frame []byte, deviceID uint32) error {
	log.GetLogger().WithFields(map[string]interface{}{
		"device": deviceID, "len": len(frame),
	}).Info("frame dropped (no peer configured)")
	return nil
}
