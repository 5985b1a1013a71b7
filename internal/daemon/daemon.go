// Package daemon wires the gateway together and manages its process
// lifecycle: configuration, logging, pidfile, control socket, link
// driver and signal handling.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/aranea-iot/schcgw/internal/command"
	"github.com/aranea-iot/schcgw/internal/config"
	"github.com/aranea-iot/schcgw/internal/link"
	"github.com/aranea-iot/schcgw/internal/log"
	"github.com/aranea-iot/schcgw/internal/schc"
	"github.com/aranea-iot/schcgw/internal/schc/fragmenter"
	"github.com/aranea-iot/schcgw/internal/schc/reassembler"
	"github.com/aranea-iot/schcgw/internal/session"
)

// Daemon is the running gateway process.
type Daemon struct {
	cfg        *config.GlobalConfig
	configPath string

	mu       sync.RWMutex
	profiles map[uint32]config.DeviceProfile

	sessions  *session.Manager
	udsServer *command.UDSServer
	driver    *link.UDPDriver

	ctx    context.Context
	cancel context.CancelFunc
	logger log.Logger
}

// New loads configuration and builds a daemon; socketPath and pidFile
// override the config file when non-empty.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if socketPath != "" {
		cfg.Control.Socket = socketPath
	}
	if pidFile != "" {
		cfg.Control.PIDFile = pidFile
	}

	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("initialising logging: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     log.GetLogger().WithField("component", "daemon"),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the device rule profiles from disk.
func (d *Daemon) Reload() error {
	profiles, err := config.LoadRules(d.cfg.DataDir, d.cfg.RulesFile)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.profiles = profiles
	d.mu.Unlock()
	d.logger.WithField("devices", len(profiles)).Info("rule profiles loaded")
	return nil
}

// Profiles returns the current device profile table.
func (d *Daemon) Profiles() map[uint32]config.DeviceProfile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.profiles
}

// Run starts every component and blocks until a shutdown signal or
// Stop. SIGHUP reloads the rule profiles in place.
func (d *Daemon) Run() error {
	d.logger.WithFields(map[string]interface{}{
		"version": command.Version,
		"node":    d.cfg.Node.Name,
		"socket":  d.cfg.Control.Socket,
	}).Info("schcgw daemon starting")

	if err := d.writePIDFile(); err != nil {
		return err
	}
	defer os.Remove(d.cfg.Control.PIDFile)

	driver, err := link.NewUDP(d.cfg.Link.ListenAddr, d.cfg.Link.PeerAddr)
	if err != nil {
		return err
	}
	d.driver = driver
	defer driver.Close()

	var sender fragmenter.Sender = driver
	if d.cfg.Link.PeerAddr == "" {
		sender = link.DropSender{}
	}

	// The reassembler answers acks back over the same link.
	reasm := reassembler.New(d.rxParams(), driver)
	d.sessions = session.NewManager(session.Policy{
		DutyCycle:         time.Duration(d.cfg.Link.DutyCycleMS) * time.Millisecond,
		RetransmitTimeout: time.Duration(d.cfg.Link.RetransmitTimeoutMS) * time.Millisecond,
		MaxAttempts:       d.cfg.Link.MaxAttempts,
	}, sender, reasm)
	d.sessions.Deliver = func(packet []byte, deviceID uint32) {
		d.logger.WithFields(map[string]interface{}{
			"device": deviceID, "len": len(packet),
		}).Info("packet reassembled")
	}

	handler := command.NewHandler(d.sessions, d, d.Profiles, d.cfg.Link.MTU, d.Stop)
	d.udsServer = command.NewUDSServer(d.cfg.Control.Socket, handler)

	errCh := make(chan error, 2)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && d.ctx.Err() == nil {
			errCh <- fmt.Errorf("control socket: %w", err)
		}
	}()
	go func() {
		err := driver.Run(d.ctx, func(frame []byte, deviceID uint32) {
			if _, err := d.sessions.Input(frame, deviceID); err != nil {
				d.logger.WithError(err).Debug("inbound frame discarded")
			}
		})
		if err != nil && d.ctx.Err() == nil {
			errCh <- fmt.Errorf("link driver: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	d.logger.Info("daemon started")
	for {
		select {
		case err := <-errCh:
			d.shutdown()
			return err
		case <-d.ctx.Done():
			d.shutdown()
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					d.logger.WithError(err).Error("reload failed")
				}
			default:
				d.logger.WithField("signal", sig.String()).Info("shutdown signal received")
				d.shutdown()
				return nil
			}
		}
	}
}

// Stop requests a graceful shutdown; safe from any goroutine.
func (d *Daemon) Stop() {
	d.cancel()
}

func (d *Daemon) shutdown() {
	d.cancel()
	if d.sessions != nil {
		d.sessions.StopAll()
	}
	if d.udsServer != nil {
		d.udsServer.Stop()
	}
	d.logger.Info("daemon stopped")
}

// rxParams picks the wire profile for inbound reassembly. With one
// shared tunnel every device must agree on the layout, so the profile
// of the lowest device id wins; deployments with differing profiles
// run one gateway instance per profile.
func (d *Daemon) rxParams() schc.Params {
	var lowest uint32
	found := false
	for id := range d.Profiles() {
		if !found || id < lowest {
			lowest, found = id, true
		}
	}
	if !found {
		return schc.DefaultParams()
	}
	return d.Profiles()[lowest].Params.ToParams()
}

func (d *Daemon) writePIDFile() error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.cfg.Control.PIDFile, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing pid file %s: %w", d.cfg.Control.PIDFile, err)
	}
	return nil
}
