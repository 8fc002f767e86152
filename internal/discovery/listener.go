package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/AltairaLabs/renderfarm/internal/types"
)

const (
	defaultReadTimeout = 1 * time.Second
	maxDatagramSize    = 65535
)

// ListenerConfig configures a Listener
type ListenerConfig struct {
	// Addr is the local bind address, e.g. ":55333"
	Addr string
	// Accept is the role whose announcements are recorded
	Accept   types.Role
	Registry *Registry
	// SelfID is ignored when heard, so a node never registers itself
	SelfID string
	// OnPeer, if set, is called after every accepted sighting
	OnPeer      func(types.Peer)
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Listener records announcements from peers of the accepted role
type Listener struct {
	addr        string
	accept      types.Role
	registry    *Registry
	selfID      string
	onPeer      func(types.Peer)
	readTimeout time.Duration
	logger      *slog.Logger
}

// NewListener creates a listener
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Listener{
		addr:        cfg.Addr,
		accept:      cfg.Accept,
		registry:    cfg.Registry,
		selfID:      cfg.SelfID,
		onPeer:      cfg.OnPeer,
		readTimeout: cfg.ReadTimeout,
		logger:      cfg.Logger.With("component", "discovery_listener"),
	}
}

// Run binds the discovery port and serves until ctx is done
func (l *Listener) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", l.addr)
	if err != nil {
		return fmt.Errorf("failed to bind discovery port %s: %w", l.addr, err)
	}
	defer pc.Close()

	l.logger.Info("Listening for discovery announcements",
		"addr", pc.LocalAddr().String(),
		"accept_role", l.accept)

	return l.Serve(ctx, pc)
}

// Serve reads datagrams from pc until ctx is done. Reads time out
// periodically so cancellation is observed promptly.
func (l *Listener) Serve(ctx context.Context, pc net.PacketConn) error {
	buf := make([]byte, maxDatagramSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := pc.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("discovery read failed: %w", err)
		}

		if peer, ok := l.handle(buf[:n], from); ok && l.onPeer != nil {
			l.onPeer(peer)
		}
	}
}

// handle filters one datagram and records the sender
func (l *Listener) handle(data []byte, from net.Addr) (types.Peer, bool) {
	ann, err := ParseAnnouncement(data)
	if err != nil {
		return types.Peer{}, false
	}
	if ann.Role != l.accept {
		return types.Peer{}, false
	}

	host := hostOf(from)
	peer := ann.Peer(host)
	if l.selfID != "" && peer.ID == l.selfID {
		return types.Peer{}, false
	}

	stored := l.registry.Observe(peer)
	l.logger.Debug("Peer sighted",
		"peer_id", stored.ID,
		"name", stored.Name,
		"address", stored.Address)
	return stored, true
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
