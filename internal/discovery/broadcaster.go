package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DefaultInterval is how often announcements are sent
const DefaultInterval = 2 * time.Second

// BroadcasterConfig configures a Broadcaster
type BroadcasterConfig struct {
	Announcement Announcement
	// Target is the datagram destination, e.g. "255.255.255.255:55333"
	Target   string
	Interval time.Duration
	Logger   *slog.Logger
}

// Broadcaster periodically announces this node
type Broadcaster struct {
	announcement Announcement
	target       string
	interval     time.Duration
	logger       *slog.Logger
}

// NewBroadcaster creates a broadcaster
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Broadcaster{
		announcement: cfg.Announcement,
		target:       cfg.Target,
		interval:     cfg.Interval,
		logger:       cfg.Logger.With("component", "discovery_broadcaster"),
	}
}

// Run sends one announcement immediately and then one per interval until ctx
// is done. Individual send failures are logged and skipped.
func (b *Broadcaster) Run(ctx context.Context) error {
	payload, err := b.announcement.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}

	dst, err := net.ResolveUDPAddr("udp4", b.target)
	if err != nil {
		return fmt.Errorf("invalid broadcast target %q: %w", b.target, err)
	}

	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return fmt.Errorf("failed to open broadcast socket: %w", err)
	}
	defer pc.Close()

	b.logger.Info("Starting discovery broadcaster",
		"target", b.target,
		"role", b.announcement.Role,
		"interval", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if _, err := pc.WriteTo(payload, dst); err != nil {
			b.logger.Debug("Discovery broadcast failed", "error", err)
		}

		select {
		case <-ctx.Done():
			b.logger.Info("Discovery broadcaster stopping")
			return nil
		case <-ticker.C:
		}
	}
}
