package config

import "time"

// Default network and timing values shared by the coordinator and workers
const (
	// DefaultDiscoveryPort is the UDP port for discovery broadcasts
	DefaultDiscoveryPort = 55333

	// DefaultControlPort is the TCP port of the coordinator control server
	DefaultControlPort = 55334

	// DefaultBroadcastAddr is the limited broadcast address
	DefaultBroadcastAddr = "255.255.255.255"

	// DefaultBroadcastInterval is how often nodes announce themselves
	DefaultBroadcastInterval = 2 * time.Second

	// DefaultDialTimeout bounds the worker's TCP connect
	DefaultDialTimeout = 5 * time.Second

	// DefaultHandshakeTimeout bounds the wait for hello_ack
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds each coordinator send to a worker
	DefaultWriteTimeout = 30 * time.Second

	// DefaultReconnectCheckInterval is how often the worker supervisor wakes
	DefaultReconnectCheckInterval = 1 * time.Second

	// DefaultMaxFrameFailures is how many failed renders a frame may accumulate
	DefaultMaxFrameFailures = 3

	// DefaultGRPCAddr is the admin gRPC listen address
	DefaultGRPCAddr = ":50050"
)
