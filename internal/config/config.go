// Package config holds the tunable runtime options recognised throughout
// the agent runtime, per spec §6's configuration table.
package config

import "time"

// MessageClient holds the tunables for internal/msgclient, with the
// defaults named in spec §6.
type MessageClient struct {
	// MaxQueueSize bounds the outbound buffer; oldest entries are dropped
	// when it is exceeded.
	MaxQueueSize int
	// ConnectionTimeout bounds how long start() waits for the initial
	// handshake.
	ConnectionTimeout time.Duration
	// PingInterval controls how often pings are sent; the health check
	// runs every 2×PingInterval.
	PingInterval time.Duration
	// MaxMessageSize bounds inbound frame size; larger frames are
	// discarded in place.
	MaxMessageSize int64
	// SendRetryAttempts/SendRetryDelay bound ensure-connection retries in
	// the send path.
	SendRetryAttempts int
	SendRetryDelay    time.Duration

	// ReconnectBaseInterval/ReconnectMaxInterval/ReconnectBackoffFactor
	// configure the reconnect worker's exponential backoff.
	ReconnectBaseInterval time.Duration
	ReconnectMaxInterval  time.Duration
	ReconnectBackoffFactor float64
}

// DefaultMessageClient returns the spec-mandated defaults.
func DefaultMessageClient() MessageClient {
	return MessageClient{
		MaxQueueSize:           5000,
		ConnectionTimeout:      3 * time.Second,
		PingInterval:           3 * time.Second,
		MaxMessageSize:         10 << 20, // 10 MiB
		SendRetryAttempts:      5,
		SendRetryDelay:         200 * time.Millisecond,
		ReconnectBaseInterval:  500 * time.Millisecond,
		ReconnectMaxInterval:   10 * time.Second,
		ReconnectBackoffFactor: 1.5,
	}
}

// Scheduler holds the tunables for internal/scheduler.
type Scheduler struct {
	CoreWorkers       int
	MaxWorkers        int
	MaxTasksPerWorker int
	WorkerQueueSize   int
	MaxSubmitRetries  int
}

// DefaultScheduler returns the spec-mandated defaults.
func DefaultScheduler() Scheduler {
	return Scheduler{
		CoreWorkers:       20,
		MaxWorkers:        50,
		MaxTasksPerWorker: 10,
		WorkerQueueSize:   5000,
		MaxSubmitRetries:  3,
	}
}

// Identity holds per-identity, persisted JSON configuration (spec §6:
// "use_system_proxy (per identity, persisted JSON)").
type Identity struct {
	UseSystemProxy bool `json:"use_system_proxy"`
}

// DefaultIdentity returns the default identity-level configuration.
func DefaultIdentity() Identity {
	return Identity{UseSystemProxy: true}
}

// DispatchQueueCapacity is the bounded FIFO capacity between the WebSocket
// receive task and the dispatcher, per spec §4.7 Stage A.
const DispatchQueueCapacity = 10000

// HeartbeatFloor is the minimum heartbeat interval the server is allowed to
// set, per spec §3.
const HeartbeatFloor = 5 * time.Second

// HeartbeatMissedThreshold is the number of missed intervals before the
// heartbeat client forces a reconnect, per spec §4.2.
const HeartbeatMissedThreshold = 3
