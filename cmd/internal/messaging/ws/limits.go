package ws

import "time"

const (
	maxFrameBytes = 64 * 1024

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 10 * time.Second
	maxPingFailures   = 3

	defaultRateEvents = 60
	defaultRateWindow = 10 * time.Second
)
