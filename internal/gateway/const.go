package gateway

import "time"

const (
	// VERSION is the version string used in the Identify payload's
	// Properties.Browser/Device fields.
	VERSION = "1.0.0"

	websocketReadLimit = 512 << 20

	reconnectCloseCode = 4000

	// identifyRatelimit is the minimum spacing Discord enforces between
	// successive Identify calls within the same concurrency bucket.
	// 500ms of slack is added over Discord's stated 5s for safety.
	identifyRatelimit = (5 * time.Second) + (500 * time.Millisecond)

	maxReconnectWait = 120 * time.Second

	gatewayConnectTimeout = 5 * time.Second

	messageChannelBuffer = 64

	// invalidSessionJitterMin/Max bound the jitter applied before
	// resuming or re-identifying after an InvalidSession packet.
	invalidSessionJitterMin = 1 * time.Second
	invalidSessionJitterMax = 5 * time.Second
)
