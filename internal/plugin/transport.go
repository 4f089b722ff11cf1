package plugin

import (
	"context"
	"encoding/json"
)

// Transport is the JSON-RPC channel to a single plugin process.
//
// Implementations must serialize concurrent Call writes and match responses
// to requests by id; responses may arrive out of request order.
type Transport interface {
	// Start establishes the connection (spawns the subprocess for stdio).
	Start(ctx context.Context) error

	// Call sends a request and waits for the matching response. RPC error
	// objects are returned as *RPCError; timeouts wrap ability.ErrTimeout.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification to the plugin.
	Notify(method string, params any) error

	// Notifications returns the plugin-to-core notification stream. The
	// channel is closed when the connection is lost or the transport closes.
	Notifications() <-chan Notification

	// Connected reports whether the channel is currently usable.
	Connected() bool

	// Close tears the connection down. For stdio this terminates the
	// subprocess: SIGTERM first, SIGKILL after the kill delay.
	Close() error
}
