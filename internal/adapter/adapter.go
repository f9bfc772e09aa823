// Package adapter defines the contract every platform adapter implements and
// the plumbing they share: the bounded event queue, the reconnect loop, the
// pooled HTTP client and the refreshed-credential source.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"satorigate/internal/satori"
)

// Adapter is one platform connection. Implementations own a persistent
// connection state machine, normalize platform events into the unified shape
// and translate unified markup back out on send.
type Adapter interface {
	// Platform returns the platform tag this adapter serves ("kook",
	// "onebot", "mihoyo", "qq", "qq_guild").
	Platform() string

	// Start launches the connection state machine in the background. It is
	// idempotent and never blocks on network I/O.
	Start(ctx context.Context) error

	// Stop signals shutdown. The state machine observes the signal within
	// one receive poll interval; teardown may complete after Stop returns.
	Stop()

	// ReceiveEvent blocks until the next normalized event is available.
	ReceiveEvent(ctx context.Context) (*satori.Event, error)

	// CreateMessage transcodes unified markup into platform segments and
	// sends each as a separate API call, returning one receipt per send in
	// send order. A mid-sequence failure aborts the remainder; segments
	// already transmitted are not rolled back (at-most-once per segment).
	CreateMessage(ctx context.Context, channelID, content string) ([]*satori.MessageReceipt, error)

	// GetLogin reports the adapter's identity and connection state,
	// resolving and caching the self id on first success.
	GetLogin(ctx context.Context) (*satori.Login, error)

	// GetGuildMember resolves one guild member into the unified shape.
	// Platforms without a member endpoint return ErrUnsupported.
	GetGuildMember(ctx context.Context, guildID, userID string) (*satori.GuildMember, error)
}

// ErrUnsupported is returned for operations a platform does not expose.
var ErrUnsupported = errors.New("operation not supported on this platform")

// CallError describes a failed outbound platform API call. It is surfaced
// synchronously to the HTTP caller and never retried.
type CallError struct {
	Platform string
	Op       string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Callf wraps err as a CallError for the given platform operation.
func Callf(platform, op string, err error) error {
	return &CallError{Platform: platform, Op: op, Err: err}
}
