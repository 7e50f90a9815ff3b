// Package portal is the browser-automation boundary of a session: a small
// capability set (navigate, locate, type, click, wait, read attribute) and
// a go-rod implementation of it.
package portal

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by the Wait methods when the element does not reach
// the requested state in time.
var ErrTimeout = errors.New("portal: wait timed out")

// Locator identifies one element by CSS selector, optionally narrowed to
// elements whose text matches the Text regular expression.
type Locator struct {
	CSS  string
	Text string
}

// Driver drives one live browser page. A Driver is owned by exactly one
// session and is not safe for concurrent use.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	WaitPresent(ctx context.Context, loc Locator, timeout time.Duration) error
	WaitActionable(ctx context.Context, loc Locator, timeout time.Duration) error
	Type(ctx context.Context, loc Locator, text string) error
	Click(ctx context.Context, loc Locator) error
	// PointerClick moves the pointer to the page offset and clicks there.
	PointerClick(ctx context.Context, x, y float64) error
	Attribute(ctx context.Context, loc Locator, name string) (string, error)
	// DebugURL is the DevTools websocket of the underlying browser, if any.
	DebugURL() string
	Close() error
}

// Launcher starts a browser whose downloads land in downloadDir.
type Launcher interface {
	Launch(ctx context.Context, id, downloadDir string) (Driver, error)
}
