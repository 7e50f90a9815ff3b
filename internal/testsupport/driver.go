// Package testsupport provides in-memory stand-ins for the browser driver,
// the download clock and the document decrypter.
package testsupport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/docfetch/internal/portal"
)

// Driver records every call and answers from its configured maps. Locators
// are keyed by CSS selector.
type Driver struct {
	DownloadDir string

	mu          sync.Mutex
	calls       []string
	typed       map[string]string
	missing     map[string]bool
	attributes  map[string]string
	failures    map[string]error
	navigateErr error
	onClick     func(css string)
	closes      int
}

// NewDriver returns a driver on which every element is present.
func NewDriver() *Driver {
	return &Driver{
		typed:      make(map[string]string),
		missing:    make(map[string]bool),
		attributes: make(map[string]string),
		failures:   make(map[string]error),
	}
}

// SetMissing makes waits on css time out (or succeed again when false).
func (d *Driver) SetMissing(css string, missing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.missing[css] = missing
}

// SetAttribute sets the value returned for any attribute of css.
func (d *Driver) SetAttribute(css, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attributes[css] = value
}

// FailOn makes the named method ("Type", "Click", ...) return err.
func (d *Driver) FailOn(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[method] = err
}

// FailNavigate makes Navigate return err.
func (d *Driver) FailNavigate(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigateErr = err
}

// OnClick runs fn after every successful Click.
func (d *Driver) OnClick(fn func(css string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClick = fn
}

// Typed returns the text typed into css.
func (d *Driver) Typed(css string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typed[css]
}

// Calls returns the recorded calls in order.
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Closes returns how many times Close was called.
func (d *Driver) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "Navigate "+url)
	return d.navigateErr
}

func (d *Driver) WaitPresent(ctx context.Context, loc portal.Locator, timeout time.Duration) error {
	return d.wait("WaitPresent", loc)
}

func (d *Driver) WaitActionable(ctx context.Context, loc portal.Locator, timeout time.Duration) error {
	return d.wait("WaitActionable", loc)
}

func (d *Driver) wait(method string, loc portal.Locator) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, method+" "+loc.CSS)
	if err := d.failures[method]; err != nil {
		return err
	}
	if d.missing[loc.CSS] {
		return fmt.Errorf("%w: %s", portal.ErrTimeout, loc.CSS)
	}
	return nil
}

func (d *Driver) Type(ctx context.Context, loc portal.Locator, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "Type "+loc.CSS)
	if err := d.failures["Type"]; err != nil {
		return err
	}
	d.typed[loc.CSS] += text
	return nil
}

func (d *Driver) Click(ctx context.Context, loc portal.Locator) error {
	d.mu.Lock()
	d.calls = append(d.calls, "Click "+loc.CSS)
	err := d.failures["Click"]
	hook := d.onClick
	d.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(loc.CSS)
	}
	return nil
}

func (d *Driver) PointerClick(ctx context.Context, x, y float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("PointerClick %g,%g", x, y))
	return d.failures["PointerClick"]
}

func (d *Driver) Attribute(ctx context.Context, loc portal.Locator, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "Attribute "+loc.CSS+" "+name)
	if err := d.failures["Attribute"]; err != nil {
		return "", err
	}
	v, ok := d.attributes[loc.CSS]
	if !ok {
		return "", errors.New("element not found")
	}
	return v, nil
}

func (d *Driver) DebugURL() string {
	return "ws://127.0.0.1:0/devtools/fake"
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return d.failures["Close"]
}

// Launcher hands out a fresh Driver per launch.
type Launcher struct {
	mu      sync.Mutex
	setup   func(d *Driver)
	drivers []*Driver
	err     error
}

// OnLaunch configures every driver launched from now on; nil clears it.
func (l *Launcher) OnLaunch(fn func(d *Driver)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setup = fn
}

// FailWith makes subsequent launches fail.
func (l *Launcher) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *Launcher) Launch(ctx context.Context, id, downloadDir string) (portal.Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	d := NewDriver()
	d.DownloadDir = downloadDir
	if l.setup != nil {
		l.setup(d)
	}
	l.drivers = append(l.drivers, d)
	return d, nil
}

// Drivers returns every driver launched so far.
func (l *Launcher) Drivers() []*Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Driver(nil), l.drivers...)
}

// Last returns the most recently launched driver, or nil.
func (l *Launcher) Last() *Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.drivers) == 0 {
		return nil
	}
	return l.drivers[len(l.drivers)-1]
}
