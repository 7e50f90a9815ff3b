package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/shehryarbajwa/docfetch/internal/browser"
)

// RodLauncher connects go-rod to browsers started by a browser.Provider.
type RodLauncher struct {
	Provider browser.Provider
	// ActionTimeout bounds lookups and clicks that are not explicit waits.
	ActionTimeout time.Duration
	// NavigateTimeout bounds page navigation.
	NavigateTimeout time.Duration
}

func (l *RodLauncher) Launch(ctx context.Context, id, downloadDir string) (Driver, error) {
	inst, err := l.Provider.Start(ctx, id, downloadDir)
	if err != nil {
		return nil, err
	}

	b := rod.New().ControlURL(inst.ConnectURL)
	if err := b.Connect(); err != nil {
		_ = l.Provider.Stop(context.Background(), inst)
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	if err := (proto.BrowserSetDownloadBehavior{
		Behavior:     proto.BrowserSetDownloadBehaviorBehaviorAllow,
		DownloadPath: inst.DownloadPath,
	}).Call(b); err != nil {
		_ = b.Close()
		_ = l.Provider.Stop(context.Background(), inst)
		return nil, fmt.Errorf("set download behavior: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		_ = l.Provider.Stop(context.Background(), inst)
		return nil, fmt.Errorf("create page: %w", err)
	}

	return &RodDriver{
		browser:  b,
		page:     page,
		inst:     inst,
		provider: l.Provider,
		action:   orDefault(l.ActionTimeout, 10*time.Second),
		navigate: orDefault(l.NavigateTimeout, 30*time.Second),
	}, nil
}

// RodDriver is a Driver over one go-rod page.
type RodDriver struct {
	browser  *rod.Browser
	page     *rod.Page
	inst     *browser.Instance
	provider browser.Provider
	action   time.Duration
	navigate time.Duration
}

func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	p, release := bound(ctx, d.page, d.navigate)
	defer release()
	return p.Navigate(url)
}

func (d *RodDriver) WaitPresent(ctx context.Context, loc Locator, timeout time.Duration) error {
	p, release := bound(ctx, d.page, timeout)
	defer release()
	_, err := wait(p, loc)
	return err
}

func (d *RodDriver) WaitActionable(ctx context.Context, loc Locator, timeout time.Duration) error {
	p, release := bound(ctx, d.page, timeout)
	defer release()
	el, err := wait(p, loc)
	if err != nil {
		return err
	}
	if _, err := el.WaitInteractable(); err != nil {
		return timeoutErr(loc, err)
	}
	return nil
}

func (d *RodDriver) Type(ctx context.Context, loc Locator, text string) error {
	p, release := bound(ctx, d.page, d.action)
	defer release()
	el, err := find(p, loc)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (d *RodDriver) Click(ctx context.Context, loc Locator) error {
	p, release := bound(ctx, d.page, d.action)
	defer release()
	el, err := find(p, loc)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (d *RodDriver) PointerClick(ctx context.Context, x, y float64) error {
	mouse := d.page.Mouse
	if err := mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("move pointer: %w", err)
	}
	return mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (d *RodDriver) Attribute(ctx context.Context, loc Locator, name string) (string, error) {
	p, release := bound(ctx, d.page, d.action)
	defer release()
	el, err := find(p, loc)
	if err != nil {
		return "", err
	}
	v, err := el.Attribute(name)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

func (d *RodDriver) DebugURL() string {
	return d.inst.ConnectURL
}

func (d *RodDriver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return errors.Join(
		d.browser.Close(),
		d.provider.Stop(ctx, d.inst),
	)
}

// bound returns page limited to timeout under ctx. Elements found through
// it share the deadline; release frees it once the step is done.
func bound(ctx context.Context, page *rod.Page, timeout time.Duration) (p *rod.Page, release context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return page.Context(ctx), cancel
}

// wait blocks until loc is present or p's deadline expires.
func wait(p *rod.Page, loc Locator) (*rod.Element, error) {
	var (
		el  *rod.Element
		err error
	)
	if loc.Text != "" {
		el, err = p.ElementR(loc.CSS, loc.Text)
	} else {
		el, err = p.Element(loc.CSS)
	}
	if err != nil {
		return nil, timeoutErr(loc, err)
	}
	return el, nil
}

// find looks loc up once, without waiting for it to appear.
func find(p *rod.Page, loc Locator) (*rod.Element, error) {
	var (
		has bool
		el  *rod.Element
		err error
	)
	if loc.Text != "" {
		has, el, err = p.HasR(loc.CSS, loc.Text)
	} else {
		has, el, err = p.Has(loc.CSS)
	}
	if err != nil {
		return nil, timeoutErr(loc, err)
	}
	if !has {
		return nil, fmt.Errorf("element %s not found", loc)
	}
	return el, nil
}

func (l Locator) String() string {
	if l.Text == "" {
		return fmt.Sprintf("%q", l.CSS)
	}
	return fmt.Sprintf("%q /%s/", l.CSS, l.Text)
}

func timeoutErr(loc Locator, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, loc)
	}
	return err
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
