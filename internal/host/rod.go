package host

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/faults"
)

// RodBackend drives browser pages over the Chrome DevTools protocol. Each
// target is one page.
type RodBackend struct {
	browser *rod.Browser
	logger  *slog.Logger
	targets map[string]string

	mu    sync.Mutex
	pages map[string]*rod.Page
}

// OpenRod connects to the browser at opts.ControlURL.
func OpenRod(ctx context.Context, opts Options) (*RodBackend, error) {
	if opts.ControlURL == "" {
		return nil, fmt.Errorf("rod backend needs a control_url")
	}
	b := rod.New().ControlURL(opts.ControlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.ControlURL, err)
	}
	return &RodBackend{
		browser: b,
		logger:  opts.Logger,
		targets: opts.Targets,
		pages:   make(map[string]*rod.Page),
	}, nil
}

// page returns the page for target, attaching to an open tab with the
// target's URL or opening a new one.
func (r *RodBackend) page(ctx context.Context, target string) (*rod.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pages[target]; ok {
		return p.Context(ctx), nil
	}
	url, ok := r.targets[target]
	if !ok {
		return nil, faults.Contractf("host.page", "unknown target %q", target)
	}

	pages, err := r.browser.Pages()
	if err != nil {
		return nil, faults.Transientf("host.page", "listing pages: %v", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err == nil && strings.HasPrefix(info.URL, url) {
			r.pages[target] = p
			r.logger.Info("attached to page", "target", target, "url", info.URL)
			return p.Context(ctx), nil
		}
	}
	p, err := r.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, faults.Transientf("host.page", "opening %s: %v", url, err)
	}
	r.pages[target] = p
	r.logger.Info("opened page", "target", target, "url", url)
	return p.Context(ctx), nil
}

func (r *RodBackend) Capture(ctx context.Context, target string) (action.Image, error) {
	p, err := r.page(ctx, target)
	if err != nil {
		return action.Image{}, err
	}
	data, err := p.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return action.Image{}, faults.Transientf("host.capture", "%s: %v", target, err)
	}
	img := action.Image{Format: "png", Source: target, Data: data}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		img.Width, img.Height = cfg.Width, cfg.Height
	}
	return img, nil
}

func (r *RodBackend) Press(ctx context.Context, target, key string) error {
	p, err := r.page(ctx, target)
	if err != nil {
		return err
	}
	k, err := keyFor(key)
	if err != nil {
		return err
	}
	if err := p.Keyboard.Type(k); err != nil {
		return faults.Transientf("host.press", "%s %s: %v", target, key, err)
	}
	return nil
}

func (r *RodBackend) Type(ctx context.Context, target, text string) error {
	p, err := r.page(ctx, target)
	if err != nil {
		return err
	}
	if err := p.InsertText(text); err != nil {
		return faults.Transientf("host.type", "%s: %v", target, err)
	}
	return nil
}

func (r *RodBackend) Click(ctx context.Context, target string, x, y int) error {
	p, err := r.page(ctx, target)
	if err != nil {
		return err
	}
	if err := p.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
		return faults.Transientf("host.click", "%s move: %v", target, err)
	}
	if err := p.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return faults.Transientf("host.click", "%s: %v", target, err)
	}
	return nil
}

// Read returns the text of the first element matching the CSS selector
// query.
func (r *RodBackend) Read(ctx context.Context, target, query string) (string, error) {
	p, err := r.page(ctx, target)
	if err != nil {
		return "", err
	}
	el, err := p.Element(query)
	if err != nil {
		return "", faults.Transientf("host.read", "%s %q: %v", target, query, err)
	}
	text, err := el.Text()
	if err != nil {
		return "", faults.Transientf("host.read", "%s %q: %v", target, query, err)
	}
	return strings.TrimSpace(text), nil
}

func (r *RodBackend) Targets() []string {
	return Options{Targets: r.targets}.targetNames()
}

func (r *RodBackend) Close() error {
	// Pages belong to the externally launched browser; only the CDP
	// connection is ours.
	r.mu.Lock()
	r.pages = map[string]*rod.Page{}
	r.mu.Unlock()
	return nil
}

var namedKeys = map[string]input.Key{
	"enter":     input.Enter,
	"esc":       input.Escape,
	"escape":    input.Escape,
	"tab":       input.Tab,
	"space":     input.Space,
	"backspace": input.Backspace,
	"delete":    input.Delete,
	"insert":    input.Insert,
	"home":      input.Home,
	"end":       input.End,
	"pageup":    input.PageUp,
	"pagedown":  input.PageDown,
	"up":        input.ArrowUp,
	"down":      input.ArrowDown,
	"left":      input.ArrowLeft,
	"right":     input.ArrowRight,
	"shift":     input.ShiftLeft,
	"ctrl":      input.ControlLeft,
	"alt":       input.AltLeft,
	"f1":        input.F1,
	"f2":        input.F2,
	"f3":        input.F3,
	"f4":        input.F4,
	"f5":        input.F5,
	"f6":        input.F6,
	"f7":        input.F7,
	"f8":        input.F8,
	"f9":        input.F9,
	"f10":       input.F10,
	"f11":       input.F11,
	"f12":       input.F12,
}

func keyFor(name string) (input.Key, error) {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	if r := []rune(name); len(r) == 1 {
		return input.Key(r[0]), nil
	}
	return 0, faults.Contractf("host.press", "unknown key %q", name)
}
