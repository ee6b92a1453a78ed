package host

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
)

// Input is one injected event recorded by the dry-run backend.
type Input struct {
	Target string
	Op     string // press, type, click
	Value  string
	At     time.Time
}

// DryRunBackend logs input instead of injecting it and captures a blank
// frame. It records everything it was asked to do.
type DryRunBackend struct {
	logger  *slog.Logger
	targets []string

	mu     sync.Mutex
	inputs []Input
	reads  map[string]string
}

// NewDryRun returns a backend that only logs.
func NewDryRun(logger *slog.Logger, targets ...string) *DryRunBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunBackend{logger: logger, targets: targets, reads: make(map[string]string)}
}

func (d *DryRunBackend) record(target, op, value string) {
	d.mu.Lock()
	d.inputs = append(d.inputs, Input{Target: target, Op: op, Value: value, At: time.Now()})
	d.mu.Unlock()
	d.logger.Debug("dry-run input", "target", target, "op", op, "value", value)
}

func (d *DryRunBackend) Press(ctx context.Context, target, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.record(target, "press", key)
	return nil
}

func (d *DryRunBackend) Type(ctx context.Context, target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.record(target, "type", text)
	return nil
}

func (d *DryRunBackend) Click(ctx context.Context, target string, x, y int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.record(target, "click", fmt.Sprintf("%d,%d", x, y))
	return nil
}

// Inputs returns a copy of everything injected so far.
func (d *DryRunBackend) Inputs() []Input {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Input(nil), d.inputs...)
}

// SetRead fixes the answer Read gives for target and query.
func (d *DryRunBackend) SetRead(target, query, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads[target+"\x00"+query] = value
}

func (d *DryRunBackend) Read(ctx context.Context, target, query string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads[target+"\x00"+query], nil
}

func (d *DryRunBackend) Capture(ctx context.Context, target string) (action.Image, error) {
	if err := ctx.Err(); err != nil {
		return action.Image{}, err
	}
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = color.Gray{Y: 0x20}.Y
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return action.Image{}, err
	}
	return action.Image{Format: "png", Width: 8, Height: 8, Source: target, Data: buf.Bytes()}, nil
}

func (d *DryRunBackend) Targets() []string { return append([]string(nil), d.targets...) }

func (d *DryRunBackend) Close() error { return nil }
