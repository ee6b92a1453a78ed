package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/style"
)

// Surface is an external control surface: the place where a person types
// commands and reads notifications.
type Surface interface {
	Name() string
	// Run delivers every command line to lines until ctx ends or the
	// surface fails.
	Run(ctx context.Context, lines chan<- string) error
	// Post shows a notification to the person on the other side.
	Post(ctx context.Context, n action.Notification) error
}

// Console reads commands from a line-oriented reader and prints
// notifications to a writer. Images are saved under ShotDir when it is set.
type Console struct {
	in      io.Reader
	out     io.Writer
	shotDir string
	log     *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewConsole builds a console surface.
func NewConsole(in io.Reader, out io.Writer, shotDir string, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		in:      in,
		out:     out,
		shotDir: shotDir,
		log:     logger.With("component", "console"),
		now:     time.Now,
	}
}

func (c *Console) Name() string { return "console" }

// Run scans the input. End of input is not an error: the console keeps
// posting until ctx ends.
func (c *Console) Run(ctx context.Context, lines chan<- string) error {
	scanned := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case scanned <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-scanned:
			select {
			case lines <- line:
			case <-ctx.Done():
				return nil
			}
		case err := <-scanErr:
			if err != nil {
				c.log.Warn("console input failed", "error", err)
			} else {
				c.log.Info("console input closed")
			}
			<-ctx.Done()
			return nil
		}
	}
}

// Post prints n.
func (c *Console) Post(ctx context.Context, n action.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var line string
	switch n.Kind {
	case action.NotifyShutdown:
		line = style.Warning.Render("■ " + n.Text)
	case action.NotifyImage:
		where, err := c.saveShot(n.Image)
		if err != nil {
			return err
		}
		line = fmt.Sprintf("%s %s %s", style.Info.Render("▣"), n.Text, style.Dim.Render(where))
	default:
		line = style.Info.Render("›") + " " + n.Text
	}
	_, err := fmt.Fprintln(c.out, line)
	return err
}

func (c *Console) saveShot(img *action.Image) (string, error) {
	if c.shotDir == "" {
		return fmt.Sprintf("(%s %dx%d, %d bytes)", img.Format, img.Width, img.Height, len(img.Data)), nil
	}
	if err := os.MkdirAll(c.shotDir, 0o755); err != nil {
		return "", fmt.Errorf("creating shot dir: %w", err)
	}
	source := img.Source
	if source == "" {
		source = "shot"
	}
	name := fmt.Sprintf("%s-%s.%s", source, c.now().UTC().Format("20060102T150405.000"), img.Format)
	path := filepath.Join(c.shotDir, name)
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("saving shot: %w", err)
	}
	return path, nil
}
