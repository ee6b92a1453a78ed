package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/gasbot/internal/style"
	"github.com/steveyegge/gasbot/internal/telemetry"
)

const (
	queueSize    = 1024
	maxLineBytes = 1 << 20
	closeWait    = 2 * time.Second
)

// CollectorOptions configures a Collector. A zero File disables the file
// sink; a nil Console disables the console sink.
type CollectorOptions struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	Console io.Writer
	Level   slog.Level

	// Forward exports every record through the OTel log provider.
	Forward bool
}

// Collector merges log records from every gasbot process.
type Collector struct {
	opts CollectorOptions
	file *lumberjack.Logger

	records chan Record
	quit    chan struct{}
	done    chan struct{}
	readers sync.WaitGroup

	mu      sync.Mutex
	writers []io.Closer
	closed  bool
}

// NewCollector starts a collector.
func NewCollector(opts CollectorOptions) *Collector {
	c := &Collector{
		opts:    opts,
		records: make(chan Record, queueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.File != "" {
		c.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
	}
	go c.run()
	return c
}

// Attach reads r line by line as the log stream of process until EOF.
func (c *Collector) Attach(process string, r io.Reader) {
	c.readers.Add(1)
	go func() {
		defer c.readers.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			select {
			case c.records <- Decode(process, line):
			case <-c.quit:
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case c.records <- Record{Time: time.Now(), Level: slog.LevelWarn, Process: process, Component: "collector",
				Message: "log stream broken", Attrs: map[string]any{"error": err.Error()}}:
			case <-c.quit:
			}
		}
	}()
}

// Writer returns a writer whose JSON lines are collected as process. The
// supervisor logs through it; Close releases it.
func (c *Collector) Writer(process string) io.Writer {
	pr, pw := io.Pipe()
	c.mu.Lock()
	c.writers = append(c.writers, pw)
	c.mu.Unlock()
	c.Attach(process, pr)
	return pw
}

// Close stops every writer, waits briefly for the attached streams to end,
// flushes what was queued and closes the file.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	writers := c.writers
	c.mu.Unlock()

	for _, w := range writers {
		_ = w.Close()
	}
	ended := make(chan struct{})
	go func() {
		c.readers.Wait()
		close(ended)
	}()
	select {
	case <-ended:
	case <-time.After(closeWait):
	}
	close(c.quit)
	<-c.done

	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

func (c *Collector) run() {
	defer close(c.done)
	for {
		select {
		case rec := <-c.records:
			c.write(rec)
		case <-c.quit:
			for {
				select {
				case rec := <-c.records:
					c.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) write(rec Record) {
	if rec.Level < c.opts.Level {
		return
	}
	if c.file != nil {
		if b, err := json.Marshal(rec); err == nil {
			_, _ = c.file.Write(append(b, '\n'))
		}
	}
	if c.opts.Console != nil {
		_, _ = io.WriteString(c.opts.Console, FormatConsole(rec))
	}
	if c.opts.Forward {
		telemetry.ForwardLog(context.Background(), rec.Time, rec.Level, rec.Process, rec.Component, rec.Message, rec.Attrs)
	}
}

// FormatConsole renders rec as one console line.
func FormatConsole(rec Record) string {
	var b strings.Builder
	b.WriteString(style.Dim.Render(rec.Time.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(style.Level(rec.Level).Render(fmt.Sprintf("%-5s", rec.Level.String())))
	b.WriteByte(' ')
	b.WriteString(style.Bold.Render(fmt.Sprintf("%-10s", rec.Process)))
	if rec.Component != "" {
		b.WriteByte(' ')
		b.WriteString(style.Dim.Render(rec.Component + ":"))
	}
	b.WriteByte(' ')
	b.WriteString(rec.Message)

	keys := make([]string, 0, len(rec.Attrs))
	for k := range rec.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(style.Dim.Render(k + "="))
		b.WriteString(fmt.Sprint(rec.Attrs[k]))
	}
	b.WriteByte('\n')
	return b.String()
}
