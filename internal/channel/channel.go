// Package channel implements the typed, length-framed duplex link between the
// supervisor and one peer process (a worker or the peripheral bridge).
//
// Wire format per frame:
//
//	uint32 big-endian length | flags byte | payload (JSON, zstd when flagged)
//
// Frames are FIFO per direction. Transient write errors are retried; any
// other write error is terminal for the channel.
// Closing sends the close sentinel so the peer drains and stops.
package channel

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/steveyegge/gasbot/internal/faults"
)

const (
	// MaxFrameSize bounds a single frame on the wire.
	MaxFrameSize = 64 << 20

	// DefaultCompressAbove is the payload size from which frames are zstd-compressed.
	DefaultCompressAbove = 32 << 10

	// WriteAttempts bounds retries of a frame write that fails transiently.
	WriteAttempts = 3

	flagZstd byte = 1 << 0
)

// WriteRetryDelay is the pause between write attempts.
var WriteRetryDelay = 5 * time.Millisecond

// ErrClosed is returned by Send after either side closed the channel and by
// Recv once the close sentinel has been delivered.
var ErrClosed = errors.New("channel closed")

//go:embed frame.schema.json
var frameSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error

	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func frameSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("frame.schema.json", frameSchemaJSON)
	})
	return schema, schemaErr
}

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// Option customizes a Channel.
type Option func(*Channel)

// WithValidation checks every inbound frame against the frame schema.
func WithValidation() Option {
	return func(c *Channel) { c.validate = true }
}

// WithCompressAbove sets the payload size from which frames are compressed.
// n <= 0 disables compression.
func WithCompressAbove(n int) Option {
	return func(c *Channel) { c.compressAbove = n }
}

// Channel is one endpoint of a duplex link.
type Channel struct {
	name          string
	validate      bool
	compressAbove int

	wmu    sync.Mutex
	w      io.Writer
	wc     io.Closer
	closed bool
	broken error

	rmu        sync.Mutex
	r          *bufio.Reader
	rc         io.Closer
	peerClosed atomic.Bool
	drained    bool

	closeOnce sync.Once
}

// New builds a channel reading frames from r and writing frames to w.
func New(name string, r io.ReadCloser, w io.WriteCloser, opts ...Option) *Channel {
	c := &Channel{
		name:          name,
		compressAbove: DefaultCompressAbove,
		w:             w,
		wc:            w,
		r:             bufio.NewReaderSize(r, 64<<10),
		rc:            r,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name identifies the peer for logs.
func (c *Channel) Name() string { return c.name }

// Send writes one frame atomically.
func (c *Channel) Send(f Frame) error {
	if err := f.check(); err != nil {
		return fmt.Errorf("%s: send: %w", c.name, err)
	}
	buf, err := c.encode(f)
	if err != nil {
		return fmt.Errorf("%s: send: %w", c.name, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return fmt.Errorf("%s: send: %w", c.name, ErrClosed)
	}
	if c.broken != nil {
		return fmt.Errorf("%s: send: %w (after %v)", c.name, ErrClosed, c.broken)
	}
	if err := c.write(buf); err != nil {
		c.broken = err
		return fmt.Errorf("%s: send: %w (%w)", c.name, ErrClosed, err)
	}
	return nil
}

// write puts buf on the wire, resuming after partial writes that failed
// transiently. Exhaustion is Fatal.
func (c *Channel) write(buf []byte) error {
	off := 0
	return faults.Retry(context.Background(), "channel.write", WriteAttempts, WriteRetryDelay, func(context.Context) error {
		n, err := c.w.Write(buf[off:])
		off += n
		switch {
		case err == nil:
			return nil
		case transientWrite(err):
			return faults.New(faults.Transient, "channel.write", err)
		}
		return err
	})
}

// transientWrite reports write errors worth retrying. A broken pipe is not:
// the peer has closed its end.
func transientWrite(err error) bool {
	if errors.Is(err, syscall.EPIPE) {
		return false
	}
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, io.ErrShortWrite) ||
		os.IsTimeout(err)
}

func (c *Channel) encode(f Frame) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Kind, err)
	}
	var flags byte
	if c.compressAbove > 0 && len(payload) >= c.compressAbove {
		enc, _, err := codec()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		payload = enc.EncodeAll(payload, nil)
		flags |= flagZstd
	}
	if len(payload)+1 > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)+1))
	buf[4] = flags
	copy(buf[5:], payload)
	return buf, nil
}

// Recv blocks for the next frame. When the peer closes (sentinel or EOF) the
// close sentinel is returned exactly once; later calls fail with ErrClosed.
func (c *Channel) Recv() (Frame, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.drained {
		return Frame{}, fmt.Errorf("%s: recv: %w", c.name, ErrClosed)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			c.drained = true
			c.peerClosed.Store(true)
			return CloseFrame(), nil
		}
		c.drained = true
		return Frame{}, fmt.Errorf("%s: recv header: %w", c.name, err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > MaxFrameSize {
		c.drained = true
		return Frame{}, fmt.Errorf("%s: recv: invalid frame size %d", c.name, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		c.drained = true
		return Frame{}, fmt.Errorf("%s: recv body: %w", c.name, err)
	}
	payload := body[1:]
	if body[0]&flagZstd != 0 {
		_, dec, err := codec()
		if err != nil {
			return Frame{}, fmt.Errorf("%s: zstd: %w", c.name, err)
		}
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return Frame{}, fmt.Errorf("%s: decompress: %w", c.name, err)
		}
	}
	f, err := c.decode(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("%s: recv: %w", c.name, err)
	}
	if f.IsClose() {
		c.drained = true
		c.peerClosed.Store(true)
	}
	return f, nil
}

func (c *Channel) decode(payload []byte) (Frame, error) {
	if c.validate {
		s, err := frameSchema()
		if err != nil {
			return Frame{}, fmt.Errorf("frame schema: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return Frame{}, fmt.Errorf("malformed frame: %w", err)
		}
		if err := s.Validate(doc); err != nil {
			return Frame{}, fmt.Errorf("invalid frame: %w", err)
		}
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if err := f.check(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// PeerClosed reports whether the peer's close sentinel (or EOF) was observed.
func (c *Channel) PeerClosed() bool {
	return c.peerClosed.Load()
}

// Close sends the close sentinel (best effort) and releases both directions.
// No sentinel is written once the peer has closed: its read end may already
// be gone. Close is idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.wmu.TryLock() {
			if c.broken == nil && !c.peerClosed.Load() {
				if buf, encErr := c.encode(CloseFrame()); encErr == nil {
					_, _ = c.w.Write(buf)
				}
			}
			c.closed = true
			err = c.wc.Close()
			c.wmu.Unlock()
		} else {
			// A Send is stuck on a full pipe; closing the writer unblocks it.
			err = c.wc.Close()
			c.wmu.Lock()
			c.closed = true
			c.wmu.Unlock()
		}
		if rerr := c.rc.Close(); err == nil {
			err = rerr
		}
	})
	return err
}
