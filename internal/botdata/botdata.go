// Package botdata holds the per-bot attribute cache.
//
// Each attribute is either lazy (refreshed by its update function once its
// age reaches the TTL) or push (changed only by Set, typically from an
// attribute-update order sent by the supervisor). A Store is owned by the
// worker loop goroutine and is not safe for concurrent use.
package botdata

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/steveyegge/gasbot/internal/faults"
)

// Forever disables automatic refresh.
const Forever time.Duration = 0

// Paused is the reserved push attribute the worker consults before running
// a bot's decision makers.
const Paused = "paused"

type entry struct {
	name        string
	value       any
	update      func() (any, error)
	decode      func(json.RawMessage) (any, error)
	ttl         time.Duration
	lastRefresh time.Time
	initialized bool
}

func (e *entry) stale(now time.Time) bool {
	if !e.initialized {
		return true
	}
	if e.update == nil || e.ttl == Forever {
		return false
	}
	return now.Sub(e.lastRefresh) >= e.ttl
}

// Store maps attribute names to cached values for one bot.
type Store struct {
	bot   string
	now   func() time.Time
	attrs map[string]*entry
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// New returns an empty store for bot. The reserved Paused attribute is
// always defined.
func New(bot string, opts ...StoreOption) *Store {
	s := &Store{bot: bot, now: time.Now, attrs: make(map[string]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	_ = DefinePush(s, Paused, false)
	return s
}

// Bot returns the owning bot's name.
func (s *Store) Bot() string { return s.bot }

type defineConfig struct {
	ttl      time.Duration
	initial  any
	hasInit  bool
	deferred bool
}

// Option configures one attribute at definition time.
type Option func(*defineConfig)

// WithTTL sets the refresh interval. The default is Forever.
func WithTTL(d time.Duration) Option {
	return func(c *defineConfig) { c.ttl = d }
}

// WithInitial seeds the attribute instead of calling the update function.
func WithInitial(v any) Option {
	return func(c *defineConfig) { c.initial, c.hasInit = v, true }
}

// Deferred postpones the first refresh to the first read.
func Deferred() Option {
	return func(c *defineConfig) { c.deferred = true }
}

// Define registers a lazy attribute. Unless WithInitial or Deferred is
// given, update runs synchronously to produce the first value.
func Define[T any](s *Store, name string, update func() (T, error), opts ...Option) error {
	if update == nil {
		return faults.Contractf("botdata.define", "%s.%s: nil update function", s.bot, name)
	}
	cfg := defineConfig{ttl: Forever}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.hasInit {
		if _, ok := cfg.initial.(T); !ok {
			return faults.Contractf("botdata.define", "%s.%s: initial value %T is not %T", s.bot, name, cfg.initial, *new(T))
		}
	}
	e := &entry{
		name:   name,
		ttl:    cfg.ttl,
		update: func() (any, error) { return update() },
		decode: decodeAs[T],
	}
	if err := s.add(e); err != nil {
		return err
	}
	switch {
	case cfg.hasInit:
		e.value, e.lastRefresh, e.initialized = cfg.initial, s.now(), true
	case cfg.deferred:
	default:
		if err := s.refresh(e); err != nil {
			delete(s.attrs, name)
			return err
		}
	}
	return nil
}

// DefinePush registers an attribute that only changes through Set.
func DefinePush[T any](s *Store, name string, initial T) error {
	e := &entry{
		name:        name,
		ttl:         Forever,
		decode:      decodeAs[T],
		value:       initial,
		lastRefresh: s.now(),
		initialized: true,
	}
	return s.add(e)
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) add(e *entry) error {
	if e.name == "" {
		return faults.Contractf("botdata.define", "%s: empty attribute name", s.bot)
	}
	if _, exists := s.attrs[e.name]; exists {
		return faults.Contractf("botdata.define", "%s.%s: already defined", s.bot, e.name)
	}
	s.attrs[e.name] = e
	return nil
}

func (s *Store) lookup(op, name string) (*entry, error) {
	e, ok := s.attrs[name]
	if !ok {
		return nil, faults.Contractf(op, "%s: unknown attribute %q", s.bot, name)
	}
	return e, nil
}

func (s *Store) refresh(e *entry) error {
	if e.update == nil {
		return nil
	}
	v, err := e.update()
	if err != nil {
		return fmt.Errorf("refreshing %s.%s: %w", s.bot, e.name, err)
	}
	e.value, e.lastRefresh, e.initialized = v, s.now(), true
	return nil
}

// Get returns the current value, refreshing it first when its age has
// reached the TTL.
func (s *Store) Get(name string) (any, error) {
	e, err := s.lookup("botdata.get", name)
	if err != nil {
		return nil, err
	}
	if e.stale(s.now()) {
		if err := s.refresh(e); err != nil {
			return nil, err
		}
	}
	return e.value, nil
}

// Set writes value and resets the attribute's age.
func (s *Store) Set(name string, value any) error {
	e, err := s.lookup("botdata.set", name)
	if err != nil {
		return err
	}
	e.value, e.lastRefresh, e.initialized = value, s.now(), true
	return nil
}

// SetJSON decodes raw into the attribute's declared type and stores it.
func (s *Store) SetJSON(name string, raw json.RawMessage) error {
	e, err := s.lookup("botdata.set", name)
	if err != nil {
		return err
	}
	v, err := e.decode(raw)
	if err != nil {
		return faults.Contractf("botdata.set", "%s.%s: %v", s.bot, name, err)
	}
	e.value, e.lastRefresh, e.initialized = v, s.now(), true
	return nil
}

// Touch refreshes the attribute regardless of its age. Push attributes
// are left unchanged.
func (s *Store) Touch(name string) error {
	e, err := s.lookup("botdata.touch", name)
	if err != nil {
		return err
	}
	return s.refresh(e)
}

// Age reports how long ago the attribute was last refreshed or written.
func (s *Store) Age(name string) (time.Duration, error) {
	e, err := s.lookup("botdata.age", name)
	if err != nil {
		return 0, err
	}
	if !e.initialized {
		return 0, nil
	}
	return s.now().Sub(e.lastRefresh), nil
}

// Has reports whether name is defined.
func (s *Store) Has(name string) bool {
	_, ok := s.attrs[name]
	return ok
}

// Names lists defined attributes in lexical order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.attrs))
	for n := range s.attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsPaused reports the reserved Paused attribute.
func (s *Store) IsPaused() bool {
	v, err := Value[bool](s, Paused)
	return err == nil && v
}

// Value is the typed form of Get. A type mismatch is a contract violation.
func Value[T any](s *Store, name string) (T, error) {
	var zero T
	v, err := s.Get(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, faults.Contractf("botdata.get", "%s.%s holds %T, not %T", s.bot, name, v, zero)
	}
	return t, nil
}
