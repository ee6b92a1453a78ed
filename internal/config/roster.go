package config

import "fmt"

// RosterFile is the store file listing the bots.
const RosterFile = "bots"

// Roster is the typed view of bots.toml (or bots.yaml).
type Roster struct {
	Bots []BotSpec `toml:"bot" yaml:"bot"`
}

// BotSpec configures one bot.
type BotSpec struct {
	IGN string `toml:"ign" yaml:"ign"`

	// Worker pins the bot to a worker index. Unpinned bots are spread
	// round-robin.
	Worker *int `toml:"worker" yaml:"worker"`

	// Target names the host window (rod: URL prefix of the tab).
	Target string `toml:"target" yaml:"target"`

	Watches     []WatchSpec      `toml:"watch" yaml:"watch"`
	Rotation    []KeySpec        `toml:"rotation" yaml:"rotation"`
	Breaks      *BreakSpec       `toml:"breaks" yaml:"breaks"`
	Maintenance *MaintenanceSpec `toml:"maintenance" yaml:"maintenance"`

	// Failsafe is the number of consecutive idle rotation cycles after
	// which FailsafeKeys are pressed. 0 disables the failsafe.
	Failsafe     int      `toml:"failsafe" yaml:"failsafe"`
	FailsafeKeys []string `toml:"failsafe_keys" yaml:"failsafe_keys"`
}

// WatchSpec defines a lazily refreshed attribute read through the host
// recognizer.
type WatchSpec struct {
	Name  string   `toml:"name" yaml:"name"`
	Query string   `toml:"query" yaml:"query"`
	TTL   Duration `toml:"ttl" yaml:"ttl"`
}

// KeySpec is one rotation key.
type KeySpec struct {
	Key      string   `toml:"key" yaml:"key"`
	Cooldown Duration `toml:"cooldown" yaml:"cooldown"`
	Priority int      `toml:"priority" yaml:"priority"`
}

// BreakSpec configures anti-detection idle breaks.
type BreakSpec struct {
	Every    Duration `toml:"every" yaml:"every"`
	Jitter   Duration `toml:"jitter" yaml:"jitter"`
	Length   Duration `toml:"length" yaml:"length"`
	Priority int      `toml:"priority" yaml:"priority"`
}

// MaintenanceSpec configures periodic upkeep.
type MaintenanceSpec struct {
	Every    Duration `toml:"every" yaml:"every"`
	Keys     []string `toml:"keys" yaml:"keys"`
	Priority int      `toml:"priority" yaml:"priority"`

	// Watch and Equals additionally trigger upkeep whenever the named
	// watch reads Equals.
	Watch  string `toml:"watch" yaml:"watch"`
	Equals string `toml:"equals" yaml:"equals"`
}

// LoadRoster decodes the roster from s.
func LoadRoster(s *Store) (Roster, error) {
	var r Roster
	if err := s.Decode(RosterFile, &r); err != nil {
		return Roster{}, err
	}
	return r, r.Validate()
}

// Validate checks names, pins and per-bot sections.
func (r Roster) Validate() error {
	if len(r.Bots) == 0 {
		return fmt.Errorf("roster lists no bots")
	}
	seen := make(map[string]bool, len(r.Bots))
	for i, b := range r.Bots {
		if b.IGN == "" {
			return fmt.Errorf("bot #%d has no ign", i+1)
		}
		if b.IGN == "*" {
			return fmt.Errorf("bot name %q is reserved", b.IGN)
		}
		if seen[b.IGN] {
			return fmt.Errorf("bot %s listed twice", b.IGN)
		}
		seen[b.IGN] = true
		if b.Worker != nil && *b.Worker < 0 {
			return fmt.Errorf("bot %s: negative worker index", b.IGN)
		}
		for _, k := range b.Rotation {
			if k.Key == "" || k.Cooldown <= 0 {
				return fmt.Errorf("bot %s: rotation keys need key and cooldown", b.IGN)
			}
		}
		for _, w := range b.Watches {
			if w.Name == "" || w.Query == "" {
				return fmt.Errorf("bot %s: watches need name and query", b.IGN)
			}
		}
		if b.Maintenance != nil && b.Maintenance.Watch != "" && !hasWatch(b, b.Maintenance.Watch) {
			return fmt.Errorf("bot %s: maintenance watches unknown attribute %s", b.IGN, b.Maintenance.Watch)
		}
	}
	return nil
}

func hasWatch(b BotSpec, name string) bool {
	for _, w := range b.Watches {
		if w.Name == name {
			return true
		}
	}
	return false
}

// Names lists the bot names in roster order.
func (r Roster) Names() []string {
	names := make([]string, len(r.Bots))
	for i, b := range r.Bots {
		names[i] = b.IGN
	}
	return names
}

// Assign distributes the bots over n workers. Pinned bots keep their index;
// the others fill workers round-robin. n <= 0 uses the smallest count that
// honours every pin (at least one). Workers left without bots are dropped
// from the result.
func (r Roster) Assign(n int) ([][]BotSpec, error) {
	need := 1
	for _, b := range r.Bots {
		if b.Worker != nil && *b.Worker+1 > need {
			need = *b.Worker + 1
		}
	}
	if n <= 0 {
		n = need
	}
	if need > n {
		return nil, fmt.Errorf("roster pins a bot to worker %d but only %d workers run", need-1, n)
	}
	groups := make([][]BotSpec, n)
	next := 0
	for _, b := range r.Bots {
		idx := next % n
		if b.Worker != nil {
			idx = *b.Worker
		} else {
			next++
		}
		groups[idx] = append(groups[idx], b)
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out, nil
}

// Bot returns the spec for ign.
func (r Roster) Bot(ign string) (BotSpec, bool) {
	for _, b := range r.Bots {
		if b.IGN == ign {
			return b, true
		}
	}
	return BotSpec{}, false
}
