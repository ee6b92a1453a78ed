package decision

import (
	"fmt"
	"sort"
	"time"
)

// MaxBlocked is how long a maker may stay blocked without interruption
// before the worker treats it as fatal.
const MaxBlocked = 5 * time.Minute

// QuarantineAfter is the number of consecutive Decide errors after which a
// maker blocks itself.
const QuarantineAfter = 3

// quarantine is the blocker name used when a maker is quarantined.
const quarantine = "<quarantine>"

type member struct {
	maker     Maker
	blockedBy map[string]struct{}
	since     time.Time
	failures  int
}

// Group holds the ordered makers of one bot and their block state.
type Group struct {
	members []*member
	byID    map[string]*member
}

// NewGroup keeps makers in declared order. Identifiers must be unique.
func NewGroup(makers ...Maker) (*Group, error) {
	g := &Group{byID: make(map[string]*member, len(makers))}
	for _, mk := range makers {
		if mk == nil {
			return nil, fmt.Errorf("nil decision maker")
		}
		id := mk.Identifier()
		if id == "" {
			return nil, fmt.Errorf("decision maker of kind %s has no identifier", mk.Type())
		}
		if _, dup := g.byID[id]; dup {
			return nil, fmt.Errorf("duplicate decision maker %q", id)
		}
		m := &member{maker: mk, blockedBy: make(map[string]struct{})}
		g.members = append(g.members, m)
		g.byID[id] = m
	}
	return g, nil
}

// Makers returns the makers in declared order.
func (g *Group) Makers() []Maker {
	out := make([]Maker, len(g.members))
	for i, m := range g.members {
		out[i] = m.maker
	}
	return out
}

// Block adds by to the blocked-by set of every maker of kind k except by
// itself.
func (g *Group) Block(by string, k Kind, now time.Time) {
	for _, m := range g.members {
		if m.maker.Identifier() == by || !k.Matches(m.maker.Type()) {
			continue
		}
		m.add(by, now)
	}
}

// Unblock removes by from the blocked-by set of every maker of kind k.
func (g *Group) Unblock(by string, k Kind) {
	for _, m := range g.members {
		if k.Matches(m.maker.Type()) {
			delete(m.blockedBy, by)
		}
	}
}

func (m *member) add(by string, now time.Time) {
	if len(m.blockedBy) == 0 {
		m.since = now
	}
	m.blockedBy[by] = struct{}{}
}

// Blocked reports whether id is currently skipped.
func (g *Group) Blocked(id string) bool {
	m, ok := g.byID[id]
	return ok && len(m.blockedBy) > 0
}

// BlockedBy lists who blocks id, sorted.
func (g *Group) BlockedBy(id string) []string {
	m, ok := g.byID[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.blockedBy))
	for by := range m.blockedBy {
		out = append(out, by)
	}
	sort.Strings(out)
	return out
}

// Overdue returns the first maker that has been blocked for longer than
// MaxBlocked, and for how long.
func (g *Group) Overdue(now time.Time) (Maker, time.Duration, bool) {
	for _, m := range g.members {
		if len(m.blockedBy) == 0 {
			continue
		}
		if d := now.Sub(m.since); d > MaxBlocked {
			return m.maker, d, true
		}
	}
	return nil, 0, false
}

// Hold shifts every block start forward by d, so time spent paused does not
// count toward MaxBlocked.
func (g *Group) Hold(d time.Duration) {
	for _, m := range g.members {
		if len(m.blockedBy) > 0 {
			m.since = m.since.Add(d)
		}
	}
}

// RecordSuccess resets the consecutive error count of id.
func (g *Group) RecordSuccess(id string) {
	if m, ok := g.byID[id]; ok {
		m.failures = 0
	}
}

// RecordFailure counts a Decide error for id and quarantines the maker once
// QuarantineAfter consecutive errors are reached. It reports whether the
// maker was quarantined by this call.
func (g *Group) RecordFailure(id string, now time.Time) bool {
	m, ok := g.byID[id]
	if !ok {
		return false
	}
	m.failures++
	if m.failures < QuarantineAfter {
		return false
	}
	m.failures = 0
	m.add(quarantine, now)
	return true
}

// Release lifts every quarantine in the group.
func (g *Group) Release() {
	for _, m := range g.members {
		delete(m.blockedBy, quarantine)
	}
}
