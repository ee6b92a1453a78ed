// Package command parses control-surface commands into action requests or
// control tokens.
//
// The first token is the verb. "--ign" selects target bots (one or more
// names up to the next flag) and "--m" carries a message: the rest of the
// line, taken literally, so it comes last.
package command

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/steveyegge/gasbot/internal/action"
	"github.com/steveyegge/gasbot/internal/botdata"
	"github.com/steveyegge/gasbot/internal/channel"
)

// Verbs.
const (
	Kill   = "KILL"
	Pause  = "PAUSE"
	Resume = "RESUME"
	Write  = "WRITE"
	Shot   = "SHOT"
)

// Priorities of command-generated requests.
const (
	NoticePriority = 0
	WritePriority  = 80
	PausePriority  = 100
)

// ErrEmpty is returned for blank input.
var ErrEmpty = errors.New("empty command")

// Result is what a command line turns into. Exactly one of Requests,
// Control or Shot is meaningful, selected by Verb.
type Result struct {
	Verb     string           `json:"verb"`
	Requests []action.Request `json:"requests,omitempty"`
	Control  string           `json:"control,omitempty"`
	// Shot is set for SHOT; Targets lists the requested bots (empty = all).
	Shot    bool     `json:"shot,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

var upper = cases.Upper(language.Und)

type args struct {
	ign     []string
	hasIGN  bool
	message string
	hasM    bool
}

// Parse turns one command line into a Result. Unknown verbs yield a
// priority-0 "not recognized" notice; malformed input yields an error that
// describes the problem.
func Parse(line string) (Result, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Result{}, ErrEmpty
	}
	verb := upper.String(tokens[0])
	switch verb {
	case Kill, Pause, Resume, Write, Shot:
	default:
		return Result{Verb: verb, Requests: []action.Request{notRecognized(tokens[0])}}, nil
	}
	head, message, hasM := splitMessage(strings.TrimLeftFunc(line, unicode.IsSpace)[len(tokens[0]):])
	a, err := parseArgs(strings.Fields(head))
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", verb, err)
	}
	if hasM {
		if message == "" {
			return Result{}, fmt.Errorf("%s: --m needs text", verb)
		}
		a.message, a.hasM = message, true
	}

	switch verb {
	case Kill:
		if a.hasIGN || a.hasM {
			return Result{}, fmt.Errorf("%s takes no arguments", Kill)
		}
		return Result{Verb: verb, Control: channel.ControlShutdown}, nil

	case Pause, Resume:
		if a.hasM {
			return Result{}, fmt.Errorf("%s does not take --m", verb)
		}
		return Result{Verb: verb, Requests: pauseRequests(verb == Pause, a.ign)}, nil

	case Write:
		if len(a.ign) == 0 {
			return Result{}, fmt.Errorf("%s needs --ign <name>", Write)
		}
		if !a.hasM {
			return Result{}, fmt.Errorf("%s needs --m <text>", Write)
		}
		reqs := make([]action.Request, 0, len(a.ign))
		for _, ign := range a.ign {
			reqs = append(reqs, action.Request{
				Identifier:            "write-" + ign,
				BotIGN:                ign,
				Priority:              WritePriority,
				Procedure:             action.Procedure{Name: "write", Args: map[string]string{"text": a.message}},
				CancelSelfIfDuplicate: true,
				RequeueIfBlocked:      true,
				BlockLowerPriority:    true,
				Callbacks:             []string{"notify"},
			})
		}
		return Result{Verb: verb, Requests: reqs}, nil

	case Shot:
		if a.hasM {
			return Result{}, fmt.Errorf("%s does not take --m", Shot)
		}
		return Result{Verb: verb, Shot: true, Targets: a.ign}, nil
	}
	return Result{}, fmt.Errorf("unhandled verb %s", verb)
}

const blanks = " \t\r\n"

// splitMessage cuts rest at the first "--m" token. The message is everything
// after it with only the surrounding blanks removed.
func splitMessage(rest string) (head, message string, found bool) {
	i := 0
	for i < len(rest) {
		for i < len(rest) && strings.IndexByte(blanks, rest[i]) >= 0 {
			i++
		}
		start := i
		for i < len(rest) && strings.IndexByte(blanks, rest[i]) < 0 {
			i++
		}
		if rest[start:i] == "--m" {
			return rest[:start], strings.Trim(rest[i:], blanks), true
		}
	}
	return rest, "", false
}

func parseArgs(tokens []string) (args, error) {
	var a args
	current := ""
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "--") {
			switch tok {
			case "--ign":
				if a.hasIGN {
					return args{}, fmt.Errorf("--ign given twice")
				}
				a.hasIGN = true
			default:
				return args{}, fmt.Errorf("unknown flag %s", tok)
			}
			current = tok
			continue
		}
		switch current {
		case "--ign":
			if tok == action.BroadcastBot {
				return args{}, fmt.Errorf("%q is not a bot name", tok)
			}
			a.ign = append(a.ign, tok)
		default:
			return args{}, fmt.Errorf("unexpected argument %q", tok)
		}
	}
	if a.hasIGN && len(a.ign) == 0 {
		return args{}, fmt.Errorf("--ign needs at least one name")
	}
	return a, nil
}

// pauseRequests builds one request per bot, or a single broadcast request
// when no bot was named. A pause cancels a pending resume of the same bot
// and vice versa.
func pauseRequests(pause bool, igns []string) []action.Request {
	name, opposite, doing := "resume", "pause", "resuming"
	if pause {
		name, opposite, doing = "pause", "resume", "pausing"
	}
	build := func(id, other, bot, label string) action.Request {
		msg := action.Text("%s %s", doing, label)
		return action.Request{
			Identifier:            id,
			BotIGN:                bot,
			Priority:              PausePriority,
			Procedure:             action.Procedure{Name: "noop"},
			CancelSelfIfDuplicate: true,
			CancelIDs:             []string{other},
			UserMessage:           &msg,
			AttributeUpdates:      []action.AttributeUpdate{action.MustAttributeUpdate(bot, botdata.Paused, pause)},
		}
	}
	if len(igns) == 0 {
		return []action.Request{build(name, opposite, action.BroadcastBot, "all bots")}
	}
	reqs := make([]action.Request, 0, len(igns))
	for _, ign := range igns {
		reqs = append(reqs, build(name+"-"+ign, opposite+"-"+ign, ign, ign))
	}
	return reqs
}

func notRecognized(verb string) action.Request {
	msg := action.Text("command %q not recognized", verb)
	return action.Request{
		Identifier:  "notice-" + uuid.NewString(),
		Priority:    NoticePriority,
		Procedure:   action.Procedure{Name: "noop"},
		UserMessage: &msg,
	}
}
