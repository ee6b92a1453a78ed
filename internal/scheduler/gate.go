package scheduler

// Verdict says what the priority gate does with a popped request.
type Verdict int

const (
	// Launch means the request may start now.
	Launch Verdict = iota
	// Requeue means the request is blocked and goes back into the queue.
	Requeue
	// Drop means the request is blocked and discarded.
	Drop
)

func (v Verdict) String() string {
	switch v {
	case Launch:
		return "launch"
	case Requeue:
		return "requeue"
	default:
		return "drop"
	}
}

// Admission is the gate's decision plus the blocking level it used.
type Admission struct {
	Verdict Verdict
	// Block is the highest priority among running blockers; -1 when none.
	Block int
	// Blocker is the identifier of the task that set Block.
	Blocker string
}

// blocker describes a running task for gate evaluation.
type blocker struct {
	id       string
	priority int
	blocks   bool
}

// Admit applies the priority gate. A request launches when nothing blocks or
// its priority is strictly above every running blocker's priority.
func Admit(priority int, requeueIfBlocked bool, running []blocker) Admission {
	a := Admission{Block: -1}
	for _, t := range running {
		if t.blocks && t.priority > a.Block {
			a.Block, a.Blocker = t.priority, t.id
		}
	}
	switch {
	case priority > a.Block:
		a.Verdict = Launch
	case requeueIfBlocked:
		a.Verdict = Requeue
	default:
		a.Verdict = Drop
	}
	return a
}
