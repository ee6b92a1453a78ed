package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmit(t *testing.T) {
	tests := []struct {
		name     string
		priority int
		requeue  bool
		running  []blocker
		want     Verdict
		block    int
	}{
		{name: "idle, priority zero", priority: 0, want: Launch, block: -1},
		{name: "non-blocking runner ignored", priority: 1, running: []blocker{{id: "x", priority: 50}}, want: Launch, block: -1},
		{name: "above blocker", priority: 11, running: []blocker{{id: "b", priority: 10, blocks: true}}, want: Launch, block: 10},
		{name: "equal to blocker drops", priority: 10, running: []blocker{{id: "b", priority: 10, blocks: true}}, want: Drop, block: 10},
		{name: "below blocker requeues", priority: 5, requeue: true, running: []blocker{{id: "b", priority: 10, blocks: true}}, want: Requeue, block: 10},
		{
			name:     "highest blocker wins",
			priority: 7,
			running: []blocker{
				{id: "low", priority: 3, blocks: true},
				{id: "high", priority: 8, blocks: true},
			},
			want:  Drop,
			block: 8,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Admit(tt.priority, tt.requeue, tt.running)
			assert.Equal(t, tt.want, got.Verdict)
			assert.Equal(t, tt.block, got.Block)
		})
	}
}

// With nothing blocking, the block level is -1 rather than 0 so that
// priority-0 notices such as "not recognized" still launch.
func TestAdmit_IdleBlockLevelAdmitsPriorityZero(t *testing.T) {
	a := Admit(0, false, nil)
	assert.Equal(t, -1, a.Block)
	assert.Equal(t, Launch, a.Verdict)
	assert.Empty(t, a.Blocker)

	a = Admit(0, false, []blocker{{id: "notice", priority: 0, blocks: true}})
	assert.Equal(t, 0, a.Block)
	assert.Equal(t, Drop, a.Verdict, "a running priority-0 blocker still gates its equals")
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	var q queue
	push := func(id string, p int) {
		q.push(&item{job: Job{Request: reqOf(id, p)}})
	}
	push("a", 1)
	push("b", 5)
	push("c", 5)
	push("d", 0)
	q.push(&item{shutdown: true})
	push("e", 9)

	var order []string
	for {
		it, ok := q.pop()
		if !ok {
			break
		}
		if it.shutdown {
			order = append(order, "<shutdown>")
			continue
		}
		order = append(order, it.job.Request.Identifier)
	}
	assert.Equal(t, []string{"<shutdown>", "e", "b", "c", "a", "d"}, order)
}
