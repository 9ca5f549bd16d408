package floor

import (
	"time"

	"github.com/quorumkit/quorum/types"
)

// Request is a transient floor request. It lives only inside the
// arbitrator's queue and is destroyed on grant or denial.
type Request struct {
	AgentID   string            `json:"agent_id"`
	Urgency   types.Urgency     `json:"urgency"`
	Reason    string            `json:"reason"`
	Kind      types.MessageKind `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`

	seq int64 // arrival order, for stable insertion
}

// requestQueue keeps requests ordered by urgency rank, ties broken by
// arrival order. Not safe for concurrent use; the arbitrator locks.
type requestQueue struct {
	items []*Request
}

// insert places the request in stable priority order.
func (q *requestQueue) insert(r *Request) {
	pos := len(q.items)
	for i, item := range q.items {
		if r.Urgency.Rank() < item.Urgency.Rank() {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = r
}

// removeAgent drops any queued request from the given agent and reports
// whether one was present.
func (q *requestQueue) removeAgent(agentID string) bool {
	for i, item := range q.items {
		if item.AgentID == agentID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// popHead removes and returns the highest-priority request.
func (q *requestQueue) popHead() *Request {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head
}

// evictTail removes and returns the lowest-priority entry. With stable
// insertion the tail is also the most recently inserted among entries of
// the lowest urgency present.
func (q *requestQueue) evictTail() *Request {
	if len(q.items) == 0 {
		return nil
	}
	tail := q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	return tail
}

func (q *requestQueue) len() int {
	return len(q.items)
}

// snapshot returns a copy of the queued requests in grant order.
func (q *requestQueue) snapshot() []Request {
	out := make([]Request, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}

func (q *requestQueue) clear() {
	q.items = nil
}
