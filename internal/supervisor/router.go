package supervisor

import (
	"fmt"

	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
)

// aggregate collects fan-out eval results until every slot is filled.
type aggregate struct {
	results   []any
	filled    []bool
	remaining int
	offset    int
	origin    *Cluster

	// slots maps a reporting cluster id to its result index.
	slots map[int]int
}

// newAggregate creates an aggregate with one slot per id. ids must be sorted;
// slot i belongs to ids[i].
func newAggregate(origin *Cluster, ids []int) *aggregate {
	agg := &aggregate{
		results:   make([]any, len(ids)),
		filled:    make([]bool, len(ids)),
		remaining: len(ids),
		origin:    origin,
		slots:     make(map[int]int, len(ids)),
	}
	if len(ids) > 0 {
		agg.offset = ids[0]
	}
	for i, id := range ids {
		agg.slots[id] = i
	}
	return agg
}

// fill stores output at the reporter's slot. Reports whether the slot was
// accepted.
func (a *aggregate) fill(reporter int, output any) bool {
	idx, ok := a.slots[reporter]
	if !ok || a.filled[idx] {
		return false
	}
	a.results[idx] = output
	a.filled[idx] = true
	a.remaining--
	return true
}

func (a *aggregate) complete() bool {
	return a.remaining == 0
}

// routeEval dispatches an eval request by target.
func (s *Supervisor) routeEval(c *Cluster, msg ipc.Message) {
	switch msg.Target {
	case ipc.TargetAll:
		s.evalAll(c, msg)
	case ipc.TargetMaster:
		s.evalMaster(c, msg)
	case ipc.TargetCluster:
		s.evalCluster(c, msg)
	case ipc.TargetClusters:
		s.evalClusters(c, msg)
	default:
		s.reply(c, msg, "Invalid eval target")
	}
}

// evalAll broadcasts to every live cluster. Slots follow the sorted live ids,
// which is id - offset when ids are contiguous.
func (s *Supervisor) evalAll(origin *Cluster, msg ipc.Message) {
	s.mu.Lock()
	ids := s.liveIDsLocked()
	s.mu.Unlock()
	s.fanOut(origin, msg, ids)
}

func (s *Supervisor) evalCluster(origin *Cluster, msg ipc.Message) {
	id, ok := msg.SingleTarget()
	if ok {
		s.mu.Lock()
		ok = s.liveLocked(id) != nil
		s.mu.Unlock()
	}
	if !ok {
		s.reply(origin, msg, "Target cluster not found")
		return
	}
	s.fanOut(origin, msg, []int{id})
}

// evalClusters sends to every cluster from min(targetID) to max(targetID).
// Every id in the span must be live so the aggregate can always fill.
func (s *Supervisor) evalClusters(origin *Cluster, msg ipc.Message) {
	ids, ok := msg.SortedTargetIDs()
	if !ok || len(ids) == 0 {
		s.reply(origin, msg, "Invalid clusters targetID")
		return
	}
	span, ok := s.liveSpan(ids)
	if !ok {
		s.reply(origin, msg, "Invalid clusters targetID range")
		return
	}
	s.fanOut(origin, msg, span)
}

// liveSpan expands sorted ids to [min, max] and reports whether every id in
// the span is live.
func (s *Supervisor) liveSpan(ids []int) ([]int, bool) {
	lo, hi := ids[0], ids[len(ids)-1]
	s.mu.Lock()
	defer s.mu.Unlock()
	span := make([]int, 0, hi-lo+1)
	for id := lo; id <= hi; id++ {
		if s.liveLocked(id) == nil {
			return nil, false
		}
		span = append(span, id)
	}
	return span, true
}

// fanOut registers an aggregate for ids and forwards the eval to each of them.
func (s *Supervisor) fanOut(origin *Cluster, msg ipc.Message, ids []int) {
	agg := newAggregate(origin, ids)
	if agg.complete() {
		s.reply(origin, msg, agg.results)
		return
	}

	s.mu.Lock()
	s.aggregates[msg.ID] = agg
	targets := make([]*Cluster, len(ids))
	for i, id := range ids {
		targets[i] = s.clusters[id]
	}
	s.mu.Unlock()

	logging.EvalDebug("eval %s from cluster %d fans out to %d clusters (offset %d)", msg.ID, origin.ID, len(ids), agg.offset)
	req := ipc.Message{Op: ipc.OpEval, ID: msg.ID, Input: msg.Input}
	for i, t := range targets {
		// A target that went away since it was checked, or before the
		// send, gets the failure text so the aggregate still completes.
		if t == nil {
			logging.Get(logging.CategoryEval).Warn("cannot forward eval %s: cluster %d is not running", msg.ID, ids[i])
			s.handleResult(ids[i], req.Reply(fmt.Sprintf("cluster %d is not running", ids[i])))
			continue
		}
		if err := t.Send(req); err != nil {
			logging.Get(logging.CategoryEval).Warn("failed to forward eval %s to cluster %d: %v", msg.ID, t.ID, err)
			s.handleResult(t.ID, req.Reply(err.Error()))
		}
	}
}

// evalMaster runs the snippet in the coordinator and replies directly.
func (s *Supervisor) evalMaster(origin *Cluster, msg ipc.Message) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.reply(origin, msg, s.master.Output(ctx, msg.Input))
}

// handleResult stores a reporter's result. When the aggregate is full it is
// forwarded to its origin and removed. Results for unknown ids are dropped.
func (s *Supervisor) handleResult(reporter int, msg ipc.Message) {
	s.mu.Lock()
	agg, ok := s.aggregates[msg.ID]
	if !ok {
		s.mu.Unlock()
		logging.EvalDebug("discarding result %s from cluster %d: no pending eval", msg.ID, reporter)
		return
	}
	if !agg.fill(reporter, msg.Output) {
		s.mu.Unlock()
		logging.EvalDebug("discarding result %s from cluster %d: not a target", msg.ID, reporter)
		return
	}
	if !agg.complete() {
		s.mu.Unlock()
		return
	}
	delete(s.aggregates, msg.ID)
	originLive := s.clusters[agg.origin.ID] == agg.origin
	s.mu.Unlock()

	if !originLive {
		logging.Get(logging.CategoryEval).Warn("dropping eval %s result: cluster %d has exited", msg.ID, agg.origin.ID)
		return
	}
	s.reply(agg.origin, msg, agg.results)
}

// PendingEvals returns the number of aggregates still waiting for results.
func (s *Supervisor) PendingEvals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.aggregates)
}
