// Package shard computes how a partitioned workload is split across clusters.
//
// A plan is a pure function of the total shard count, the shard sub-range to
// run, the number of shards each cluster owns, and the first cluster id. The
// resulting assignments partition the sub-range with no gaps or overlaps.
package shard

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPlan is returned for malformed planning options.
var ErrInvalidPlan = errors.New("invalid shard plan")

// Range is an inclusive [lo, hi] span of shard ids.
type Range [2]int

// Lo returns the first shard id.
func (r Range) Lo() int { return r[0] }

// Hi returns the last shard id.
func (r Range) Hi() int { return r[1] }

// Len returns the number of shards in the range.
func (r Range) Len() int { return r[1] - r[0] + 1 }

// Contains reports whether shard falls inside the range.
func (r Range) Contains(shard int) bool { return shard >= r[0] && shard <= r[1] }

// String formats the range as "lo-hi".
func (r Range) String() string { return fmt.Sprintf("%d-%d", r[0], r[1]) }

// MarshalEnv encodes the range the way it is handed to worker processes.
func (r Range) MarshalEnv() string {
	data, _ := json.Marshal([2]int(r))
	return string(data)
}

// ParseRange decodes a JSON "[lo,hi]" pair.
func ParseRange(s string) (Range, error) {
	var pair []int
	if err := json.Unmarshal([]byte(s), &pair); err != nil {
		return Range{}, fmt.Errorf("%w: shard range %q: %v", ErrInvalidPlan, s, err)
	}
	if len(pair) != 2 {
		return Range{}, fmt.Errorf("%w: shard range must have 2 elements, got %d", ErrInvalidPlan, len(pair))
	}
	r := Range{pair[0], pair[1]}
	if r[0] < 0 || r[1] < r[0] {
		return Range{}, fmt.Errorf("%w: shard range %s", ErrInvalidPlan, r)
	}
	return r, nil
}

// Assignment is one cluster and the shards it owns.
type Assignment struct {
	ClusterID int   `json:"cluster" yaml:"cluster"`
	Shards    Range `json:"shards" yaml:"shards"`
}

// PlanOptions are the inputs to Plan.
type PlanOptions struct {
	// TotalShards is the shard count of the whole workload.
	TotalShards int
	// Range restricts the plan to a sub-range. Nil means [0, TotalShards-1].
	Range *Range
	// ShardsPerCluster is how many shards each cluster owns.
	ShardsPerCluster int
	// FirstClusterID is the id of the first cluster. Nil means
	// Range.Lo()/ShardsPerCluster + 1.
	FirstClusterID *int
}

// Validate checks the options without computing the plan.
func (o PlanOptions) Validate() error {
	if o.TotalShards < 1 {
		return fmt.Errorf("%w: total shards must be a positive integer, got %d", ErrInvalidPlan, o.TotalShards)
	}
	if o.ShardsPerCluster < 1 {
		return fmt.Errorf("%w: shards per cluster must be a positive integer, got %d", ErrInvalidPlan, o.ShardsPerCluster)
	}
	if o.Range != nil {
		r := *o.Range
		if r[0] < 0 || r[1] < 0 {
			return fmt.Errorf("%w: shard range must be non-negative, got %s", ErrInvalidPlan, r)
		}
		if r[0] > r[1] {
			return fmt.Errorf("%w: shard range is reversed: %s", ErrInvalidPlan, r)
		}
		if r[1] >= o.TotalShards {
			return fmt.Errorf("%w: shard range %s exceeds total shards %d", ErrInvalidPlan, r, o.TotalShards)
		}
	}
	if o.FirstClusterID != nil && *o.FirstClusterID < 0 {
		return fmt.Errorf("%w: first cluster id must be non-negative, got %d", ErrInvalidPlan, *o.FirstClusterID)
	}
	return nil
}

// Resolved returns the effective shard range and first cluster id.
func (o PlanOptions) Resolved() (Range, int) {
	r := Range{0, o.TotalShards - 1}
	if o.Range != nil {
		r = *o.Range
	}
	first := r.Lo()/o.ShardsPerCluster + 1
	if o.FirstClusterID != nil {
		first = *o.FirstClusterID
	}
	return r, first
}

// Plan computes the cluster-to-shard assignment. Every cluster except possibly
// the last owns exactly ShardsPerCluster shards; the last one is clipped to the
// end of the range.
func Plan(opts PlanOptions) ([]Assignment, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	r, first := opts.Resolved()
	per := opts.ShardsPerCluster

	count := (r.Len() + per - 1) / per
	out := make([]Assignment, 0, count)
	for i := 0; i < count; i++ {
		lo := r.Lo() + i*per
		hi := lo + per - 1
		if hi > r.Hi() {
			hi = r.Hi()
		}
		out = append(out, Assignment{ClusterID: first + i, Shards: Range{lo, hi}})
	}
	return out, nil
}
