// Package ipc implements the control channel between the fleet coordinator and
// its worker processes.
//
// Messages are flat records keyed by Op. Requests carry an ID; the peer
// answers with an OpResult message carrying the same ID and an Output. The
// protocol has no success flag: failures travel as descriptive strings in the
// Output field, exactly like successful values.
package ipc

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"shardfleet/internal/shard"
)

// Op names a message operation.
type Op = string

const (
	OpStart    Op = "start"
	OpReady    Op = "ready"
	OpMessage  Op = "message"
	OpEval     Op = "eval"
	OpResult   Op = "result"
	OpRestart  Op = "restart"
	OpKill     Op = "kill"
	OpClusters Op = "clusters"
)

// Target selects where an eval or restart request goes.
type Target string

const (
	TargetAll      Target = "all"
	TargetMaster   Target = "master"
	TargetCluster  Target = "cluster"
	TargetClusters Target = "clusters"
)

// Message is the unit exchanged over a Channel. Only the fields relevant to
// Op are populated.
type Message struct {
	Op Op     `json:"op" msgpack:"op"`
	ID string `json:"id,omitempty" msgpack:"id,omitempty"`

	// start
	Cluster     int          `json:"cluster,omitempty" msgpack:"cluster,omitempty"`
	Shards      *shard.Range `json:"shards,omitempty" msgpack:"shards,omitempty"`
	TotalShards int          `json:"totalShards,omitempty" msgpack:"totalShards,omitempty"`

	// ready
	Client string `json:"client,omitempty" msgpack:"client,omitempty"`

	// message
	Type        string `json:"type,omitempty" msgpack:"type,omitempty"`
	Title       string `json:"title,omitempty" msgpack:"title,omitempty"`
	Description string `json:"description,omitempty" msgpack:"description,omitempty"`
	Color       int    `json:"color,omitempty" msgpack:"color,omitempty"`
	Footer      string `json:"footer,omitempty" msgpack:"footer,omitempty"`

	// eval, restart, kill
	Target   Target `json:"target,omitempty" msgpack:"target,omitempty"`
	TargetID any    `json:"targetID,omitempty" msgpack:"targetID,omitempty"`
	Input    string `json:"input,omitempty" msgpack:"input,omitempty"`
	User     string `json:"user,omitempty" msgpack:"user,omitempty"`

	// result
	Output any `json:"output,omitempty" msgpack:"output,omitempty"`

	// Data carries the payload of extension ops.
	Data map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
}

// StartMessage is the bootstrap payload delivered to a worker's Run.
type StartMessage struct {
	Cluster     int
	Shards      shard.Range
	TotalShards int
}

// Start extracts the bootstrap payload of an OpStart message.
func (m Message) Start() StartMessage {
	s := StartMessage{Cluster: m.Cluster, TotalShards: m.TotalShards}
	if m.Shards != nil {
		s.Shards = *m.Shards
	}
	return s
}

// SingleTarget returns TargetID as one cluster id.
func (m Message) SingleTarget() (int, bool) {
	return toInt(m.TargetID)
}

// TargetIDs returns TargetID as a list of cluster ids. ok is false if TargetID
// is not an array or any element is not an integer.
func (m Message) TargetIDs() (ids []int, ok bool) {
	var raw []any
	switch v := m.TargetID.(type) {
	case []any:
		raw = v
	case []int:
		return append([]int(nil), v...), true
	default:
		return nil, false
	}
	ids = make([]int, 0, len(raw))
	for _, el := range raw {
		n, ok := toInt(el)
		if !ok {
			return nil, false
		}
		ids = append(ids, n)
	}
	return ids, true
}

// SortedTargetIDs is TargetIDs in ascending order.
func (m Message) SortedTargetIDs() ([]int, bool) {
	ids, ok := m.TargetIDs()
	if ok {
		sort.Ints(ids)
	}
	return ids, ok
}

// Reply builds the result message answering m.
func (m Message) Reply(output any) Message {
	return Message{Op: OpResult, ID: m.ID, Output: output}
}

// toInt accepts every numeric representation a codec may produce and rejects
// non-integral values.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// LogEntry is the structured payload of a log event.
type LogEntry struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Footer      string    `json:"footer"`
	Timestamp   time.Time `json:"timestamp"`
}

// LogMessage builds an OpMessage carrying entry under the given event type.
func LogMessage(eventType string, entry LogEntry) Message {
	return Message{
		Op:          OpMessage,
		Type:        eventType,
		Title:       entry.Title,
		Description: entry.Description,
		Color:       entry.Color,
		Footer:      entry.Footer,
	}
}

// Entry extracts the log payload of an OpMessage.
func (m Message) Entry() LogEntry {
	return LogEntry{
		Title:       m.Title,
		Description: m.Description,
		Color:       m.Color,
		Footer:      m.Footer,
		Timestamp:   time.Now(),
	}
}

// String renders a short description for logs.
func (m Message) String() string {
	if m.ID != "" {
		return fmt.Sprintf("%s#%s", m.Op, m.ID)
	}
	return m.Op
}
