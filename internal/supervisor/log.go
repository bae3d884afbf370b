package supervisor

import (
	"time"

	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
)

// LogFunc receives lifecycle events and log passthrough from workers.
type LogFunc func(eventType string, entry ipc.LogEntry)

// EventCluster is the event type of every supervisor lifecycle entry.
const EventCluster = "cluster"

// Entry colours.
const (
	ColorDisconnect = 15216652
	ColorReady      = 1691939
	ColorRestart    = 237052
)

// ZapLogFunc writes events to the supervisor log category.
func ZapLogFunc(eventType string, entry ipc.LogEntry) {
	logging.Get(logging.CategorySupervisor).StructuredLog("info", entry.Title, map[string]interface{}{
		"event":       eventType,
		"description": entry.Description,
		"color":       entry.Color,
		"footer":      entry.Footer,
		"timestamp":   entry.Timestamp,
	})
}

// MultiLogFunc fans an event out to several sinks in order.
func MultiLogFunc(sinks ...LogFunc) LogFunc {
	return func(eventType string, entry ipc.LogEntry) {
		for _, sink := range sinks {
			if sink != nil {
				sink(eventType, entry)
			}
		}
	}
}

func (s *Supervisor) log(eventType string, entry ipc.LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.logFn(eventType, entry)
}
