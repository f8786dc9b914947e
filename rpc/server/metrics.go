package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/skv/rpc/common"
	"github.com/VictoriaMetrics/metrics"
)

// commandMetrics are the series of one command
type commandMetrics struct {
	calls    *metrics.Counter
	errors   *metrics.Counter
	duration *metrics.Histogram
}

// serverMetrics holds the metrics of one server. The series live in their own
// set so several servers in one process (as in the tests) do not share them.
type serverMetrics struct {
	set      *metrics.Set
	commands map[string]commandMetrics
	unknown  *metrics.Counter
}

func newServerMetrics(s *Server) *serverMetrics {
	m := &serverMetrics{
		set:      metrics.NewSet(),
		commands: make(map[string]commandMetrics),
	}

	// the command table is fixed, so every series is created up front and
	// observe never touches the set
	for _, c := range common.Commands() {
		cmd := strings.ToLower(c.Name)
		m.commands[c.Name] = commandMetrics{
			calls:    m.set.NewCounter(fmt.Sprintf(`skv_commands_total{cmd=%q}`, cmd)),
			errors:   m.set.NewCounter(fmt.Sprintf(`skv_command_errors_total{cmd=%q}`, cmd)),
			duration: m.set.NewHistogram(fmt.Sprintf(`skv_command_duration_seconds{cmd=%q}`, cmd)),
		}
	}
	m.unknown = m.set.NewCounter(`skv_unknown_commands_total`)

	m.set.NewGauge(`skv_connections`, func() float64 {
		return float64(s.sessions.Size())
	})
	m.set.NewGauge(`skv_blocked_clients`, func() float64 {
		return float64(s.blockedClients())
	})
	return m
}

// observe records one executed command
func (m *serverMetrics) observe(name string, start time.Time, isErr bool) {
	c, ok := m.commands[name]
	if !ok {
		return
	}
	c.calls.Inc()
	if isErr {
		c.errors.Inc()
	}
	c.duration.UpdateDuration(start)
}
