/*
Package logmonitor tails a worker group's per-rank log files, fanning
their lines to the agent's own stdout/stderr with a "[<group><rank>]:"
header, and extracts any line tagged with the metrics marker
"[LATTICE METRICS]key:value,..." into a gauge pushed to a Prometheus
pushgateway. Log files do not need to exist when Start is called; the
tailer waits for the worker process to create them.
*/
package logmonitor

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lattice-ml/lattice-agent/pkg/log"
)

var metricsTag = regexp.MustCompile(`\[LATTICE METRICS\]`)

// Metrics is one parsed "[LATTICE METRICS]k:v,k2:v2" line, still in
// string form — the publisher decides which keys it understands.
type Metrics map[string]string

// Monitor tails a set of per-rank log files until Stop is called.
type Monitor struct {
	name      string
	logFiles  map[int]string
	dst       io.Writer
	interval  time.Duration
	publisher Publisher
	logger    zerolog.Logger

	mu       sync.Mutex
	metrics  []Metrics
	finished map[int]chan struct{}
	wg       sync.WaitGroup
	stopped  bool
}

// Publisher receives every parsed metrics line as it is tailed.
type Publisher interface {
	Push(m Metrics)
}

// New builds a Monitor for the given per-rank log file paths. dst
// receives every non-metrics line, headered by "[<name><rank>]:".
// publisher may be nil to skip metric publishing.
func New(name string, logFiles map[int]string, dst io.Writer, interval time.Duration, publisher Publisher) *Monitor {
	finished := make(map[int]chan struct{}, len(logFiles))
	for rank := range logFiles {
		finished[rank] = make(chan struct{})
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Monitor{
		name:      name,
		logFiles:  logFiles,
		dst:       dst,
		interval:  interval,
		publisher: publisher,
		logger:    log.WithComponent("logmonitor").With().Str("group", name).Logger(),
		finished:  finished,
	}
}

// Start begins tailing every log file in its own goroutine.
func (m *Monitor) Start() {
	for rank, file := range m.logFiles {
		m.wg.Add(1)
		go func(rank int, file string) {
			defer m.wg.Done()
			m.tail(rank, file)
		}(rank, file)
	}
}

// Stop signals every tailer to finish once it reaches EOF and blocks
// until they have all exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for _, ch := range m.finished {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	m.stopped = true
	m.mu.Unlock()
	m.wg.Wait()
}

// Stopped reports whether Stop has completed.
func (m *Monitor) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Metrics drains and returns every metrics line observed since the
// last call.
func (m *Monitor) Metrics() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.metrics
	m.metrics = nil
	return out
}

func (m *Monitor) isFinished(rank int) bool {
	select {
	case <-m.finished[rank]:
		return true
	default:
		return false
	}
}

func (m *Monitor) tail(rank int, file string) {
	header := "[" + m.name + strconv.Itoa(rank) + "]:"

	for {
		if _, err := os.Stat(file); err == nil {
			break
		}
		if m.isFinished(rank) {
			return
		}
		time.Sleep(m.interval)
	}

	f, err := os.Open(file)
	if err != nil {
		m.logger.Error().Err(err).Int("local_rank", rank).Str("file", file).Msg("failed to open log file for tailing")
		return
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if loc := metricsTag.FindStringIndex(line); loc != nil {
				metrics := parseMetrics(line[loc[1]:])
				m.addMetrics(metrics)
			} else {
				io.WriteString(m.dst, header+line)
			}
		}
		if err == io.EOF {
			if m.isFinished(rank) {
				return
			}
			time.Sleep(m.interval)
			continue
		}
		if err != nil {
			m.logger.Error().Err(err).Int("local_rank", rank).Msg("error tailing log file")
			return
		}
	}
}

func (m *Monitor) addMetrics(metrics Metrics) {
	m.mu.Lock()
	m.metrics = append(m.metrics, metrics)
	m.mu.Unlock()
	if m.publisher != nil {
		m.publisher.Push(metrics)
	}
}

func parseMetrics(s string) Metrics {
	out := make(Metrics)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

