// Package diagnostics tracks best-effort persistence attempts so operators can
// see whether chat history is actually being written.
package diagnostics

import (
	"math"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

const (
	defaultMaxLogs   = 100
	defaultMaxErrors = 20

	pendingWarnThreshold = 5
	minAttemptsForRate   = 5
	criticalSuccessRate  = 50.0
	recentErrorWindow    = time.Minute
)

// Entry is one recorded persistence event.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Operation string            `json:"operation"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type Counters struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Pending   int `json:"pending"`
}

type Snapshot struct {
	Enabled     bool      `json:"enabled"`
	Counters    Counters  `json:"counters"`
	SuccessRate float64   `json:"success_rate"`
	LastError   *Entry    `json:"last_error,omitempty"`
	Logs        []Entry   `json:"logs"`
	Errors      []Entry   `json:"errors"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Health struct {
	Status Status   `json:"status"`
	Issues []string `json:"issues"`
}

type Collector struct {
	mu        sync.Mutex
	enabled   bool
	maxLogs   int
	maxErrors int
	counters  Counters
	logs      []Entry
	errors    []Entry
	now       func() time.Time
}

func NewCollector(enabled bool, maxLogs, maxErrors int) *Collector {
	if maxLogs <= 0 {
		maxLogs = defaultMaxLogs
	}
	if maxErrors <= 0 {
		maxErrors = defaultMaxErrors
	}
	return &Collector{
		enabled:   enabled,
		maxLogs:   maxLogs,
		maxErrors: maxErrors,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func (c *Collector) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

func (c *Collector) RecordAttempt(operation string, fields map[string]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.counters.Attempts++
	c.counters.Pending++
	c.appendLog(Entry{Operation: operation, Level: "info", Message: "attempt", Fields: fields})
}

// CancelAttempt withdraws an attempt whose operation never started, such as a
// job dropped from a full queue.
func (c *Collector) CancelAttempt(operation string, fields map[string]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	if c.counters.Attempts > 0 {
		c.counters.Attempts--
	}
	c.decrementPending()
	c.appendLog(Entry{Operation: operation, Level: "warn", Message: "dropped", Fields: fields})
}

func (c *Collector) RecordSuccess(operation string, fields map[string]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.counters.Successes++
	c.decrementPending()
	c.appendLog(Entry{Operation: operation, Level: "info", Message: "success", Fields: fields})
}

func (c *Collector) RecordFailure(operation string, err error, fields map[string]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.counters.Failures++
	c.decrementPending()

	message := "failure"
	if err != nil {
		message = err.Error()
	}
	entry := Entry{Operation: operation, Level: "error", Message: message, Fields: fields}
	c.appendLog(entry)

	entry.Timestamp = c.now()
	c.errors = append(c.errors, entry)
	if len(c.errors) > c.maxErrors {
		c.errors = c.errors[len(c.errors)-c.maxErrors:]
	}
}

func (c *Collector) decrementPending() {
	if c.counters.Pending > 0 {
		c.counters.Pending--
	}
}

func (c *Collector) appendLog(entry Entry) {
	entry.Timestamp = c.now()
	c.logs = append(c.logs, entry)
	if len(c.logs) > c.maxLogs {
		c.logs = c.logs[len(c.logs)-c.maxLogs:]
	}
}

// SuccessRate is successes over attempts as a percentage rounded to two decimals.
func (c *Collector) SuccessRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successRate()
}

func (c *Collector) successRate() float64 {
	if c.counters.Attempts == 0 {
		return 0
	}
	rate := float64(c.counters.Successes) / float64(c.counters.Attempts) * 100
	return math.Round(rate*100) / 100
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := Snapshot{
		Enabled:     c.enabled,
		Counters:    c.counters,
		SuccessRate: c.successRate(),
		Logs:        append([]Entry(nil), c.logs...),
		Errors:      append([]Entry(nil), c.errors...),
		GeneratedAt: c.now(),
	}
	if n := len(c.errors); n > 0 {
		last := c.errors[n-1]
		snapshot.LastError = &last
	}
	return snapshot
}

// Health evaluates the collector state. Any critical issue wins over warnings.
func (c *Collector) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	health := Health{Status: StatusHealthy, Issues: []string{}}
	warn := func(issue string) {
		health.Issues = append(health.Issues, issue)
		if health.Status == StatusHealthy {
			health.Status = StatusWarning
		}
	}

	if !c.enabled {
		warn("diagnostics disabled")
	}

	if c.counters.Attempts == 0 {
		warn("no persistence attempts recorded")
	}

	if rate := c.successRate(); c.counters.Attempts > minAttemptsForRate && rate < criticalSuccessRate {
		health.Issues = append(health.Issues, "low success rate")
		health.Status = StatusCritical
	}

	if c.counters.Pending > pendingWarnThreshold {
		warn("too many pending operations")
	}

	if n := len(c.errors); n > 0 && c.now().Sub(c.errors[n-1].Timestamp) < recentErrorWindow {
		warn("recent persistence error")
	}

	return health
}

func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = Counters{}
	c.logs = nil
	c.errors = nil
}
