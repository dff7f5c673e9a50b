package scheduling

import (
	"sort"
	"time"
)

// JobInfo is a diagnostic view of one job.
type JobInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Kind    Kind          `json:"kind"`
	Spec    string        `json:"spec,omitempty"`
	Period  time.Duration `json:"period,omitempty"`
	State   string        `json:"state"`
	Next    *time.Time    `json:"next,omitempty"`
	Runs    uint64        `json:"runs"`
	LastRun *time.Time    `json:"last_run,omitempty"`
	LastErr string        `json:"last_err,omitempty"`
}

// Snapshot is a point-in-time view of a context for diagnostics.
type Snapshot struct {
	Owner     string    `json:"owner"`
	Worker    string    `json:"worker"`
	State     string    `json:"state"`
	Simulated bool      `json:"simulated"`
	Now       time.Time `json:"now"`
	Queued    int       `json:"queued"`
	Scheduled int       `json:"scheduled"`
	Pending   int       `json:"pending"`
	// CurrentExecution is -1 while the worker is idle.
	CurrentExecution time.Duration `json:"current_execution"`
	Jobs             []JobInfo     `json:"jobs"`
}

// Jobs lists the running unit, queued units and scheduled jobs, in that order.
func (c *Context) Jobs() []JobInfo {
	var out []JobInfo
	if j := c.current.Load(); j != nil {
		out = append(out, j.info("running", nil))
	}
	for _, j := range c.q.snapshot() {
		if j.IsCancelled() {
			continue
		}
		out = append(out, j.info("queued", nil))
	}

	entries := c.reg.scheduled()
	sort.Slice(entries, func(a, b int) bool {
		if !entries[a].next.Equal(entries[b].next) {
			return entries[a].next.Before(entries[b].next)
		}
		return entries[a].job.seq < entries[b].job.seq
	})
	for _, e := range entries {
		next := e.next
		out = append(out, e.job.info("scheduled", &next))
	}
	return out
}

func (j *Job) info(state string, next *time.Time) JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	ji := JobInfo{
		ID:     j.id,
		Name:   j.name,
		Kind:   j.kind,
		Spec:   j.spec,
		Period: j.period,
		State:  state,
		Next:   next,
		Runs:   j.runs,
	}
	if !j.lastRun.IsZero() {
		lr := j.lastRun
		ji.LastRun = &lr
	}
	if j.lastErr != nil {
		ji.LastErr = j.lastErr.Error()
	}
	return ji
}

func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	scheduled, pending := c.reg.counts()
	return Snapshot{
		Owner:            c.cfg.Owner,
		Worker:           c.workerName,
		State:            st.String(),
		Simulated:        c.sim != nil,
		Now:              c.clock.Now(),
		Queued:           c.q.len(),
		Scheduled:        scheduled,
		Pending:          pending,
		CurrentExecution: c.CurrentExecutionTime(),
		Jobs:             c.Jobs(),
	}
}
