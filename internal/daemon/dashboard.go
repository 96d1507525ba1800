package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/markcallen/simplebot/internal/bridge"
	"github.com/markcallen/simplebot/internal/cron"
	"github.com/markcallen/simplebot/internal/logbuf"
	"github.com/markcallen/simplebot/internal/usage"
)

// CronJobStatus is the dashboard view of one scheduled job.
type CronJobStatus struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
	Session  string `json:"session,omitempty"`
	Notify   string `json:"notify,omitempty"`
}

// Status is the full dashboard snapshot.
type Status struct {
	UptimeMs      int64           `json:"uptimeMs"`
	StartedAt     int64           `json:"startedAt"`
	Model         string          `json:"model,omitempty"`
	ContextTokens int             `json:"contextTokens,omitempty"`
	ListenerCount int             `json:"listenerCount"`
	Sessions      []string        `json:"sessions"`
	CronJobs      []CronJobStatus `json:"cronJobs"`
	UsageToday    usage.Buckets   `json:"usageToday"`
	UsageWeek     usage.Buckets   `json:"usageWeek"`
	Activity      []ActivityEntry `json:"activity"`
	Logs          []logbuf.Entry  `json:"logs"`
}

// Snapshot assembles the dashboard status. The model and context size come
// from a get_state RPC against the default session's running bridge; an idle
// or unreachable session just leaves those fields empty.
func (d *Daemon) Snapshot(ctx context.Context) Status {
	s := Status{
		UptimeMs:      time.Since(d.startedAt).Milliseconds(),
		StartedAt:     d.startedAt.Unix(),
		ListenerCount: d.ListenerCount(),
		Sessions:      d.sessions.Names(),
		Activity:      d.activity.snapshot(),
	}
	if d.usage != nil {
		s.UsageToday = d.usage.Today()
		s.UsageWeek = d.usage.Week()
	}
	if d.logs != nil {
		s.Logs = d.logs.Snapshot()
	}
	if d.scheduler != nil {
		s.CronJobs = cronStatuses(d.scheduler.Jobs())
	}
	if br, ok := d.sessions.Lookup(d.cfg.Sessions.Default); ok {
		s.Model, s.ContextTokens = currentState(ctx, br)
	}
	return s
}

func cronStatuses(jobs []cron.JobDefinition) []CronJobStatus {
	out := make([]CronJobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, CronJobStatus{
			Name:     j.Name,
			Schedule: j.Schedule,
			Enabled:  j.Enabled,
			Session:  j.SessionName,
			Notify:   j.Notify,
		})
	}
	return out
}

func currentState(ctx context.Context, br *bridge.Bridge) (model string, contextTokens int) {
	rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	data, err := br.Command(rpcCtx, bridge.RPCGetState, nil)
	if err != nil {
		return "", 0
	}
	var state struct {
		Model struct {
			Name string `json:"name"`
		} `json:"model"`
		ContextTokens int `json:"contextTokens"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return "", 0
	}
	return state.Model.Name, state.ContextTokens
}
