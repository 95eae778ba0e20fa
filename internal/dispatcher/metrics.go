package dispatcher

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MetricsText renders the current in-memory counters/gauges as Prometheus
// 0.0.4 text exposition (spec.md §6). Series are emitted in account-id
// sorted order, each preceded by its own TYPE line; it is a pure function
// of current state, modulo the last-success-seconds gauge which is always
// "now - last_success_ts".
func (d *Dispatcher) MetricsText() string {
	now := time.Now()
	var b strings.Builder

	fmt.Fprintln(&b, "# TYPE agyc_queue_depth gauge")
	fmt.Fprintf(&b, "agyc_queue_depth %d\n", d.QueueDepth())
	fmt.Fprintln(&b, "# TYPE agyc_accounts gauge")
	fmt.Fprintf(&b, "agyc_accounts %d\n", d.AccountCount())

	ids := make([]string, 0, len(d.accounts))
	for id := range d.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		snap := d.accounts[id].snapshot()
		m := snap.Metrics

		fmt.Fprintln(&b, "# TYPE agyc_account_tasks_total counter")
		fmt.Fprintf(&b, "agyc_account_tasks_total{account=%q} %d\n", id, m.TasksTotal)

		fmt.Fprintln(&b, "# TYPE agyc_account_errors_total counter")
		fmt.Fprintf(&b, "agyc_account_errors_total{account=%q} %d\n", id, m.ErrorsTotal)

		fmt.Fprintln(&b, "# TYPE agyc_account_avg_latency_ms gauge")
		fmt.Fprintf(&b, "agyc_account_avg_latency_ms{account=%q} %.3f\n", id, m.AvgLatencyMs())

		fmt.Fprintln(&b, "# TYPE agyc_account_health_score gauge")
		fmt.Fprintf(&b, "agyc_account_health_score{account=%q} %.3f\n", id, snap.HealthScore)

		if !m.LastSuccessTs.IsZero() {
			fmt.Fprintln(&b, "# TYPE agyc_account_last_success_seconds gauge")
			fmt.Fprintf(&b, "agyc_account_last_success_seconds{account=%q} %.3f\n", id, now.Sub(m.LastSuccessTs).Seconds())
		}
	}

	return b.String()
}
