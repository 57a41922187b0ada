package rebuild

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a Registry's live jobs and terminated history as
// Prometheus metrics, per SPEC_FULL.md section 11, so a control plane can
// scrape rebuild progress the same way it scrapes everything else. It holds
// no state of its own beyond a Registry reference; Collect always reflects
// the Registry's current contents.
type Collector struct {
	reg *Registry
}

// NewCollector wraps reg (or the process-wide DefaultRegistry if reg is nil)
// as a prometheus.Collector.
func NewCollector(reg *Registry) *Collector {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Collector{reg: reg}
}

var (
	blocksTransferredDesc = prometheus.NewDesc(
		"rebuild_job_blocks_transferred",
		"Blocks copied so far by a live rebuild job.",
		[]string{"job_id", "dst_uri"}, nil,
	)
	blocksSkippedDesc = prometheus.NewDesc(
		"rebuild_job_blocks_skipped",
		"Blocks skipped so far by a live rebuild job via its dirty map.",
		[]string{"job_id", "dst_uri"}, nil,
	)
	progressDesc = prometheus.NewDesc(
		"rebuild_job_progress_percent",
		"Completion percentage (0..100) of a live rebuild job.",
		[]string{"job_id", "dst_uri"}, nil,
	)
	tasksActiveDesc = prometheus.NewDesc(
		"rebuild_job_tasks_active",
		"Number of in-flight copy tasks for a live rebuild job.",
		[]string{"job_id", "dst_uri"}, nil,
	)
	throughputDesc = prometheus.NewDesc(
		"rebuild_job_windowed_throughput_bytes_per_second",
		"Windowed throughput of a live rebuild job, in bytes per second.",
		[]string{"job_id", "dst_uri"}, nil,
	)
	jobsTotalDesc = prometheus.NewDesc(
		"rebuild_jobs_terminated_total",
		"Count of rebuild jobs retained in history, by final state.",
		[]string{"state"}, nil,
	)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- blocksTransferredDesc
	ch <- blocksSkippedDesc
	ch <- progressDesc
	ch <- tasksActiveDesc
	ch <- throughputDesc
	ch <- jobsTotalDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, j := range c.reg.LiveJobs() {
		stats := j.Stats()
		ch <- prometheus.MustNewConstMetric(blocksTransferredDesc, prometheus.GaugeValue, float64(stats.BlocksTransferred), j.id, j.dstURI)
		ch <- prometheus.MustNewConstMetric(blocksSkippedDesc, prometheus.GaugeValue, float64(stats.BlocksSkipped), j.id, j.dstURI)
		ch <- prometheus.MustNewConstMetric(progressDesc, prometheus.GaugeValue, stats.Progress, j.id, j.dstURI)
		ch <- prometheus.MustNewConstMetric(tasksActiveDesc, prometheus.GaugeValue, float64(stats.TasksActive), j.id, j.dstURI)
		ch <- prometheus.MustNewConstMetric(throughputDesc, prometheus.GaugeValue, stats.WindowedThroughputBps, j.id, j.dstURI)
	}

	counts := make(map[State]int)
	for _, rec := range c.reg.AllHistory() {
		counts[rec.FinalState]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(jobsTotalDesc, prometheus.CounterValue, float64(n), state.String())
	}
}

var _ prometheus.Collector = (*Collector)(nil)
