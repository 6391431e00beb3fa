// Package metrics is a thin wrapper over github.com/uber-go/tally
// exposing the counters and gauges a running download produces:
// pieces.completed, pieces.failed_hash, peers.active, bytes.downloaded,
// tracker.announce.errors. spec.md's Non-goals exclude
// choking/bandwidth-shaping policy, not observability of the engine
// itself — Recorder implements no such policy and only counts events
// the engine already produces.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/uber-go/tally"
)

// New returns a root tally.Scope whose metric names are prefixed with
// namespace. In the absence
// of a configured backend (statsd, m3, ...), metrics are reported
// through a print reporter; a production deployment would register one
// of those backends the way the rest of the corpus does.
func New(namespace string) (tally.Scope, io.Closer) {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   namespace,
		Reporter: printReporter{},
	}, time.Second)
	return scope, closer
}

type printReporter struct{}

func (printReporter) ReportCounter(name string, _ map[string]string, value int64) {
	fmt.Printf("counter %s %d\n", name, value)
}

func (printReporter) ReportGauge(name string, _ map[string]string, value float64) {
	fmt.Printf("gauge %s %f\n", name, value)
}

func (printReporter) ReportTimer(name string, _ map[string]string, interval time.Duration) {
	fmt.Printf("timer %s %s\n", name, interval)
}

func (printReporter) ReportHistogramValueSamples(
	name string, _ map[string]string, _ tally.Buckets, lower, upper float64, samples int64) {
	fmt.Printf("histogram %s bucket lower %f upper %f samples %d\n", name, lower, upper, samples)
}

func (printReporter) ReportHistogramDurationSamples(
	name string, _ map[string]string, _ tally.Buckets, lower, upper time.Duration, samples int64) {
	fmt.Printf("histogram %s bucket lower %v upper %v samples %d\n", name, lower, upper, samples)
}

func (r printReporter) Capabilities() tally.Capabilities { return r }
func (printReporter) Reporting() bool                    { return true }
func (printReporter) Tagging() bool                      { return false }
func (printReporter) Flush()                             {}
