package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfScan is perf metric
	PerfScan = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_scan",
		Help:         "perf_scan provides the sample metrics of token scans",
		RequiredTags: []string{"scanner"},
	}

	// PerfAnnotate is perf metric
	PerfAnnotate = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_annotate",
		Help:         "perf_annotate provides the sample metrics of URI annotation",
		RequiredTags: []string{"scanner"},
	}
)

// Stats
var (
	// ScanSlotFailures is counter metric
	ScanSlotFailures = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "scan_slot_failures",
		Help:         "scan_slot_failures provides the counter of slots skipped because of errors",
		RequiredTags: []string{"scanner", "op"},
	}

	// MonitorEvents is counter metric
	MonitorEvents = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "monitor_events",
		Help:         "monitor_events provides the counter of events published by token monitors",
		RequiredTags: []string{"kind"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfScan,
	&PerfAnnotate,
	&ScanSlotFailures,
	&MonitorEvents,
}
