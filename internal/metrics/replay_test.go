// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEventProcessedStatusLabel(t *testing.T) {
	RecordEventProcessed("r-metrics", "success")
	RecordEventProcessed("r-metrics", "success")
	RecordEventProcessed("r-metrics", "ack_failed")

	success := testutil.ToFloat64(eventsProcessedTotal.WithLabelValues("r-metrics", "success"))
	failed := testutil.ToFloat64(eventsProcessedTotal.WithLabelValues("r-metrics", "ack_failed"))
	if success != 2 {
		t.Errorf("success count = %v, want 2", success)
	}
	if failed != 1 {
		t.Errorf("ack_failed count = %v, want 1", failed)
	}
}

func TestRecordReportWriteOutcomes(t *testing.T) {
	RecordReportWrite("dropped")
	if got := testutil.ToFloat64(reportWritesTotal.WithLabelValues("dropped")); got < 1 {
		t.Errorf("dropped count = %v, want >= 1", got)
	}
}
