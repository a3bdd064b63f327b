package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("sendd", "GET", "/health", 200, 12*time.Millisecond)
	RecordAssociation("requestor", "accepted")
	RecordDIMSE("c-store", "0x0000", 24*time.Millisecond)
	RecordTranscode("1.2.840.10008.1.2.5", "validated", 40*time.Millisecond)
	RecordStoredInstance(0xA700)

	before := testutil.ToFloat64(fileOutcomes.WithLabelValues("sent"))
	RecordFileOutcome("sent")
	if got := testutil.ToFloat64(fileOutcomes.WithLabelValues("sent")); got != before+1 {
		t.Fatalf("file outcome counter got=%v want=%v", got, before+1)
	}

	done := TrackJob()
	if got := testutil.ToFloat64(jobsActive); got != 1 {
		t.Fatalf("active jobs got=%v", got)
	}
	done()
	if got := testutil.ToFloat64(jobsActive); got != 0 {
		t.Fatalf("active jobs after done got=%v", got)
	}
}

func TestRecordStoredInstanceLabel(t *testing.T) {
	RecordStoredInstance(0x0000)
	if got := testutil.ToFloat64(storedInstances.WithLabelValues("0x0000")); got < 1 {
		t.Fatalf("expected 0x0000 label to be recorded")
	}
}
