package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRecordRequest(t *testing.T) {
	before := counterVecValue(t, RequestsTotal.WithLabelValues("hit"))
	RecordRequest("hit", 0.01)
	after := counterVecValue(t, RequestsTotal.WithLabelValues("hit"))
	if after != before+1 {
		t.Errorf("hit counter = %v, want %v", after, before+1)
	}
}

func TestRecordCleanup(t *testing.T) {
	deletedBefore := CounterValue(CleanupDeletedTotal)
	bytesBefore := CounterValue(CleanupDeletedBytesTotal)

	RecordCleanup("threshold", 3, 4096)

	if got := CounterValue(CleanupDeletedTotal); got != deletedBefore+3 {
		t.Errorf("deleted counter = %v, want %v", got, deletedBefore+3)
	}
	if got := CounterValue(CleanupDeletedBytesTotal); got != bytesBefore+4096 {
		t.Errorf("deleted bytes counter = %v, want %v", got, bytesBefore+4096)
	}
}

func TestGauges(t *testing.T) {
	StorageUsedBytes.Set(12345)
	if got := GaugeValue(StorageUsedBytes); got != 12345 {
		t.Errorf("storage gauge = %v, want 12345", got)
	}

	ActiveWorkers.Set(4)
	if got := GaugeValue(ActiveWorkers); got != 4 {
		t.Errorf("workers gauge = %v, want 4", got)
	}
}

func TestRecordExtractorRunLabels(t *testing.T) {
	before := counterVecValue(t, ExtractorRunsTotal.WithLabelValues("success", "true"))
	RecordExtractorRun("success", true)
	after := counterVecValue(t, ExtractorRunsTotal.WithLabelValues("success", "true"))
	if after != before+1 {
		t.Errorf("extractor counter = %v, want %v", after, before+1)
	}
}

func counterVecValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
