package metrics

import (
	"testing"
	"time"
)

func TestRecordHelpersExist(t *testing.T) {
	// Verify the exported helpers exist and don't panic
	RecordMatchPairs(3)
	RecordSubgraphSkipped("unrelated_types")
	RecordProbeCapture("fp32", "node_output", 1024)
	RecordProbeInserted()
	RecordSweepBranch("float")
	RecordSweepBranch("quantized")
	RecordConstructionError("add_loggers", "duplicate_attr")
	RecordNumericalInstability("linear_0", 2, 1)
	RecordComparisonValue(42.5)
	RecordPassDuration("matcher", 5*time.Millisecond)
}

func TestTotalCapturesAccumulates(t *testing.T) {
	before := TotalCaptures()
	RecordProbeCapture("int8", "node_output", 16)
	RecordProbeCapture("int8", "node_input", 16)
	after := TotalCaptures()
	if after-before != 2 {
		t.Errorf("expected 2 new captures, got %d", after-before)
	}
}

func TestRecordNumericalInstabilityZeroCounts(t *testing.T) {
	// Zero counts should not add series
	RecordNumericalInstability("clean_tensor", 0, 0)
}
