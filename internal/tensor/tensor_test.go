package tensor

import (
	"math"
	"testing"
)

func TestNewAndNumElems(t *testing.T) {
	ts := New(2, 3)
	if ts.NumElems() != 6 {
		t.Fatalf("expected 6 elements, got %d", ts.NumElems())
	}
	if len(ts.Data) != 6 {
		t.Fatalf("expected data length 6, got %d", len(ts.Data))
	}
}

func TestFromDataShapeMismatch(t *testing.T) {
	_, err := FromData([]float32{1, 2, 3}, 2, 2)
	if err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestCloneIsDeep(t *testing.T) {
	a, _ := FromData([]float32{1, 2, 3, 4}, 2, 2)
	b := a.Clone()
	b.Data[0] = 99
	if a.Data[0] != 1 {
		t.Error("clone shares backing data with original")
	}
	if !a.SameShape(b) {
		t.Error("clone has different shape")
	}
}

func TestEqual(t *testing.T) {
	a, _ := FromData([]float32{1, 2}, 2)
	b, _ := FromData([]float32{1, 2}, 2)
	c, _ := FromData([]float32{1, 3}, 2)
	d, _ := FromData([]float32{1, 2}, 1, 2)

	if !a.Equal(b) {
		t.Error("identical tensors not equal")
	}
	if a.Equal(c) {
		t.Error("different values reported equal")
	}
	if a.Equal(d) {
		t.Error("different shapes reported equal")
	}
}

func TestComputeStats(t *testing.T) {
	ts, _ := FromData([]float32{-2, 0, 2, float32(math.NaN()), float32(math.Inf(1))}, 5)
	s := ComputeStats(ts)

	if s.Min != -2 || s.Max != 2 {
		t.Errorf("min/max wrong: %v/%v", s.Min, s.Max)
	}
	if s.Zeros != 1 {
		t.Errorf("expected 1 zero, got %d", s.Zeros)
	}
	if s.NaNs != 1 || s.Infs != 1 {
		t.Errorf("expected 1 NaN and 1 Inf, got %d/%d", s.NaNs, s.Infs)
	}
	if s.Mean != 0 {
		t.Errorf("expected mean 0 over finite values, got %v", s.Mean)
	}
}

func TestSQNR(t *testing.T) {
	ref, _ := FromData([]float32{1, 2, 3, 4}, 4)

	t.Run("identical is infinite", func(t *testing.T) {
		v, err := SQNR(ref, ref.Clone())
		if err != nil {
			t.Fatal(err)
		}
		if !math.IsInf(v, 1) {
			t.Errorf("expected +Inf, got %v", v)
		}
	})

	t.Run("small noise is large positive", func(t *testing.T) {
		noisy, _ := FromData([]float32{1.001, 2.001, 3.001, 4.001}, 4)
		v, err := SQNR(ref, noisy)
		if err != nil {
			t.Fatal(err)
		}
		if v < 40 {
			t.Errorf("expected SQNR > 40 dB for tiny noise, got %v", v)
		}
	})

	t.Run("shape mismatch errors", func(t *testing.T) {
		other, _ := FromData([]float32{1, 2}, 2)
		if _, err := SQNR(ref, other); err == nil {
			t.Error("expected shape mismatch error")
		}
	})
}

func TestMaxAndMeanAbsError(t *testing.T) {
	ref, _ := FromData([]float32{0, 0, 0, 0}, 4)
	other, _ := FromData([]float32{1, -2, 0, 1}, 4)

	maxErr, err := MaxAbsError(ref, other)
	if err != nil {
		t.Fatal(err)
	}
	if maxErr != 2 {
		t.Errorf("expected max abs 2, got %v", maxErr)
	}

	meanErr, err := MeanAbsError(ref, other)
	if err != nil {
		t.Fatal(err)
	}
	if meanErr != 1 {
		t.Errorf("expected mean abs 1, got %v", meanErr)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a, _ := FromData([]float32{1, 0}, 2)
	b, _ := FromData([]float32{0, 1}, 2)

	v, err := CosineSimilarity(a, a.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(v-1) > 1e-9 {
		t.Errorf("expected 1 for identical, got %v", v)
	}

	v, err = CosineSimilarity(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(v) > 1e-9 {
		t.Errorf("expected 0 for orthogonal, got %v", v)
	}
}

func TestMetricByName(t *testing.T) {
	for _, name := range []string{"sqnr", "max_abs", "mean_abs", "cosine", "SQNR"} {
		if _, err := MetricByName(name); err != nil {
			t.Errorf("metric %q should resolve: %v", name, err)
		}
	}
	if _, err := MetricByName("nope"); err == nil {
		t.Error("expected error for unknown metric")
	}
}
