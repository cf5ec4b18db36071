package core

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterVecValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(label).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordRejectionClassifiesEachErrorKind(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		label string
	}{
		{"joint", NewJointError(Hash{1}, Hash{2}, "bad signature"), "joint"},
		{"unit", NewUnitError(Hash{1}, "bad parent"), "unit"},
		{"transient", NewTransientError("racing stabilization"), "transient"},
		{"need_parents", NewNeedParents(Hash{1}, []Hash{{2}}), "need_parents"},
		{"need_hash_tree", NewNeedHashTree(Hash{1}), "need_hash_tree"},
		{"fatal", NewFatalError("db down", nil), "fatal"},
		{"unknown", &customErr{}, "unknown"},
	}
	for _, tc := range cases {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		m.RecordRejection(tc.err)
		if got := counterVecValue(t, m.UnitsRejected, tc.label); got != 1 {
			t.Errorf("%s: expected UnitsRejected{kind=%s}=1, got %v", tc.name, tc.label, got)
		}
	}
}

type customErr struct{}

func (*customErr) Error() string { return "some other error" }

func TestNewMetricsRegistersDistinctCollectorsPerRegistry(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	m1 := NewMetrics(reg1)
	m2 := NewMetrics(reg2)

	m1.UnitsValidated.Inc()
	mf, err := reg1.Gather()
	if err != nil {
		t.Fatalf("gather reg1: %v", err)
	}
	found := false
	for _, f := range mf {
		if f.GetName() == "daglnode_units_validated_total" {
			found = true
			if f.Metric[0].GetCounter().GetValue() != 1 {
				t.Fatalf("expected reg1's counter to read 1, got %v", f.Metric[0].GetCounter().GetValue())
			}
		}
	}
	if !found {
		t.Fatalf("expected daglnode_units_validated_total to be registered on reg1")
	}

	mf2, err := reg2.Gather()
	if err != nil {
		t.Fatalf("gather reg2: %v", err)
	}
	for _, f := range mf2 {
		if f.GetName() == "daglnode_units_validated_total" && f.Metric[0].GetCounter().GetValue() != 0 {
			t.Fatalf("expected reg2's independent registry to be unaffected by m1's increment")
		}
	}
	_ = m2
}
