package metrics

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	g := NewWithT(t)
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveOperation("stop", "PARTIAL", 2*time.Second)
	r.ObserveOperation("stop", "PARTIAL", time.Second)
	r.ObserveStep("compute", "failed")
	r.SharedSkip()
	r.LeaseConflict()

	g.Expect(testutil.ToFloat64(r.Operations.WithLabelValues("stop", "PARTIAL"))).To(Equal(2.0))
	g.Expect(testutil.ToFloat64(r.SubSteps.WithLabelValues("compute", "failed"))).To(Equal(1.0))
	g.Expect(testutil.ToFloat64(r.SharedSkips)).To(Equal(1.0))
	g.Expect(testutil.CollectAndCount(r.OperationSeconds)).To(Equal(1))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveOperation("start", "SUCCEEDED", time.Second)
	r.ObserveStep("database", "stopped")
	r.SharedSkip()
	r.LeaseConflict()
}
