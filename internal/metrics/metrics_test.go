package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Datagram(DatagramAccepted)
	m.FileAssembled(2)
	m.Session("done")
	m.EPGFile("decoded")
	m.Records(3, true)
	m.ChannelSkipped()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Datagram(DatagramAccepted)
	m.Datagram(DatagramAccepted)
	m.Datagram(DatagramCorrupt)
	m.Records(4, true)
	m.Records(1, false)

	if got := testutil.ToFloat64(m.Datagrams.WithLabelValues(DatagramAccepted)); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Datagrams.WithLabelValues(DatagramCorrupt)); got != 1 {
		t.Errorf("corrupt = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RecordsDecoded); got != 5 {
		t.Errorf("records = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.FilesTruncated); got != 1 {
		t.Errorf("truncated = %v, want 1", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Errorf("gather: n=%d err=%v", n, err)
	}
}
