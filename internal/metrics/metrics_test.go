package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.ChunkPlanned()
	m.ChunkPlanned()
	m.DedupHit()
	m.BytesWritten("zstd", 100)
	m.OverlayOp("put")

	mf, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mf)

	found := map[string]*dto.MetricFamily{}
	for _, f := range mf {
		found[f.GetName()] = f
	}
	require.Equal(t, 2.0, found["arx_writer_chunks_planned_total"].Metric[0].Counter.GetValue())
	require.Equal(t, 1.0, found["arx_writer_dedup_hits_total"].Metric[0].Counter.GetValue())
}

func TestIndependentRegistriesDontConflict(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		NewWithRegistry(reg1)
		NewWithRegistry(reg2)
	})
}
