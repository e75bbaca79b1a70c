package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwatcher/cwatcher/internal/cwerrors"
	"github.com/cwatcher/cwatcher/internal/model"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]model.MetricsSample
	result  SinkResult
}

func (f *fakeSink) WriteBatch(ctx context.Context, samples []model.MetricsSample) SinkResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, samples)
	return f.result
}

func TestSubmitAndQueryLatest(t *testing.T) {
	sink := &fakeSink{result: SinkOK}
	s := New(nil, sink, 10)
	defer s.Close()

	err := s.Submit(model.MetricsSample{ServerID: "srv-1", Timestamp: 1000, Seq: 0})
	require.NoError(t, err)
	err = s.Submit(model.MetricsSample{ServerID: "srv-1", Timestamp: 2000, Seq: 1})
	require.NoError(t, err)

	latest, err := s.QueryLatest("srv-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2000, latest.Timestamp)
}

func TestSubmitRejectsOutOfOrder(t *testing.T) {
	sink := &fakeSink{result: SinkOK}
	s := New(nil, sink, 10)
	defer s.Close()

	require.NoError(t, s.Submit(model.MetricsSample{ServerID: "srv-1", Timestamp: 2000}))
	err := s.Submit(model.MetricsSample{ServerID: "srv-1", Timestamp: 1000})
	require.Error(t, err)
	assert.ErrorIs(t, err, cwerrors.ErrOutOfOrder)
}

func TestQueryLatestNoData(t *testing.T) {
	sink := &fakeSink{result: SinkOK}
	s := New(nil, sink, 10)
	defer s.Close()

	_, err := s.QueryLatest("unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, cwerrors.ErrNoData)
}

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	sink := &fakeSink{result: SinkOK}
	s := New(nil, sink, 3)
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(model.MetricsSample{ServerID: "srv-1", Timestamp: int64((i + 1) * 1000), Seq: uint64(i)}))
	}

	result := s.QueryRecent("srv-1", 0, 10000)
	require.Len(t, result.Samples, 3)
	assert.EqualValues(t, 3000, result.Samples[0].Timestamp)
	assert.EqualValues(t, 5000, result.Samples[2].Timestamp)
}

func TestSinkFatalSetsDegradedButServesLiveData(t *testing.T) {
	sink := &fakeSink{result: SinkFatal}
	s := New(nil, sink, 10)
	defer s.Close()

	require.NoError(t, s.Submit(model.MetricsSample{ServerID: "srv-1", Timestamp: 1000}))
	s.flushOnce(context.Background())

	assert.True(t, s.Degraded())

	latest, err := s.QueryLatest("srv-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, latest.Timestamp)

	require.NoError(t, s.Submit(model.MetricsSample{ServerID: "srv-1", Timestamp: 2000}))
}

func TestSinkRecoveryClearsDegraded(t *testing.T) {
	sink := &fakeSink{result: SinkFatal}
	s := New(nil, sink, 10)
	defer s.Close()

	require.NoError(t, s.Submit(model.MetricsSample{ServerID: "srv-1", Timestamp: 1000}))
	s.flushOnce(context.Background())
	require.True(t, s.Degraded())

	sink.mu.Lock()
	sink.result = SinkOK
	sink.mu.Unlock()

	require.NoError(t, s.Submit(model.MetricsSample{ServerID: "srv-1", Timestamp: 2000}))
	s.flushOnce(context.Background())

	assert.False(t, s.Degraded())
}
