// Package sink adapts the Sample Store's durable-storage contract onto
// Valkey Streams, the same message-queue primitive the teacher's
// ingestion path uses for buffering inbound metric batches ahead of a
// relational write.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/cwatcher/cwatcher/internal/model"
	"github.com/cwatcher/cwatcher/internal/store"
)

const streamKey = "cwatcher:samples:stream"
const maxStreamLen = 1_000_000

// ValkeySink writes MetricsSample batches to a Valkey Stream. Each
// sample becomes one stream entry with its JSON encoding under the
// "sample" field, keyed by server so a downstream consumer can fan a
// single stream out per server if it needs to.
type ValkeySink struct {
	client valkey.Client
	logger *slog.Logger
}

// New wraps an already-connected Valkey client.
func New(logger *slog.Logger, client valkey.Client) *ValkeySink {
	return &ValkeySink{client: client, logger: logger}
}

// WriteBatch implements store.Sink. A batch is already grouped by
// server before it reaches here (the Sample Store's flush groups by
// server so one bad entry invalidates at most one server's window).
func (s *ValkeySink) WriteBatch(ctx context.Context, samples []model.MetricsSample) store.SinkResult {
	for _, sample := range samples {
		payload, err := json.Marshal(sample)
		if err != nil {
			s.logf("marshal sample failed, dropping", "server_id", sample.ServerID, "error", err)
			continue
		}

		cmd := s.client.B().Xadd().
			Key(streamKey).
			Id("*").
			FieldValue().
			FieldValue("server_id", sample.ServerID).
			FieldValue("sample", string(payload)).
			Build()

		resp := s.client.Do(ctx, cmd)
		if err := resp.Error(); err != nil {
			if isRetryable(err) {
				return store.SinkRetryable
			}
			s.logf("sink write fatal", "error", err)
			return store.SinkFatal
		}
	}
	return store.SinkOK
}

func (s *ValkeySink) logf(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// DialTimeout is the recommended connect timeout for the Valkey client
// used by this sink, matching the teacher's valkey.go connection setup.
const DialTimeout = 5 * time.Second
