package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cashledger/backend/internal/domain"
)

type failingSink struct{ err error }

func (f failingSink) Emit(context.Context, domain.AuditEvent) error { return f.err }

func TestMultiDeliversToEverySinkAndJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("stream down")
	sink := Multi{failingSink{err: boom}, rec}

	err := sink.Emit(context.Background(), domain.AuditEvent{Action: "sale.settled"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"sale.settled"}, rec.Actions())
}

func TestZapSinkWritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(core))

	err := sink.Emit(context.Background(), domain.AuditEvent{
		ID:         "aud_1",
		Action:     "session.closed",
		EntityType: "cash_session",
		EntityID:   "ses_1",
		Actor:      "op-1",
		At:         time.Now(),
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("session.closed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ses_1", entries[0].ContextMap()["entity_id"])
	assert.Equal(t, "audit", entries[0].LoggerName)
}
