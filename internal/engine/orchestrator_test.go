package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/leadbroker/internal/conversation"
	"github.com/scrypster/leadbroker/internal/idempotency"
	"github.com/scrypster/leadbroker/internal/search"
	"github.com/scrypster/leadbroker/internal/storage"
	"github.com/scrypster/leadbroker/internal/storage/sqlite"
	"github.com/scrypster/leadbroker/internal/urgency"
	"github.com/scrypster/leadbroker/pkg/types"
)

const testPhone = "+5541977776666"

type funcEmbedder func(ctx context.Context, text string) ([]float32, error)

func (f funcEmbedder) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }
func (f funcEmbedder) GetModel() string                                          { return "test" }

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify(context.Context, *types.UrgencyAlert) error {
	c.n.Add(1)
	return nil
}

// flakyIndex fails every query while down is set.
type flakyIndex struct {
	storage.PropertyIndex
	down atomic.Bool
}

func (f *flakyIndex) VectorSearch(ctx context.Context, q []float32, opts storage.SearchOptions) ([]storage.VectorMatch, error) {
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return f.PropertyIndex.VectorSearch(ctx, q, opts)
}

func (f *flakyIndex) TextSearch(ctx context.Context, q string, opts storage.SearchOptions) ([]storage.TextMatch, error) {
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return f.PropertyIndex.TextSearch(ctx, q, opts)
}

// failingAppendStore fails the next n message appends.
type failingAppendStore struct {
	*sqlite.Store
	remaining atomic.Int32
}

func (s *failingAppendStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	if s.remaining.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return s.Store.AppendMessage(ctx, msg)
}

type harness struct {
	store    *sqlite.Store
	convs    *failingAppendStore
	index    *flakyIndex
	embedErr atomic.Bool
	notifier *countingNotifier
	orch     *Orchestrator
}

type harnessOption func(*Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, p := range []*types.Property{
		{ID: "p-centro", Title: "Apartamento Centro", Description: "2 quartos perto da praça", Embedding: []float32{1, 0, 0}},
		{ID: "p-batel", Title: "Apartamento Batel", Description: "cobertura com vista", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "p-far", Title: "Galpão industrial", Description: "área logística", Embedding: []float32{-1, 0, 0}},
		{ID: "p-sold", Title: "Apartamento vendido", Description: "centro", Embedding: []float32{1, 0, 0}, Status: types.PropertySold},
	} {
		require.NoError(t, store.UpsertProperty(ctx, p))
	}

	h := &harness{
		store:    store,
		convs:    &failingAppendStore{Store: store},
		index:    &flakyIndex{PropertyIndex: store},
		notifier: &countingNotifier{},
	}

	embedder := funcEmbedder(func(ctx context.Context, text string) ([]float32, error) {
		if h.embedErr.Load() {
			return nil, fmt.Errorf("%w: timeout", types.ErrEmbeddingProvider)
		}
		return []float32{1, 0, 0}, nil
	})

	machine := conversation.NewMachine(h.convs, conversation.Options{})
	cfg := DefaultConfig()
	cfg.SearchThreshold = 0.6
	cfg.MaxResults = 5
	for _, o := range opts {
		o(&cfg)
	}

	orch, err := NewOrchestrator(cfg, Dependencies{
		Guard:   idempotency.NewGuard(store, time.Hour),
		Machine: machine,
		Urgency: urgency.NewService(store, machine, urgency.Config{Notifier: h.notifier}),
		Search:  search.NewEngine(h.index, embedder, search.Options{Dimension: 3}),
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func request(id, content string) *InboundRequest {
	return &InboundRequest{Message: types.InboundMessage{
		SenderID:          testPhone,
		ExternalMessageID: id,
		Content:           content,
		Timestamp:         time.Now(),
	}}
}

func (h *harness) messageCount(t *testing.T) int {
	t.Helper()
	conv, err := h.store.GetConversationByPhone(context.Background(), testPhone)
	require.NoError(t, err)
	msgs, err := h.store.RecentMessages(context.Background(), conv.ID, 100)
	require.NoError(t, err)
	return len(msgs)
}

func (h *harness) alertCount(t *testing.T) int {
	t.Helper()
	page, err := h.store.ListAlerts(context.Background(), storage.ListOptions{})
	require.NoError(t, err)
	return page.Total
}

func TestHandleInbound_NewLead(t *testing.T) {
	h := newHarness(t)

	resp, err := h.orch.HandleInbound(context.Background(), request("w1", "Oi, tudo bem?"))
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, resp.Status)
	assert.False(t, resp.Duplicate)
	require.NotNil(t, resp.Conversation)
	assert.Equal(t, types.StatePending, resp.Conversation.State)
	assert.Equal(t, 1, resp.Conversation.UrgencyScore)
	assert.False(t, resp.SearchRan)
	assert.Empty(t, resp.Properties)
	assert.Nil(t, resp.Alert)
}

func TestHandleInbound_DuplicateWebhookOneMessageRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := request("w1", "procuro apartamento no centro")

	first, err := h.orch.HandleInbound(ctx, req)
	require.NoError(t, err)
	second, err := h.orch.HandleInbound(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, StatusReplayed, second.Status)
	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, len(first.Properties), len(second.Properties))
	assert.Equal(t, 1, h.messageCount(t))
}

func TestHandleInbound_UrgentPhraseOneAlertPerMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.orch.HandleInbound(ctx, request("w1", "preciso hoje"))
	require.NoError(t, err)
	require.NotNil(t, resp.Urgency)
	assert.GreaterOrEqual(t, resp.Urgency.Level, 4)
	assert.GreaterOrEqual(t, resp.Conversation.UrgencyScore, 4)
	require.NotNil(t, resp.Alert)

	// Same delivery again, then the same message id with altered content
	// (a new fingerprint that reaches the conversation store).
	_, err = h.orch.HandleInbound(ctx, request("w1", "preciso hoje"))
	require.NoError(t, err)
	dup, err := h.orch.HandleInbound(ctx, request("w1", "preciso hoje!"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, dup.Status)

	assert.Equal(t, 1, h.alertCount(t))
	assert.Equal(t, int32(1), h.notifier.n.Load())
	assert.Equal(t, 1, h.messageCount(t))
}

func TestHandleInbound_ConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	req := request("w1", "preciso hoje, apartamento no centro")

	var (
		wg        sync.WaitGroup
		processed atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.orch.HandleInbound(context.Background(), req)
			if !assert.NoError(t, err) {
				return
			}
			if !resp.Duplicate {
				processed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), processed.Load())
	assert.Equal(t, 1, h.messageCount(t))
	assert.Equal(t, 1, h.alertCount(t))
}

func TestHandleInbound_SearchAndShownProperties(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.orch.HandleInbound(ctx, request("w1", "procuro apartamento no centro"))
	require.NoError(t, err)
	assert.True(t, resp.SearchRan)
	assert.False(t, resp.Degraded)
	require.NotEmpty(t, resp.Properties)

	got := make([]string, 0, len(resp.Properties))
	for _, r := range resp.Properties {
		got = append(got, r.Property.ID)
		assert.False(t, r.AlreadyShown)
		assert.Greater(t, r.CombinedScore, 0.6)
	}
	assert.Equal(t, "p-centro", got[0])
	assert.NotContains(t, got, "p-sold")
	assert.NotContains(t, got, "p-far")

	resp, err = h.orch.HandleInbound(ctx, request("w2", "tem mais apartamento no centro?"))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Properties)
	assert.True(t, resp.Properties[0].AlreadyShown)
	assert.ElementsMatch(t, got, h.orch.ShownProperties(testPhone))
}

func TestHandleInbound_SearchIntentOverride(t *testing.T) {
	h := newHarness(t)
	no := false

	req := request("w1", "procuro apartamento")
	req.SearchIntent = &no
	resp, err := h.orch.HandleInbound(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.SearchRan)
}

func TestHandleInbound_EmbeddingFailureDegradesToLexical(t *testing.T) {
	h := newHarness(t)
	h.embedErr.Store(true)

	resp, err := h.orch.HandleInbound(context.Background(), request("w1", "procuro apartamento no centro"))
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, search.ReasonEmbeddingUnavailable, resp.DegradedReason)
	require.NotEmpty(t, resp.Properties)
	for _, r := range resp.Properties {
		assert.Equal(t, r.TextScore, r.CombinedScore)
		assert.NotEqual(t, "p-sold", r.Property.ID)
	}
}

func TestHandleInbound_IndexDownStillAnswers(t *testing.T) {
	h := newHarness(t)
	h.index.down.Store(true)

	resp, err := h.orch.HandleInbound(context.Background(), request("w1", "procuro apartamento no centro"))
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, ReasonRetrievalUnavailable, resp.DegradedReason)
	assert.Empty(t, resp.Properties)
	require.NotNil(t, resp.Conversation)
	assert.Equal(t, 1, resp.Conversation.MessageCount)
}

func TestHandleInbound_FailureIsReadmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := request("w1", "oi")

	h.convs.remaining.Store(1)
	_, err := h.orch.HandleInbound(ctx, req)
	require.Error(t, err)

	fp := types.Fingerprint(testPhone, "w1", "oi")
	rec, err := h.store.GetIdempotencyRecord(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, types.IdempotencyFailed, rec.Status)

	resp, err := h.orch.HandleInbound(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, resp.Status)
	assert.Equal(t, 1, h.messageCount(t))

	rec, err = h.store.GetIdempotencyRecord(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, types.IdempotencyCompleted, rec.Status)
}

func TestHandleInbound_Malformed(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleInbound(context.Background(), request("", "oi"))
	assert.ErrorIs(t, err, types.ErrMalformedMessage)
}

func TestHandleInbound_RateLimited(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MessagesPerMinute = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.orch.HandleInbound(ctx, request(fmt.Sprintf("w%d", i), "oi"))
		require.NoError(t, err)
	}
	_, err := h.orch.HandleInbound(ctx, request("w9", "oi"))
	assert.ErrorIs(t, err, types.ErrRateLimited)

	// A redelivery of a completed message is acknowledged, not limited.
	resp, err := h.orch.HandleInbound(ctx, request("w0", "oi"))
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, StatusReplayed, resp.Status)
	assert.Equal(t, 2, h.messageCount(t))
}

func TestHandleInbound_QualificationSignal(t *testing.T) {
	h := newHarness(t)
	req := request("w1", "tenho entrada pronta e financiamento aprovado")
	req.Qualification = &conversation.Signal{State: types.StateQualified, Cause: types.CauseClassifier}

	resp, err := h.orch.HandleInbound(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StateQualified, resp.Conversation.State)
	assert.Equal(t, types.StatePending, resp.PreviousState)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleInbound(context.Background(), request("w1", "oi"))
	require.NoError(t, err)

	stats, err := h.orch.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Idempotency[types.IdempotencyCompleted])
	assert.Nil(t, stats.EmbeddingCache)
}

func TestNewOrchestrator_RequiresDependencies(t *testing.T) {
	_, err := NewOrchestrator(DefaultConfig(), Dependencies{})
	assert.Error(t, err)
}
