package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/leadbroker/pkg/types"
)

func TestInboundMessage_Validate(t *testing.T) {
	valid := func() types.InboundMessage {
		return types.InboundMessage{
			SenderID:          "+5511999990000",
			ExternalMessageID: "wamid.1",
			Content:           "Oi, procuro apartamento",
			Timestamp:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}
	}

	t.Run("defaults type to text", func(t *testing.T) {
		m := valid()
		require.NoError(t, m.Validate())
		assert.Equal(t, types.MessageText, m.Type)
	})

	t.Run("missing fields are malformed", func(t *testing.T) {
		cases := map[string]func(*types.InboundMessage){
			"sender":    func(m *types.InboundMessage) { m.SenderID = "" },
			"id":        func(m *types.InboundMessage) { m.ExternalMessageID = " " },
			"content":   func(m *types.InboundMessage) { m.Content = "" },
			"timestamp": func(m *types.InboundMessage) { m.Timestamp = time.Time{} },
			"type":      func(m *types.InboundMessage) { m.Type = "sticker" },
		}
		for name, mutate := range cases {
			m := valid()
			mutate(&m)
			assert.ErrorIs(t, m.Validate(), types.ErrMalformedMessage, name)
		}
	})
}

func TestFingerprint(t *testing.T) {
	a := types.Fingerprint("+5511", "wamid.1", "hello")
	assert.Len(t, a, 64)
	assert.Equal(t, a, types.Fingerprint("+5511", "wamid.1", "hello"))
	assert.NotEqual(t, a, types.Fingerprint("+5511", "wamid.2", "hello"))
	assert.NotEqual(t, a, types.Fingerprint("+5512", "wamid.1", "hello"))
	assert.NotEqual(t, a, types.Fingerprint("+5511", "wamid.1", "hello!"))
	// Field boundaries are unambiguous.
	assert.NotEqual(t, types.Fingerprint("ab", "c", "x"), types.Fingerprint("a", "bc", "x"))
}

func TestProperty_Searchability(t *testing.T) {
	p := &types.Property{
		ID:        "p1",
		Title:     "Apartamento 2 quartos",
		Status:    types.PropertyActive,
		Embedding: []float32{1, 0, 0},
	}
	assert.True(t, p.IsSearchable(3))
	assert.False(t, p.IsSearchable(4), "dimension mismatch is not searchable")

	p.Status = types.PropertySold
	assert.False(t, p.IsSearchable(3))

	p.Status = types.PropertyActive
	p.Embedding = nil
	assert.False(t, p.IsSearchable(3))
}

func TestProperty_NeedsEmbedding(t *testing.T) {
	p := &types.Property{ID: "p1", Title: "Casa", Description: "Casa com quintal", Price: 500000}
	assert.True(t, p.NeedsEmbedding(2))

	p.Embedding = []float32{0.1, 0.2}
	p.ContentHash = p.ComputeContentHash()
	assert.False(t, p.NeedsEmbedding(2))

	p.Price = 450000
	assert.True(t, p.NeedsEmbedding(2), "price change must trigger re-embedding")
}

func TestProperty_Validate(t *testing.T) {
	assert.Error(t, (&types.Property{}).Validate())
	assert.Error(t, (&types.Property{ID: "p1"}).Validate())
	assert.Error(t, (&types.Property{ID: "p1", Title: "x", Status: "gone"}).Validate())
	assert.NoError(t, (&types.Property{ID: "p1", Title: "x"}).Validate())
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "abc", types.TruncateText("abc", 10))
	assert.Equal(t, "ab", types.TruncateText("abc", 2))
	// "é" is two bytes; never split it.
	assert.Equal(t, "caf", types.TruncateText("café", 4))
}

func TestClampUrgency(t *testing.T) {
	assert.Equal(t, 1, types.ClampUrgency(0))
	assert.Equal(t, 3, types.ClampUrgency(3))
	assert.Equal(t, 5, types.ClampUrgency(9))
}
