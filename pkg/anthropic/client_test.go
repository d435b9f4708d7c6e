package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*MessageResponse), args.Error(1)
}

func TestCreateMessage_MockClient(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	req := MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		Messages: []Message{
			{Role: "user", Content: "Hello"},
		},
	}

	expected := &MessageResponse{
		ID:         "msg_123",
		Model:      "claude-sonnet-4-5-20250929",
		Content:    []ContentBlock{{Type: "text", Text: "Hi there!"}},
		StopReason: "end_turn",
		Usage: TokenUsage{
			InputTokens:  10,
			OutputTokens: 5,
		},
	}

	mc.On("CreateMessage", ctx, req).Return(expected, nil)

	resp, err := mc.CreateMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "msg_123", resp.ID)
	assert.Equal(t, "Hi there!", resp.Content[0].Text)
	assert.Equal(t, int64(10), resp.Usage.InputTokens)
	assert.Equal(t, int64(5), resp.Usage.OutputTokens)

	mc.AssertExpectations(t)
}

func TestEstimateCost_Haiku(t *testing.T) {
	usage := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	cost := usage.EstimateCost("claude-haiku-4-5-20251001")
	// input: 1M * $0.80/MTok = $0.80
	// output: 1M * $4.00/MTok = $4.00
	// total: $4.80
	assert.InDelta(t, 4.80, cost, 0.001)
}

func TestEstimateCost_Sonnet(t *testing.T) {
	usage := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	cost := usage.EstimateCost("claude-sonnet-4-5-20250929")
	// input: 1M * $3.00 = $3.00
	// output: 1M * $15.00 = $15.00
	// total: $18.00
	assert.InDelta(t, 18.00, cost, 0.001)
}

func TestEstimateCost_WithCache(t *testing.T) {
	usage := TokenUsage{
		InputTokens:              500_000,
		OutputTokens:             100_000,
		CacheCreationInputTokens: 200_000,
		CacheReadInputTokens:     300_000,
	}
	cost := usage.EstimateCost("claude-haiku-4-5-20251001")
	// input: 0.5M * $0.80 = $0.40
	// output: 0.1M * $4.00 = $0.40
	// cacheWrite: 0.2M * $0.80 * 1.25 = $0.20
	// cacheRead: 0.3M * $0.80 * 0.10 = $0.024
	// total: $1.024
	assert.InDelta(t, 1.024, cost, 0.001)
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	usage := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	cost := usage.EstimateCost("unknown-model")
	assert.Equal(t, 0.0, cost)
}

func TestEstimateCost_ZeroTokens(t *testing.T) {
	usage := TokenUsage{}
	cost := usage.EstimateCost("claude-haiku-4-5-20251001")
	assert.Equal(t, 0.0, cost)
}

func TestLogCost_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		usage := TokenUsage{InputTokens: 100, OutputTokens: 50}
		usage.LogCost("claude-haiku-4-5-20251001", "validation")
	})

	assert.NotPanics(t, func() {
		usage := TokenUsage{InputTokens: 100, OutputTokens: 50}
		usage.LogCost("unknown-model", "validation")
	})

	assert.NotPanics(t, func() {
		usage := TokenUsage{}
		usage.LogCost("claude-haiku-4-5-20251001", "")
	})
}
