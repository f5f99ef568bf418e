package llm

import (
	"context"
	"strings"
	"time"
)

const mockEchoLimit = 60

type mockGenerator struct{}

// NewMockGenerator echoes the start of the prompt back. It ignores credentials.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	prompt := strings.Join(strings.Fields(req.Prompt), " ")
	if len(prompt) > mockEchoLimit {
		prompt = prompt[:mockEchoLimit] + "..."
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   "[mock completion for " + prompt + "]",
		Partial:   false,
		Latency:   20 * time.Millisecond,
		TraceID:   req.TraceID,
	})
}
