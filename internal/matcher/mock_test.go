package matcher

import (
	"context"
	"fmt"
)

// mockProvider returns canned vectors per text for deterministic tests.
type mockProvider struct {
	vectors map[string][]float32
	dims    int

	// EmbedBatchFunc overrides the map lookup when set.
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)

	batchCalls int
}

func (m *mockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (m *mockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.batchCalls++
	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok := m.vectors[text]
		if !ok {
			return nil, fmt.Errorf("mock has no vector for %q", text)
		}
		out[i] = vec
	}
	return out, nil
}

func (m *mockProvider) Dimensions() int {
	if m.dims > 0 {
		return m.dims
	}
	return 2
}

func (m *mockProvider) Name() string { return "mock" }
