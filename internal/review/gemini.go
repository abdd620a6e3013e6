package review

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"auditkb/internal/logging"
	"auditkb/internal/matcher"
)

// GeminiAdjudicator adjudicates batches through the Gemini API.
type GeminiAdjudicator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// GeminiConfig holds adjudicator client configuration.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewGeminiAdjudicator creates an adjudicator backed by the Gemini API.
func NewGeminiAdjudicator(cfg GeminiConfig) (*GeminiAdjudicator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("adjudicator API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiAdjudicator{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Adjudicate renders the batch into the review prompt, calls the model, and
// parses the structured verdict. Transport and parse problems surface as an
// error; the verification loop downgrades them to a neutral round.
func (a *GeminiAdjudicator) Adjudicate(ctx context.Context, batch *matcher.BatchResult) (*matcher.ReviewRound, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "Adjudicate")
	defer timer.StopWithThreshold(30 * time.Second)

	rendered, err := renderBatch(batch)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := fmt.Sprintf(reviewPromptTemplate, rendered)

	logging.API("Adjudicate: submitting batch (%d suggestions, %d pending) to %s",
		len(batch.MergeSuggestions), len(batch.PendingReview), a.model)

	resp, err := a.client.Models.GenerateContent(ctx, a.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(reviewSystemPrompt, genai.RoleUser),
			Temperature:       genai.Ptr[float32](0.1),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("adjudicator call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("adjudicator returned an empty response")
	}

	logging.API("Adjudicate: received %d bytes", len(text))
	return ParseReviewResponse(text), nil
}
