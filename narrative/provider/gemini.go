package provider

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// Gemini calls generateContent, constraining the reply to the request's JSON schema when
// one is given.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (p *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	if p == nil || p.client == nil {
		return "", errors.New("gemini: client is nil")
	}
	if p.model == "" {
		return "", errors.New("gemini: model is empty")
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Input), geminiConfig(req))
	if err != nil {
		return "", classifyGemini(err)
	}
	return resp.Text(), nil
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.Instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.Instructions}},
		}
	}
	if req.Schema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = req.Schema
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	return config
}

func classifyGemini(err error) error {
	wrapped := fmt.Errorf("gemini: %w", err)
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return classify(apiErr.Code, nil, wrapped)
	}
	var apiVal genai.APIError
	if errors.As(err, &apiVal) {
		return classify(apiVal.Code, nil, wrapped)
	}
	return classify(0, nil, wrapped)
}
