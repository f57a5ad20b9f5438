package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAI calls the Responses API. SDK-level retries are disabled: the batch scheduler
// owns retry and backoff.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{client: &client, model: model}
}

func (p *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	if p == nil || p.client == nil {
		return "", errors.New("openai: client is nil")
	}
	if p.model == "" {
		return "", errors.New("openai: model is empty")
	}

	params := responses.ResponseNewParams{
		Model: p.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.Input, responses.EasyInputMessageRoleUser),
			},
		},
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "Response"
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(true),
					Type:   "json_schema",
				},
			},
		}
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return "", classifyOpenAI(err)
	}
	return resp.OutputText(), nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return classify(apiErr.StatusCode, header, fmt.Errorf("openai: %w", err))
	}
	return classify(0, nil, fmt.Errorf("openai: %w", err))
}
