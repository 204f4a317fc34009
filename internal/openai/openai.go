package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/chriskillpack/looksee/generator"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Requests per minute allowed against the API.
const requestsPerMinute = 20

type openai struct {
	oac   oagc.Client
	model string
	rl    *rateLimiter // For requests to the OpenAI API
}

var _ generator.Generator = &openai{}

// Init returns a generator for an OpenAI compatible chat completions API.
// Empty baseURL and apiKey fall back to OPENAI_BASE_URL and OPENAI_API_KEY.
func Init(model, baseURL, apiKey string, httpClient *http.Client) *openai {
	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	return &openai{
		oac:   oagc.NewClient(opts...),
		model: model,
		rl:    newRateLimiter(requestsPerMinute, time.Minute),
	}
}

func (o *openai) Name() string { return "openai" }

func (o *openai) Model() string { return o.model }

func (o *openai) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.oac.Models.Get(ctx, o.model)
	return err == nil
}

func (o *openai) params(req *generator.Request) oagc.ChatCompletionNewParams {
	imageURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(req.Image.Data)

	var msgs []oagc.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, oagc.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch {
		case m.Role == generator.RoleAssistant:
			msgs = append(msgs, oagc.AssistantMessage(m.Content))
		case m.HasImage:
			msgs = append(msgs, oagc.UserMessage([]oagc.ChatCompletionContentPartUnionParam{
				oagc.TextContentPart(m.Content),
				oagc.ImageContentPart(oagc.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
			}))
		default:
			msgs = append(msgs, oagc.UserMessage(m.Content))
		}
	}

	params := oagc.ChatCompletionNewParams{
		Model:    oagc.ChatModel(o.model),
		Messages: msgs,
		Seed:     oagc.Int(int64(req.Params.Seed)),
	}
	if req.Params.MaxNewTokens > 0 {
		params.MaxCompletionTokens = oagc.Int(int64(req.Params.MaxNewTokens))
	}
	if req.Params.Greedy() {
		params.Temperature = oagc.Float(0)
	} else {
		params.Temperature = oagc.Float(req.Params.Temperature)
	}
	return params
}

func (o *openai) Generate(ctx context.Context, req *generator.Request) (string, error) {
	// Rate limit use of the OpenAI API
	if err := o.rl.Acquire(ctx); err != nil {
		return "", err
	}

	resp, err := o.oac.Chat.Completions.New(ctx, o.params(req))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response %q", resp.ID)
	}

	return resp.Choices[0].Message.Content, nil
}

func (o *openai) Stream(ctx context.Context, req *generator.Request, out chan<- string) error {
	if err := o.rl.Acquire(ctx); err != nil {
		return err
	}

	stream := o.oac.Chat.Completions.NewStreaming(ctx, o.params(req))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}

		select {
		case out <- chunk.Choices[0].Delta.Content:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return stream.Err()
}
