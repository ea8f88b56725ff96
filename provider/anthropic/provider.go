// Package anthropic implements the provider contract for the Anthropic
// Messages API. Unlike the OpenAI dialect, this backend names its wire
// events, so the adapter consumes full SSE events and dispatches on the
// event type.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/casualjim/converse/oauth"
	"github.com/casualjim/converse/pkg/httpx"
	"github.com/casualjim/converse/pkg/messages"
	"github.com/casualjim/converse/pkg/slogx"
	"github.com/casualjim/converse/pkg/sse"
	"github.com/casualjim/converse/pkg/uuidx"
	"github.com/casualjim/converse/provider"
	"github.com/casualjim/converse/provider/models"
	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// apiVersion pins the wire format; the backend rejects requests without it.
	apiVersion = "2023-06-01"

	// defaultMaxTokens fills the mandatory max_tokens field when the caller
	// left it unset.
	defaultMaxTokens = 4096
)

// Provider streams completions from the Anthropic Messages API.
type Provider struct {
	baseURL  string
	apiKey   string
	tokens   *oauth.Manager
	oauthID  string
	oauthCfg oauth.Config
	client   *httpx.Client
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

var (
	// WithBaseURL points the adapter at a different endpoint.
	WithBaseURL = opts.ForName[Provider, string]("baseURL")

	// WithAPIKey configures static credentials, sent as x-api-key.
	WithAPIKey = opts.ForName[Provider, string]("apiKey")

	// WithHTTPClient substitutes the streaming HTTP client.
	WithHTTPClient = opts.ForName[Provider, *httpx.Client]("client")
)

// WithOAuth resolves credentials through the token manager; the token is
// sent as a bearer Authorization header instead of x-api-key.
func WithOAuth(mgr *oauth.Manager, providerID string, cfg oauth.Config) opts.Option[Provider] {
	return opts.Type[Provider](func(p *Provider) error {
		p.tokens = mgr
		p.oauthID = providerID
		p.oauthCfg = cfg
		return nil
	})
}

// New builds an adapter.
func New(options ...opts.Option[Provider]) (*Provider, error) {
	p := &Provider{baseURL: DefaultBaseURL}
	if err := opts.Apply(p, options); err != nil {
		return nil, err
	}
	if p.client == nil {
		client, err := httpx.New()
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	p.log = slog.Default().With(slogx.LoggerName("provider.anthropic"))
	return p, nil
}

// FetchModels queries the backend's model catalog.
func (p *Provider) FetchModels(ctx context.Context) ([]provider.ModelInfo, error) {
	body, err := p.modelsCall(ctx)
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, provider.InvalidResponse("models response carries no data array")
	}

	var out []provider.ModelInfo
	data.ForEach(func(_, item gjson.Result) bool {
		info := provider.ModelInfo{
			ID:          item.Get("id").String(),
			DisplayName: item.Get("display_name").String(),
			Provider:    "anthropic",
		}
		if created := item.Get("created_at"); created.Exists() {
			if at, err := time.Parse(time.RFC3339, created.String()); err == nil {
				info.Created = strfmt.DateTime(at)
			}
		}
		if info.ID != "" {
			models.Add(info)
			out = append(out, info)
		}
		return true
	})
	return out, nil
}

// ValidateCredentials issues a models listing, the cheapest authenticated
// call the API offers.
func (p *Provider) ValidateCredentials(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := p.modelsCall(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, provider.ErrUnauthorized), errors.Is(err, provider.ErrInvalidAPIKey):
		return false, nil
	default:
		return false, err
	}
}

// SendMessage starts one completion. Streaming is always requested on the
// wire; the Stream option only controls whether the caller wanted it, the
// Messages API degrades the same way either way.
func (p *Provider) SendMessage(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	if params.RunID == uuid.Nil {
		params.RunID = uuidx.New()
	}

	header, err := p.authHeader(ctx)
	if err != nil {
		return nil, err
	}
	body, err := buildRequest(&params)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.storeCancel(cancel)

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		defer p.releaseCancel(cancel)
		p.runStream(ctx, header, body, &params, events)
	}()
	return events, nil
}

// Cancel stops the in-flight request, if any. Idempotent.
func (p *Provider) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Provider) storeCancel(cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
}

func (p *Provider) releaseCancel(cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel = nil
	}
	p.mu.Unlock()
}

func (p *Provider) runStream(ctx context.Context, header http.Header, body []byte, params *provider.CompletionParams, events chan<- provider.StreamEvent) {
	rc, err := p.client.Stream(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    p.baseURL + "/messages",
		Header: header,
		Body:   body,
	})
	if err != nil {
		p.terminate(ctx, params, events, err)
		return
	}
	defer rc.Close()

	parser, err := sse.New(rc)
	if err != nil {
		p.terminate(ctx, params, events, err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		evt, err := parser.NextEvent()
		if errors.Is(err, io.EOF) {
			if ctx.Err() == nil {
				events <- provider.Done{RunID: params.RunID, Timestamp: strfmt.DateTime(time.Now())}
			}
			return
		}
		if err != nil {
			if errors.Is(err, sse.ErrLineTooLong) {
				err = provider.InvalidResponse(err.Error())
			} else {
				err = httpx.MapError(ctx, err)
			}
			p.terminate(ctx, params, events, err)
			return
		}

		if done := p.dispatch(evt, params, events); done {
			return
		}
	}
}

// dispatch turns one named wire event into stream events. It returns true
// when the stream is over.
func (p *Provider) dispatch(evt sse.Event, params *provider.CompletionParams, events chan<- provider.StreamEvent) bool {
	root := gjson.Parse(evt.Data)

	switch evt.Event {
	case "message_start":
		if model := root.Get("message.model"); model.String() != "" {
			events <- provider.ModelUsed{RunID: params.RunID, Model: model.String()}
		}
		if in := root.Get("message.usage.input_tokens"); in.Exists() {
			events <- provider.InputTokens{RunID: params.RunID, Count: in.Int()}
		}

	case "content_block_delta":
		if root.Get("delta.type").String() == "text_delta" {
			if text := root.Get("delta.text").String(); text != "" {
				events <- provider.TextDelta{
					RunID:     params.RunID,
					Text:      text,
					Timestamp: strfmt.DateTime(time.Now()),
				}
			}
		}

	case "message_delta":
		if out := root.Get("usage.output_tokens"); out.Exists() {
			events <- provider.OutputTokens{RunID: params.RunID, Count: out.Int()}
		}

	case "message_stop":
		events <- provider.Done{RunID: params.RunID, Timestamp: strfmt.DateTime(time.Now())}
		return true

	case "error":
		msg := root.Get("error.message").String()
		if msg == "" {
			msg = root.Get("error.type").String()
		}
		events <- provider.Error{
			RunID:     params.RunID,
			Err:       provider.ServerError(0, msg),
			Timestamp: strfmt.DateTime(time.Now()),
		}
		return true

	case "ping", "content_block_start", "content_block_stop":
		// Keepalives and block framing carry nothing the consumer needs.

	default:
		p.log.Debug("ignoring unknown stream event", slog.String("event", evt.Event))
	}
	return false
}

// terminate emits the terminal error event unless the stream was cancelled.
func (p *Provider) terminate(ctx context.Context, params *provider.CompletionParams, events chan<- provider.StreamEvent, err error) {
	if ctx.Err() != nil || errors.Is(err, provider.ErrCancelled) {
		return
	}
	p.log.Debug("stream failed", slogx.Error(err))
	events <- provider.Error{
		RunID:     params.RunID,
		Err:       err,
		Timestamp: strfmt.DateTime(time.Now()),
	}
}

func (p *Provider) modelsCall(ctx context.Context) ([]byte, error) {
	header, err := p.authHeader(ctx)
	if err != nil {
		return nil, err
	}
	return p.client.Buffered(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    p.baseURL + "/models",
		Header: header,
	})
}

func (p *Provider) authHeader(ctx context.Context) (http.Header, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("anthropic-version", apiVersion)

	switch {
	case p.tokens != nil:
		tok, err := p.tokens.ValidToken(ctx, p.oauthID, p.oauthCfg)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials: %w", err)
		}
		header.Set("Authorization", tok.Bearer())
	case p.apiKey != "":
		header.Set("x-api-key", p.apiKey)
	default:
		return nil, provider.InvalidAPIKey("no credentials configured")
	}
	return header, nil
}

func buildRequest(params *provider.CompletionParams) ([]byte, error) {
	body := `{}`

	var err error
	body, err = sjson.Set(body, "model", params.Model)
	if err != nil {
		return nil, err
	}
	body, err = sjson.Set(body, "stream", true)
	if err != nil {
		return nil, err
	}

	maxTokens := int64(defaultMaxTokens)
	if params.Options.MaxTokens != nil {
		maxTokens = *params.Options.MaxTokens
	}
	body, err = sjson.Set(body, "max_tokens", maxTokens)
	if err != nil {
		return nil, err
	}
	if params.Options.Temperature != nil {
		body, err = sjson.Set(body, "temperature", *params.Options.Temperature)
		if err != nil {
			return nil, err
		}
	}
	if params.Options.TopP != nil {
		body, err = sjson.Set(body, "top_p", *params.Options.TopP)
		if err != nil {
			return nil, err
		}
	}

	// The system prompt is a top-level field here, not a message role.
	if params.Instructions != "" {
		body, err = sjson.Set(body, "system", params.Instructions)
		if err != nil {
			return nil, err
		}
	}
	for _, msg := range params.Messages {
		if msg.Role == messages.RoleSystem {
			continue
		}
		body, err = sjson.Set(body, "messages.-1", messageToWire(msg))
		if err != nil {
			return nil, err
		}
	}
	return []byte(body), nil
}

func messageToWire(msg messages.ChatMessage) map[string]any {
	if len(msg.Attachments) == 0 {
		return map[string]any{
			"role":    string(msg.Role),
			"content": msg.Content,
		}
	}

	blocks := make([]map[string]any, 0, len(msg.Attachments)+1)
	for _, att := range msg.Attachments {
		blocks = append(blocks, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": att.MimeType,
				"data":       base64.StdEncoding.EncodeToString(att.Data),
			},
		})
	}
	if msg.Content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
	}
	return map[string]any{
		"role":    string(msg.Role),
		"content": blocks,
	}
}
