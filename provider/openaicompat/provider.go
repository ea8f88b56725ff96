// Package openaicompat implements the provider contract for backends that
// speak the OpenAI chat-completions wire dialect, which includes most local
// inference servers. Credentials come from a static API key or from an
// OAuth token manager.
package openaicompat

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

const DefaultBaseURL = "https://api.openai.com/v1"

// Provider streams chat completions from one OpenAI-dialect backend. Each
// instance owns its HTTP client and shares no state with other instances.
type Provider struct {
	name     string
	baseURL  string
	apiKey   string
	tokens   *oauth.Manager
	oauthID  string
	oauthCfg oauth.Config
	client   *httpx.Client
	catalog  []provider.ModelInfo
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

var (
	// WithName labels the backend in logs and model info.
	WithName = opts.ForName[Provider, string]("name")

	// WithBaseURL points the adapter at a different dialect-compatible
	// endpoint, e.g. a local server.
	WithBaseURL = opts.ForName[Provider, string]("baseURL")

	// WithAPIKey configures static bearer credentials.
	WithAPIKey = opts.ForName[Provider, string]("apiKey")

	// WithHTTPClient substitutes the streaming HTTP client.
	WithHTTPClient = opts.ForName[Provider, *httpx.Client]("client")

	// WithStaticModels installs a hardcoded model catalog used when the
	// backend has no models endpoint worth querying.
	WithStaticModels = opts.ForName[Provider, []provider.ModelInfo]("catalog")
)

// WithOAuth resolves credentials through the token manager instead of a
// static key.
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
	p := &Provider{
		name:    "openai",
		baseURL: DefaultBaseURL,
	}
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
	p.log = slog.Default().With(slogx.LoggerName("provider." + p.name))
	for _, m := range p.catalog {
		models.Add(m)
	}
	return p, nil
}

// FetchModels queries the backend's model catalog, or returns the static
// one when configured.
func (p *Provider) FetchModels(ctx context.Context) ([]provider.ModelInfo, error) {
	if len(p.catalog) > 0 {
		out := make([]provider.ModelInfo, len(p.catalog))
		copy(out, p.catalog)
		return out, nil
	}

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
			ID:       item.Get("id").String(),
			Provider: p.name,
		}
		if created := item.Get("created"); created.Exists() {
			info.Created = strfmt.DateTime(time.Unix(created.Int(), 0))
		}
		if info.ID != "" {
			models.Add(info)
			out = append(out, info)
		}
		return true
	})
	return out, nil
}

// ValidateCredentials issues the cheapest authenticated call the dialect
// offers. A credential rejection is (false, nil); a request that never got
// an answer is (false, err).
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

// SendMessage starts one completion. The returned channel is closed after
// the terminal event; cancelling ctx (or calling Cancel) stops the stream
// without yielding further events.
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
		if params.Options.Stream {
			p.runStream(ctx, header, body, &params, events)
		} else {
			p.runOnce(ctx, header, body, &params, events)
		}
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
		URL:    p.baseURL + "/chat/completions",
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

	var modelSent bool
	for {
		if ctx.Err() != nil {
			return
		}

		payload, err := parser.Next()
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

		if !p.emitChunk(payload, params, events, &modelSent) {
			return
		}
	}
}

func (p *Provider) runOnce(ctx context.Context, header http.Header, body []byte, params *provider.CompletionParams, events chan<- provider.StreamEvent) {
	raw, err := p.client.Buffered(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    p.baseURL + "/chat/completions",
		Header: header,
		Body:   body,
	})
	if err != nil {
		p.terminate(ctx, params, events, err)
		return
	}

	root := gjson.ParseBytes(raw)
	if model := root.Get("model"); model.Exists() {
		events <- provider.ModelUsed{RunID: params.RunID, Model: model.String()}
	}
	if content := root.Get("choices.0.message.content"); content.String() != "" {
		events <- provider.TextDelta{
			RunID:     params.RunID,
			Text:      content.String(),
			Timestamp: strfmt.DateTime(time.Now()),
		}
	}
	emitUsage(root, params, events)
	events <- provider.Done{RunID: params.RunID, Timestamp: strfmt.DateTime(time.Now())}
}

// emitChunk decodes one SSE payload. It returns false when the stream must
// stop because the payload was unusable.
func (p *Provider) emitChunk(payload string, params *provider.CompletionParams, events chan<- provider.StreamEvent, modelSent *bool) bool {
	if !gjson.Valid(payload) {
		events <- provider.Error{
			RunID:     params.RunID,
			Err:       provider.InvalidResponse("malformed chunk payload"),
			Timestamp: strfmt.DateTime(time.Now()),
		}
		return false
	}

	root := gjson.Parse(payload)
	if !*modelSent {
		if model := root.Get("model"); model.Exists() && model.String() != "" {
			*modelSent = true
			events <- provider.ModelUsed{RunID: params.RunID, Model: model.String()}
		}
	}
	if content := root.Get("choices.0.delta.content"); content.Exists() && content.String() != "" {
		events <- provider.TextDelta{
			RunID:     params.RunID,
			Text:      content.String(),
			Timestamp: strfmt.DateTime(time.Now()),
		}
	}
	emitUsage(root, params, events)
	return true
}

func emitUsage(root gjson.Result, params *provider.CompletionParams, events chan<- provider.StreamEvent) {
	usage := root.Get("usage")
	if !usage.Exists() || usage.Type == gjson.Null {
		return
	}
	if in := usage.Get("prompt_tokens"); in.Exists() {
		events <- provider.InputTokens{RunID: params.RunID, Count: in.Int()}
	}
	if out := usage.Get("completion_tokens"); out.Exists() {
		events <- provider.OutputTokens{RunID: params.RunID, Count: out.Int()}
	}
}

// terminate emits the terminal error event unless the stream was cancelled,
// in which case nothing further is yielded.
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

	switch {
	case p.tokens != nil:
		tok, err := p.tokens.ValidToken(ctx, p.oauthID, p.oauthCfg)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials: %w", err)
		}
		header.Set("Authorization", tok.Bearer())
	case p.apiKey != "":
		header.Set("Authorization", "Bearer "+p.apiKey)
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
	body, err = sjson.Set(body, "stream", params.Options.Stream)
	if err != nil {
		return nil, err
	}
	if params.Options.Stream {
		body, err = sjson.Set(body, "stream_options.include_usage", true)
		if err != nil {
			return nil, err
		}
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
	if params.Options.MaxTokens != nil {
		body, err = sjson.Set(body, "max_tokens", *params.Options.MaxTokens)
		if err != nil {
			return nil, err
		}
	}

	if params.Instructions != "" {
		body, err = sjson.Set(body, "messages.-1", map[string]any{
			"role":    "system",
			"content": params.Instructions,
		})
		if err != nil {
			return nil, err
		}
	}
	for _, msg := range params.Messages {
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

	parts := make([]map[string]any, 0, len(msg.Attachments)+1)
	if msg.Content != "" {
		parts = append(parts, map[string]any{"type": "text", "text": msg.Content})
	}
	for _, att := range msg.Attachments {
		parts = append(parts, map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url": fmt.Sprintf("data:%s;base64,%s", att.MimeType, base64.StdEncoding.EncodeToString(att.Data)),
			},
		})
	}
	return map[string]any{
		"role":    string(msg.Role),
		"content": parts,
	}
}
