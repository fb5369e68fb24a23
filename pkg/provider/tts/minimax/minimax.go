// Package minimax provides a MiniMax-backed TTS provider using the
// synchronous t2a endpoint. It implements the tts.Provider interface.
//
// Synthesis runs in sync mode: one POST per utterance, the response
// carries a hosted audio URL. Streaming is deliberately not used — the
// overlay player consumes whole files and the queue engine paces items
// itself.
package minimax

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/overvox/overvox/pkg/provider/tts"
)

const (
	defaultEndpoint = "https://api.minimax.io/v1/t2a_v2"
	defaultModel    = "speech-02-turbo"
)

// Option is a functional option for configuring the MiniMax Provider.
type Option func(*Provider)

// WithEndpoint overrides the synthesis endpoint URL.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// WithModel sets the speech model (e.g. "speech-02-turbo").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPClient replaces the default HTTP client. Used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider backed by the MiniMax sync API.
type Provider struct {
	apiKey     string
	groupID    string
	endpoint   string
	model      string
	httpClient *http.Client
}

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// New creates a MiniMax Provider. apiKey must be non-empty; groupID may
// be empty for accounts that do not scope by group.
func New(apiKey, groupID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("minimax: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		groupID:  groupID,
		endpoint: defaultEndpoint,
		model:    defaultModel,
		// Hard ceiling independent of caller cancellation.
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

type synthRequest struct {
	Model          string        `json:"model"`
	Text           string        `json:"text"`
	VoiceSetting   voiceSetting  `json:"voice_setting"`
	AudioSetting   audioSetting  `json:"audio_setting"`
	LanguageBoost  string        `json:"language_boost,omitempty"`
	EnglishNorm    bool          `json:"english_normalization"`
	EnableSyncMode bool          `json:"enable_sync_mode"`
	OutputFormat   string        `json:"output_format"`
}

type voiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Volume  float64 `json:"vol"`
	Pitch   int     `json:"pitch"`
	Emotion string  `json:"emotion,omitempty"`
}

type audioSetting struct {
	SampleRate int    `json:"sample_rate"`
	Bitrate    int    `json:"bitrate"`
	Format     string `json:"format"`
	Channel    string `json:"channel"`
}

type synthResponse struct {
	Data struct {
		Status  string   `json:"status"`
		Outputs []string `json:"outputs"`
		ID      string   `json:"id"`
	} `json:"data"`
	TraceID  string `json:"trace_id"`
	BaseResp struct {
		StatusCode int    `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

// Synthesize performs one sync-mode synthesis call.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	body := synthRequest{
		Model: p.model,
		Text:  req.Text,
		VoiceSetting: voiceSetting{
			VoiceID: req.Params.VoiceID,
			Speed:   req.Params.Speed,
			Volume:  req.Params.Volume,
			Pitch:   req.Params.Pitch,
			Emotion: req.Params.Emotion,
		},
		AudioSetting: audioSetting{
			SampleRate: req.Params.SampleRate,
			Bitrate:    req.Params.Bitrate,
			Format:     tts.DefaultFormat,
			Channel:    strconv.Itoa(req.Params.Channels),
		},
		LanguageBoost:  req.Params.LanguageBoost,
		EnglishNorm:    req.Params.Normalization,
		EnableSyncMode: true,
		OutputFormat:   "url",
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return tts.Result{}, fmt.Errorf("minimax: marshal request: %w", err)
	}

	url := p.endpoint
	if p.groupID != "" {
		url += "?GroupId=" + p.groupID
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return tts.Result{}, fmt.Errorf("minimax: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return tts.Result{}, fmt.Errorf("minimax: %w: %v", tts.ErrAborted, ctx.Err())
		}
		return tts.Result{}, &tts.UpstreamError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tts.Result{}, &tts.UpstreamError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return tts.Result{}, &tts.UpstreamError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var parsed synthResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return tts.Result{}, &tts.UpstreamError{StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}

	if parsed.BaseResp.StatusCode != 0 || parsed.Data.Status != "completed" {
		msg := parsed.BaseResp.StatusMsg
		if msg == "" {
			msg = "synthesis not completed (status " + parsed.Data.Status + ")"
		}
		// The provider flags bad voices only through the message text.
		if strings.Contains(msg, "voice_id") {
			return tts.Result{}, fmt.Errorf("minimax: %w: %s", tts.ErrInvalidVoice, msg)
		}
		return tts.Result{}, &tts.UpstreamError{StatusCode: resp.StatusCode, Message: msg}
	}
	if len(parsed.Data.Outputs) == 0 {
		return tts.Result{}, &tts.UpstreamError{StatusCode: resp.StatusCode, Message: "completed synthesis with no outputs"}
	}

	return tts.Result{URL: parsed.Data.Outputs[0], TraceID: parsed.TraceID}, nil
}
