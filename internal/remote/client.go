package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client speaks the document-QA backend's HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:  base,
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log,
	}, nil
}

type metadataDTO struct {
	SourcesUsed int     `json:"sources_used"`
	Confidence  float64 `json:"confidence"`
	QueryType   string  `json:"query_type"`
	Cached      bool    `json:"cached"`
}

func (m *metadataDTO) toPorts(language string) *ports.Metadata {
	if m == nil && language == "" {
		return nil
	}
	out := &ports.Metadata{Language: language}
	if m != nil {
		out.SourcesUsed = m.SourcesUsed
		out.Confidence = m.Confidence
		out.QueryType = m.QueryType
		out.Cached = m.Cached
	}
	return out
}

type envelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

type askRequest struct {
	Question     string `json:"question"`
	DocumentName string `json:"document_name,omitempty"`
	Language     string `json:"language,omitempty"`
}

type askResponse struct {
	envelope
	Answer   string       `json:"answer"`
	Metadata *metadataDTO `json:"metadata"`
	Audio    *struct {
		URL        string `json:"url"`
		Generating bool   `json:"generating"`
		AudioID    string `json:"audio_id"`
	} `json:"audio"`
}

type voiceResponse struct {
	envelope
	Question              string       `json:"question"`
	Answer                string       `json:"answer"`
	AudioURL              string       `json:"audio_url"`
	TranscriptionLanguage string       `json:"transcription_language"`
	Metadata              *metadataDTO `json:"metadata"`
}

type speakRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type speakResponse struct {
	envelope
	AudioURL string `json:"audio_url"`
}

func (c *Client) SubmitTextQuery(ctx context.Context, question string, opts ports.QueryOptions) (*ports.AnswerPayload, error) {
	body, err := json.Marshal(askRequest{
		Question:     question,
		DocumentName: opts.DocumentName,
		Language:     opts.Language,
	})
	if err != nil {
		return nil, ports.NewError(ports.KindInternal, "encode ask", err)
	}

	var resp askResponse
	if err := c.call(ctx, http.MethodPost, "/ask", "application/json", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}

	out := &ports.AnswerPayload{
		Answer:   resp.Answer,
		Metadata: resp.Metadata.toPorts(""),
	}
	if resp.Audio != nil {
		out.AudioRef = resp.Audio.URL
	}
	return out, nil
}

func (c *Client) SubmitVoiceQuery(ctx context.Context, audio ports.Blob, opts ports.QueryOptions) (*ports.VoiceAnswerPayload, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="audio"; filename="`+audioFilename(audio.ContentType)+`"`)
	if audio.ContentType != "" {
		h.Set("Content-Type", audio.ContentType)
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, ports.NewError(ports.KindInternal, "build multipart", err)
	}
	if _, err := part.Write(audio.Data); err != nil {
		return nil, ports.NewError(ports.KindInternal, "build multipart", err)
	}
	if opts.DocumentName != "" {
		_ = mw.WriteField("document_name", opts.DocumentName)
	}
	if opts.Language != "" {
		_ = mw.WriteField("language", opts.Language)
	}
	if err := mw.Close(); err != nil {
		return nil, ports.NewError(ports.KindInternal, "build multipart", err)
	}

	var resp voiceResponse
	if err := c.call(ctx, http.MethodPost, "/voice-query", mw.FormDataContentType(), &buf, &resp); err != nil {
		return nil, err
	}

	return &ports.VoiceAnswerPayload{
		Question: resp.Question,
		Answer:   resp.Answer,
		AudioRef: resp.AudioURL,
		Metadata: resp.Metadata.toPorts(resp.TranscriptionLanguage),
	}, nil
}

func (c *Client) RequestSpeech(ctx context.Context, text string, opts ports.QueryOptions) (string, error) {
	body, err := json.Marshal(speakRequest{Text: text, Language: opts.Language})
	if err != nil {
		return "", ports.NewError(ports.KindInternal, "encode speak", err)
	}

	var resp speakResponse
	if err := c.call(ctx, http.MethodPost, "/speak", "application/json", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.AudioURL == "" {
		return "", ports.QueryFailed("backend returned no audio reference", nil)
	}
	return resp.AudioURL, nil
}

// ProbeArtifact issues a HEAD against ref: 2xx exists, 404 not yet.
func (c *Client) ProbeArtifact(ctx context.Context, ref string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, ref, "", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, transportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	}
	return false, ports.QueryFailed(fmt.Sprintf("probe %s: status %d", ref, resp.StatusCode), nil)
}

func (c *Client) FetchArtifact(ctx context.Context, ref string) (*ports.Artifact, error) {
	req, err := c.newRequest(ctx, http.MethodGet, ref, "", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ports.NewError(ports.KindNotFound, "audio "+ref+" not found", nil)
	}
	if resp.StatusCode >= 300 {
		return nil, ports.QueryFailed(fmt.Sprintf("fetch %s: status %d", ref, resp.StatusCode), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return &ports.Artifact{Data: data, ContentType: ct}, nil
}

func (c *Client) call(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("[remote] request failed", zap.String("path", path), zap.Error(err))
		return transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}
	c.log.Debug("[remote] response",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(started)),
	)

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode >= 300 {
		reason := env.Message
		if reason == "" {
			reason = fmt.Sprintf("backend returned status %d", resp.StatusCode)
		}
		return ports.QueryFailed(reason, nil)
	}
	if env.Success != nil && !*env.Success {
		reason := env.Message
		if reason == "" {
			reason = "backend reported failure"
		}
		return ports.QueryFailed(reason, nil)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return ports.QueryFailed("malformed backend response", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, ref, contentType string, body io.Reader) (*http.Request, error) {
	target, err := c.resolve(ref)
	if err != nil {
		return nil, ports.NewError(ports.KindInvalidInput, "bad reference "+ref, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, ports.NewError(ports.KindInternal, "build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// resolve makes server-relative refs ("/audio/x.wav") absolute.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	joined := *c.base
	joined.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(u.Path, "/")
	joined.RawQuery = u.RawQuery
	return joined.String(), nil
}

// transportError tags failures that never got an HTTP answer. A client
// timeout is a failed query, not a caller-visible timeout.
func transportError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ports.QueryFailed("backend timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return ports.NewError(ports.KindClosed, "request cancelled", err)
	}
	return ports.QueryFailed("backend unreachable", err)
}

func audioFilename(contentType string) string {
	switch {
	case strings.Contains(contentType, "wav"):
		return "recording.wav"
	case strings.Contains(contentType, "ogg"):
		return "recording.ogg"
	case strings.Contains(contentType, "mp4"), strings.Contains(contentType, "m4a"):
		return "recording.m4a"
	}
	return "recording.webm"
}
