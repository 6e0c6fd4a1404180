package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tok", Timeout: time.Second}, nil)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitTextQuery(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ask", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req askRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "What is X?", req.Question)
		assert.Equal(t, "manual.pdf", req.DocumentName)

		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"answer":   "X is...",
			"metadata": map[string]any{"sources_used": 3, "confidence": 0.8, "query_type": "factual"},
			"audio":    map[string]any{"url": "/audio/auto_1.wav", "generating": true, "audio_id": "1"},
		})
	}))

	got, err := c.SubmitTextQuery(context.Background(), "What is X?", ports.QueryOptions{DocumentName: "manual.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "X is...", got.Answer)
	assert.Equal(t, "/audio/auto_1.wav", got.AudioRef)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, 3, got.Metadata.SourcesUsed)
	assert.Equal(t, "factual", got.Metadata.QueryType)
}

func TestSuccessFalseIsQueryFailed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Please upload at least one PDF document"})
	}))

	_, err := c.SubmitTextQuery(context.Background(), "q", ports.QueryOptions{})
	require.ErrorIs(t, err, ports.ErrQueryFailed)
	assert.Contains(t, err.Error(), "upload at least one PDF")
}

func TestRateLimitKeepsBackendMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "message": "Daily query limit reached"})
	}))

	_, err := c.SubmitTextQuery(context.Background(), "q", ports.QueryOptions{})
	var perr *ports.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ports.KindQueryFailed, perr.Kind)
	assert.Equal(t, "Daily query limit reached", perr.Reason)
}

func TestTransportTimeoutIsQueryFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = c.SubmitTextQuery(context.Background(), "q", ports.QueryOptions{})
	assert.ErrorIs(t, err, ports.ErrQueryFailed)
}

func TestSubmitVoiceQuery(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voice-query", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("audio")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("RIFFdata"), data)
		assert.Equal(t, "recording.wav", hdr.Filename)
		assert.Equal(t, "en", r.FormValue("language"))

		writeJSON(w, http.StatusOK, map[string]any{
			"success":                true,
			"question":               "Q",
			"answer":                 "A",
			"audio_url":              "/audio/r1.wav",
			"transcription_language": "en",
		})
	}))

	got, err := c.SubmitVoiceQuery(context.Background(),
		ports.Blob{Data: []byte("RIFFdata"), ContentType: "audio/wav"},
		ports.QueryOptions{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "Q", got.Question)
	assert.Equal(t, "A", got.Answer)
	assert.Equal(t, "/audio/r1.wav", got.AudioRef)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "en", got.Metadata.Language)
}

func TestRequestSpeech(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req speakRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "A", req.Text)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "audio_url": "/audio/tts_9.wav"})
	}))

	ref, err := c.RequestSpeech(context.Background(), "A", ports.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/audio/tts_9.wav", ref)
}

func TestProbeAndFetchArtifact(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/audio/ready.wav":
			w.Header().Set("Content-Type", "audio/wav")
			if r.Method == http.MethodHead {
				return
			}
			_, _ = w.Write([]byte("RIFF...."))
		case "/audio/broken.wav":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	ctx := context.Background()

	ok, err := c.ProbeArtifact(ctx, "/audio/ready.wav")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ProbeArtifact(ctx, "/audio/pending.wav")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.ProbeArtifact(ctx, "/audio/broken.wav")
	assert.Error(t, err)

	art, err := c.FetchArtifact(ctx, "/audio/ready.wav")
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", art.ContentType)
	assert.Equal(t, []byte("RIFF...."), art.Data)

	_, err = c.FetchArtifact(ctx, "/audio/pending.wav")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestResolveKeepsBasePath(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "https://qa.example.com/api/"}, nil)
	require.NoError(t, err)

	got, err := c.resolve("/audio/a.wav")
	require.NoError(t, err)
	assert.Equal(t, "https://qa.example.com/api/audio/a.wav", got)

	got, err = c.resolve("https://cdn.example.com/a.wav")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.wav", got)

	_, err = NewClient(Config{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}
