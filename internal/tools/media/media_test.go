package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/tool"
)

func TestImageGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sunset beach", body["prompt"])
		_, _ = w.Write([]byte(`{"url":"https://cdn.example/a.png","width":1024,"height":1024}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL})
	require.NoError(t, err)
	out, err := NewImage(client).Invoke(context.Background(), map[string]any{"prompt": "sunset beach"}, tool.RunContext{})
	require.NoError(t, err)
	assert.False(t, out.Degraded)

	var asset Asset
	require.NoError(t, json.Unmarshal(out.Data, &asset))
	assert.Equal(t, "https://cdn.example/a.png", asset.URL)
	assert.Equal(t, 1024, asset.Width)
}

func TestVideoWatermarkIsDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/videos", r.URL.Path)
		_, _ = w.Write([]byte(`{"url":"https://cdn.example/v.mp4","duration_seconds":8,"watermarked":true}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL})
	require.NoError(t, err)
	out, err := NewVideo(client).Invoke(context.Background(), map[string]any{"prompt": "product teaser"}, tool.RunContext{})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.NotEmpty(t, out.Notes)
}

func TestMediaErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(status)
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL})
	require.NoError(t, err)
	img := NewImage(client)

	_, err = img.Invoke(context.Background(), map[string]any{"prompt": "x"}, tool.RunContext{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUpstream))

	status = http.StatusPaymentRequired
	_, err = img.Invoke(context.Background(), map[string]any{"prompt": "x"}, tool.RunContext{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeQuotaExceeded))

	status = http.StatusOK
	_, err = img.Invoke(context.Background(), map[string]any{"prompt": "x"}, tool.RunContext{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeMalformedOutput))
}
