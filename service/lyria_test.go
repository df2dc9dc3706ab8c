package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLyriaClient(baseURL, scratchDir string) *LyriaClient {
	return &LyriaClient{
		ProjectID:  "test-project",
		Location:   "us-central1",
		Tokens:     staticTokens("test-token"),
		HTTP:       &http.Client{Timeout: 5 * time.Second},
		ScratchDir: scratchDir,
		BaseURL:    baseURL,
	}
}

func TestGenerateMusic_WritesDecodedAudio(t *testing.T) {
	audio := []byte("RIFF fake wav payload")
	var gotBody lyriaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"predictions": []map[string]string{{
				"bytesBase64Encoded": base64.StdEncoding.EncodeToString(audio),
				"mimeType":           "audio/wav",
			}},
		})
	}))
	defer server.Close()

	seed := 42
	c := testLyriaClient(server.URL, t.TempDir())
	path, err := c.GenerateMusic(context.Background(), "calm piano", "drums", &seed)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(path, c.ScratchDir))
	assert.True(t, strings.HasSuffix(path, ".wav"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, audio, data)

	require.Len(t, gotBody.Instances, 1)
	assert.Equal(t, "calm piano", gotBody.Instances[0].Prompt)
	assert.Equal(t, "drums", gotBody.Instances[0].NegativePrompt)
	require.NotNil(t, gotBody.Instances[0].Seed)
	assert.Equal(t, 42, *gotBody.Instances[0].Seed)
}

func TestGenerateMusic_EmptyPredictions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"predictions": []interface{}{}})
	}))
	defer server.Close()

	c := testLyriaClient(server.URL, t.TempDir())
	_, err := c.GenerateMusic(context.Background(), "anything", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'predictions' not found in API response or is empty")
}

func TestGenerateMusic_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := testLyriaClient(server.URL, t.TempDir())
	_, err := c.GenerateMusic(context.Background(), "anything", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
