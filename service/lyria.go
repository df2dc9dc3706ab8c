package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"DreamerV-server/config"

	"github.com/google/uuid"
)

// MusicGenerator 音乐生成客户端接口，便于测试替换
type MusicGenerator interface {
	GenerateMusic(ctx context.Context, prompt, negativePrompt string, seed *int) (string, error)
}

// LyriaClient 调用 Lyria predict 接口生成音乐，写入私有落盘目录
type LyriaClient struct {
	ProjectID  string
	Location   string
	Tokens     *TokenProvider
	HTTP       *http.Client
	ScratchDir string

	// BaseURL 测试用，留空时拼正式地址
	BaseURL string
}

func NewLyriaClient(tokens *TokenProvider) *LyriaClient {
	return &LyriaClient{
		ProjectID:  config.AppConfig.Vertex.ProjectID,
		Location:   config.AppConfig.Vertex.Location,
		Tokens:     tokens,
		HTTP:       &http.Client{Timeout: 300 * time.Second},
		ScratchDir: config.AppConfig.ScratchMusicDir(),
	}
}

func (c *LyriaClient) endpoint() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/lyria-002:predict",
		c.Location, c.ProjectID, c.Location,
	)
}

type lyriaInstance struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Seed           *int   `json:"seed,omitempty"`
}

type lyriaRequest struct {
	Instances  []lyriaInstance        `json:"instances"`
	Parameters map[string]interface{} `json:"parameters"`
}

type lyriaResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}

// GenerateMusic 同步生成一段音乐，返回落盘后的 WAV 文件路径
func (c *LyriaClient) GenerateMusic(ctx context.Context, prompt, negativePrompt string, seed *int) (string, error) {
	token, err := c.Tokens.Token()
	if err != nil {
		return "", err
	}

	payload := lyriaRequest{
		Instances:  []lyriaInstance{{Prompt: prompt, NegativePrompt: negativePrompt, Seed: seed}},
		Parameters: map[string]interface{}{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("api status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded lyriaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response failed: %w", err)
	}
	if len(decoded.Predictions) == 0 {
		return "", fmt.Errorf("'predictions' not found in API response or is empty")
	}

	audioData, err := base64.StdEncoding.DecodeString(decoded.Predictions[0].BytesBase64Encoded)
	if err != nil {
		return "", fmt.Errorf("decode audio content failed: %w", err)
	}

	if err := os.MkdirAll(c.ScratchDir, 0o755); err != nil {
		return "", err
	}
	filePath := filepath.Join(c.ScratchDir, fmt.Sprintf("lyria_output_%s.wav", uuid.NewString()))
	if err := os.WriteFile(filePath, audioData, 0o644); err != nil {
		return "", fmt.Errorf("write audio file failed: %w", err)
	}
	return filePath, nil
}
