package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"DreamerV-server/config"
)

// Veo 长时操作轮询参数：30 次 × 10 秒
const (
	defaultPollRetries = 30
	defaultPollDelay   = 10 * time.Second
)

// VideoGenerator 视频生成客户端接口，便于测试替换
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, input GenerationInput) (*OperationResult, error)
}

// VeoClient 对接 Vertex AI 的视频生成长时操作 API
type VeoClient struct {
	ProjectID string
	Location  string
	Model     string
	Tokens    *TokenProvider
	HTTP      *http.Client

	// BaseURL 留空时按 ProjectID/Location/Model 拼出正式地址，测试里可指向假服务
	BaseURL     string
	PollRetries int
	PollDelay   time.Duration
}

func NewVeoClient(model string, tokens *TokenProvider) *VeoClient {
	return &VeoClient{
		ProjectID:   config.AppConfig.Vertex.ProjectID,
		Location:    config.AppConfig.Vertex.Location,
		Model:       model,
		Tokens:      tokens,
		HTTP:        &http.Client{Timeout: 60 * time.Second},
		PollRetries: defaultPollRetries,
		PollDelay:   defaultPollDelay,
	}
}

// GenerationInput 一次生成请求的全部输入
type GenerationInput struct {
	Prompt        string
	Parameters    VeoParameters
	ImageURI      string
	ImageMime     string
	VideoURI      string
	LastFrameURI  string
	LastFrameMime string
	CameraControl string
}

type VeoParameters struct {
	AspectRatio      string `json:"aspectRatio"`
	StorageUri       string `json:"storageUri"`
	NumberOfVideos   int    `json:"numberOfVideos"`
	DurationSeconds  int    `json:"durationSeconds"`
	PersonGeneration string `json:"personGeneration"`
	EnhancePrompt    bool   `json:"enhancePrompt"`
	GenerateAudio    *bool  `json:"generateAudio,omitempty"`
	Resolution       string `json:"resolution,omitempty"`
}

type mediaRef struct {
	GcsUri   string `json:"gcsUri"`
	MimeType string `json:"mimeType"`
}

type veoInstance struct {
	Prompt        string    `json:"prompt"`
	Image         *mediaRef `json:"image,omitempty"`
	Video         *mediaRef `json:"video,omitempty"`
	LastFrame     *mediaRef `json:"lastFrame,omitempty"`
	CameraControl string    `json:"cameraControl,omitempty"`
}

type veoRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters VeoParameters `json:"parameters"`
}

// OperationError 服务端返回的错误负载
type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type GeneratedVideo struct {
	GcsUri string `json:"gcsUri"`
}

type GeneratedSample struct {
	Video struct {
		Uri string `json:"uri"`
	} `json:"video"`
}

// OperationResponse 成功完成时的负载，两种字段形态二选一
type OperationResponse struct {
	Videos                  []GeneratedVideo  `json:"videos"`
	GeneratedSamples        []GeneratedSample `json:"generatedSamples"`
	RaiMediaFilteredCount   int               `json:"raiMediaFilteredCount"`
	RaiMediaFilteredReasons []string          `json:"raiMediaFilteredReasons"`
}

// OperationResult 长时操作的最终结果：error / response 变体
type OperationResult struct {
	Name     string             `json:"name"`
	Done     bool               `json:"done"`
	Error    *OperationError    `json:"error,omitempty"`
	Response *OperationResponse `json:"response,omitempty"`
}

// VideoURI 从两种响应形态中取第一个视频的远端地址
func (r *OperationResult) VideoURI() string {
	if r.Response == nil {
		return ""
	}
	if len(r.Response.Videos) > 0 {
		return r.Response.Videos[0].GcsUri
	}
	if len(r.Response.GeneratedSamples) > 0 {
		return r.Response.GeneratedSamples[0].Video.Uri
	}
	return ""
}

func (c *VeoClient) modelBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1beta1/projects/%s/locations/%s/publishers/google/models/%s",
		c.Location, c.ProjectID, c.Location, c.Model,
	)
}

// composeRequest 组装请求体并做提交前校验
func (c *VeoClient) composeRequest(input GenerationInput) (*veoRequest, error) {
	if c.Model == "veo-3.0-generate-preview" && input.Parameters.DurationSeconds > 90 {
		return nil, fmt.Errorf(
			"for model '%s', 'durationSeconds' cannot exceed 90. Received: %d",
			c.Model, input.Parameters.DurationSeconds,
		)
	}

	inst := veoInstance{Prompt: input.Prompt}
	if input.ImageURI != "" {
		mime := input.ImageMime
		if mime == "" {
			mime = "image/jpeg"
		}
		inst.Image = &mediaRef{GcsUri: input.ImageURI, MimeType: mime}
	}
	if input.VideoURI != "" {
		inst.Video = &mediaRef{GcsUri: input.VideoURI, MimeType: "video/mp4"}
	}
	if input.LastFrameURI != "" {
		mime := input.LastFrameMime
		if mime == "" {
			mime = "image/jpeg"
		}
		inst.LastFrame = &mediaRef{GcsUri: input.LastFrameURI, MimeType: mime}
	}
	// cameraControl 仅在模型支持且不是续拍任务时附带
	if c.Model != "veo-2.0-generate-001" && input.CameraControl != "" && input.VideoURI == "" {
		inst.CameraControl = input.CameraControl
	}

	return &veoRequest{Instances: []veoInstance{inst}, Parameters: input.Parameters}, nil
}

func (c *VeoClient) post(ctx context.Context, url string, payload interface{}, out interface{}) error {
	token, err := c.Tokens.Token()
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, string(respBody))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GenerateVideo 提交生成请求并阻塞轮询到操作完成或超出重试预算
func (c *VeoClient) GenerateVideo(ctx context.Context, input GenerationInput) (*OperationResult, error) {
	req, err := c.composeRequest(input)
	if err != nil {
		return nil, err
	}

	var submitted struct {
		Name string `json:"name"`
	}
	if err := c.post(ctx, c.modelBaseURL()+":predictLongRunning", req, &submitted); err != nil {
		return nil, fmt.Errorf("submit generation request failed: %w", err)
	}
	if submitted.Name == "" {
		return nil, fmt.Errorf("response missing operation name")
	}
	log.Printf("已提交生成请求，LRO: %s", submitted.Name)

	return c.fetchOperation(ctx, submitted.Name)
}

// fetchOperation 轮询直到 done，预算耗尽返回超时错误
func (c *VeoClient) fetchOperation(ctx context.Context, operationName string) (*OperationResult, error) {
	fetchReq := map[string]string{"operationName": operationName}

	for i := 0; i < c.PollRetries; i++ {
		var result OperationResult
		if err := c.post(ctx, c.modelBaseURL()+":fetchPredictOperation", fetchReq, &result); err != nil {
			return nil, fmt.Errorf("fetch operation failed: %w", err)
		}
		if result.Done {
			return &result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.PollDelay):
		}
	}

	return nil, fmt.Errorf("operation %s did not complete after %s",
		operationName, time.Duration(c.PollRetries)*c.PollDelay)
}
