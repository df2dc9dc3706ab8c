package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"DreamerV-server/config"
	"DreamerV-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type mockVideoGenerator struct {
	generateFunc func(ctx context.Context, input GenerationInput) (*OperationResult, error)
	lastInput    GenerationInput
	calls        int
}

func (m *mockVideoGenerator) GenerateVideo(ctx context.Context, input GenerationInput) (*OperationResult, error) {
	m.calls++
	m.lastInput = input
	if m.generateFunc != nil {
		return m.generateFunc(ctx, input)
	}
	return &OperationResult{Done: true, Response: &OperationResponse{
		Videos: []GeneratedVideo{{GcsUri: "gs://test-bucket/out.mp4"}},
	}}, nil
}

type mockMusicGenerator struct {
	generateFunc func(ctx context.Context, prompt, negativePrompt string, seed *int) (string, error)
}

func (m *mockMusicGenerator) GenerateMusic(ctx context.Context, prompt, negativePrompt string, seed *int) (string, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx, prompt, negativePrompt, seed)
	}
	return "", errors.New("not configured")
}

type mockStorage struct {
	uploadFunc   func(ctx context.Context, localPath, bucket, objectName, contentType string) (string, error)
	downloadFunc func(ctx context.Context, gcsURI, localPath string) error
}

func (m *mockStorage) Upload(ctx context.Context, localPath, bucket, objectName, contentType string) (string, error) {
	if m.uploadFunc != nil {
		return m.uploadFunc(ctx, localPath, bucket, objectName, contentType)
	}
	return "gs://" + bucket + "/" + objectName, nil
}

func (m *mockStorage) Download(ctx context.Context, gcsURI, localPath string) error {
	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, gcsURI, localPath)
	}
	return nil
}

type mockMedia struct {
	probeFunc     func(ctx context.Context, path string) (float64, error)
	compositeFunc func(ctx context.Context, segments []Segment, musicPath, outPath string) error
	thumbnailFunc func(ctx context.Context, videoPath, thumbnailPath string) error

	compositeCalls int
	lastSegments   []Segment
	lastMusicPath  string
}

func (m *mockMedia) ProbeDuration(ctx context.Context, path string) (float64, error) {
	if m.probeFunc != nil {
		return m.probeFunc(ctx, path)
	}
	return 5, nil
}

func (m *mockMedia) Composite(ctx context.Context, segments []Segment, musicPath, outPath string) error {
	m.compositeCalls++
	m.lastSegments = segments
	m.lastMusicPath = musicPath
	if m.compositeFunc != nil {
		return m.compositeFunc(ctx, segments, musicPath, outPath)
	}
	return os.WriteFile(outPath, []byte("mp4"), 0o644)
}

func (m *mockMedia) ExtractThumbnail(ctx context.Context, videoPath, thumbnailPath string) error {
	if m.thumbnailFunc != nil {
		return m.thumbnailFunc(ctx, videoPath, thumbnailPath)
	}
	return os.WriteFile(thumbnailPath, []byte("jpg"), 0o644)
}

func testProcessor(db *gorm.DB, gen *mockVideoGenerator) *Processor {
	p := &Processor{
		DB:      db,
		Media:   NewMediaProcessor(),
		Storage: &mockStorage{},
	}
	if gen != nil {
		p.NewVideoClient = func(model string) VideoGenerator { return gen }
	}
	return p
}

func createVideoTask(t *testing.T, db *gorm.DB, task *models.VideoTask) *models.VideoTask {
	t.Helper()
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	require.NoError(t, models.CreateVideoTask(db, task))
	return task
}

func reloadVideoTask(t *testing.T, db *gorm.DB, id string) *models.VideoTask {
	t.Helper()
	task, err := models.GetVideoTaskByID(db, id)
	require.NoError(t, err)
	return task
}

func TestRunVideoGeneration_PreviewModelRejectsLastFrame(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	gen := &mockVideoGenerator{}
	p := testProcessor(db, gen)

	task := createVideoTask(t, db, &models.VideoTask{
		ID:                "t-lastframe",
		Prompt:            "sunset",
		Model:             "veo-3.0-generate-preview",
		AspectRatio:       "16:9",
		LastFrameFilename: "frame.png",
	})
	p.RunVideoGeneration(task.ID)

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "does not support last frame images")
	// 预检失败不该碰外部接口
	assert.Zero(t, gen.calls)
}

func TestRunVideoGeneration_PreviewModelRejectsPortrait(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	gen := &mockVideoGenerator{}
	p := testProcessor(db, gen)

	task := createVideoTask(t, db, &models.VideoTask{
		ID:          "t-portrait",
		Prompt:      "sunset",
		Model:       "veo-3.0-generate-preview",
		AspectRatio: "9:16",
	})
	p.RunVideoGeneration(task.ID)

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "does not support 9:16 aspect ratio")
	assert.Zero(t, gen.calls)
}

func TestRunVideoGeneration_NoClientConfigured(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)

	task := createVideoTask(t, db, &models.VideoTask{
		ID:     "t-noclient",
		Prompt: "sunset",
		Model:  "veo-2.0-generate-001",
	})
	p.RunVideoGeneration(task.ID)

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "Veo client not initialized")
}

func TestRunVideoGeneration_CompletedEvenIfDownloadFails(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	gen := &mockVideoGenerator{
		generateFunc: func(ctx context.Context, input GenerationInput) (*OperationResult, error) {
			return &OperationResult{Done: true, Response: &OperationResponse{
				Videos: []GeneratedVideo{{GcsUri: "https://storage.cloud.google.com/test-bucket/t-dl/video.mp4"}},
			}}, nil
		},
	}
	p := testProcessor(db, gen)
	p.Storage = &mockStorage{
		downloadFunc: func(ctx context.Context, gcsURI, localPath string) error {
			return errors.New("connection reset")
		},
	}

	task := createVideoTask(t, db, &models.VideoTask{
		ID:              "t-dl",
		Prompt:          "sunset",
		Model:           "veo-2.0-generate-001",
		AspectRatio:     "16:9",
		DurationSeconds: 5,
	})
	p.RunVideoGeneration(task.ID)

	got := reloadVideoTask(t, db, task.ID)
	// 远端成品已经产出，下载失败不回退状态
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, "gs://test-bucket/t-dl/video.mp4", got.VideoGcsUri)
	assert.Empty(t, got.LocalVideoPath)
	assert.Contains(t, got.ErrorMessage, "Download/Thumbnail failed: connection reset")
}

func TestRunVideoGeneration_ThumbnailFailureKeepsCompleted(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	gen := &mockVideoGenerator{}
	p := testProcessor(db, gen)

	task := createVideoTask(t, db, &models.VideoTask{
		ID:              "t-thumb",
		Prompt:          "sunset",
		Model:           "veo-2.0-generate-001",
		AspectRatio:     "16:9",
		DurationSeconds: 5,
	})
	p.RunVideoGeneration(task.ID)

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	// 下载成功，缩略图（ffmpeg 不存在）失败
	assert.Equal(t, "/videos/t-thumb.mp4", got.LocalVideoPath)
	assert.Empty(t, got.LocalThumbnailPath)
	assert.Contains(t, got.ErrorMessage, "Download/Thumbnail failed")
}

func TestRunVideoGeneration_ProviderError(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	gen := &mockVideoGenerator{
		generateFunc: func(ctx context.Context, input GenerationInput) (*OperationResult, error) {
			return &OperationResult{Done: true, Error: &OperationError{Code: 3, Message: "prompt blocked"}}, nil
		},
	}
	p := testProcessor(db, gen)

	task := createVideoTask(t, db, &models.VideoTask{
		ID: "t-err", Prompt: "sunset", Model: "veo-2.0-generate-001",
	})
	p.RunVideoGeneration(task.ID)

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "prompt blocked", got.ErrorMessage)
}

func TestRunVideoGeneration_RaiFiltered(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	gen := &mockVideoGenerator{
		generateFunc: func(ctx context.Context, input GenerationInput) (*OperationResult, error) {
			return &OperationResult{Done: true, Response: &OperationResponse{
				RaiMediaFilteredCount:   1,
				RaiMediaFilteredReasons: []string{"violence"},
			}}, nil
		},
	}
	p := testProcessor(db, gen)

	task := createVideoTask(t, db, &models.VideoTask{
		ID: "t-rai", Prompt: "sunset", Model: "veo-2.0-generate-001",
	})
	p.RunVideoGeneration(task.ID)

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "Video generation failed due to RAI policy: violence", got.ErrorMessage)
}

func TestRunVideoGeneration_StagesConditioningImage(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	gen := &mockVideoGenerator{}
	p := testProcessor(db, gen)

	writeTempFile(t, config.AppConfig.UploadsDir(), "cond.png", []byte("png bytes"))

	task := createVideoTask(t, db, &models.VideoTask{
		ID:            "t-img",
		Prompt:        "sunset",
		Model:         "veo-2.0-generate-001",
		ImageFilename: "cond.png",
	})
	p.RunVideoGeneration(task.ID)

	require.Equal(t, 1, gen.calls)
	assert.Equal(t, "gs://test-bucket/image_uploads/t-img/cond.png", gen.lastInput.ImageURI)
	assert.Equal(t, "image/png", gen.lastInput.ImageMime)

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, "gs://test-bucket/image_uploads/t-img/cond.png", got.ImageGcsUri)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
}

func TestRunVideoGeneration_ImageUploadFailure(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	gen := &mockVideoGenerator{}
	p := testProcessor(db, gen)
	p.Storage = &mockStorage{
		uploadFunc: func(ctx context.Context, localPath, bucket, objectName, contentType string) (string, error) {
			return "", errors.New("access denied")
		},
	}

	writeTempFile(t, config.AppConfig.UploadsDir(), "cond.jpg", []byte("jpg bytes"))

	task := createVideoTask(t, db, &models.VideoTask{
		ID:            "t-imgfail",
		Prompt:        "sunset",
		Model:         "veo-2.0-generate-001",
		ImageFilename: "cond.jpg",
	})
	p.RunVideoGeneration(task.ID)

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "Error processing/uploading image: access denied")
	assert.Zero(t, gen.calls)
}

func TestRunCompositeVideo_SourceTaskMissing(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)

	task := createVideoTask(t, db, &models.VideoTask{ID: "t-comp", Prompt: "composite"})
	p.RunCompositeVideo(task.ID, []CompositeClip{{TaskID: "no-such-task"}}, "")

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "Source clip task no-such-task not found.", got.ErrorMessage)
}

func TestRunCompositeVideo_SourceTaskNotCompleted(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)

	createVideoTask(t, db, &models.VideoTask{ID: "src-pending", Status: models.TaskStatusPending})
	task := createVideoTask(t, db, &models.VideoTask{ID: "t-comp2", Prompt: "composite"})
	p.RunCompositeVideo(task.ID, []CompositeClip{{TaskID: "src-pending"}}, "")

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "is not completed or has no local video path")
}

func TestRunCompositeVideo_InvalidMusicPathPrefix(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)

	task := createVideoTask(t, db, &models.VideoTask{ID: "t-comp3", Prompt: "composite"})
	p.RunCompositeVideo(task.ID, []CompositeClip{{TaskID: "whatever"}}, "/etc/passwd")

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "Invalid music file path prefix")
}

func TestRunCompositeVideo_MusicFileMissing(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)

	task := createVideoTask(t, db, &models.VideoTask{ID: "t-comp4", Prompt: "composite"})
	p.RunCompositeVideo(task.ID, []CompositeClip{{TaskID: "whatever"}}, "/music/ghost.wav")

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "Music file not found at")
}

// completedClip 造一个已完成的源任务，并在本地视频目录落一个占位文件
func completedClip(t *testing.T, db *gorm.DB, id string, duration float64, aspect string) *models.VideoTask {
	t.Helper()
	writeTempFile(t, config.AppConfig.VideosDir(), id+".mp4", []byte("mp4"))
	return createVideoTask(t, db, &models.VideoTask{
		ID:              id,
		Prompt:          "clip",
		Status:          models.TaskStatusCompleted,
		LocalVideoPath:  "/videos/" + id + ".mp4",
		DurationSeconds: duration,
		AspectRatio:     aspect,
	})
}

func TestRunCompositeVideo_Success(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)
	media := &mockMedia{}
	p.Media = media

	completedClip(t, db, "src-a", 5, "9:16")
	completedClip(t, db, "src-b", 5, "16:9")
	task := createVideoTask(t, db, &models.VideoTask{ID: "t-comp-ok", Prompt: "composite"})

	p.RunCompositeVideo(task.ID, []CompositeClip{{TaskID: "src-a"}, {TaskID: "src-b"}}, "")

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	// 成片记录时长 = 各段之和，画幅取首段
	assert.Equal(t, 10.0, got.DurationSeconds)
	assert.Equal(t, "9:16", got.AspectRatio)
	assert.Equal(t, "/videos/t-comp-ok.mp4", got.LocalVideoPath)
	assert.Equal(t, "/thumbnails/t-comp-ok.jpg", got.LocalThumbnailPath)
	assert.Equal(t, "gs://test-bucket/composite_videos/t-comp-ok/t-comp-ok.mp4", got.VideoGcsUri)

	require.Equal(t, 1, media.compositeCalls)
	require.Len(t, media.lastSegments, 2)
	assert.Equal(t, 5.0, media.lastSegments[0].Duration)
	assert.Equal(t, 5.0, media.lastSegments[1].Duration)
	assert.Empty(t, media.lastMusicPath)
}

func TestRunCompositeVideo_SkipsEmptySegments(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)
	media := &mockMedia{}
	p.Media = media

	completedClip(t, db, "src-late", 5, "16:9")
	completedClip(t, db, "src-tail", 5, "16:9")
	task := createVideoTask(t, db, &models.VideoTask{ID: "t-comp-skip", Prompt: "composite"})

	// 第一段起点已超出素材长度，解析为空；第二段从 3s 起还剩 2s
	start5, start3, want10 := 5.0, 3.0, 10.0
	p.RunCompositeVideo(task.ID, []CompositeClip{
		{TaskID: "src-late", StartOffsetSeconds: &start5},
		{TaskID: "src-tail", StartOffsetSeconds: &start3, DurationSeconds: &want10},
	}, "")

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, 2.0, got.DurationSeconds)
	require.Len(t, media.lastSegments, 1)
	assert.Equal(t, 3.0, media.lastSegments[0].Start)
	assert.Equal(t, 2.0, media.lastSegments[0].Duration)
}

func TestRunCompositeVideo_AllSegmentsEmpty(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)
	media := &mockMedia{}
	p.Media = media

	completedClip(t, db, "src-only", 5, "16:9")
	task := createVideoTask(t, db, &models.VideoTask{ID: "t-comp-empty", Prompt: "composite"})

	start := 7.0
	p.RunCompositeVideo(task.ID, []CompositeClip{{TaskID: "src-only", StartOffsetSeconds: &start}}, "")

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "No valid video clips found to concatenate.", got.ErrorMessage)
	assert.Zero(t, media.compositeCalls)
}

func TestRunCompositeVideo_CompositeErrorFailsTask(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)
	p.Media = &mockMedia{
		compositeFunc: func(ctx context.Context, segments []Segment, musicPath, outPath string) error {
			return errors.New("ffmpeg exited with status 1")
		},
	}

	completedClip(t, db, "src-bad", 5, "16:9")
	task := createVideoTask(t, db, &models.VideoTask{ID: "t-comp-fferr", Prompt: "composite"})

	p.RunCompositeVideo(task.ID, []CompositeClip{{TaskID: "src-bad"}}, "")

	got := reloadVideoTask(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "ffmpeg exited with status 1")
}

func TestRunMusicGeneration_Success(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)

	scratch := config.AppConfig.ScratchMusicDir()
	p := testProcessor(db, nil)
	p.Music = &mockMusicGenerator{
		generateFunc: func(ctx context.Context, prompt, negativePrompt string, seed *int) (string, error) {
			return writeTempFile(t, scratch, "lyria_output_abc.wav", []byte("wav")), nil
		},
	}

	task := &models.MusicTask{ID: "m-ok", Prompt: "calm piano", Status: models.TaskStatusPending}
	require.NoError(t, models.CreateMusicTask(db, task))
	p.RunMusicGeneration(task.ID)

	got, err := models.GetMusicTaskByID(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, "/music/m-ok_lyria_output_abc.wav", got.LocalMusicPath)

	// 原子搬运：私有落盘目录里的文件已经不在了
	_, err = os.Stat(filepath.Join(scratch, "lyria_output_abc.wav"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(config.AppConfig.MusicDir(), "m-ok_lyria_output_abc.wav"))
	assert.NoError(t, err)
}

func TestRunMusicGeneration_EmptyResult(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)
	p.Music = &mockMusicGenerator{
		generateFunc: func(ctx context.Context, prompt, negativePrompt string, seed *int) (string, error) {
			return "", nil
		},
	}

	task := &models.MusicTask{ID: "m-empty", Prompt: "calm piano"}
	require.NoError(t, models.CreateMusicTask(db, task))
	p.RunMusicGeneration(task.ID)

	got, err := models.GetMusicTaskByID(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "See server logs for details from Lyria client")
}

func TestRunMusicGeneration_ReportedFileMissing(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)
	p.Music = &mockMusicGenerator{
		generateFunc: func(ctx context.Context, prompt, negativePrompt string, seed *int) (string, error) {
			return "/tmp/does-not-exist/lyria_output_xyz.wav", nil
		},
	}

	task := &models.MusicTask{ID: "m-gone", Prompt: "calm piano"}
	require.NoError(t, models.CreateMusicTask(db, task))
	p.RunMusicGeneration(task.ID)

	got, err := models.GetMusicTaskByID(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	// 区别于客户端自己上报的失败
	assert.Contains(t, got.ErrorMessage, "reported success but file not found")
}

func TestRunMusicGeneration_NoClient(t *testing.T) {
	setupTestConfig(t)
	db := setupTestDB(t)
	p := testProcessor(db, nil)

	task := &models.MusicTask{ID: "m-noclient", Prompt: "calm piano"}
	require.NoError(t, models.CreateMusicTask(db, task))
	p.RunMusicGeneration(task.ID)

	got, err := models.GetMusicTaskByID(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "Lyria client not initialized")
}
