package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"DreamerV-server/config"
	"DreamerV-server/models"

	"gorm.io/gorm"
)

// 做能力预检的模型：不支持尾帧图与 9:16 画幅
const previewModel = "veo-3.0-generate-preview"

// Processor 驱动三类后台任务的状态机：
// 视频生成、合成视频、音乐生成。所有结果只写回任务行，调用方通过轮询观察。
type Processor struct {
	DB      *gorm.DB
	Media   MediaHandler
	Storage ObjectStorage
	Music   MusicGenerator
	// NewVideoClient 按模型名构造生成客户端；凭据不可用时为 nil
	NewVideoClient func(model string) VideoGenerator
}

func NewProcessor(db *gorm.DB, tokens *TokenProvider) *Processor {
	p := &Processor{
		DB:      db,
		Media:   NewMediaProcessor(),
		Storage: NewGCSStore(),
	}
	if tokens != nil {
		p.Music = NewLyriaClient(tokens)
		p.NewVideoClient = func(model string) VideoGenerator {
			return NewVeoClient(model, tokens)
		}
	}
	return p
}

// CompositeClip 合成任务的一段素材引用，子区间可选
type CompositeClip struct {
	TaskID             string   `json:"task_id"`
	StartOffsetSeconds *float64 `json:"start_offset_seconds"`
	DurationSeconds    *float64 `json:"duration_seconds"`
}

// ============================================================================
// 视频生成
// ============================================================================

func (p *Processor) RunVideoGeneration(taskID string) {
	task, err := models.GetVideoTaskByID(p.DB, taskID)
	if err != nil {
		log.Printf("Task %s not found for processing: %v", taskID, err)
		return
	}

	// 先落 processing，慢网络调用开始前轮询方就能看到
	if err := task.UpdateFields(p.DB, map[string]interface{}{"status": models.TaskStatusProcessing}); err != nil {
		log.Printf("标记 processing 失败: %v", err)
	}
	log.Printf("Starting video generation for task %s, prompt: '%s', model: '%s'",
		task.ID, task.Prompt, task.Model)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Exception during video generation for task %s: %v", task.ID, r)
			task.MarkFailed(p.DB, fmt.Sprintf("%v", r))
		}
	}()

	// 模型能力预检：不匹配的输入直接失败，不消耗外部配额
	if task.Model == previewModel {
		if task.LastFrameFilename != "" {
			msg := fmt.Sprintf("Model %s does not support last frame images.", previewModel)
			task.MarkFailed(p.DB, msg)
			log.Printf("Task %s failed: %s", task.ID, msg)
			return
		}
		if task.AspectRatio == "9:16" {
			msg := fmt.Sprintf("Model %s does not support 9:16 aspect ratio.", previewModel)
			task.MarkFailed(p.DB, msg)
			log.Printf("Task %s failed: %s", task.ID, msg)
			return
		}
	}

	if p.NewVideoClient == nil {
		task.MarkFailed(p.DB, "Veo client not initialized. Check vertex project_id or server logs.")
		return
	}
	veo := p.NewVideoClient(task.Model)

	ctx := context.Background()
	bucket := ResolveBucket(task.GcsOutputBucket)
	if bucket == "" {
		task.MarkFailed(p.DB, "No output bucket configured. Set gcs.output_bucket or pass gcs_output_bucket.")
		return
	}

	params := VeoParameters{
		AspectRatio:      task.AspectRatio,
		StorageUri:       fmt.Sprintf("gs://%s/%s/video.mp4", bucket, task.ID),
		NumberOfVideos:   1,
		DurationSeconds:  int(task.DurationSeconds),
		PersonGeneration: "ALLOW_ALL",
		EnhancePrompt:    true,
	}
	if task.GenerateAudio {
		enabled := true
		params.GenerateAudio = &enabled
	}

	input := GenerationInput{
		Prompt:        task.Prompt,
		Parameters:    params,
		VideoURI:      task.VideoUri,
		CameraControl: task.CameraControl,
	}

	// 条件图（首帧）需要远端可寻址，逐个上传并即时持久化 URI
	if task.ImageFilename != "" {
		uri, mime, err := p.stageConditioningImage(ctx, task.ID, task.ImageFilename, bucket, "image_uploads")
		if err != nil {
			task.MarkFailed(p.DB, fmt.Sprintf("Error processing/uploading image: %v", err))
			return
		}
		if uri != "" {
			input.ImageURI, input.ImageMime = uri, mime
			task.ImageGcsUri = uri
			task.UpdateFields(p.DB, map[string]interface{}{"image_gcs_uri": uri})
		}
	}
	if task.LastFrameFilename != "" {
		uri, mime, err := p.stageConditioningImage(ctx, task.ID, task.LastFrameFilename, bucket, "last_frame_uploads")
		if err != nil {
			task.MarkFailed(p.DB, fmt.Sprintf("Error processing/uploading last frame image: %v", err))
			return
		}
		if uri != "" {
			input.LastFrameURI, input.LastFrameMime = uri, mime
			task.LastFrameGcsUri = uri
			task.UpdateFields(p.DB, map[string]interface{}{"last_frame_gcs_uri": uri})
		}
	}

	opResult, err := veo.GenerateVideo(ctx, input)
	if err != nil {
		task.MarkFailed(p.DB, err.Error())
		log.Printf("Video generation failed for task %s: %v", task.ID, err)
		return
	}

	switch {
	case opResult.Error != nil:
		msg := opResult.Error.Message
		if msg == "" {
			msg = "Unknown error during Veo generation"
		}
		task.MarkFailed(p.DB, msg)
		log.Printf("Video generation failed for task %s: %s", task.ID, msg)

	case opResult.Response == nil:
		task.MarkFailed(p.DB, "Generation finished but no video URI found or unexpected result.")

	case opResult.Response.RaiMediaFilteredCount > 0:
		// 内容策略过滤是独立的失败原因，不能当成功处理
		reason := "RAI filtering."
		if len(opResult.Response.RaiMediaFilteredReasons) > 0 {
			reason = opResult.Response.RaiMediaFilteredReasons[0]
		}
		task.MarkFailed(p.DB, "Video generation failed due to RAI policy: "+reason)
		log.Printf("Task %s failed due to RAI filtering: %v", task.ID, opResult.Response.RaiMediaFilteredReasons)

	case opResult.VideoURI() == "":
		task.MarkFailed(p.DB, "Generation finished but no video URI or RAI failure reason found.")

	default:
		task.VideoGcsUri = NormalizeGCSURI(opResult.VideoURI())
		task.Status = models.TaskStatusCompleted
		task.UpdateFields(p.DB, map[string]interface{}{
			"video_gcs_uri": task.VideoGcsUri,
			"status":        models.TaskStatusCompleted,
		})
		log.Printf("Video generation completed for task %s. GCS URI: %s", task.ID, task.VideoGcsUri)

		// 远端成品已存在，本地落盘与缩略图只是尽力而为
		p.fetchArtifacts(ctx, task)
	}
}

// stageConditioningImage 把上传目录里的条件图推到远端。
// 文件在本地不存在时不视为错误（记日志后继续），与上传失败区分开。
func (p *Processor) stageConditioningImage(ctx context.Context, taskID, filename, bucket, rolePrefix string) (uri, mime string, err error) {
	fullPath := filepath.Join(config.AppConfig.UploadsDir(), filename)
	if _, statErr := os.Stat(fullPath); statErr != nil {
		log.Printf("Image file %s not found for task %s", filename, taskID)
		return "", "", nil
	}

	mime = imageMimeType(filename)
	objectName := fmt.Sprintf("%s/%s/%s", rolePrefix, taskID, filepath.Base(filename))
	uri, err = p.Storage.Upload(ctx, fullPath, bucket, objectName, mime)
	if err != nil {
		return "", "", err
	}
	log.Printf("Successfully uploaded image %s to %s", filename, uri)
	return uri, mime, nil
}

// fetchArtifacts 下载成片并截缩略图；失败不回退 completed，只追加诊断信息
func (p *Processor) fetchArtifacts(ctx context.Context, task *models.VideoTask) {
	videoFilename := task.ID + ".mp4"
	localVideoPath := filepath.Join(config.AppConfig.VideosDir(), videoFilename)

	if err := p.Storage.Download(ctx, task.VideoGcsUri, localVideoPath); err != nil {
		p.appendDiagnostic(task, "Download/Thumbnail failed: "+err.Error())
		return
	}
	task.LocalVideoPath = "/videos/" + videoFilename
	task.UpdateFields(p.DB, map[string]interface{}{"local_video_path": task.LocalVideoPath})
	log.Printf("Video for task %s downloaded successfully.", task.ID)

	thumbnailFilename := task.ID + ".jpg"
	localThumbnailPath := filepath.Join(config.AppConfig.ThumbnailsDir(), thumbnailFilename)
	if err := p.Media.ExtractThumbnail(ctx, localVideoPath, localThumbnailPath); err != nil {
		p.appendDiagnostic(task, "Download/Thumbnail failed: "+err.Error())
		return
	}
	task.LocalThumbnailPath = "/thumbnails/" + thumbnailFilename
	task.UpdateFields(p.DB, map[string]interface{}{"local_thumbnail_path": task.LocalThumbnailPath})
	log.Printf("Thumbnail for task %s generated successfully.", task.ID)
}

// appendDiagnostic 往 error_message 追加一条诊断，保留已有内容
func (p *Processor) appendDiagnostic(task *models.VideoTask, note string) {
	log.Printf("Task %s: %s", task.ID, note)
	msg := task.ErrorMessage
	if msg != "" {
		msg += "; "
	}
	msg += note
	task.ErrorMessage = msg
	task.UpdateFields(p.DB, map[string]interface{}{"error_message": msg})
}

// ============================================================================
// 合成视频
// ============================================================================

func (p *Processor) RunCompositeVideo(taskID string, clips []CompositeClip, musicFilePath string) {
	task, err := models.GetVideoTaskByID(p.DB, taskID)
	if err != nil {
		log.Printf("Composite task %s not found for processing: %v", taskID, err)
		return
	}

	if err := task.UpdateFields(p.DB, map[string]interface{}{"status": models.TaskStatusProcessing}); err != nil {
		log.Printf("标记 processing 失败: %v", err)
	}
	log.Printf("Starting composite video creation for task %s", task.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Exception during composite video creation for task %s: %v", task.ID, r)
			task.MarkFailed(p.DB, fmt.Sprintf("%v", r))
		}
	}()

	ctx := context.Background()

	// 配乐路径解析：只接受两类受管目录的相对路径
	absoluteMusicPath := ""
	if musicFilePath != "" {
		switch {
		case filepath.Dir(musicFilePath) == "/user_uploaded_music":
			absoluteMusicPath = filepath.Join(config.AppConfig.UserMusicDir(), filepath.Base(musicFilePath))
		case filepath.Dir(musicFilePath) == "/music":
			absoluteMusicPath = filepath.Join(config.AppConfig.MusicDir(), filepath.Base(musicFilePath))
		default:
			task.MarkFailed(p.DB, fmt.Sprintf("Invalid music file path prefix: %s", musicFilePath))
			return
		}
		if _, err := os.Stat(absoluteMusicPath); err != nil {
			task.MarkFailed(p.DB, fmt.Sprintf("Music file not found at %s", absoluteMusicPath))
			return
		}
		task.MusicFilePath = musicFilePath
		task.UpdateFields(p.DB, map[string]interface{}{"music_file_path": musicFilePath})
	}

	// 先整体校验再动手做媒体，任何一条不满足就整单失败
	var segments []Segment
	var totalDuration float64
	firstAspectRatio := "16:9"

	for i, clip := range clips {
		source, err := models.GetVideoTaskByID(p.DB, clip.TaskID)
		if err != nil {
			task.MarkFailed(p.DB, fmt.Sprintf("Source clip task %s not found.", clip.TaskID))
			return
		}
		if source.Status != models.TaskStatusCompleted || source.LocalVideoPath == "" {
			task.MarkFailed(p.DB, fmt.Sprintf(
				"Source clip task %s is not completed or has no local video path (%s, %s).",
				source.ID, source.Status, source.LocalVideoPath))
			return
		}
		clipPath := filepath.Join(config.AppConfig.VideosDir(), filepath.Base(source.LocalVideoPath))
		if _, err := os.Stat(clipPath); err != nil {
			task.MarkFailed(p.DB, fmt.Sprintf(
				"Local video file for clip task %s not found at %s.", source.ID, clipPath))
			return
		}

		if i == 0 {
			firstAspectRatio = source.AspectRatio
		}

		// 子区间解析：缺省起点 0、缺省时长取源任务记录值，终点钳到素材真实长度
		clipDuration, err := p.Media.ProbeDuration(ctx, clipPath)
		if err != nil {
			task.MarkFailed(p.DB, fmt.Sprintf("Probe clip %s failed: %v", source.ID, err))
			return
		}
		startOffset := 0.0
		if clip.StartOffsetSeconds != nil {
			startOffset = *clip.StartOffsetSeconds
		}
		segmentDuration := source.DurationSeconds
		if clip.DurationSeconds != nil {
			segmentDuration = *clip.DurationSeconds
		}

		actualDuration := resolveSegmentWindow(startOffset, segmentDuration, clipDuration)
		if actualDuration <= 0 {
			// 钳完为空的区间跳过该素材，不整单失败
			log.Printf("Clip %s resolves to empty segment, skipping.", source.ID)
			continue
		}
		segments = append(segments, Segment{Path: clipPath, Start: startOffset, Duration: actualDuration})
		totalDuration += actualDuration
	}

	if len(segments) == 0 {
		task.MarkFailed(p.DB, "No valid video clips found to concatenate.")
		return
	}

	// 合成片的记录时长 = 各段实际时长之和，画幅取首段
	task.DurationSeconds = totalDuration
	task.AspectRatio = firstAspectRatio
	task.UpdateFields(p.DB, map[string]interface{}{
		"duration_seconds": totalDuration,
		"aspect_ratio":     firstAspectRatio,
	})

	compositeFilename := task.ID + ".mp4"
	localVideoPath := filepath.Join(config.AppConfig.VideosDir(), compositeFilename)
	if err := p.Media.Composite(ctx, segments, absoluteMusicPath, localVideoPath); err != nil {
		task.MarkFailed(p.DB, err.Error())
		return
	}
	task.LocalVideoPath = "/videos/" + compositeFilename
	task.UpdateFields(p.DB, map[string]interface{}{"local_video_path": task.LocalVideoPath})
	log.Printf("Composite video for task %s saved locally to %s", task.ID, localVideoPath)

	bucket := ResolveBucket(task.GcsOutputBucket)
	if bucket != "" {
		objectName := fmt.Sprintf("composite_videos/%s/%s", task.ID, compositeFilename)
		uri, err := p.Storage.Upload(ctx, localVideoPath, bucket, objectName, "video/mp4")
		if err != nil {
			task.MarkFailed(p.DB, fmt.Sprintf("Upload composite video failed: %v", err))
			return
		}
		task.VideoGcsUri = uri
		task.UpdateFields(p.DB, map[string]interface{}{"video_gcs_uri": uri})
		log.Printf("Composite video for task %s uploaded to GCS: %s", task.ID, uri)
	} else {
		log.Printf("No GCS bucket configured for composite task %s. Skipping GCS upload.", task.ID)
	}

	thumbnailFilename := task.ID + ".jpg"
	localThumbnailPath := filepath.Join(config.AppConfig.ThumbnailsDir(), thumbnailFilename)
	if err := p.Media.ExtractThumbnail(ctx, localVideoPath, localThumbnailPath); err != nil {
		log.Printf("Failed to extract frame for composite thumbnail for task %s: %v", task.ID, err)
	} else {
		task.LocalThumbnailPath = "/thumbnails/" + thumbnailFilename
		task.UpdateFields(p.DB, map[string]interface{}{"local_thumbnail_path": task.LocalThumbnailPath})
	}

	task.Status = models.TaskStatusCompleted
	task.UpdateFields(p.DB, map[string]interface{}{"status": models.TaskStatusCompleted})
	log.Printf("Composite task %s completed successfully", task.ID)
}

// ============================================================================
// 音乐生成
// ============================================================================

func (p *Processor) RunMusicGeneration(taskID string) {
	task, err := models.GetMusicTaskByID(p.DB, taskID)
	if err != nil {
		log.Printf("Music task %s not found for processing: %v", taskID, err)
		return
	}

	if p.Music == nil {
		task.MarkFailed(p.DB, "Lyria client not initialized. Check vertex project_id or server logs.")
		log.Printf("Music task %s failed: Lyria client not initialized.", task.ID)
		return
	}

	if err := task.UpdateFields(p.DB, map[string]interface{}{"status": models.TaskStatusProcessing}); err != nil {
		log.Printf("标记 processing 失败: %v", err)
	}
	log.Printf("Starting music generation for task %s, prompt: '%s'", task.ID, task.Prompt)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Exception during music generation for task %s: %v", task.ID, r)
			task.MarkFailed(p.DB, fmt.Sprintf("%v", r))
		}
	}()

	scratchPath, err := p.Music.GenerateMusic(context.Background(), task.Prompt, task.NegativePrompt, task.Seed)
	if err != nil {
		task.MarkFailed(p.DB, err.Error())
		log.Printf("Music generation failed for task %s: %v", task.ID, err)
		return
	}
	if scratchPath == "" {
		task.MarkFailed(p.DB, "Music generation failed. See server logs for details from Lyria client.")
		log.Printf("Music generation failed for task %s as reported by Lyria client.", task.ID)
		return
	}
	if _, err := os.Stat(scratchPath); err != nil {
		// 客户端声称成功但文件拿不到，与上面的失败原因要能区分
		msg := fmt.Sprintf("Music generation reported success but file not found at %s.", scratchPath)
		task.MarkFailed(p.DB, msg)
		log.Printf("Music task %s failed: %s", task.ID, msg)
		return
	}

	// 原子 rename 挪进受管音乐目录，文件名带任务 id
	destinationFilename := fmt.Sprintf("%s_%s", task.ID, filepath.Base(scratchPath))
	destinationPath := filepath.Join(config.AppConfig.MusicDir(), destinationFilename)
	if err := os.Rename(scratchPath, destinationPath); err != nil {
		task.MarkFailed(p.DB, fmt.Sprintf("Move music file failed: %v", err))
		return
	}

	task.LocalMusicPath = "/music/" + destinationFilename
	task.Status = models.TaskStatusCompleted
	task.UpdateFields(p.DB, map[string]interface{}{
		"local_music_path": task.LocalMusicPath,
		"status":           models.TaskStatusCompleted,
	})
	log.Printf("Music generation completed for task %s. File saved to %s", task.ID, destinationPath)
}
