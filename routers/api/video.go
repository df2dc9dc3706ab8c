package api

import (
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"DreamerV-server/config"
	"DreamerV-server/models"
	"DreamerV-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var allowedImageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
}

// saveUploadedImage 把表单里的条件图落到上传目录，文件名用 uuid 防冲突。
// 扩展名不在白名单直接丢弃（返回空文件名，不报错），与整体请求成功与否解耦。
func saveUploadedImage(c *gin.Context, file *multipart.FileHeader, role string) (string, error) {
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedImageExtensions[ext] {
		log.Printf("Rejected %s upload with extension %q", role, ext)
		return "", nil
	}
	filename := fmt.Sprintf("%s_%s%s", uuid.NewString(), role, ext)
	savePath := filepath.Join(config.AppConfig.UploadsDir(), filename)
	if err := c.SaveUploadedFile(file, savePath); err != nil {
		return "", err
	}
	log.Printf("Saved uploaded %s to: %s", role, savePath)
	return filename, nil
}

// 发起视频生成：POST /api/generate-video (multipart form)
func GenerateVideo(c *gin.Context) {
	prompt := c.PostForm("prompt")
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Prompt is required"})
		return
	}

	model := c.DefaultPostForm("model", config.AppConfig.Vertex.DefaultVideoModel)
	aspectRatio := c.DefaultPostForm("ratio", "16:9")
	cameraControl := c.DefaultPostForm("camera_control", "FIXED")
	duration, err := strconv.Atoi(c.DefaultPostForm("duration", "5"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration must be an integer"})
		return
	}
	gcsOutputBucket := c.PostForm("gcs_output_bucket")
	generateAudio := strings.EqualFold(c.PostForm("generateAudio"), "true")

	imageFilename := ""
	if file, err := c.FormFile("image_file"); err == nil {
		imageFilename, err = saveUploadedImage(c, file, "image")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "保存上传图片失败: " + err.Error()})
			return
		}
	}
	lastFrameFilename := ""
	if file, err := c.FormFile("last_frame_file"); err == nil {
		lastFrameFilename, err = saveUploadedImage(c, file, "last_frame")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "保存上传尾帧失败: " + err.Error()})
			return
		}
	}

	task := &models.VideoTask{
		ID:                uuid.NewString(),
		Prompt:            prompt,
		Model:             model,
		AspectRatio:       aspectRatio,
		CameraControl:     cameraControl,
		DurationSeconds:   float64(duration),
		GcsOutputBucket:   gcsOutputBucket,
		Status:            models.TaskStatusPending,
		ImageFilename:     imageFilename,
		LastFrameFilename: lastFrameFilename,
		GenerateAudio:     generateAudio,
		User:              userEmail(c),
	}
	if err := service.Dispatch.SubmitVideoGeneration(task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Video generation started", "task_id": task.ID})
}

// 续写已有视频：POST /api/extend-video/:task_id
// 续写走专门的模型与时长配置，画幅与运镜沿用原任务
func ExtendVideo(c *gin.Context) {
	originalTask, err := models.GetVideoTaskByID(models.GormDB, c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Original task not found"})
		return
	}
	if originalTask.VideoGcsUri == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Original task does not have a video GCS URI to extend"})
		return
	}

	prompt := c.DefaultPostForm("prompt", originalTask.Prompt)
	gcsOutputBucket := c.PostForm("gcs_output_bucket")
	if gcsOutputBucket == "" {
		gcsOutputBucket = originalTask.GcsOutputBucket
	}

	// 身份回退链：请求头 → 原任务归属 → 公共身份
	owner := rawUserEmail(c)
	if owner == "" {
		owner = originalTask.User
	}
	if owner == "" {
		owner = publicUserEmail
	}

	task := &models.VideoTask{
		ID:              uuid.NewString(),
		Prompt:          prompt,
		Model:           config.AppConfig.Vertex.ExtensionModel,
		AspectRatio:     originalTask.AspectRatio,
		CameraControl:   originalTask.CameraControl,
		DurationSeconds: float64(config.AppConfig.Vertex.ExtensionDuration),
		GcsOutputBucket: gcsOutputBucket,
		Status:          models.TaskStatusPending,
		VideoUri:        originalTask.VideoGcsUri,
		User:            owner,
	}
	if err := service.Dispatch.SubmitVideoGeneration(task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Video extension started", "task_id": task.ID})
}

// 合成视频请求体
type compositeVideoRequest struct {
	Clips           []service.CompositeClip `json:"clips"`
	Prompt          string                  `json:"prompt"`
	MusicFilePath   string                  `json:"music_file_path"`
	GcsOutputBucket string                  `json:"gcs_output_bucket"`
}

// 片段拼接：POST /api/create_composite_video (json)
func CreateCompositeVideo(c *gin.Context) {
	var req compositeVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Clips) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A non-empty list of 'clips' (each with a 'task_id') is required"})
		return
	}
	for _, clip := range req.Clips {
		if clip.TaskID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Each clip in the 'clips' list must have a 'task_id'"})
			return
		}
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = "Composite video from selected clips"
	}

	task := &models.VideoTask{
		ID:              uuid.NewString(),
		Prompt:          prompt,
		Model:           config.AppConfig.Vertex.DefaultVideoModel,
		Status:          models.TaskStatusPending,
		GcsOutputBucket: req.GcsOutputBucket,
		MusicFilePath:   req.MusicFilePath,
		User:            userEmail(c),
	}
	if err := service.Dispatch.SubmitCompositeVideo(task, req.Clips, req.MusicFilePath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Composite video creation started", "task_id": task.ID})
}
