package api

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"DreamerV-server/config"
	"DreamerV-server/models"
	"DreamerV-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 上传配乐大小上限
const maxMusicFileSize = 10 * 1024 * 1024

var allowedMusicExtensions = map[string]bool{
	".mp3": true, ".wav": true,
}

// 上传配乐：POST /api/upload_music (multipart form, field=music_file)
func UploadMusic(c *gin.Context) {
	file, err := c.FormFile("music_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No music_file part in the request"})
		return
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No selected file"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedMusicExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File type not allowed. Allowed types: mp3, wav"})
		return
	}
	if file.Size > maxMusicFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("File exceeds maximum size of %dMB", maxMusicFileSize/(1024*1024)),
		})
		return
	}

	filename := uuid.NewString() + ext
	savePath := filepath.Join(config.AppConfig.UserMusicDir(), filename)
	if err := c.SaveUploadedFile(file, savePath); err != nil {
		log.Printf("Error saving uploaded music file: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save music file on server"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":  "Music uploaded successfully",
		"filePath": "/user_uploaded_music/" + filename,
	})
}

// 发起音乐生成：POST /api/generate-music (json)
func GenerateMusic(c *gin.Context) {
	if service.Dispatch == nil || !service.Dispatch.MusicReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Music generation service is not available. Check server configuration.",
		})
		return
	}

	var req struct {
		Prompt         string `json:"prompt"`
		NegativePrompt string `json:"negative_prompt"`
		Seed           *int   `json:"seed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Prompt is required in JSON body"})
		return
	}

	task := &models.MusicTask{
		ID:             uuid.NewString(),
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           req.Seed,
		Status:         models.TaskStatusPending,
	}
	if err := service.Dispatch.SubmitMusicGeneration(task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建任务失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Music generation started", "task_id": task.ID})
}

// 查询音乐任务：GET /api/music-task-status/:task_id
func MusicTaskStatus(c *gin.Context) {
	task, err := models.GetMusicTaskByID(models.GormDB, c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Music task not found"})
		return
	}
	c.JSON(http.StatusOK, task.ToDict())
}

// 音乐任务列表（最近 50 条）：GET /api/music-tasks
func ListMusicTasks(c *gin.Context) {
	tasks, err := models.ListMusicTasks(models.GormDB, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询音乐任务失败: " + err.Error()})
		return
	}
	dicts := make([]map[string]interface{}, 0, len(tasks))
	for i := range tasks {
		dicts = append(dicts, tasks[i].ToDict())
	}
	c.JSON(http.StatusOK, dicts)
}

// 下载生成的音乐：GET /api/music/:filename
func ServeMusic(c *gin.Context) {
	// filepath.Base 防目录穿越
	filename := filepath.Base(c.Param("filename"))
	if filename == "." || filename == "/" || filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
		return
	}
	fullPath := filepath.Join(config.AppConfig.MusicDir(), filename)
	if _, err := os.Stat(fullPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.File(fullPath)
}

// 删除音乐任务及文件：DELETE /api/music-task/:task_id
func DeleteMusicTask(c *gin.Context) {
	task, err := models.GetMusicTaskByID(models.GormDB, c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Music task not found"})
		return
	}

	removeTaskFile(config.AppConfig.MusicDir(), task.LocalMusicPath, "local music file")

	if err := models.DeleteMusicTask(models.GormDB, task); err != nil {
		log.Printf("Error deleting music task %s: %v", task.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete music task: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Music task and associated file deleted successfully"})
}
