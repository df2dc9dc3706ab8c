package api

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"DreamerV-server/config"
	"DreamerV-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 查询/管理修正任务状态：GET|POST /api/task-status/:task_id
// POST 是管理侧的最后写入生效覆盖，不做冲突检测
func TaskStatus(c *gin.Context) {
	task, err := models.GetVideoTaskByID(models.GormDB, c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	if c.Request.Method == http.MethodPost {
		var payload struct {
			Status       *string `json:"status"`
			ErrorMessage *string `json:"error_message"`
		}
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updates := map[string]interface{}{}
		if payload.Status != nil {
			updates["status"] = *payload.Status
		}
		if payload.ErrorMessage != nil {
			updates["error_message"] = *payload.ErrorMessage
		}
		if err := task.UpdateFields(models.GormDB, updates); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "更新任务失败: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Task status updated successfully"})
		return
	}

	c.JSON(http.StatusOK, task.ToDict())
}

// 任务列表：GET /api/tasks?page=&per_page=
// 普通用户只看自己的任务，配置的管理员身份看全量
func ListTasks(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "100"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 100
	}

	currentUser := userEmail(c)
	isAdmin := config.AppConfig.AdminEmail != "" && currentUser == config.AppConfig.AdminEmail
	if isAdmin {
		log.Printf("Admin user %s requesting all tasks.", currentUser)
	} else {
		log.Printf("User %s requesting their tasks.", currentUser)
	}

	tasks, totalPages, err := models.ListVideoTasks(currentUser, isAdmin, page, perPage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询任务列表失败: " + err.Error()})
		return
	}

	dicts := make([]map[string]interface{}, 0, len(tasks))
	for i := range tasks {
		dicts = append(dicts, tasks[i].ToDict())
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":        dicts,
		"total_pages":  totalPages,
		"current_page": page,
	})
}

// removeTaskFile 尽力删除受管目录下的文件，失败只记日志
func removeTaskFile(dir, relPath, label string) {
	if relPath == "" {
		return
	}
	fullPath := filepath.Join(dir, filepath.Base(relPath))
	if err := os.Remove(fullPath); err != nil {
		log.Printf("%s not found for deletion: %s", label, fullPath)
		return
	}
	log.Printf("Deleted %s: %s", label, fullPath)
}

// 删除任务及本地产物：DELETE /api/task/:task_id
func DeleteTask(c *gin.Context) {
	task, err := models.GetVideoTaskByID(models.GormDB, c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	removeTaskFile(config.AppConfig.VideosDir(), task.LocalVideoPath, "local video file")
	removeTaskFile(config.AppConfig.ThumbnailsDir(), task.LocalThumbnailPath, "local thumbnail file")
	removeTaskFile(config.AppConfig.UploadsDir(), task.ImageFilename, "uploaded image file")
	removeTaskFile(config.AppConfig.UploadsDir(), task.LastFrameFilename, "uploaded last frame image file")

	if err := models.DeleteVideoTask(models.GormDB, task); err != nil {
		log.Printf("Error deleting task %s: %v", task.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete task: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task and associated files deleted successfully"})
}

// 任务进度 WebSocket 推送：升级连接后轮询 DB，有变化才推，终态推完即关
func TaskProgressWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	task, err := models.GetVideoTaskByID(models.GormDB, taskID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "task not found: " + err.Error()})
		return
	}
	_ = conn.WriteJSON(task.ToDict())

	// 推送循环只写不读，客户端挂断要靠读协程感知，否则非终态任务会一直轮询下去
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	streamTaskStatus(conn, task, disconnected)
}

type progressConn interface {
	WriteJSON(v interface{}) error
}

// streamTaskStatus 每秒轮询任务行，有变化才推；任务到终态或对端断开即返回
func streamTaskStatus(conn progressConn, task *models.VideoTask, disconnected <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prevStatus := task.Status
	prevError := task.ErrorMessage

	for {
		select {
		case <-disconnected:
			return
		case <-ticker.C:
		}

		cur, err := models.GetVideoTaskByID(models.GormDB, task.ID)
		if err != nil {
			// 查询失败继续重试，任务可能正被别的写入方持有
			continue
		}

		if cur.Status != prevStatus || cur.ErrorMessage != prevError {
			if err := conn.WriteJSON(cur.ToDict()); err != nil {
				return
			}
			prevStatus = cur.Status
			prevError = cur.ErrorMessage
		}

		if cur.Status == models.TaskStatusCompleted || cur.Status == models.TaskStatusFailed {
			_ = conn.WriteJSON(cur.ToDict())
			return
		}
	}
}
