package models

import (
	"fmt"
	"path"
	"strings"
	"time"

	"gorm.io/gorm"
)

// 任务状态（视频与音乐任务统一使用）
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// VideoTask 一行对应一次视频生成 / 合成任务
type VideoTask struct {
	ID                 string  `gorm:"primaryKey;type:varchar(36)" json:"task_id"`
	Prompt             string  `gorm:"type:varchar(1024)" json:"prompt"`
	Model              string  `gorm:"type:varchar(100)" json:"model"`
	AspectRatio        string  `gorm:"type:varchar(10)" json:"aspect_ratio"`
	CameraControl      string  `gorm:"type:varchar(50)" json:"camera_control"`
	DurationSeconds    float64 `json:"duration_seconds"`
	GcsOutputBucket    string  `gorm:"type:varchar(1024)" json:"gcs_output_bucket"`
	Status             string  `gorm:"type:varchar(50)" json:"status"`
	VideoGcsUri        string  `gorm:"type:varchar(1024)" json:"video_gcs_uri"`
	LocalVideoPath     string  `gorm:"type:varchar(1024)" json:"local_video_path"`
	LocalThumbnailPath string  `gorm:"type:varchar(1024)" json:"local_thumbnail_path"`
	ImageFilename      string  `gorm:"type:varchar(255)" json:"image_filename"`
	ImageGcsUri        string  `gorm:"type:varchar(1024)" json:"image_gcs_uri"`
	LastFrameFilename  string  `gorm:"type:varchar(255)" json:"last_frame_filename"`
	LastFrameGcsUri    string  `gorm:"type:varchar(1024)" json:"last_frame_gcs_uri"`
	// VideoUri 在续拍任务里指向被延长的源视频
	VideoUri      string    `gorm:"type:varchar(1024)" json:"video_uri"`
	GenerateAudio bool      `json:"generate_audio"`
	MusicFilePath string    `gorm:"type:varchar(1024)" json:"music_file_path"`
	ErrorMessage  string    `gorm:"type:varchar(1024)" json:"error_message"`
	User          string    `gorm:"type:varchar(255)" json:"user"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (VideoTask) TableName() string {
	return "video_task"
}

func CreateVideoTask(db *gorm.DB, t *VideoTask) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	return db.Create(t).Error
}

func GetVideoTaskByID(db *gorm.DB, taskID string) (*VideoTask, error) {
	var task VideoTask
	if err := db.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateFields 持久化部分字段，updated_at 每次都会刷新
func (t *VideoTask) UpdateFields(db *gorm.DB, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return db.Model(t).Updates(updates).Error
}

// MarkFailed 进入终态 failed 并记录错误信息
func (t *VideoTask) MarkFailed(db *gorm.DB, errMsg string) error {
	t.Status = TaskStatusFailed
	t.ErrorMessage = errMsg
	return t.UpdateFields(db, map[string]interface{}{
		"status":        TaskStatusFailed,
		"error_message": errMsg,
	})
}

func DeleteVideoTask(db *gorm.DB, t *VideoTask) error {
	return db.Delete(t).Error
}

// dbTime 兼容不同驱动的时间戳取值：mysql 未开 parseTime 时给 []byte，sqlite 给文本
type dbTime struct {
	time.Time
}

var dbTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(value interface{}) error {
	switch v := value.(type) {
	case time.Time:
		t.Time = v
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	case nil:
		t.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("无法解析时间戳: %T", value)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range dbTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("无法解析时间戳: %q", s)
}

// ListVideoTasks 分页查询；admin 可见全部，普通用户只看自己
func ListVideoTasks(user string, isAdmin bool, page, perPage int) ([]VideoTask, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 100
	}

	where := ""
	args := []interface{}{}
	if !isAdmin {
		where = " WHERE user = ?"
		args = append(args, user)
	}

	var total int
	if err := DB.QueryRow(`SELECT COUNT(*) FROM video_task`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, prompt, model, aspect_ratio, camera_control, duration_seconds,
        gcs_output_bucket, status, video_gcs_uri, local_video_path, local_thumbnail_path,
        image_filename, image_gcs_uri, last_frame_filename, last_frame_gcs_uri, video_uri,
        generate_audio, music_file_path, error_message, user, created_at, updated_at
        FROM video_task` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, perPage, (page-1)*perPage)

	rows, err := DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []VideoTask
	for rows.Next() {
		var t VideoTask
		var createdAt, updatedAt dbTime
		if err := rows.Scan(&t.ID, &t.Prompt, &t.Model, &t.AspectRatio, &t.CameraControl,
			&t.DurationSeconds, &t.GcsOutputBucket, &t.Status, &t.VideoGcsUri, &t.LocalVideoPath,
			&t.LocalThumbnailPath, &t.ImageFilename, &t.ImageGcsUri, &t.LastFrameFilename,
			&t.LastFrameGcsUri, &t.VideoUri, &t.GenerateAudio, &t.MusicFilePath,
			&t.ErrorMessage, &t.User, &createdAt, &updatedAt); err != nil {
			return nil, 0, err
		}
		t.CreatedAt = createdAt.Time
		t.UpdatedAt = updatedAt.Time
		tasks = append(tasks, t)
	}

	totalPages := (total + perPage - 1) / perPage
	return tasks, totalPages, rows.Err()
}

// ToDict 序列化为 API 响应结构，gs:// URI 同时给出 HTTP 访问形式
func (t *VideoTask) ToDict() map[string]interface{} {
	videoURLHTTP := ""
	if strings.HasPrefix(t.VideoGcsUri, "gs://") {
		videoURLHTTP = strings.Replace(t.VideoGcsUri, "gs://", "https://storage.cloud.google.com/", 1)
	} else {
		videoURLHTTP = t.VideoGcsUri
	}

	originalImagePath := ""
	if t.ImageFilename != "" {
		originalImagePath = "/uploads/" + path.Base(t.ImageFilename)
	}
	originalLastFramePath := ""
	if t.LastFrameFilename != "" {
		originalLastFramePath = "/uploads/" + path.Base(t.LastFrameFilename)
	}

	return map[string]interface{}{
		"task_id":                  t.ID,
		"prompt":                   t.Prompt,
		"model":                    t.Model,
		"status":                   t.Status,
		"camera_control":           t.CameraControl,
		"video_gcs_uri":            t.VideoGcsUri,
		"video_uri":                t.VideoUri,
		"video_url_http":           videoURLHTTP,
		"local_video_path":         t.LocalVideoPath,
		"local_thumbnail_path":     t.LocalThumbnailPath,
		"image_filename":           t.ImageFilename,
		"original_image_path":      originalImagePath,
		"image_gcs_uri":            t.ImageGcsUri,
		"original_last_frame_path": originalLastFramePath,
		"last_frame_gcs_uri":       t.LastFrameGcsUri,
		"error_message":            t.ErrorMessage,
		"created_at":               t.CreatedAt,
		"updated_at":               t.UpdatedAt,
		"aspect_ratio":             t.AspectRatio,
		"duration_seconds":         t.DurationSeconds,
		"gcs_output_bucket":        t.GcsOutputBucket,
		"user":                     t.User,
		"generate_audio":           t.GenerateAudio,
		"music_file_path":          t.MusicFilePath,
	}
}
