package models

import (
	"path"
	"time"

	"gorm.io/gorm"
)

// MusicTask 一行对应一次音乐生成任务
type MusicTask struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"task_id"`
	Prompt         string    `gorm:"type:varchar(1024)" json:"prompt"`
	NegativePrompt string    `gorm:"type:varchar(1024)" json:"negative_prompt"`
	Seed           *int      `json:"seed"`
	Status         string    `gorm:"type:varchar(50)" json:"status"`
	LocalMusicPath string    `gorm:"type:varchar(1024)" json:"local_music_path"`
	ErrorMessage   string    `gorm:"type:varchar(1024)" json:"error_message"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (MusicTask) TableName() string {
	return "music_task"
}

func CreateMusicTask(db *gorm.DB, t *MusicTask) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	return db.Create(t).Error
}

func GetMusicTaskByID(db *gorm.DB, taskID string) (*MusicTask, error) {
	var task MusicTask
	if err := db.First(&task, "id = ?", taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (t *MusicTask) UpdateFields(db *gorm.DB, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return db.Model(t).Updates(updates).Error
}

func (t *MusicTask) MarkFailed(db *gorm.DB, errMsg string) error {
	t.Status = TaskStatusFailed
	t.ErrorMessage = errMsg
	return t.UpdateFields(db, map[string]interface{}{
		"status":        TaskStatusFailed,
		"error_message": errMsg,
	})
}

func DeleteMusicTask(db *gorm.DB, t *MusicTask) error {
	return db.Delete(t).Error
}

// ListMusicTasks 按创建时间倒序取最近 limit 条
func ListMusicTasks(db *gorm.DB, limit int) ([]MusicTask, error) {
	var tasks []MusicTask
	err := db.Order("created_at DESC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

func (t *MusicTask) ToDict() map[string]interface{} {
	musicURL := ""
	if t.LocalMusicPath != "" {
		// local_music_path 形如 "/music/filename.wav"
		musicURL = "/api/music/" + path.Base(t.LocalMusicPath)
	}
	return map[string]interface{}{
		"task_id":          t.ID,
		"prompt":           t.Prompt,
		"negative_prompt":  t.NegativePrompt,
		"seed":             t.Seed,
		"status":           t.Status,
		"local_music_path": t.LocalMusicPath,
		"music_url_http":   musicURL,
		"error_message":    t.ErrorMessage,
		"created_at":       t.CreatedAt,
		"updated_at":       t.UpdatedAt,
	}
}
