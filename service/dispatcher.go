package service

import (
	"context"
	"log"

	"DreamerV-server/models"

	"gorm.io/gorm"
)

// Dispatch 进程内任务派发器的全局句柄，由 InitDispatcher 赋值
var Dispatch *Dispatcher

// Dispatcher 先落 pending 记录再起 goroutine 跑任务。
// 任务不落队列，进程退出即丢失，由前端轮询补偿。
type Dispatcher struct {
	db        *gorm.DB
	processor *Processor
}

func InitDispatcher(db *gorm.DB) {
	tokens, err := NewTokenProvider(context.Background())
	if err != nil {
		// 凭据缺失不阻止启动：生成类任务会以明确的错误信息失败
		log.Printf("Token provider unavailable, generation jobs will fail: %v", err)
		tokens = nil
	}
	Dispatch = &Dispatcher{
		db:        db,
		processor: NewProcessor(db, tokens),
	}
}

func (d *Dispatcher) Processor() *Processor {
	return d.processor
}

// MusicReady 返回音乐生成通道是否可用（凭据齐全）
func (d *Dispatcher) MusicReady() bool {
	return d.processor.Music != nil
}

// SubmitVideoGeneration 持久化任务记录后异步开跑，立即返回任务 id
func (d *Dispatcher) SubmitVideoGeneration(task *models.VideoTask) error {
	if err := models.CreateVideoTask(d.db, task); err != nil {
		return err
	}
	log.Printf("接受视频生成任务: %s", task.ID)
	go d.processor.RunVideoGeneration(task.ID)
	return nil
}

// SubmitCompositeVideo 持久化合成任务后异步开跑
func (d *Dispatcher) SubmitCompositeVideo(task *models.VideoTask, clips []CompositeClip, musicFilePath string) error {
	if err := models.CreateVideoTask(d.db, task); err != nil {
		return err
	}
	log.Printf("接受合成视频任务: %s (%d 段素材)", task.ID, len(clips))
	go d.processor.RunCompositeVideo(task.ID, clips, musicFilePath)
	return nil
}

// SubmitMusicGeneration 持久化音乐任务后异步开跑
func (d *Dispatcher) SubmitMusicGeneration(task *models.MusicTask) error {
	if err := models.CreateMusicTask(d.db, task); err != nil {
		return err
	}
	log.Printf("接受音乐生成任务: %s", task.ID)
	go d.processor.RunMusicGeneration(task.ID)
	return nil
}
