package routers

import (
	"DreamerV-server/config"
	"DreamerV-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()

	// 媒体产物按角色目录静态托管
	r.Static("/videos", config.AppConfig.VideosDir())
	r.Static("/thumbnails", config.AppConfig.ThumbnailsDir())
	r.Static("/uploads", config.AppConfig.UploadsDir())
	r.Static("/user_uploaded_music", config.AppConfig.UserMusicDir())

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/generate-video", api.GenerateVideo)
		apiGroup.POST("/extend-video/:task_id", api.ExtendVideo)
		apiGroup.POST("/create_composite_video", api.CreateCompositeVideo)

		apiGroup.GET("/task-status/:task_id", api.TaskStatus)
		apiGroup.POST("/task-status/:task_id", api.TaskStatus)
		apiGroup.GET("/tasks", api.ListTasks)
		apiGroup.DELETE("/task/:task_id", api.DeleteTask)

		apiGroup.POST("/upload_music", api.UploadMusic)
		apiGroup.POST("/generate-music", api.GenerateMusic)
		apiGroup.GET("/music-task-status/:task_id", api.MusicTaskStatus)
		apiGroup.GET("/music-tasks", api.ListMusicTasks)
		apiGroup.GET("/music/:filename", api.ServeMusic)
		apiGroup.DELETE("/music-task/:task_id", api.DeleteMusicTask)

		apiGroup.GET("/user-info", api.UserInfo)
		apiGroup.GET("/health", api.HealthCheck)
	}

	r.GET("/tasks/:task_id/wss", api.TaskProgressWebSocket)

	return r
}
