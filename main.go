package main

import (
	"fmt"

	"DreamerV-server/config"
	"DreamerV-server/models"
	"DreamerV-server/routers"
	"DreamerV-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)

	models.InitDB()
	fmt.Println("Database initialized")

	service.InitGCS()
	fmt.Println("GCS initialized")

	service.InitDispatcher(models.GormDB)
	fmt.Println("Dispatcher initialized")

	r := routers.InitRouter()
	r.Run(config.AppConfig.Server.Port)
}
