package models

import (
	"database/sql"
	"log"
	"time"

	"DreamerV-server/config"

	"github.com/glebarez/sqlite"
	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}

	var err error
	switch config.AppConfig.Database.Driver {
	case "mysql":
		// mysql 走 Native SQL + GORM 双通道，原生连接用于分页等手写查询
		db, errOpen := sql.Open("mysql", config.AppConfig.Database.DSN)
		if errOpen != nil {
			log.Fatalf("打开数据库失败: %v", errOpen)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
		if err := db.Ping(); err != nil {
			log.Fatalf("连接数据库失败: %v", err)
		}
		GormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: db}), &gorm.Config{})
	case "sqlite":
		GormDB, err = gorm.Open(sqlite.Open(config.AppConfig.Database.DSN), &gorm.Config{})
	default:
		log.Fatalf("不支持的数据库驱动: %s", config.AppConfig.Database.Driver)
	}
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	if DB == nil {
		DB, err = GormDB.DB()
		if err != nil {
			log.Fatalf("获取底层连接失败: %v", err)
		}
	}

	if err := Migrate(GormDB); err != nil {
		log.Fatalf("自动建表失败: %v", err)
	}
	log.Println("数据库连接成功 (Native SQL + GORM)")
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&VideoTask{}, &MusicTask{})
}
