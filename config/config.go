package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"` // mysql 或 sqlite
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	GCS struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		UseSSL    bool   `yaml:"use_ssl"`
		// 默认输出桶，允许带 gs:// 前缀（任务可单独覆盖）
		OutputBucket string `yaml:"output_bucket"`
	} `yaml:"gcs"`
	Vertex struct {
		ProjectID         string `yaml:"project_id"`
		Location          string `yaml:"location"`
		DefaultVideoModel string `yaml:"default_video_model"`
		// 续拍视频所用模型与时长。原先在代码里写死，这里改为配置项。
		ExtensionModel    string `yaml:"extension_model"`
		ExtensionDuration int    `yaml:"extension_duration"`
	} `yaml:"vertex"`
	Media struct {
		DataDir    string `yaml:"data_dir"`
		FFmpegBin  string `yaml:"ffmpeg_bin"`
		FFprobeBin string `yaml:"ffprobe_bin"`
	} `yaml:"media"`
	AdminEmail string `yaml:"admin_email"`
}

// 各类媒体文件的存放目录，均派生自 data_dir
func (c *Config) VideosDir() string     { return filepath.Join(c.Media.DataDir, "videos") }
func (c *Config) ThumbnailsDir() string { return filepath.Join(c.Media.DataDir, "thumbnails") }
func (c *Config) UploadsDir() string    { return filepath.Join(c.Media.DataDir, "uploads") }

// MusicDir 是任务管理的音乐目录；ScratchMusicDir 是 Lyria 客户端的私有落盘目录，
// 生成完成后由任务执行器把文件 rename 到 MusicDir。
func (c *Config) MusicDir() string        { return filepath.Join(c.Media.DataDir, "music") }
func (c *Config) ScratchMusicDir() string { return filepath.Join(c.Media.DataDir, "generated_music") }
func (c *Config) UserMusicDir() string    { return filepath.Join(c.Media.DataDir, "user_uploaded_music") }

var AppConfig *Config

// LoadConfig 从指定路径读取配置并补默认值
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if !strings.HasPrefix(c.Server.Port, ":") {
		c.Server.Port = ":" + c.Server.Port
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = filepath.Join("data", "tasks.db")
	}
	if c.GCS.Endpoint == "" {
		c.GCS.Endpoint = "storage.googleapis.com"
	}
	if c.Vertex.Location == "" {
		c.Vertex.Location = "us-central1"
	}
	if c.Vertex.DefaultVideoModel == "" {
		c.Vertex.DefaultVideoModel = "veo-2.0-generate-001"
	}
	if c.Vertex.ExtensionModel == "" {
		c.Vertex.ExtensionModel = "veo-2.0-generate-exp"
	}
	if c.Vertex.ExtensionDuration == 0 {
		c.Vertex.ExtensionDuration = 6
	}
	if c.Media.DataDir == "" {
		c.Media.DataDir = "data"
	}
	if c.Media.FFmpegBin == "" {
		c.Media.FFmpegBin = "ffmpeg"
	}
	if c.Media.FFprobeBin == "" {
		c.Media.FFprobeBin = "ffprobe"
	}
	if c.AdminEmail == "" {
		c.AdminEmail = "iamsuperuser-2282@dreamer-v.io"
	}
}

// EnsureDirs 创建所有媒体目录
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.Media.DataDir,
		c.VideosDir(),
		c.ThumbnailsDir(),
		c.UploadsDir(),
		c.MusicDir(),
		c.ScratchMusicDir(),
		c.UserMusicDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func InitConfig() {
	cfg, err := LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("创建媒体目录失败: %v", err)
	}
	AppConfig = cfg
}
