package service

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"DreamerV-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const gcsHTTPPrefix = "https://storage.cloud.google.com/"

// ObjectStorage 远端对象存储的接口，任务执行器只依赖这两个操作
type ObjectStorage interface {
	Upload(ctx context.Context, localPath, bucket, objectName, contentType string) (string, error)
	Download(ctx context.Context, gcsURI, localPath string) error
}

var GCSClient *minio.Client

// InitGCS 初始化对象存储连接（通过 S3 兼容接口访问 GCS），在 main.go 中调用
func InitGCS() {
	cfg := config.AppConfig.GCS
	var err error
	GCSClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatalf("对象存储初始化失败: %v", err)
	}
	log.Println("对象存储连接成功")
}

// gcsStore 基于 minio 客户端的 ObjectStorage 实现
type gcsStore struct {
	client *minio.Client
}

func NewGCSStore() ObjectStorage {
	return &gcsStore{client: GCSClient}
}

// Upload 上传本地文件，返回 gs:// 形式的对象 URI
func (s *gcsStore) Upload(ctx context.Context, localPath, bucket, objectName, contentType string) (string, error) {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err == nil && !exists {
		log.Printf("Bucket '%s' 不存在，上传可能失败", bucket)
	}

	if contentType == "" {
		contentType = contentTypeForObject(objectName)
	}
	_, err = s.client.FPutObject(ctx, bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("上传对象失败: %w", err)
	}

	uri := fmt.Sprintf("gs://%s/%s", bucket, objectName)
	log.Printf("文件已上传: %s", uri)
	return uri, nil
}

// Download 把 gs:// URI 指向的对象下载到本地
func (s *gcsStore) Download(ctx context.Context, gcsURI, localPath string) error {
	bucket, objectName, err := ParseGCSURI(gcsURI)
	if err != nil {
		return err
	}
	if err := s.client.FGetObject(ctx, bucket, objectName, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("下载对象失败: %w", err)
	}
	return nil
}

// NormalizeGCSURI 把 HTTPS 访问形式折叠回 gs:// 规范形式，其他 URI 原样返回
func NormalizeGCSURI(uri string) string {
	if strings.HasPrefix(uri, gcsHTTPPrefix) {
		return "gs://" + strings.TrimPrefix(uri, gcsHTTPPrefix)
	}
	return uri
}

// ParseGCSURI 拆出 bucket 与对象名
func ParseGCSURI(uri string) (bucket, objectName string, err error) {
	normalized := NormalizeGCSURI(uri)
	if !strings.HasPrefix(normalized, "gs://") {
		return "", "", fmt.Errorf("不是合法的 gs:// URI: %s", uri)
	}
	rest := strings.TrimPrefix(normalized, "gs://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("不是合法的 gs:// URI: %s", uri)
	}
	return parts[0], parts[1], nil
}

// ResolveBucket 取任务覆盖桶，否则用默认桶；统一去掉 gs:// 前缀
func ResolveBucket(taskBucket string) string {
	bucket := taskBucket
	if bucket == "" {
		bucket = config.AppConfig.GCS.OutputBucket
	}
	bucket = strings.TrimPrefix(bucket, "gs://")
	return strings.TrimSuffix(bucket, "/")
}

// 根据扩展名确定 ContentType
func contentTypeForObject(objectName string) string {
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}
	return "application/octet-stream"
}
