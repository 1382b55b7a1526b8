package storage

import (
	"context"
	"fmt"
	"time"

	"pmpsync/config"
	"pmpsync/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

// ObjectInfo 镜像中的一个对象
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// MinioMirror 把已提交的曲库文件异步镜像到 MinIO 存储桶
type MinioMirror struct {
	client *minio.Client
	bucket string
}

// NewMinioMirror 未配置 MINIO_ENDPOINT 时返回 nil, nil
func NewMinioMirror(ctx context.Context, cfg *config.Config) (*MinioMirror, error) {
	if cfg.MinioEndpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	m := &MinioMirror{client: client, bucket: cfg.MinioBucket}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info("minio mirror enabled",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))
	return m, nil
}

func (m *MinioMirror) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	logger.Info("created minio bucket", logger.String("bucket", m.bucket))
	return nil
}

func (m *MinioMirror) Bucket() string { return m.bucket }

// Put 上传本地文件，对象名即曲库文件名
func (m *MinioMirror) Put(ctx context.Context, name, path string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, name, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("镜像上传 %s 失败: %w", name, err)
	}
	return nil
}

// Remove 删除对象
func (m *MinioMirror) Remove(ctx context.Context, name string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("镜像删除 %s 失败: %w", name, err)
	}
	return nil
}

// List 列出存储桶中的全部对象
func (m *MinioMirror) List(ctx context.Context) ([]ObjectInfo, *BucketStats, error) {
	stats := &BucketStats{}
	var objects []ObjectInfo
	for object := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ETag:         object.ETag,
		})
	}
	return objects, stats, nil
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
