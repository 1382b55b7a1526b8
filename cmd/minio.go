package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"pmpsync/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix string
	minioStats  bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "查看曲库镜像存储桶",
	Long:  `列出 MinIO 镜像存储桶中的曲库文件，或只显示统计信息。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.MinioEndpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT 未设置")
		}
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		mirror, err := storage.NewMinioMirror(ctx, cfg)
		if err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}

		objects, stats, err := mirror.List(ctx)
		if err != nil {
			return err
		}

		if !minioStats {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
			for _, o := range objects {
				if !strings.HasPrefix(o.Key, minioPrefix) {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", o.Key, storage.FormatSize(o.Size), o.LastModified.Format(time.RFC3339))
			}
			w.Flush()
		}
		fmt.Printf("\n共 %d 个对象, %s, 最后修改 %s\n",
			stats.TotalObjects, storage.FormatSize(stats.TotalSize), stats.LastModified.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "只显示存储桶统计信息")

	minioCmd.Example = `  # 列出所有文件
  pmpsync minio

  # 按前缀过滤文件
  pmpsync minio -p "Live"

  # 只显示统计信息
  pmpsync minio -s`
}
