package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"pmpsync/client"
	"pmpsync/db"
	"pmpsync/logger"
	"pmpsync/model"
	"pmpsync/storage"

	"github.com/spf13/cobra"
)

var (
	clientServerHost string
	clientLibraryDir string
	clientPassword   string
	clientPlaintext  bool
	clientInsecure   bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "以设备身份连接服务器并保持曲库同步",
	Long: `连接同步服务器，回放错过的动作并对账本地曲库，之后持续同步。
首次登录需要 --password（或 PMP_SERVER_PASSWORD），之后使用保存的设备令牌。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withClient(cmd, func(c *client.Client) error {
			logger.Info("client starting",
				logger.String("server", cfg.ServerHost),
				logger.String("device", cfg.DeviceName),
				logger.String("library", cfg.LibraryDir))
			if err := c.Run(ctx); err != nil {
				return err
			}
			logger.Info("client stopped")
			return nil
		})
	},
}

var clientImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "把文件复制进本地曲库并排队上传",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *client.Client) error {
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				err = c.Import(cmd.Context(), filepath.Base(path), f)
				f.Close()
				if err != nil {
					return fmt.Errorf("导入 %s 失败: %w", path, err)
				}
				fmt.Printf("已排队: %s\n", filepath.Base(path))
			}
			return nil
		})
	},
}

var clientRemoveCmd = &cobra.Command{
	Use:   "remove <name>...",
	Short: "从本地曲库删除文件并排队同步删除",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *client.Client) error {
			for _, name := range args {
				if err := c.Remove(cmd.Context(), name); err != nil {
					return fmt.Errorf("删除 %s 失败: %w", name, err)
				}
				fmt.Printf("已排队: %s\n", name)
			}
			return nil
		})
	},
}

var clientQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "显示尚未处理的入站与出站动作",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *client.Client) error {
			in, out, err := c.Pending(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tTYPE\tFILE\tACTION ID")
			for _, list := range [][]*model.QueueEntry{in, out} {
				for _, e := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", e.Queue, e.Type, e.Filename, e.ActionID)
				}
			}
			return w.Flush()
		})
	},
}

// withClient applies the client flags, opens local state and builds a client.
func withClient(cmd *cobra.Command, fn func(c *client.Client) error) error {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerHost = clientServerHost
	}
	if flags.Changed("library") {
		cfg.LibraryDir = clientLibraryDir
	}
	if flags.Changed("insecure") {
		cfg.TLSInsecure = clientInsecure
	}
	password := clientPassword
	if password == "" {
		password = os.Getenv("PMP_SERVER_PASSWORD")
	}

	gdb, err := db.ConnectClientDB(cfg)
	if err != nil {
		return err
	}
	defer db.CloseGormDB(gdb)

	lib, err := storage.NewLibrary(cfg.LibraryDir)
	if err != nil {
		return err
	}

	c, err := client.New(client.Options{
		Config:    cfg,
		DB:        gdb,
		Library:   lib,
		Password:  password,
		Plaintext: clientPlaintext || cfg.Plaintext,
	})
	if err != nil {
		return err
	}
	return fn(c)
}

func init() {
	rootCmd.AddCommand(clientCmd)
	clientCmd.AddCommand(clientImportCmd, clientRemoveCmd, clientQueueCmd)

	flags := clientCmd.PersistentFlags()
	flags.StringVarP(&clientServerHost, "server", "s", "", "服务器主机名，覆盖 PMP_SERVER_HOST")
	flags.StringVar(&clientLibraryDir, "library", "", "本地曲库目录，覆盖 PMP_LIBRARY_DIR")
	flags.StringVarP(&clientPassword, "password", "p", "", "服务器密码，仅首次登录需要")
	flags.BoolVar(&clientPlaintext, "plaintext", false, "服务器未启用 TLS")
	flags.BoolVarP(&clientInsecure, "insecure", "k", false, "跳过证书校验，覆盖 PMP_TLS_INSECURE")
}
