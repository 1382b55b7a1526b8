package cmd

import (
	"pmpsync/server"

	"github.com/spf13/cobra"
)

var (
	serverMessageAddr  string
	serverTransferAddr string
	serverLibraryDir   string
	serverPlaintext    bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动同步服务器",
	Long:  `启动 PMP 消息端口与 HTTP 传输端口，维护设备名单、动作日志与播放状态`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("listen") {
			cfg.MessageAddr = serverMessageAddr
		}
		if cmd.Flags().Changed("transfer") {
			cfg.TransferAddr = serverTransferAddr
		}
		if cmd.Flags().Changed("library") {
			cfg.LibraryDir = serverLibraryDir
		}
		if cmd.Flags().Changed("plaintext") {
			cfg.Plaintext = serverPlaintext
		}
		return server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVarP(&serverMessageAddr, "listen", "l", "", "消息端口监听地址，覆盖 PMP_MESSAGE_ADDR")
	serverCmd.Flags().StringVarP(&serverTransferAddr, "transfer", "t", "", "传输端口监听地址，覆盖 PMP_TRANSFER_ADDR")
	serverCmd.Flags().StringVar(&serverLibraryDir, "library", "", "曲库目录，覆盖 PMP_LIBRARY_DIR")
	serverCmd.Flags().BoolVar(&serverPlaintext, "plaintext", false, "不启用 TLS（仅用于本机调试），覆盖 PMP_PLAINTEXT")
}
