package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"pmpsync/cache"
	"pmpsync/db"
	"pmpsync/repository"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "列出已登记的设备",
	Long:  `读取服务器数据库中的设备名单；配置了 Redis 时同时显示在线状态。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		gdb, err := db.ConnectGormDB(cfg)
		if err != nil {
			return err
		}
		defer db.CloseGormDB(gdb)

		devices, err := repository.NewGormDeviceRepository(gdb).List(ctx)
		if err != nil {
			return err
		}

		rdb, err := db.ConnectRedis(cfg)
		if err != nil {
			return err
		}
		presence := cache.NewPresence(rdb)
		var online map[int64]bool
		if rdb != nil {
			defer rdb.Close()
			if online, err = presence.Online(ctx); err != nil {
				return err
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tONLINE\tLAST SEEN\tREGISTERED")
		for _, d := range devices {
			status := "-"
			if presence.Enabled() {
				status = fmt.Sprint(online[d.ID])
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				d.ID, d.Name, status,
				d.LastSeenAt.Format(time.RFC3339), d.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
