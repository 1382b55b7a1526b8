package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pmpsync/config"
	"pmpsync/logger"
	"pmpsync/model"

	mysqlcfg "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormDB 是进程内共享的 GORM 连接
var GormDB *gorm.DB

// MySQLDSN 由配置构造 MySQL DSN
func MySQLDSN(cfg *config.Config) string {
	c := mysqlcfg.NewConfig()
	c.User = cfg.DBUser
	c.Passwd = cfg.DBPassword
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%s", cfg.DBHost, cfg.DBPort)
	c.DBName = cfg.DBName
	c.ParseTime = true
	c.Loc = time.Local
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}

// ConnectGormDB 按 DB_DRIVER 打开 sqlite 或 mysql
func ConnectGormDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "mysql":
		dialector = mysql.Open(MySQLDSN(cfg))
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dialector = sqlite.Open(cfg.DBPath + "?_journal_mode=WAL&_busy_timeout=5000")
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	gdb, err := OpenGorm(dialector)
	if err != nil {
		return nil, err
	}

	if cfg.DBDriver == "mysql" {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	GormDB = gdb
	logger.Info("database connected", logger.String("driver", cfg.DBDriver))
	return gdb, nil
}

// ConnectClientDB 打开客户端本地状态库（总是 sqlite）并迁移
func ConnectClientDB(cfg *config.Config) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.ClientStateDB), 0755); err != nil {
		return nil, fmt.Errorf("failed to create client state directory: %w", err)
	}
	gdb, err := OpenGorm(sqlite.Open(cfg.ClientStateDB + "?_journal_mode=WAL&_busy_timeout=5000"))
	if err != nil {
		return nil, err
	}
	if err := AutoMigrateModels(gdb, ClientModels()...); err != nil {
		CloseGormDB(gdb)
		return nil, err
	}
	return gdb, nil
}

// OpenGorm 使用给定方言打开连接，测试直接传入内存 sqlite
func OpenGorm(dialector gorm.Dialector) (*gorm.DB, error) {
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database with GORM: %w", err)
	}
	return gdb, nil
}

// CloseGormDB 关闭连接
func CloseGormDB(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrateModels 自动迁移指定的模型
func AutoMigrateModels(gdb *gorm.DB, models ...interface{}) error {
	if gdb == nil {
		return fmt.Errorf("GORM database not initialized")
	}
	if err := gdb.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to auto migrate models: %w", err)
	}
	return nil
}

// ServerModels 服务端表
func ServerModels() []interface{} {
	return []interface{}{
		&model.Device{},
		&model.ActionRecord{},
		&model.TrackRecord{},
		&model.PlaybackSnapshot{},
		&model.Filter{},
	}
}

// ClientModels 客户端本地表
func ClientModels() []interface{} {
	return []interface{}{
		&model.ClientState{},
		&model.QueueEntry{},
		&model.TrackRecord{},
	}
}
