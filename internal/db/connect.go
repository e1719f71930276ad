package db

import (
	"fmt"
	"net"
	"strconv"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/zulandar/clipyard/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQLDSN builds the DSN for a MySQL history database.
func MySQLDSN(cfg config.HistoryConfig) string {
	mc := gomysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	return mc.FormatDSN()
}

// dialector picks the gorm dialector for the configured driver.
func dialector(cfg config.HistoryConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("db: sqlite path is required")
		}
		return sqlite.Open(cfg.Path), nil
	case config.DriverMySQL:
		return mysql.Open(MySQLDSN(cfg)), nil
	}
	return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
}

// Connect opens a GORM connection to the history database.
func Connect(cfg config.HistoryConfig) (*gorm.DB, error) {
	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", describe(cfg), err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}

// describe names the database without credentials, for errors and logs.
func describe(cfg config.HistoryConfig) string {
	if cfg.Driver == config.DriverSQLite {
		return "sqlite " + cfg.Path
	}
	return fmt.Sprintf("mysql %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
}
