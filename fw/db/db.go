package db

import (
	"errors"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/dashke/fort/fw/common/config"
	"github.com/dashke/fort/fw/common/logx"
)

var (
	ErrUnsupportedDriver = errors.New("unsupported driver")
)

type DB struct {
	GormDataSource *gorm.DB
	Driver         string
}

// sqliteTunedDSN appends the connection pragmas every pooled connection
// needs: WAL keeps API readers off the rule writer's lock, the busy timeout
// rides out checkpoints, NORMAL sync is safe under WAL. A DSN that already
// tunes the journal is left alone.
func sqliteTunedDSN(dsn string) string {
	if strings.Contains(dsn, "_journal_mode=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
}

func OpenGorm(driver, dsn string, pool config.DBPoolCfg) (*DB, error) {
	var dial gorm.Dialector

	drv := strings.ToLower(driver)
	switch drv {
	case "mysql":
		dial = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		drv = "sqlite"
		dial = sqlite.Open(sqliteTunedDSN(dsn))
	default:
		return nil, ErrUnsupportedDriver
	}

	g, err := gorm.Open(dial, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logx.GormLoggerDefault(logx.GetLevelString()),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	if pool.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetimeSec > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(pool.MaxLifetimeSec) * time.Second)
	}

	return &DB{GormDataSource: g, Driver: drv}, nil
}
