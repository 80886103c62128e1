package db

import (
	"fmt"

	"github.com/dashke/fort/fw/model"
)

// EnsureConnLogTable creates the daily connection-log table (plus indexes).
// day example: "20260831"
func EnsureConnLogTable(d *DB, day string) error {
	tbl := model.ConnTable(day)

	switch d.Driver {
	case "mysql":
		create := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGINT PRIMARY KEY AUTO_INCREMENT,
  time BIGINT NOT NULL,
  app_path VARCHAR(1024) NOT NULL,
  pid INT,
  blocked TINYINT NOT NULL,
  remote_addr VARCHAR(255),
  remote_port INT,
  protocol VARCHAR(8),
  KEY idx_%[1]s_time (time),
  KEY idx_%[1]s_path_time (app_path(255), time),
  KEY idx_%[1]s_blocked_time (blocked, time)
);`, tbl)
		return d.GormDataSource.Exec(create).Error

	case "sqlite", "sqlite3":
		create := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  time BIGINT NOT NULL,
  app_path TEXT NOT NULL,
  pid INTEGER,
  blocked INTEGER NOT NULL,
  remote_addr TEXT,
  remote_port INTEGER,
  protocol TEXT
);`, tbl)
		if err := d.GormDataSource.Exec(create).Error; err != nil {
			return err
		}

		idxes := []struct {
			name string
			cols string
		}{
			{fmt.Sprintf("idx_%s_time", tbl), "time"},
			{fmt.Sprintf("idx_%s_path_time", tbl), "app_path, time"},
			{fmt.Sprintf("idx_%s_blocked_time", tbl), "blocked, time"},
		}
		for _, ix := range idxes {
			sql := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s);", ix.name, tbl, ix.cols)
			if err := d.GormDataSource.Exec(sql).Error; err != nil {
				return err
			}
		}
		return nil

	default:
		return nil
	}
}
