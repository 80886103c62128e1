package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// MigrateMasterSQL does the whole master-store init with raw SQL (tables,
// indexes, triggers, seed data).
// driver: "mysql" | "sqlite"
func MigrateMasterSQL(g *gorm.DB, driver string) error {
	switch strings.ToLower(driver) {
	case "mysql":
		if err := createTablesMySQL(g); err != nil {
			return fmt.Errorf("mysql create tables: %w", err)
		}
		if err := seedMainGroup(g); err != nil {
			return fmt.Errorf("mysql seed main group: %w", err)
		}
		return nil

	case "sqlite", "sqlite3":
		if err := createTablesSQLite(g); err != nil {
			return fmt.Errorf("sqlite create tables: %w", err)
		}
		if err := ensureSQLiteTimeTriggers(g); err != nil {
			return fmt.Errorf("sqlite time triggers: %w", err)
		}
		if err := seedMainGroup(g); err != nil {
			return fmt.Errorf("sqlite seed main group: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}
}

func createTablesMySQL(g *gorm.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS app_group (
			app_group_id BIGINT PRIMARY KEY AUTO_INCREMENT,
			order_index INT NOT NULL,
			name VARCHAR(255) NOT NULL,
			enabled TINYINT NOT NULL DEFAULT 1,
			create_date_time DATETIME DEFAULT CURRENT_TIMESTAMP,
			update_date_time DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			UNIQUE KEY uniq_group_order (order_index)
		);`,
		`CREATE TABLE IF NOT EXISTS app (
			app_id BIGINT PRIMARY KEY AUTO_INCREMENT,
			app_group_id BIGINT NOT NULL,
			origin_path TEXT NOT NULL,
			path VARCHAR(1024),
			name VARCHAR(255) NOT NULL DEFAULT '',
			is_wildcard TINYINT NOT NULL DEFAULT 0,
			use_group_perm TINYINT NOT NULL DEFAULT 1,
			apply_child TINYINT NOT NULL DEFAULT 0,
			kill_child TINYINT NOT NULL DEFAULT 0,
			lan_only TINYINT NOT NULL DEFAULT 0,
			log_blocked TINYINT NOT NULL DEFAULT 1,
			log_conn TINYINT NOT NULL DEFAULT 0,
			blocked TINYINT NOT NULL DEFAULT 0,
			kill_process TINYINT NOT NULL DEFAULT 0,
			accept_zones INT UNSIGNED NOT NULL DEFAULT 0,
			reject_zones INT UNSIGNED NOT NULL DEFAULT 0,
			end_time BIGINT NOT NULL DEFAULT 0,
			create_date_time DATETIME DEFAULT CURRENT_TIMESTAMP,
			update_date_time DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			UNIQUE KEY uniq_app_path (path(255)),
			KEY idx_app_group (app_group_id),
			KEY idx_app_end_time (end_time),
			KEY idx_app_blocked (blocked)
		);`,
		`CREATE TABLE IF NOT EXISTS app_alert (
			app_id BIGINT PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS zone (
			zone_id BIGINT PRIMARY KEY AUTO_INCREMENT,
			name VARCHAR(255) NOT NULL,
			enabled TINYINT NOT NULL DEFAULT 1,
			source_url TEXT,
			address_count INT NOT NULL DEFAULT 0,
			create_date_time DATETIME DEFAULT CURRENT_TIMESTAMP,
			update_date_time DATETIME DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		);`,
	}
	for _, sql := range stmts {
		if err := g.Exec(sql).Error; err != nil {
			return err
		}
	}
	return nil
}

// seedMainGroup inserts the zero-index "Main" group auto-created rules
// reference; every fresh store gets one.
func seedMainGroup(g *gorm.DB) error {
	var cnt int64
	if err := g.Raw(`SELECT COUNT(*) FROM app_group`).Scan(&cnt).Error; err != nil {
		return err
	}
	if cnt > 0 {
		return nil
	}
	return g.Exec(`INSERT INTO app_group (order_index, name, enabled) VALUES (0, 'Main', 1)`).Error
}

func createTablesSQLite(g *gorm.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS app_group (
			app_group_id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_index INTEGER NOT NULL,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			create_date_time TEXT,
			update_date_time TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_group_order ON app_group(order_index);`,

		// path is the upsert conflict target: one rule per concrete path
		`CREATE TABLE IF NOT EXISTS app (
			app_id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_group_id INTEGER NOT NULL,
			origin_path TEXT NOT NULL,
			path TEXT,
			name TEXT NOT NULL DEFAULT '',
			is_wildcard INTEGER NOT NULL DEFAULT 0,
			use_group_perm INTEGER NOT NULL DEFAULT 1,
			apply_child INTEGER NOT NULL DEFAULT 0,
			kill_child INTEGER NOT NULL DEFAULT 0,
			lan_only INTEGER NOT NULL DEFAULT 0,
			log_blocked INTEGER NOT NULL DEFAULT 1,
			log_conn INTEGER NOT NULL DEFAULT 0,
			blocked INTEGER NOT NULL DEFAULT 0,
			kill_process INTEGER NOT NULL DEFAULT 0,
			accept_zones INTEGER NOT NULL DEFAULT 0,
			reject_zones INTEGER NOT NULL DEFAULT 0,
			end_time INTEGER NOT NULL DEFAULT 0,
			create_date_time TEXT,
			update_date_time TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_app_path ON app(path);`,
		`CREATE INDEX IF NOT EXISTS idx_app_group    ON app(app_group_id);`,
		`CREATE INDEX IF NOT EXISTS idx_app_end_time ON app(end_time);`,
		`CREATE INDEX IF NOT EXISTS idx_app_blocked  ON app(blocked);`,

		`CREATE TABLE IF NOT EXISTS app_alert (
			app_id INTEGER PRIMARY KEY
		);`,

		`CREATE TABLE IF NOT EXISTS zone (
			zone_id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			source_url TEXT,
			address_count INTEGER NOT NULL DEFAULT 0,
			create_date_time TEXT,
			update_date_time TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_zone_enabled ON zone(enabled);`,
	}
	for _, sql := range stmts {
		if err := g.Exec(sql).Error; err != nil {
			return err
		}
	}
	return nil
}

// ensureSQLiteTimeTriggers adds localtime triggers to every table carrying
// create_date_time / update_date_time columns.
func ensureSQLiteTimeTriggers(g *gorm.DB) error {
	type Tbl struct{ Name string }
	var tbls []Tbl
	if err := g.Raw(`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`).Scan(&tbls).Error; err != nil {
		return err
	}

	for _, t := range tbls {
		type Col struct {
			Name string `gorm:"column:name"`
			PK   int    `gorm:"column:pk"`
		}
		var cols []Col
		if err := g.Raw(fmt.Sprintf(`PRAGMA table_info(%q);`, t.Name)).Scan(&cols).Error; err != nil {
			return err
		}

		hasCreate, hasUpdate := false, false
		pkCol := ""
		for _, c := range cols {
			n := strings.ToLower(c.Name)
			if n == "create_date_time" {
				hasCreate = true
			}
			if n == "update_date_time" {
				hasUpdate = true
			}
			if c.PK > 0 && pkCol == "" {
				pkCol = c.Name
			}
		}
		if !hasCreate && !hasUpdate {
			continue
		}

		cond := "rowid = NEW.rowid"
		if pkCol != "" {
			cond = fmt.Sprintf("%q = NEW.%q", pkCol, pkCol)
		}

		ai := fmt.Sprintf("%s_ai_ts", t.Name)
		au := fmt.Sprintf("%s_au_ts", t.Name)

		setInsert := []string{}
		if hasCreate {
			setInsert = append(setInsert, "create_date_time = COALESCE(NEW.create_date_time, datetime('now','localtime'))")
		}
		if hasUpdate {
			setInsert = append(setInsert, "update_date_time = COALESCE(NEW.update_date_time, datetime('now','localtime'))")
		}

		aiSQL := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %s
AFTER INSERT ON %q
FOR EACH ROW
BEGIN
  UPDATE %q
     SET %s
   WHERE %s;
END;`, ai, t.Name, t.Name, strings.Join(setInsert, ", "), cond)

		setUpdate := "rowid=rowid"
		if hasUpdate {
			setUpdate = "update_date_time = datetime('now','localtime')"
		}
		auSQL := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %s
AFTER UPDATE ON %q
FOR EACH ROW
BEGIN
  UPDATE %q
     SET %s
   WHERE %s;
END;`, au, t.Name, t.Name, setUpdate, cond)

		if err := g.Exec(aiSQL).Error; err != nil {
			return fmt.Errorf("create trigger %s: %w", ai, err)
		}
		if err := g.Exec(auSQL).Error; err != nil {
			return fmt.Errorf("create trigger %s: %w", au, err)
		}
	}
	return nil
}
