package dao

import (
	"errors"

	"gorm.io/gorm"

	"github.com/dashke/fort/fw/model"
)

const selectAppFields = `
    t.app_id,
    t.app_group_id,
    t.origin_path,
    t.path,
    t.name,
    t.is_wildcard,
    t.use_group_perm,
    t.apply_child,
    t.kill_child,
    t.lan_only,
    t.log_blocked,
    t.log_conn,
    t.blocked,
    t.kill_process,
    t.accept_zones,
    t.reject_zones,
    t.end_time,
    g.order_index AS group_index,
    (alert.app_id IS NOT NULL) AS alerted`

const selectAppJoins = `
  FROM app t
  JOIN app_group g ON g.app_group_id = t.app_group_id
  LEFT JOIN app_alert alert ON alert.app_id = t.app_id`

const (
	sqlSelectAppById = `SELECT` + selectAppFields + selectAppJoins + `
  WHERE t.app_id = ?;`

	sqlSelectAppByPath = `SELECT` + selectAppFields + selectAppJoins + `
  WHERE t.path = ?;`

	sqlSelectApps = `SELECT` + selectAppFields + selectAppJoins + `
  ORDER BY t.app_id;`

	sqlSelectEndedApps = `SELECT` + selectAppFields + selectAppJoins + `
  WHERE t.end_time != 0 AND t.end_time <= ? AND t.blocked = 0;`

	sqlSelectMinEndApp = `SELECT COALESCE(MIN(end_time), 0) FROM app
  WHERE end_time != 0 AND blocked = 0;`

	sqlSelectAppIdByPath = `SELECT app_id FROM app WHERE path = ?;`

	sqlSelectAppPaths = `SELECT app_id, path FROM app;`

	sqlUpsertApp = `INSERT INTO app(app_group_id, origin_path, path, name,
    is_wildcard, use_group_perm, apply_child, kill_child,
    lan_only, log_blocked, log_conn, blocked, kill_process,
    accept_zones, reject_zones, end_time)
  VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
  ON CONFLICT(path) DO UPDATE
  SET app_group_id = excluded.app_group_id,
    origin_path = excluded.origin_path,
    name = excluded.name,
    is_wildcard = excluded.is_wildcard,
    use_group_perm = excluded.use_group_perm,
    apply_child = excluded.apply_child,
    kill_child = excluded.kill_child,
    lan_only = excluded.lan_only,
    log_blocked = excluded.log_blocked,
    log_conn = excluded.log_conn,
    blocked = excluded.blocked,
    kill_process = excluded.kill_process,
    accept_zones = excluded.accept_zones,
    reject_zones = excluded.reject_zones,
    end_time = excluded.end_time
  RETURNING app_id;`

	sqlUpdateApp = `UPDATE app
  SET app_group_id = ?, origin_path = ?, path = ?,
    name = ?, is_wildcard = ?, use_group_perm = ?,
    apply_child = ?, kill_child = ?, lan_only = ?,
    log_blocked = ?, log_conn = ?,
    blocked = ?, kill_process = ?,
    accept_zones = ?, reject_zones = ?, end_time = ?
  WHERE app_id = ?;`

	sqlUpdateAppName = `UPDATE app SET name = ? WHERE app_id = ?;`

	sqlUpdateAppBlocked = `UPDATE app SET blocked = ?, kill_process = ?,
    end_time = 0
  WHERE app_id = ?;`

	sqlDeleteApp = `DELETE FROM app WHERE app_id = ? RETURNING path, is_wildcard;`

	sqlInsertAppAlert = `INSERT INTO app_alert(app_id) VALUES(?)
  ON CONFLICT(app_id) DO NOTHING;`

	sqlDeleteAppAlert = `DELETE FROM app_alert WHERE app_id = ?;`
)

// MySQL variants: no RETURNING, and the conflict clause is spelled
// ON DUPLICATE KEY UPDATE. LAST_INSERT_ID(app_id) makes the session id
// the existing row's id when the upsert hits the path key.
const (
	sqlUpsertAppMySQL = `INSERT INTO app(app_group_id, origin_path, path, name,
    is_wildcard, use_group_perm, apply_child, kill_child,
    lan_only, log_blocked, log_conn, blocked, kill_process,
    accept_zones, reject_zones, end_time)
  VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
  ON DUPLICATE KEY UPDATE
    app_id = LAST_INSERT_ID(app_id),
    app_group_id = VALUES(app_group_id),
    origin_path = VALUES(origin_path),
    name = VALUES(name),
    is_wildcard = VALUES(is_wildcard),
    use_group_perm = VALUES(use_group_perm),
    apply_child = VALUES(apply_child),
    kill_child = VALUES(kill_child),
    lan_only = VALUES(lan_only),
    log_blocked = VALUES(log_blocked),
    log_conn = VALUES(log_conn),
    blocked = VALUES(blocked),
    kill_process = VALUES(kill_process),
    accept_zones = VALUES(accept_zones),
    reject_zones = VALUES(reject_zones),
    end_time = VALUES(end_time);`

	sqlLastInsertId = `SELECT LAST_INSERT_ID();`

	sqlSelectAppDeleteRow = `SELECT path, is_wildcard FROM app WHERE app_id = ?;`

	sqlDeleteAppById = `DELETE FROM app WHERE app_id = ?;`

	sqlInsertAppAlertMySQL = `INSERT IGNORE INTO app_alert(app_id) VALUES(?);`
)

func isMySQL(g *gorm.DB) bool { return g.Dialector.Name() == "mysql" }

var ErrAppNotFound = errors.New("app not found")

// pathArg maps an empty path to NULL so pure wildcard rules never collide
// on the unique path index.
func pathArg(p string) any {
	if p == "" {
		return nil
	}
	return p
}

// UpsertApp inserts the rule, or replaces the one already holding its path,
// and returns the persisted id.
func UpsertApp(g *gorm.DB, app *model.App, groupId int64) (int64, error) {
	args := []any{
		groupId, app.OriginPath, pathArg(app.Path), app.Name,
		app.IsWildcard, app.UseGroupPerm, app.ApplyChild, app.KillChild,
		app.LanOnly, app.LogBlocked, app.LogConn, app.Blocked, app.KillProcess,
		app.AcceptZones, app.RejectZones, app.EndTime,
	}

	var id int64
	if isMySQL(g) {
		// LAST_INSERT_ID is per connection; callers run inside a
		// transaction, which pins one.
		if err := g.Exec(sqlUpsertAppMySQL, args...).Error; err != nil {
			return 0, err
		}
		if err := g.Raw(sqlLastInsertId).Scan(&id).Error; err != nil {
			return 0, err
		}
	} else {
		if err := g.Raw(sqlUpsertApp, args...).Scan(&id).Error; err != nil {
			return 0, err
		}
	}
	if id == 0 {
		return 0, ErrAppNotFound
	}
	return id, nil
}

func UpdateApp(g *gorm.DB, app *model.App, groupId int64) error {
	tx := g.Exec(sqlUpdateApp,
		groupId, app.OriginPath, pathArg(app.Path),
		app.Name, app.IsWildcard, app.UseGroupPerm,
		app.ApplyChild, app.KillChild, app.LanOnly,
		app.LogBlocked, app.LogConn,
		app.Blocked, app.KillProcess,
		app.AcceptZones, app.RejectZones, app.EndTime,
		app.AppId,
	)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrAppNotFound
	}
	return nil
}

func UpdateAppName(g *gorm.DB, appId int64, name string) error {
	return g.Exec(sqlUpdateAppName, name, appId).Error
}

// UpdateAppBlocked persists the enforcement columns only and clears any
// pending expiry.
func UpdateAppBlocked(g *gorm.DB, appId int64, blocked, killProcess bool) error {
	return g.Exec(sqlUpdateAppBlocked, blocked, killProcess, appId).Error
}

// DeleteApp removes the row and reports what was removed.
func DeleteApp(g *gorm.DB, appId int64) (path string, isWildcard bool, err error) {
	var row struct {
		Path       *string `gorm:"column:path"`
		IsWildcard bool    `gorm:"column:is_wildcard"`
	}
	if isMySQL(g) {
		// select-then-delete; the caller's transaction keeps it atomic
		res := g.Raw(sqlSelectAppDeleteRow, appId)
		if err = res.Scan(&row).Error; err != nil {
			return "", false, err
		}
		if res.RowsAffected == 0 {
			return "", false, ErrAppNotFound
		}
		if err = g.Exec(sqlDeleteAppById, appId).Error; err != nil {
			return "", false, err
		}
	} else {
		res := g.Raw(sqlDeleteApp, appId)
		if err = res.Scan(&row).Error; err != nil {
			return "", false, err
		}
		if res.RowsAffected == 0 {
			return "", false, ErrAppNotFound
		}
	}
	if row.Path != nil {
		path = *row.Path
	}
	return path, row.IsWildcard, nil
}

func InsertAppAlert(g *gorm.DB, appId int64) error {
	if isMySQL(g) {
		return g.Exec(sqlInsertAppAlertMySQL, appId).Error
	}
	return g.Exec(sqlInsertAppAlert, appId).Error
}

func DeleteAppAlert(g *gorm.DB, appId int64) error {
	return g.Exec(sqlDeleteAppAlert, appId).Error
}

func GetAppById(g *gorm.DB, appId int64) (*model.App, error) {
	var app model.App
	res := g.Raw(sqlSelectAppById, appId)
	if err := res.Scan(&app).Error; err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 || app.AppId == 0 {
		return nil, ErrAppNotFound
	}
	return &app, nil
}

func GetAppByPath(g *gorm.DB, path string) (*model.App, error) {
	var app model.App
	res := g.Raw(sqlSelectAppByPath, path)
	if err := res.Scan(&app).Error; err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 || app.AppId == 0 {
		return nil, ErrAppNotFound
	}
	return &app, nil
}

func AppIdByPath(g *gorm.DB, path string) (int64, error) {
	var id int64
	if err := g.Raw(sqlSelectAppIdByPath, path).Scan(&id).Error; err != nil {
		return 0, err
	}
	return id, nil
}

func ListApps(g *gorm.DB) ([]model.App, error) {
	var apps []model.App
	if err := g.Raw(sqlSelectApps).Scan(&apps).Error; err != nil {
		return nil, err
	}
	return apps, nil
}

// ListEndedApps returns rules whose expiry deadline is at or before now
// (millis) and that are not already blocked.
func ListEndedApps(g *gorm.DB, nowMs int64) ([]model.App, error) {
	var apps []model.App
	if err := g.Raw(sqlSelectEndedApps, nowMs).Scan(&apps).Error; err != nil {
		return nil, err
	}
	return apps, nil
}

// MinEndTime returns the earliest pending expiry in millis, 0 when no rule
// is waiting.
func MinEndTime(g *gorm.DB) (int64, error) {
	var ms int64
	if err := g.Raw(sqlSelectMinEndApp).Scan(&ms).Error; err != nil {
		return 0, err
	}
	return ms, nil
}

type AppPathRow struct {
	AppId int64   `gorm:"column:app_id"`
	Path  *string `gorm:"column:path"`
}

func ListAppPaths(g *gorm.DB) ([]AppPathRow, error) {
	var rows []AppPathRow
	if err := g.Raw(sqlSelectAppPaths).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
