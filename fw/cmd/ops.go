package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/dashke/fort/fw/app"
	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/db"
	"github.com/dashke/fort/fw/model"
)

var ops = logx.New(logx.WithPrefix("ops"))

/********** Admin password hash **********/

func HashAdminPass(pass string) (string, error) {
	if strings.TrimSpace(pass) == "" {
		return "", fmt.Errorf("pass required")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

/********** Rule purge **********/

// PurgeApps drops rules whose programs no longer exist on disk, without
// the service running.
func PurgeApps(cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Stop()

	return a.Engine.PurgeApps()
}

/********** Connection-log cleanup (daily tables) **********/

// PurgeLogs clears connection-log tables by day.
// dateSpec:
//
//	"20250906-20251006"   inclusive range
//	"20250906,20250907"   comma list
func PurgeLogs(cfgPath string, dateSpec string) error {
	if strings.TrimSpace(dateSpec) == "" {
		return fmt.Errorf("dateSpec required")
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Stop()
	gdb := extractGorm(a.LogDB)

	dates, err := expandDateSpec(dateSpec)
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		ops.Infof("[purge-log] nothing to do")
		return nil
	}

	for _, d := range dates {
		tbl := model.ConnTable(d) // e.g. conn_log_20250906

		if !gdb.Migrator().HasTable(tbl) {
			ops.Infof("[purge-log] skip (not exists): %s", tbl)
			continue
		}

		// TRUNCATE works on mysql; sqlite falls through to DELETE
		if err := execWithTimeout(gdb, 15*time.Second, fmt.Sprintf("TRUNCATE TABLE `%s`", tbl)); err == nil {
			ops.Infof("[purge-log] truncated: %s", tbl)
			continue
		}

		if err := execWithTimeout(gdb, 60*time.Second, fmt.Sprintf("DELETE FROM `%s`", tbl)); err == nil {
			ops.Infof("[purge-log] deleted rows: %s", tbl)
			continue
		}

		if err := gdb.Migrator().DropTable(tbl); err == nil {
			ops.Infof("[purge-log] dropped: %s (fallback)", tbl)
			continue
		}

		return fmt.Errorf("purge %s failed: truncate/delete/drop all failed", tbl)
	}
	return nil
}

/********** DB helpers **********/

func execWithTimeout(gdb *gorm.DB, timeout time.Duration, query string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return gdb.WithContext(ctx).Exec(query).Error
}

func extractGorm(d *db.DB) *gorm.DB {
	if d != nil {
		return d.GormDataSource
	}
	panic("cannot extract *gorm.DB from data source")
}

/********** Date expansion **********/

func expandDateSpec(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	if strings.Contains(spec, "-") {
		ps := strings.Split(spec, "-")
		if len(ps) != 2 {
			return nil, fmt.Errorf("bad range: %s", spec)
		}
		start, err := parseYYYYMMDD(ps[0])
		if err != nil {
			return nil, err
		}
		end, err := parseYYYYMMDD(ps[1])
		if err != nil {
			return nil, err
		}
		if end.Before(start) {
			return nil, fmt.Errorf("end before start")
		}
		var out []string
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			out = append(out, d.Format("20060102"))
		}
		return out, nil
	}

	ps := strings.Split(spec, ",")
	uniq := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		d, err := parseYYYYMMDD(p)
		if err != nil {
			return nil, err
		}
		uniq[d.Format("20060102")] = struct{}{}
	}
	out := make([]string, 0, len(uniq))
	for k := range uniq {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func parseYYYYMMDD(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return time.Time{}, fmt.Errorf("bad date: %s", s)
	}
	return time.ParseInLocation("20060102", s, time.Local)
}
