package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/dashke/fort/fw/common/config"
	"github.com/dashke/fort/fw/db"
	"github.com/dashke/fort/fw/db/dao"
	"github.com/dashke/fort/fw/model"
	"github.com/dashke/fort/fw/notify"
)

/******** fixtures ********/

type fakeGateway struct {
	mu         sync.Mutex
	confWrites int
	flagWrites int
	appSets    int
	appDels    int
}

func (f *fakeGateway) WriteConf(buf []byte, onlyFlags bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if onlyFlags {
		f.flagWrites++
	} else {
		f.confWrites++
	}
	return nil
}

func (f *fakeGateway) WriteApp(buf []byte, remove bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remove {
		f.appDels++
	} else {
		f.appSets++
	}
	return nil
}

func (f *fakeGateway) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confWrites, f.flagWrites, f.appSets, f.appDels = 0, 0, 0, 0
}

func (f *fakeGateway) counts() (conf, sets, dels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confWrites, f.appSets, f.appDels
}

func newTestManager(t *testing.T, opts ...Option) (*AppManager, *fakeGateway) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	d, err := db.OpenGorm("sqlite", dsn, config.DBPoolCfg{MaxOpen: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MigrateMasterSQL(d.GormDataSource, d.Driver); err != nil {
		t.Fatal(err)
	}

	gw := &fakeGateway{}
	m := NewAppManager(d, gw, notify.NewNotifier(), opts...)
	t.Cleanup(m.Close)
	return m, gw
}

func testApp(path string) *model.App {
	return &model.App{
		OriginPath:   path,
		Path:         path,
		Name:         filepath.Base(path),
		UseGroupPerm: true,
		GroupIndex:   0,
	}
}

func wildcardApp(pattern string) *model.App {
	return &model.App{
		OriginPath: pattern,
		IsWildcard: true,
		Name:       "pattern",
		GroupIndex: 0,
	}
}

/******** add / update ********/

func TestAddAppAssignsIdAndPushesIncrementally(t *testing.T) {
	m, gw := newTestManager(t)

	app := testApp("/usr/bin/curl")
	if err := m.AddApp(app); err != nil {
		t.Fatal(err)
	}
	if app.AppId <= 0 {
		t.Fatalf("app id = %d, want > 0", app.AppId)
	}

	conf, sets, dels := gw.counts()
	if conf != 0 || sets != 1 || dels != 0 {
		t.Fatalf("driver writes = (conf=%d sets=%d dels=%d), want single app set", conf, sets, dels)
	}
}

func TestAddAppUpsertsOnSamePath(t *testing.T) {
	m, _ := newTestManager(t)

	first := testApp("/usr/bin/ssh")
	if err := m.AddApp(first); err != nil {
		t.Fatal(err)
	}

	second := testApp("/usr/bin/ssh")
	second.Blocked = true
	if err := m.AddApp(second); err != nil {
		t.Fatal(err)
	}
	if second.AppId != first.AppId {
		t.Fatalf("upsert minted new id: %d vs %d", second.AppId, first.AppId)
	}

	var count int
	if err := m.WalkApps(func(app *model.App) bool { count++; return true }); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("app count = %d, want 1", count)
	}

	got, err := dao.GetAppById(m.gorm(), first.AppId)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Blocked {
		t.Fatal("second save did not replace the rule")
	}
}

func TestAddWildcardTriggersFullRebuild(t *testing.T) {
	m, gw := newTestManager(t)

	if err := m.AddApp(wildcardApp("/opt/*/bin/*")); err != nil {
		t.Fatal(err)
	}

	conf, sets, _ := gw.counts()
	if conf != 1 || sets != 0 {
		t.Fatalf("driver writes = (conf=%d sets=%d), want single full rebuild", conf, sets)
	}
}

func TestAddAppUnknownGroup(t *testing.T) {
	m, gw := newTestManager(t)

	app := testApp("/usr/bin/wget")
	app.GroupIndex = 9
	if err := m.AddApp(app); !errors.Is(err, dao.ErrGroupNotFound) {
		t.Fatalf("err = %v, want ErrGroupNotFound", err)
	}

	conf, sets, dels := gw.counts()
	if conf+sets+dels != 0 {
		t.Fatal("failed add must not touch the driver")
	}
}

func TestAddAppRollsBackOnAlertFailure(t *testing.T) {
	m, gw := newTestManager(t)

	// break the alert marker, the second statement of the insert transaction
	if err := m.db.GormDataSource.Exec("ALTER TABLE app_alert RENAME TO app_alert_gone").Error; err != nil {
		t.Fatal(err)
	}

	app := testApp("/usr/bin/rsync")
	app.Alerted = true
	if err := m.AddApp(app); err == nil {
		t.Fatal("add with a broken alert table succeeded")
	}

	id, err := dao.AppIdByPath(m.db.GormDataSource, "/usr/bin/rsync")
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Fatalf("rolled-back app still persisted (id=%d)", id)
	}
	conf, sets, dels := gw.counts()
	if conf+sets+dels != 0 {
		t.Fatal("rolled-back add must not touch the driver")
	}
}

func TestUpdateAppClearsAlert(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.LogBlockedApp(&model.LogEntryBlocked{Path: "/usr/bin/nc", Blocked: true}); err != nil {
		t.Fatal(err)
	}

	app, err := m.FindAppByPath("/usr/bin/nc")
	if err != nil {
		t.Fatal(err)
	}
	if !app.Alerted {
		t.Fatal("auto-created rule must be alerted")
	}

	app.Blocked = false
	if err := m.UpdateApp(app); err != nil {
		t.Fatal(err)
	}
	if app.Alerted {
		t.Fatal("update must clear alerted in memory")
	}

	got, err := dao.GetAppById(m.gorm(), app.AppId)
	if err != nil {
		t.Fatal(err)
	}
	if got.Alerted {
		t.Fatal("update must clear alerted in store")
	}
}

func TestUpdateAppName(t *testing.T) {
	m, _ := newTestManager(t)

	app := testApp("/usr/bin/dig")
	if err := m.AddApp(app); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateAppName(app.AppId, "DNS tool"); err != nil {
		t.Fatal(err)
	}

	got, err := dao.GetAppById(m.gorm(), app.AppId)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "DNS tool" {
		t.Fatalf("name = %q", got.Name)
	}
}

/******** delete ********/

func TestDeleteAppsCoalescesWildcardRebuild(t *testing.T) {
	m, gw := newTestManager(t)

	a := testApp("/usr/bin/a")
	w1 := wildcardApp("/opt/a/*")
	w2 := wildcardApp("/opt/b/*")
	for _, app := range []*model.App{a, w1, w2} {
		if err := m.AddApp(app); err != nil {
			t.Fatal(err)
		}
	}
	gw.reset()

	if err := m.DeleteApps([]int64{a.AppId, w1.AppId, w2.AppId}); err != nil {
		t.Fatal(err)
	}

	conf, _, dels := gw.counts()
	if conf != 1 {
		t.Fatalf("conf writes = %d, want exactly 1 for two wildcards", conf)
	}
	if dels != 1 {
		t.Fatalf("app dels = %d, want 1 for the concrete rule", dels)
	}

	if _, err := m.FindAppByPath("/usr/bin/a"); !errors.Is(err, dao.ErrAppNotFound) {
		t.Fatalf("err = %v, want ErrAppNotFound", err)
	}
}

/******** blocked toggles ********/

func TestUpdateAppsBlockedBulkThreshold(t *testing.T) {
	m, gw := newTestManager(t)

	var ids []int64
	for i := 0; i < 8; i++ {
		app := testApp(fmt.Sprintf("/usr/bin/tool%d", i))
		if err := m.AddApp(app); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, app.AppId)
	}

	// 8 > threshold: one rebuild, zero incremental pushes
	gw.reset()
	if err := m.UpdateAppsBlocked(ids, true, false); err != nil {
		t.Fatal(err)
	}
	conf, sets, _ := gw.counts()
	if conf != 1 || sets != 0 {
		t.Fatalf("bulk toggle: (conf=%d sets=%d), want one rebuild", conf, sets)
	}

	// 7 == threshold: incremental pushes, no rebuild
	gw.reset()
	if err := m.UpdateAppsBlocked(ids[:7], false, false); err != nil {
		t.Fatal(err)
	}
	conf, sets, _ = gw.counts()
	if conf != 0 || sets != 7 {
		t.Fatalf("small toggle: (conf=%d sets=%d), want 7 incremental", conf, sets)
	}
}

func TestUpdateAppsBlockedSkipsNoops(t *testing.T) {
	m, gw := newTestManager(t)

	app := testApp("/usr/bin/tar")
	app.Blocked = true
	if err := m.AddApp(app); err != nil {
		t.Fatal(err)
	}
	gw.reset()

	if err := m.UpdateAppsBlocked([]int64{app.AppId}, true, false); err != nil {
		t.Fatal(err)
	}
	conf, sets, dels := gw.counts()
	if conf+sets+dels != 0 {
		t.Fatal("no-op toggle must not touch the driver")
	}
}

func TestUpdateAppsBlockedAlertedAlwaysChanges(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.LogBlockedApp(&model.LogEntryBlocked{Path: "/usr/bin/socat", Blocked: true}); err != nil {
		t.Fatal(err)
	}
	app, err := m.FindAppByPath("/usr/bin/socat")
	if err != nil {
		t.Fatal(err)
	}

	// same blocked state, but reviewing an alerted rule is a change
	if err := m.UpdateAppsBlocked([]int64{app.AppId}, true, false); err != nil {
		t.Fatal(err)
	}

	got, err := dao.GetAppById(m.gorm(), app.AppId)
	if err != nil {
		t.Fatal(err)
	}
	if got.Alerted {
		t.Fatal("toggle must clear the alert flag")
	}
}

func TestUpdateAppsBlockedClearsEndTime(t *testing.T) {
	m, _ := newTestManager(t)

	app := testApp("/usr/bin/ftp")
	app.EndTime = time.Now().Add(time.Hour).UnixMilli()
	if err := m.AddApp(app); err != nil {
		t.Fatal(err)
	}

	if err := m.UpdateAppsBlocked([]int64{app.AppId}, true, false); err != nil {
		t.Fatal(err)
	}
	got, err := dao.GetAppById(m.gorm(), app.AppId)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndTime != 0 {
		t.Fatalf("end time = %d, want cleared", got.EndTime)
	}
}

/******** blocked-connection intake ********/

func TestLogBlockedAppCreatesAlertedRuleOnce(t *testing.T) {
	m, _ := newTestManager(t)

	entry := &model.LogEntryBlocked{Path: "/usr/bin/telnet", Blocked: true}
	if err := m.LogBlockedApp(entry); err != nil {
		t.Fatal(err)
	}
	app, err := m.FindAppByPath("/usr/bin/telnet")
	if err != nil {
		t.Fatal(err)
	}
	if !app.Alerted || !app.Blocked || !app.UseGroupPerm {
		t.Fatalf("auto rule = %+v", app)
	}

	// same path again: the user's rule (even a pending one) wins
	app.Blocked = false
	if err := m.UpdateApp(app); err != nil {
		t.Fatal(err)
	}
	if err := m.LogBlockedApp(entry); err != nil {
		t.Fatal(err)
	}
	got, err := m.FindAppByPath("/usr/bin/telnet")
	if err != nil {
		t.Fatal(err)
	}
	if got.Blocked || got.Alerted {
		t.Fatal("second event must not clobber the reviewed rule")
	}
}

func TestLogBlockedAppRateLimited(t *testing.T) {
	m, _ := newTestManager(t, WithAlertLimit(rate.NewLimiter(rate.Every(time.Hour), 1)))

	if err := m.LogBlockedApp(&model.LogEntryBlocked{Path: "/usr/bin/one", Blocked: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.LogBlockedApp(&model.LogEntryBlocked{Path: "/usr/bin/two", Blocked: true}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.FindAppByPath("/usr/bin/one"); err != nil {
		t.Fatal("first event must create a rule")
	}
	if _, err := m.FindAppByPath("/usr/bin/two"); !errors.Is(err, dao.ErrAppNotFound) {
		t.Fatalf("err = %v, want drop by limiter", err)
	}
}

/******** expiry ********/

func TestSweepBlocksEndedApps(t *testing.T) {
	m, _ := newTestManager(t)

	ended := testApp("/usr/bin/game")
	ended.EndTime = time.Now().Add(-time.Minute).UnixMilli()
	future := testApp("/usr/bin/editor")
	future.EndTime = time.Now().Add(time.Hour).UnixMilli()
	for _, app := range []*model.App{ended, future} {
		if err := m.AddApp(app); err != nil {
			t.Fatal(err)
		}
	}

	m.mu.Lock()
	m.sweepAppEndTimesLocked(time.Now().UnixMilli())
	m.mu.Unlock()

	got, err := dao.GetAppById(m.gorm(), ended.AppId)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Blocked || got.EndTime != 0 {
		t.Fatalf("ended rule = blocked=%v end=%d, want blocked with cleared deadline", got.Blocked, got.EndTime)
	}

	got, err = dao.GetAppById(m.gorm(), future.AppId)
	if err != nil {
		t.Fatal(err)
	}
	if got.Blocked || got.EndTime == 0 {
		t.Fatal("future rule must be untouched")
	}
}

func TestExpiryTimerFires(t *testing.T) {
	m, _ := newTestManager(t)

	app := testApp("/usr/bin/short")
	app.EndTime = time.Now().Add(-time.Second).UnixMilli()
	if err := m.AddApp(app); err != nil {
		t.Fatal(err)
	}

	// past deadline arms at the floor, not immediately
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := dao.GetAppById(m.gorm(), app.AppId)
		if err != nil {
			t.Fatal(err)
		}
		if got.Blocked && got.EndTime == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expiry timer did not fire")
}

func TestMinEndTimeIgnoresBlockedRules(t *testing.T) {
	m, _ := newTestManager(t)

	app := testApp("/usr/bin/done")
	app.Blocked = true
	app.EndTime = time.Now().Add(time.Hour).UnixMilli()
	if err := m.AddApp(app); err != nil {
		t.Fatal(err)
	}

	end, err := dao.MinEndTime(m.gorm())
	if err != nil {
		t.Fatal(err)
	}
	if end != 0 {
		t.Fatalf("min end = %d, want 0: already-blocked rules have nothing to expire", end)
	}
}

/******** purge / walk ********/

func TestPurgeAppsDropsMissingPrograms(t *testing.T) {
	m, _ := newTestManager(t)

	real := filepath.Join(t.TempDir(), "present")
	if err := os.WriteFile(real, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}

	present := testApp(real)
	missing := testApp(filepath.Join(t.TempDir(), "gone"))
	pattern := wildcardApp("/opt/*")
	for _, app := range []*model.App{present, missing, pattern} {
		if err := m.AddApp(app); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.PurgeApps(); err != nil {
		t.Fatal(err)
	}

	if _, err := dao.GetAppById(m.gorm(), missing.AppId); !errors.Is(err, dao.ErrAppNotFound) {
		t.Fatalf("missing program kept: %v", err)
	}
	if _, err := dao.GetAppById(m.gorm(), present.AppId); err != nil {
		t.Fatalf("existing program purged: %v", err)
	}
	if _, err := dao.GetAppById(m.gorm(), pattern.AppId); err != nil {
		t.Fatalf("wildcard purged: %v", err)
	}
}

func TestWalkAppsOrderAndEarlyStop(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		if err := m.AddApp(testApp(fmt.Sprintf("/usr/bin/w%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	var ids []int64
	if err := m.WalkApps(func(app *model.App) bool {
		ids = append(ids, app.AppId)
		return len(ids) < 2
	}); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("visited %d, want early stop at 2", len(ids))
	}
	if ids[0] >= ids[1] {
		t.Fatalf("ids out of order: %v", ids)
	}
}

/******** helpers ********/

func TestPrepareAppBlocked(t *testing.T) {
	cases := []struct {
		name    string
		app     model.App
		blocked bool
		kill    bool
		want    bool
	}{
		{"same state", model.App{Blocked: true}, true, false, false},
		{"block", model.App{}, true, false, true},
		{"kill only", model.App{Blocked: true}, true, true, true},
		{"alerted same state", model.App{Blocked: true, Alerted: true}, true, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := tc.app
			if got := prepareAppBlocked(&app, tc.blocked, tc.kill); got != tc.want {
				t.Fatalf("prepareAppBlocked = %v, want %v", got, tc.want)
			}
			if app.Alerted {
				t.Fatal("alerted must always be cleared")
			}
		})
	}
}
