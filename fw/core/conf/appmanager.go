package conf

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/dashke/fort/fw/common"
	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/core/driver"
	"github.com/dashke/fort/fw/db"
	"github.com/dashke/fort/fw/db/dao"
	"github.com/dashke/fort/fw/model"
	"github.com/dashke/fort/fw/notify"
)

var log = logx.New(logx.WithPrefix("conf.app"))

const (
	appEndTimerIntervalMin = 100 * time.Millisecond
	appEndTimerIntervalMax = 24 * time.Hour

	// Above this many rules, one bulk blocked-toggle is cheaper as a single
	// full rebuild than as N device round-trips.
	blockedBatchRebuild = 7
)

type Option func(*AppManager)

// WithErrorSink routes store/encode/driver error text to the user-facing
// display. The default only logs.
func WithErrorSink(fn func(msg string)) Option {
	return func(m *AppManager) { m.onError = fn }
}

// WithAppNameResolver supplies display names for auto-created rules.
func WithAppNameResolver(fn func(path string) string) Option {
	return func(m *AppManager) { m.appName = fn }
}

// WithConfFlags supplies the boolean configuration subset for driver writes.
func WithConfFlags(fn func() ConfFlags) Option {
	return func(m *AppManager) { m.flagsFn = fn }
}

// WithAlertLimit caps how fast blocked-connection events may mint new
// alerted rules.
func WithAlertLimit(l *rate.Limiter) Option {
	return func(m *AppManager) { m.alertLimiter = l }
}

// AppManager keeps the rule store, the in-memory rule objects and the
// kernel driver consistent across create/update/delete/expire. All
// mutations are serialized on one mutex; the expiry timer callback takes
// the same mutex, so no rule-level locking exists anywhere.
type AppManager struct {
	mu       sync.Mutex
	db       *db.DB
	gw       driver.Gateway
	notifier *notify.Notifier

	onError      func(msg string)
	appName      func(path string) string
	flagsFn      func() ConfFlags
	alertLimiter *rate.Limiter

	endTimer  *time.Timer
	driveMask uint32
	closed    bool
}

var _ RuleReconciler = (*AppManager)(nil)

func NewAppManager(d *db.DB, gw driver.Gateway, n *notify.Notifier, opts ...Option) *AppManager {
	m := &AppManager{
		db:       d,
		gw:       gw,
		notifier: n,
		onError:  func(msg string) { log.Errorf("app configuration error: %s", msg) },
		appName:  common.AppBaseName,
		flagsFn: func() ConfFlags {
			return ConfFlags{FilterEnabled: true, LogBlocked: true}
		},
		alertLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetUp runs the startup passes: the optional purge of rules whose
// programs left the disk, then the first expiry-timer arm.
func (m *AppManager) SetUp(purgeOnStart bool) error {
	if purgeOnStart {
		if err := m.PurgeApps(); err != nil {
			log.Warnf("purge on start failed: %v", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rearmEndTimerLocked()
	return nil
}

func (m *AppManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.endTimer != nil {
		m.endTimer.Stop()
	}
}

func (m *AppManager) gorm() *gorm.DB { return m.db.GormDataSource }

func (m *AppManager) surface(err error) {
	m.onError(err.Error())
}

/******** Rule mutations ********/

// AddOrUpdateApp upserts on the normalized path: saving a rule for a path
// that already has one replaces it instead of duplicating it.
func (m *AppManager) AddOrUpdateApp(app *model.App) error {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addOrUpdateAppLocked(app)
}

func (m *AppManager) addOrUpdateAppLocked(app *model.App) error {
	grp, err := dao.GetGroupByIndex(m.gorm(), app.GroupIndex)
	if err != nil {
		return err
	}

	err = m.gorm().Transaction(func(tx *gorm.DB) error {
		id, err := dao.UpsertApp(tx, app, grp.AppGroupId)
		if err != nil {
			return err
		}
		app.AppId = id
		if app.Alerted {
			return dao.InsertAppAlert(tx, id)
		}
		return dao.DeleteAppAlert(tx, id)
	})
	if err != nil {
		m.surface(err)
		return err
	}

	if app.EndTime != 0 {
		m.rearmEndTimerLocked()
	}
	m.notifier.Enqueue(notify.AppChanged)
	return nil
}

func (m *AppManager) AddApp(app *model.App) error {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.addOrUpdateAppLocked(app); err != nil {
		return err
	}
	// a failed driver push leaves the committed rule in place; the driver
	// catches up on the next full rebuild
	m.updateDriverUpdateAppConfLocked(app)
	return nil
}

func (m *AppManager) UpdateApp(app *model.App) error {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAppLocked(app)
}

func (m *AppManager) updateAppLocked(app *model.App) error {
	grp, err := dao.GetGroupByIndex(m.gorm(), app.GroupIndex)
	if err != nil {
		return err
	}

	err = m.gorm().Transaction(func(tx *gorm.DB) error {
		if err := dao.UpdateApp(tx, app, grp.AppGroupId); err != nil {
			return err
		}
		// an explicit user edit always clears the pending-review flag
		return dao.DeleteAppAlert(tx, app.AppId)
	})
	if err != nil {
		m.surface(err)
		return err
	}
	app.Alerted = false

	if app.EndTime != 0 {
		m.rearmEndTimerLocked()
	}
	m.notifier.Enqueue(notify.AppUpdated)

	m.updateDriverUpdateAppConfLocked(app)
	return nil
}

// UpdateAppName is a narrow single-column update; a single statement is
// atomic on its own, no explicit transaction needed.
func (m *AppManager) UpdateAppName(appId int64, name string) error {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := dao.UpdateAppName(m.gorm(), appId, name); err != nil {
		m.surface(err)
		return err
	}
	m.notifier.Enqueue(notify.AppUpdated)
	return nil
}

// DeleteApp reports whether the deleted rule was a wildcard; removing a
// wildcard can only be reflected by recomputing the whole configuration,
// which is left to the caller so batches coalesce it.
func (m *AppManager) DeleteApp(appId int64) (isWildcard bool, err error) {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.deleteAppLocked(appId, &isWildcard)
	return isWildcard, err
}

func (m *AppManager) deleteAppLocked(appId int64, wildcardSeen *bool) error {
	var (
		path       string
		isWildcard bool
	)
	err := m.gorm().Transaction(func(tx *gorm.DB) error {
		var err error
		path, isWildcard, err = dao.DeleteApp(tx, appId)
		if err != nil {
			return err
		}
		return dao.DeleteAppAlert(tx, appId)
	})
	if err != nil {
		m.surface(err)
		return err
	}

	if isWildcard {
		*wildcardSeen = true
	} else if path != "" {
		m.updateDriverDeleteAppLocked(path)
	}

	m.notifier.Enqueue(notify.AppChanged)
	return nil
}

// DeleteApps removes each rule; if any of them was a wildcard, exactly one
// full rebuild runs at the end instead of one per wildcard.
func (m *AppManager) DeleteApps(appIds []int64) error {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteAppsLocked(appIds)
}

func (m *AppManager) deleteAppsLocked(appIds []int64) error {
	var firstErr error
	wildcardSeen := false

	for _, appId := range appIds {
		if err := m.deleteAppLocked(appId, &wildcardSeen); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if wildcardSeen {
		m.updateDriverConfLocked(false)
	}
	return firstErr
}

// UpdateAppsBlocked is the bulk enable/disable. Rules already carrying the
// requested state are skipped entirely: no store write, no driver traffic.
func (m *AppManager) UpdateAppsBlocked(appIds []int64, blocked, killProcess bool) error {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	rebuild := len(appIds) > blockedBatchRebuild

	for _, appId := range appIds {
		if err := m.updateAppBlockedLocked(appId, blocked, killProcess, &rebuild); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if rebuild {
		m.updateDriverConfLocked(false)
	}
	return firstErr
}

func (m *AppManager) updateAppBlockedLocked(appId int64, blocked, killProcess bool, rebuild *bool) error {
	app, err := dao.GetAppById(m.gorm(), appId)
	if err != nil {
		return err
	}

	if !prepareAppBlocked(app, blocked, killProcess) {
		return nil
	}
	if err := m.saveAppBlockedLocked(app); err != nil {
		return err
	}

	if app.IsWildcard {
		*rebuild = true
	} else if !*rebuild {
		m.updateDriverUpdateAppLocked(app, false)
	}
	return nil
}

// prepareAppBlocked applies the toggle in memory and reports whether
// anything actually changed. Toggling an alerted rule always counts as a
// change: reviewing the alert is itself an edit.
func prepareAppBlocked(app *model.App, blocked, killProcess bool) bool {
	wasAlerted := app.Alerted
	app.Alerted = false

	if !wasAlerted {
		if app.Blocked == blocked && app.KillProcess == killProcess {
			return false
		}
	}

	app.Blocked = blocked
	app.KillProcess = killProcess
	return true
}

func (m *AppManager) saveAppBlockedLocked(app *model.App) error {
	err := m.gorm().Transaction(func(tx *gorm.DB) error {
		if err := dao.UpdateAppBlocked(tx, app.AppId, app.Blocked, app.KillProcess); err != nil {
			return err
		}
		return dao.DeleteAppAlert(tx, app.AppId)
	})
	if err != nil {
		m.surface(err)
		return err
	}
	app.EndTime = 0

	m.notifier.Enqueue(notify.AppUpdated)
	return nil
}

// PurgeApps drops every rule whose concrete program file no longer exists
// on a mounted volume.
func (m *AppManager) PurgeApps() error {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := dao.ListAppPaths(m.gorm())
	if err != nil {
		m.surface(err)
		return err
	}

	var appIds []int64
	for _, r := range rows {
		if r.Path == nil {
			continue
		}
		path := *r.Path
		if common.IsDriveFilePath(path) && !common.FileExists(path) {
			appIds = append(appIds, r.AppId)
			log.Debugf("purge obsolete app: %d %s", r.AppId, path)
		}
	}

	return m.deleteAppsLocked(appIds)
}

// LogBlockedApp turns an observed blocked connection into an alerted rule
// pending user review, unless the path already has one.
func (m *AppManager) LogBlockedApp(entry *model.LogEntryBlocked) error {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	path := common.NormalizePath(entry.Path)
	if path == "" {
		return nil
	}

	if id, err := dao.AppIdByPath(m.gorm(), path); err != nil {
		m.surface(err)
		return err
	} else if id > 0 {
		return nil // already added by user
	}

	if m.alertLimiter != nil && !m.alertLimiter.Allow() {
		log.Debugf("alert flood: dropping auto-rule for %s", path)
		return nil
	}

	app := &model.App{
		Blocked:      entry.Blocked,
		Alerted:      true,
		GroupIndex:   0, // "Main" group
		OriginPath:   entry.Path,
		Path:         path,
		Name:         m.appName(entry.Path),
		UseGroupPerm: true,
		LogBlocked:   true,
	}

	if err := m.addOrUpdateAppLocked(app); err != nil {
		return err
	}
	m.notifier.Enqueue(notify.AppAlerted)
	return nil
}

// WalkApps streams every persisted rule, joined with its group index and
// alert flag, in stable app_id order. The visitor returning false stops
// the walk.
func (m *AppManager) WalkApps(fn func(app *model.App) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	apps, err := dao.ListApps(m.gorm())
	if err != nil {
		return err
	}
	for i := range apps {
		if !fn(&apps[i]) {
			return nil
		}
	}
	return nil
}

// FindAppByPath serves the packet path: rule lookup by normalized path.
func (m *AppManager) FindAppByPath(path string) (*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return dao.GetAppByPath(m.gorm(), common.NormalizePath(path))
}

/******** Expiry scheduler ********/

// RearmEndTimer recomputes the expiry deadline. Also called on system
// clock jumps, since the armed delay was derived from wall-clock time.
func (m *AppManager) RearmEndTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rearmEndTimerLocked()
}

func (m *AppManager) rearmEndTimerLocked() {
	if m.closed {
		return
	}

	endMs, err := dao.MinEndTime(m.gorm())
	if err != nil {
		log.Errorf("min end-time query failed: %v", err)
		return
	}
	if endMs == 0 {
		if m.endTimer != nil {
			m.endTimer.Stop()
		}
		return
	}

	// floor avoids tight-looping on near-past deadlines, ceiling bounds
	// staleness when the clock jumps forward
	delay := time.Until(time.UnixMilli(endMs))
	if delay > appEndTimerIntervalMax {
		delay = appEndTimerIntervalMax
	}
	if delay < appEndTimerIntervalMin {
		delay = appEndTimerIntervalMin
	}

	if m.endTimer == nil {
		m.endTimer = time.AfterFunc(delay, m.sweepAppEndTimes)
	} else {
		m.endTimer.Stop()
		m.endTimer.Reset(delay)
	}
	log.Debugf("expiry timer armed: %s", delay)
}

// sweepAppEndTimes blocks every rule whose deadline passed. One timer and
// one sweep handle any number of pending expirations.
func (m *AppManager) sweepAppEndTimes() {
	defer m.notifier.Flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.sweepAppEndTimesLocked(time.Now().UnixMilli())
}

func (m *AppManager) sweepAppEndTimesLocked(nowMs int64) {
	apps, err := dao.ListEndedApps(m.gorm(), nowMs)
	if err != nil {
		log.Errorf("ended-apps query failed: %v", err)
		return
	}

	for i := range apps {
		app := &apps[i]
		app.Blocked = true
		app.KillProcess = false
		app.EndTime = 0

		if err := m.updateAppLocked(app); err != nil {
			log.Errorf("expire app %d failed: %v", app.AppId, err)
		}
	}

	m.rearmEndTimerLocked()
}

/******** Driver sync ********/

// DriveMask is the advisory union of volume bits referenced by persisted
// path rules; removals do not clear bits, the next full rebuild recomputes.
func (m *AppManager) DriveMask() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driveMask
}

// OnDriveMaskChanged reacts to newly-arrived volumes: a path rule that
// could not match before may be satisfiable now.
func (m *AppManager) OnDriveMaskChanged(addedMask uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driveMask&addedMask != 0 {
		m.updateDriverConfLocked(false)
	}
}

func (m *AppManager) UpdateDriverConf(onlyFlags bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateDriverConfLocked(onlyFlags)
}

func (m *AppManager) updateDriverConfLocked(onlyFlags bool) error {
	w := &ConfWriter{}

	var (
		buf []byte
		err error
	)
	if onlyFlags {
		buf, err = w.WriteFlags(m.flagsFn())
	} else {
		var snap *ConfSnapshot
		snap, err = m.snapshotLocked()
		if err == nil {
			buf, err = w.WriteConf(snap)
		}
	}
	if err != nil {
		m.surface(err)
		return err
	}

	if err := m.gw.WriteConf(buf, onlyFlags); err != nil {
		m.surface(err)
		return err
	}

	if !onlyFlags {
		m.driveMask = w.DriveMask()
	}
	return nil
}

func (m *AppManager) snapshotLocked() (*ConfSnapshot, error) {
	g := m.gorm()
	groups, err := dao.ListGroups(g)
	if err != nil {
		return nil, err
	}
	zones, err := dao.ListZones(g)
	if err != nil {
		return nil, err
	}
	apps, err := dao.ListApps(g)
	if err != nil {
		return nil, err
	}
	return &ConfSnapshot{
		Flags:  m.flagsFn(),
		Groups: groups,
		Zones:  zones,
		Apps:   apps,
	}, nil
}

func (m *AppManager) updateDriverDeleteAppLocked(path string) error {
	app := &model.App{Path: path}
	return m.updateDriverUpdateAppLocked(app, true)
}

func (m *AppManager) updateDriverUpdateAppLocked(app *model.App, remove bool) error {
	w := &ConfWriter{}

	buf, err := w.WriteAppEntry(app, false)
	if err != nil {
		m.surface(err)
		return err
	}

	if err := m.gw.WriteApp(buf, remove); err != nil {
		m.surface(err)
		return err
	}

	if !remove {
		m.driveMask |= w.DriveMask()
	}
	return nil
}

// updateDriverUpdateAppConfLocked is the single place deciding incremental
// vs full: wildcards can change matching broadly, so they always rebuild.
func (m *AppManager) updateDriverUpdateAppConfLocked(app *model.App) error {
	if app.IsWildcard {
		return m.updateDriverConfLocked(false)
	}
	return m.updateDriverUpdateAppLocked(app, false)
}
