package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dashke/fort/fw/common/config"
	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/core/conf"
	"github.com/dashke/fort/fw/core/drivelist"
	"github.com/dashke/fort/fw/core/driver"
	"github.com/dashke/fort/fw/core/nfq"
	"github.com/dashke/fort/fw/db"
	"github.com/dashke/fort/fw/db/dao"
	"github.com/dashke/fort/fw/model"
	"github.com/dashke/fort/fw/notify"
	"github.com/dashke/fort/fw/stats"
)

var log = logx.New(logx.WithPrefix("app"))

// clock jumps larger than this re-derive the expiry deadline
const clockSkewTolerance = 2 * time.Second

type App struct {
	Cfg     *config.Config
	CfgPath string

	MasterDB *db.DB
	LogDB    *db.DB

	Notifier *notify.Notifier
	Hub      *notify.Hub
	Engine   *conf.AppManager

	ConnAggregator *dao.ConnLogAggregator
	Stats          *stats.Writer

	device  *driver.Device
	drives  *drivelist.Watcher
	capture *nfq.Capture

	Ctx    context.Context
	Cancel context.CancelFunc
	eg     *errgroup.Group

	Log *logx.Logger
}

func New(cfgPath string) (*App, error) {
	cfg, cfgP, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &App{
		Cfg:     cfg,
		CfgPath: cfgP,
		Log:     log,
	}
	logx.SetLevelString(a.Cfg.Logging.Level)
	a.Log.Infof("config loaded from %s", cfgP)

	// master db: rules, groups, zones
	master := cfg.DB.Master
	a.Log.Debugf("opening master db: driver=%s", master.Driver)
	masterDB, err := db.OpenGorm(master.Driver, master.DSN, master.Pool)
	if err != nil {
		return nil, fmt.Errorf("open master db: %w", err)
	}
	if err := db.MigrateMasterSQL(masterDB.GormDataSource, masterDB.Driver); err != nil {
		return nil, fmt.Errorf("auto-migrate master: %w", err)
	}
	a.MasterDB = masterDB
	a.Log.Infof("master db connected (driver=%s)", master.Driver)

	// log db: daily connection tables
	if cfg.DB.Log.Enable {
		logCfg := cfg.DB.Log
		a.Log.Debugf("opening log db: driver=%s", logCfg.Driver)
		logDB, err := db.OpenGorm(logCfg.Driver, logCfg.DSN, logCfg.Pool)
		if err != nil {
			return nil, fmt.Errorf("open log db: %w", err)
		}
		day := time.Now().Format("20060102")
		if err := db.EnsureConnLogTable(logDB, day); err != nil {
			return nil, fmt.Errorf("ensure conn log table for %s: %w", day, err)
		}
		a.LogDB = logDB
		a.ConnAggregator = dao.NewConnLogAggregator(
			a.LogDB.GormDataSource,
			a.LogDB.Driver,
			func(d string) error { return db.EnsureConnLogTable(a.LogDB, d) },
			1*time.Second,
			1000,
		)
		a.ConnAggregator.Start()
		a.Log.Infof("log db connected (driver=%s), conn aggregator started (batch=1000, flush=1s, day=%s)", logCfg.Driver, day)
	} else {
		a.Log.Infof("log db disabled")
	}

	a.Stats = stats.NewWriter(cfg.Influx)
	if a.Stats != nil {
		a.Log.Infof("influx stats sink enabled (%s)", cfg.Influx.BaseURL)
	}

	// notifications: coalescing queue fanned out over websocket
	a.Notifier = notify.NewNotifier()
	a.Hub = notify.NewHub()
	a.Notifier.Subscribe(a.Hub.Broadcast)

	// kernel gateway; without the device the engine still serves the store
	var gw driver.Gateway = &driver.Noop{}
	if cfg.Driver.Enable {
		dev, err := driver.OpenDevice(cfg.Driver.Device)
		if err != nil {
			a.Log.Warnf("driver device %s unavailable, running detached: %v", cfg.Driver.Device, err)
		} else {
			a.device = dev
			gw = dev
			a.Log.Infof("driver device opened: %s", cfg.Driver.Device)
		}
	}

	// the verdict path and the driver see the same flag snapshot
	flagsFn := func() conf.ConfFlags {
		return conf.ConfFlags{
			FilterEnabled: cfg.Ini.FilterEnabled,
			BlockTraffic:  cfg.Ini.BlockTraffic,
			AllowAllNew:   cfg.Ini.AllowAllNew,
			LogBlocked:    cfg.Ini.LogBlocked,
			LogConn:       cfg.Ini.LogConn,
		}
	}

	a.Engine = conf.NewAppManager(a.MasterDB, gw, a.Notifier,
		conf.WithConfFlags(flagsFn),
	)

	a.drives = drivelist.NewWatcher(a.Engine.OnDriveMaskChanged)

	if cfg.Nfq.Enable {
		a.capture = nfq.NewCapture(cfg.Nfq.QueueNum, a.Engine, flagsFn, a.onBlockedConn, a.onConn)
	}

	return a, nil
}

func (a *App) onBlockedConn(entry *model.LogEntryBlocked) {
	if !a.Cfg.Ini.LogBlocked {
		return
	}
	if err := a.Engine.LogBlockedApp(entry); err != nil {
		a.Log.Warnf("log blocked app failed: %v", err)
	}
}

func (a *App) onConn(cl *model.ConnLog) {
	if !a.Cfg.Ini.LogConn {
		return
	}
	if a.ConnAggregator != nil {
		a.ConnAggregator.AddConnLogAsync(time.UnixMilli(cl.Time).Format("20060102"), *cl)
	}
	a.Stats.AddConn(cl)
}

/* -------------------- start / stop -------------------- */

func (a *App) Start() error {
	a.Ctx, a.Cancel = context.WithCancel(context.Background())

	if err := a.Engine.SetUp(a.Cfg.Ini.PurgeOnStart); err != nil {
		return err
	}
	// first full push so the driver matches the store from second one
	if err := a.Engine.UpdateDriverConf(false); err != nil {
		a.Log.Warnf("initial driver push failed: %v", err)
	}

	a.eg, _ = errgroup.WithContext(a.Ctx)

	a.eg.Go(func() error { return a.drives.Run(a.Ctx) })
	a.eg.Go(func() error { return a.watchClock(a.Ctx) })

	if a.capture != nil {
		a.eg.Go(func() error {
			if err := a.capture.Run(a.Ctx); err != nil && a.Ctx.Err() == nil {
				a.Log.Errorf("nfq capture stopped: %v", err)
			}
			return nil
		})
	}

	a.Log.Infof("started")
	return nil
}

// watchClock detects wall-clock jumps (manual change, NTP step, resume
// from suspend) that invalidate the armed expiry delay.
func (a *App) watchClock(ctx context.Context) error {
	const interval = 30 * time.Second

	prev := time.Now()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			now := time.Now()
			elapsed := now.Sub(prev)                       // monotonic
			wallDelta := now.Round(0).Sub(prev.Round(0))   // wall
			if d := wallDelta - elapsed; d > clockSkewTolerance || d < -clockSkewTolerance {
				a.Log.Infof("clock jump detected (%s), rearming expiry timer", d)
				a.Engine.RearmEndTimer()
			}
			prev = now
		}
	}
}

func (a *App) Stop() {
	if a.Cancel != nil {
		a.Cancel()
	}
	if a.eg != nil {
		_ = a.eg.Wait()
	}

	a.Engine.Close()
	a.Hub.CloseAll()

	if a.ConnAggregator != nil {
		a.ConnAggregator.Shutdown()
	}
	a.Stats.Close()

	if a.device != nil {
		_ = a.device.Close()
	}
	a.Log.Infof("stopped")
}
