package dao

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/model"
)

var connAggLog = logx.New(logx.WithPrefix("dao.conn_log_aggregator"))

// ConnLogAggregator batches connection-log rows into daily tables:
// strict FIFO, batch insert, failed batches re-queued for the next flush.
type ConnLogAggregator struct {
	db         *gorm.DB
	driver     string
	flushEvery time.Duration
	maxBatch   int

	inCh   chan connItem
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// daily-table existence: local cache + singleflight against concurrent ensure
	ensuredDays sync.Map
	sf          singleflight.Group

	ensure func(day string) error
}

type connItem struct {
	day string
	log model.ConnLog
}

func NewConnLogAggregator(
	db *gorm.DB, driver string,
	ensureTable func(day string) error,
	flushEvery time.Duration, maxBatch int,
) *ConnLogAggregator {
	if flushEvery <= 0 {
		flushEvery = 700 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &ConnLogAggregator{
		db:         db,
		driver:     strings.ToLower(driver),
		ensure:     ensureTable,
		flushEvery: flushEvery,
		maxBatch:   maxBatch,
		inCh:       make(chan connItem, maxBatch),
		ctx:        ctx,
		cancel:     cancel,
	}
	connAggLog.Infof("init flushEvery=%v maxBatch=%d driver=%s", a.flushEvery, a.maxBatch, a.driver)
	return a
}

func (a *ConnLogAggregator) Start() {
	a.wg.Add(1)
	go a.worker()
	connAggLog.Infof("started")
}

func (a *ConnLogAggregator) Shutdown() {
	connAggLog.Infof("shutdown begin")
	a.cancel()
	a.wg.Wait()
	connAggLog.Infof("shutdown done")
}

// AddConnLogAsync enqueues one record. The pre-ensure may fail without
// blocking the write, flush retries it.
func (a *ConnLogAggregator) AddConnLogAsync(day string, log model.ConnLog) {
	if err := a.ensureOnce(day); err != nil {
		connAggLog.Debugf("ensure pre-add failed day=%s err=%v (will retry in flush)", day, err)
	}

	select {
	case <-a.ctx.Done():
		return
	case a.inCh <- connItem{day: day, log: log}:
	}
}

func (a *ConnLogAggregator) worker() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	buf := make([]connItem, 0, a.maxBatch)

	flush := func() {
		n := len(buf)
		if n == 0 {
			return
		}

		byDay := make(map[string][]model.ConnLog, 4)
		daysOrder := make([]string, 0, 4)
		for _, it := range buf {
			if _, ok := byDay[it.day]; !ok {
				daysOrder = append(daysOrder, it.day)
			}
			byDay[it.day] = append(byDay[it.day], it.log)
		}

		next := make([]connItem, 0, n)
		totalOK := 0
		for _, day := range daysOrder {
			logs := byDay[day]

			if err := a.ensureOnce(day); err != nil {
				connAggLog.Warnf("ensure failed day=%s err=%v (defer, count=%d)", day, err, len(logs))
				for _, l := range logs {
					next = append(next, connItem{day: day, log: l})
				}
				continue
			}

			if err := a.batchInsert(day, logs); err != nil {
				connAggLog.Errorf("batch insert failed day=%s err=%v (defer, count=%d)", day, err, len(logs))
				for _, l := range logs {
					next = append(next, connItem{day: day, log: l})
				}
				continue
			}

			totalOK += len(logs)
		}

		if len(next) > 0 {
			connAggLog.Warnf("flush partial: ok=%d pending=%d", totalOK, len(next))
			buf = next
		} else {
			buf = buf[:0]
		}
	}

	for {
		select {
		case <-a.ctx.Done():
			// drain whatever is still queued before the final flush
		drain:
			for {
				select {
				case it := <-a.inCh:
					buf = append(buf, it)
				default:
					break drain
				}
			}
			flush()
			if len(buf) > 0 {
				connAggLog.Errorf("drop %d pending log(s) on shutdown (DB unavailable?)", len(buf))
			}
			return

		case it := <-a.inCh:
			buf = append(buf, it)
			if len(buf) >= a.maxBatch {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

func (a *ConnLogAggregator) ensureOnce(day string) error {
	if _, ok := a.ensuredDays.Load(day); ok {
		return nil
	}
	_, err, _ := a.sf.Do(day, func() (any, error) {
		if _, ok := a.ensuredDays.Load(day); ok {
			return nil, nil
		}
		if err := a.ensure(day); err != nil {
			return nil, err
		}
		a.ensuredDays.Store(day, struct{}{})
		return nil, nil
	})
	return err
}

func (a *ConnLogAggregator) batchInsert(day string, logs []model.ConnLog) error {
	if len(logs) == 0 {
		return nil
	}
	tbl := model.ConnTable(day)

	const cols = "time,app_path,pid,blocked,remote_addr,remote_port,protocol"

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	if a.driver == "mysql" {
		sb.WriteString("`" + tbl + "`")
	} else {
		sb.WriteString(tbl)
	}
	sb.WriteString(" (")
	sb.WriteString(cols)
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(logs)*7)
	for i, l := range logs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?,?,?,?,?,?,?)")
		args = append(args,
			l.Time, l.AppPath, l.Pid, l.Blocked, l.RemoteAddr, l.RemotePort, l.Protocol,
		)
	}
	return a.db.Exec(sb.String(), args...).Error
}
