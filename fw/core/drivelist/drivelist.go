// Package drivelist polls mounted volumes and reports newly-arrived ones
// so path rules pointing at them can be pushed to the driver.
package drivelist

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/dashke/fort/fw/common"
	"github.com/dashke/fort/fw/common/logx"
)

var log = logx.New(logx.WithPrefix("drivelist"))

const defaultPollInterval = 5 * time.Second

// Watcher tracks the bitmask of mounted volumes. Only additions are
// reported; a removed volume cannot make an unmatched rule match.
type Watcher struct {
	interval time.Duration
	onAdded  func(addedMask uint32)

	mask uint32
}

func NewWatcher(onAdded func(addedMask uint32)) *Watcher {
	return &Watcher{
		interval: defaultPollInterval,
		onAdded:  onAdded,
	}
}

// Run polls until ctx is done. The first poll seeds the mask without
// firing the callback.
func (w *Watcher) Run(ctx context.Context) error {
	w.mask = currentMask(ctx)
	log.Debugf("initial drive mask: %#x", w.mask)

	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			mask := currentMask(ctx)
			added := mask &^ w.mask
			w.mask = mask
			if added != 0 {
				log.Infof("drives arrived: mask=%#x", added)
				if w.onAdded != nil {
					w.onAdded(added)
				}
			}
		}
	}
}

func currentMask(ctx context.Context) uint32 {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		log.Warnf("partition list failed: %v", err)
		return 0
	}

	var mask uint32
	for _, p := range parts {
		mask |= common.DriveBit(p.Mountpoint)
	}
	return mask
}
