// Package nfq intercepts new outbound connections via NFQUEUE, resolves
// the owning program and issues verdicts from the persisted rules.
package nfq

import (
	"errors"

	"github.com/dashke/fort/fw/core/conf"
	"github.com/dashke/fort/fw/db/dao"
	"github.com/dashke/fort/fw/model"
)

// RuleLookup is the slice of the rule engine the packet path needs.
type RuleLookup interface {
	FindAppByPath(path string) (*model.App, error)
}

// decideVerdict combines the filter flags with the matched rule.
//
// A program with no rule falls to the new-program policy: BlockTraffic or a
// disabled AllowAllNew blocks it, and the block is reported so an alerted
// rule gets synthesized for review. Connections whose owning program could
// not be resolved (app nil, no lookup error) carry no path to alert on; they
// only follow BlockTraffic. Lookup failures fail open.
func decideVerdict(fl conf.ConfFlags, app *model.App, lookupErr error) (blocked, logBlocked, logConn bool) {
	if !fl.FilterEnabled {
		return false, false, false
	}

	switch {
	case lookupErr == nil && app != nil:
		return app.Blocked || fl.BlockTraffic, app.LogBlocked, app.LogConn
	case errors.Is(lookupErr, dao.ErrAppNotFound):
		return fl.BlockTraffic || !fl.AllowAllNew, true, true
	case lookupErr != nil:
		return false, false, true
	default:
		return fl.BlockTraffic, false, true
	}
}
