package nfq

import (
	"errors"
	"testing"

	"github.com/dashke/fort/fw/core/conf"
	"github.com/dashke/fort/fw/db/dao"
	"github.com/dashke/fort/fw/model"
)

func TestDecideVerdict(t *testing.T) {
	on := conf.ConfFlags{FilterEnabled: true}
	errDB := errors.New("db gone")

	tests := []struct {
		name       string
		flags      conf.ConfFlags
		app        *model.App
		err        error
		blocked    bool
		logBlocked bool
		logConn    bool
	}{
		{
			name:  "filter disabled passes everything",
			flags: conf.ConfFlags{},
			app:   &model.App{Blocked: true, LogBlocked: true, LogConn: true},
		},
		{
			name:    "allowed rule passes",
			flags:   on,
			app:     &model.App{LogConn: true},
			logConn: true,
		},
		{
			name:       "blocked rule drops with its own log flags",
			flags:      on,
			app:        &model.App{Blocked: true, LogBlocked: true},
			blocked:    true,
			logBlocked: true,
		},
		{
			name:    "block traffic overrides an allowed rule",
			flags:   conf.ConfFlags{FilterEnabled: true, BlockTraffic: true},
			app:     &model.App{LogConn: true},
			blocked: true,
			logConn: true,
		},
		{
			name:       "new program blocked and reported by default",
			flags:      on,
			err:        dao.ErrAppNotFound,
			blocked:    true,
			logBlocked: true,
			logConn:    true,
		},
		{
			name:       "allow all new lets unknown programs pass",
			flags:      conf.ConfFlags{FilterEnabled: true, AllowAllNew: true},
			err:        dao.ErrAppNotFound,
			logBlocked: true,
			logConn:    true,
		},
		{
			name:       "block traffic beats allow all new",
			flags:      conf.ConfFlags{FilterEnabled: true, AllowAllNew: true, BlockTraffic: true},
			err:        dao.ErrAppNotFound,
			blocked:    true,
			logBlocked: true,
			logConn:    true,
		},
		{
			name:    "lookup failure fails open",
			flags:   conf.ConfFlags{FilterEnabled: true, BlockTraffic: true},
			err:     errDB,
			logConn: true,
		},
		{
			name:    "unresolved owner follows block traffic only",
			flags:   conf.ConfFlags{FilterEnabled: true, BlockTraffic: true},
			blocked: true,
			logConn: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			blocked, logBlocked, logConn := decideVerdict(tc.flags, tc.app, tc.err)
			if blocked != tc.blocked || logBlocked != tc.logBlocked || logConn != tc.logConn {
				t.Fatalf("decideVerdict = (blocked=%v logBlocked=%v logConn=%v), want (%v %v %v)",
					blocked, logBlocked, logConn, tc.blocked, tc.logBlocked, tc.logConn)
			}
		})
	}
}
