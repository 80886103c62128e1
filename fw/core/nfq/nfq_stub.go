//go:build !linux

package nfq

import (
	"context"
	"errors"

	"github.com/dashke/fort/fw/core/conf"
	"github.com/dashke/fort/fw/model"
)

type Capture struct{}

func NewCapture(qnum uint16, rules RuleLookup, flags func() conf.ConfFlags,
	onBlocked func(entry *model.LogEntryBlocked),
	onConn func(cl *model.ConnLog)) *Capture {
	return &Capture{}
}

func (c *Capture) Run(ctx context.Context) error {
	return errors.New("nfqueue capture requires linux")
}
