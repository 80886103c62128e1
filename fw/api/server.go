package api

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/dashke/fort/fw/app"
	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/core/conf"
)

var log = logx.New(logx.WithPrefix("api"))

type Server struct {
	App *app.App

	// rule mutations go through the capability interface, not the engine
	// type, so these handlers never grow engine-only assumptions
	Rules conf.RuleReconciler

	loginLimiter *rate.Limiter
}

func New(a *app.App) *Server {
	return &Server{
		App:   a,
		Rules: a.Engine,
		// 5 burst, one try per 2s refill, per process
		loginLimiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
	}
}
