package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dashke/fort/fw/api"
	"github.com/dashke/fort/fw/app"
	"github.com/dashke/fort/fw/common/logx"
)

var log = logx.New(logx.WithPrefix("server"))

func Run(cfgPath string) error {
	infoF, errF := logx.MustInit()
	if infoF != nil {
		defer infoF.Close()
	}
	if errF != nil {
		defer errF.Close()
	}

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	if err := a.Start(); err != nil {
		return err
	}
	log.Infof("[boot] started")

	r := api.New(a).Router()
	srv := &http.Server{
		Addr:    a.Cfg.API.Addr,
		Handler: r,
	}

	printListenHints(srv.Addr)

	go func() {
		if e := srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			log.Errorf("listen http: %v", e)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	log.Infof("[boot] stopping...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	a.Stop()

	log.Infof("[boot] bye")
	return nil
}

func printListenHints(bindAddr string) {
	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		log.Infof("[boot] listening: http://%s", bindAddr)
		return
	}

	var urls []string
	if host != "" && host != "0.0.0.0" && host != "::" {
		urls = append(urls, "http://"+net.JoinHostPort(host, port))
	} else {
		urls = append(urls, "http://"+net.JoinHostPort("127.0.0.1", port))
		if ip := firstLANIPv4(); ip != "" {
			urls = append(urls, "http://"+net.JoinHostPort(ip, port))
		}
	}

	log.Infof("[boot] listening:")
	for _, u := range urls {
		log.Infof("       -> %s", u)
	}
}

func firstLANIPv4() string {
	ifcs, _ := net.Interfaces()
	for _, itf := range ifcs {
		if itf.Flags&net.FlagUp == 0 || itf.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := itf.Addrs()
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip = ip.To4(); ip == nil {
				continue
			}
			if ip[0] == 127 || (ip[0] == 169 && ip[1] == 254) {
				continue
			}
			return ip.String()
		}
	}
	return ""
}
