// Package stats mirrors connection verdicts into InfluxDB for dashboards.
// The store stays the source of truth; this sink is fire-and-forget.
package stats

import (
	"crypto/tls"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/dashke/fort/fw/common/config"
	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/model"
)

var log = logx.New(logx.WithPrefix("stats"))

type Writer struct {
	client influxdb2.Client
	write  influxapi.WriteAPI
}

// NewWriter returns nil when no base_url is configured; callers treat a
// nil *Writer as a disabled sink.
func NewWriter(cfg config.InfluxDB2Config) *Writer {
	if cfg.BaseURL == "" {
		return nil
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(200).
		SetFlushInterval(uint(5 * time.Second / time.Millisecond))
	if cfg.InsecureSkipVerify {
		opts = opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	client := influxdb2.NewClientWithOptions(cfg.BaseURL, cfg.Token, opts)
	write := client.WriteAPI(cfg.Org, cfg.Bucket)

	w := &Writer{client: client, write: write}
	go func() {
		for err := range write.Errors() {
			log.Warnf("influx write failed: %v", err)
		}
	}()
	return w
}

// AddConn queues one connection verdict; the async write API batches.
func (w *Writer) AddConn(cl *model.ConnLog) {
	if w == nil {
		return
	}
	pt := influxdb2.NewPointWithMeasurement("conn").
		AddTag("proto", cl.Protocol).
		AddTag("blocked", boolTag(cl.Blocked)).
		AddField("app_path", cl.AppPath).
		AddField("pid", int64(cl.Pid)).
		AddField("remote_addr", cl.RemoteAddr).
		AddField("remote_port", int64(cl.RemotePort)).
		SetTime(time.UnixMilli(cl.Time))
	w.write.WritePoint(pt)
}

func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.write.Flush()
	w.client.Close()
}

func boolTag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
