package tlmt

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"

	"proxyrot/rot/common/config"
	"proxyrot/rot/common/logx"
	"proxyrot/rot/core/stats"
)

var log = logx.New(logx.WithPrefix("tlmt"))

/************** 指标出口（可选 InfluxDB） **************/

// Sink 统一出口；未启用时用 noop。
type Sink interface {
	stats.Sink
	Close()
}

type noop struct{}

func (noop) Record(stats.Record) {}
func (noop) Close()              {}

type influxSink struct {
	client influxdb2.Client
	write  influxapi.WriteAPI
}

// New 按配置装配：Metrics.Enable 为假时返回 noop。
func New(cfg config.MetricsCfg) Sink {
	if !cfg.Enable {
		return noop{}
	}
	client := influxdb2.NewClient(cfg.BaseURL, cfg.Token)
	w := client.WriteAPI(cfg.Org, cfg.Bucket)
	// 写失败只记日志，不影响会话
	go func() {
		for err := range w.Errors() {
			log.Errorf("influx write: %v", err)
		}
	}()
	log.Infof("influx metrics enabled (%s bucket=%s)", cfg.BaseURL, cfg.Bucket)
	return &influxSink{client: client, write: w}
}

func (s *influxSink) Record(r stats.Record) {
	status := "ok"
	if !r.OK {
		status = "failed"
	}
	p := influxdb2.NewPointWithMeasurement("session").
		AddTag("upstream", r.Upstream).
		AddTag("protocol", r.Protocol).
		AddTag("status", status).
		AddField("up", r.Up).
		AddField("down", r.Down).
		AddField("dur_ms", r.Dur).
		SetTime(time.UnixMilli(r.Time))
	s.write.WritePoint(p)
}

func (s *influxSink) Close() {
	s.write.Flush()
	s.client.Close()
}
