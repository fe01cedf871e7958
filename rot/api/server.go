package api

import (
	"time"

	"proxyrot/rot/common/config"
	"proxyrot/rot/common/logx"
	"proxyrot/rot/db"
	"proxyrot/rot/pool"
)

var apiLog = logx.New(logx.WithPrefix("api"))

type Server struct {
	Cfg     *config.Config
	Pool    *pool.Pool
	DB      *db.DB // 日志库未启用时为 nil
	Hub     *Hub
	StartAt int64 // 毫秒
	Version string
}

func New(cfg *config.Config, p *pool.Pool, d *db.DB, version string) *Server {
	return &Server{
		Cfg:     cfg,
		Pool:    p,
		DB:      d,
		Hub:     NewHub(),
		StartAt: time.Now().UnixMilli(),
		Version: version,
	}
}
