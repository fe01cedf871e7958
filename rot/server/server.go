package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"proxyrot/rot/api"
	"proxyrot/rot/common/config"
	"proxyrot/rot/common/logx"
	"proxyrot/rot/core/listener"
	"proxyrot/rot/core/session"
	"proxyrot/rot/core/socks"
	"proxyrot/rot/core/stats"
	"proxyrot/rot/db"
	"proxyrot/rot/pool"
	"proxyrot/rot/tlmt"
)

// Run 启动整个服务并阻塞到退出信号；返回非 nil 表示致命错误（退出码 1）。
func Run(cfg *config.Config, pl *pool.Pool, version string) error {
	// 1) 日志
	logF, errF := logx.MustInit()
	defer logF.Close()
	defer errF.Close()
	logx.SetLevelString(cfg.Logging.Level)
	boot := logx.New(logx.WithPrefix("boot"))

	// 写断掉的 socket 走错误返回，不要信号
	signal.Ignore(syscall.SIGPIPE)

	if cfg.Auth.NoAuth {
		boot.Infof("accepting no auth")
	}
	if cfg.Auth.Userpass != "" {
		boot.Infof("accepting userpass auth")
	}

	// 2) 会话落库（可选）
	var store *db.DB
	var writer *db.SessionWriter
	if cfg.DB.Enable {
		d, err := db.OpenGorm(cfg.DB.Driver, cfg.DB.DSN, cfg.DB.Pool)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		if err := db.Migrate(d); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
		if err := db.EnsureAdmin(d); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		store = d
		writer = db.NewSessionWriter(d, 200, 500*time.Millisecond)
		writer.Start()
		boot.Infof("session log store ready (driver=%s)", cfg.DB.Driver)
	}

	// 3) 指标（可选）
	metrics := tlmt.New(cfg.Metrics)

	// 4) 管理 API（可选）
	var apiSrv *api.Server
	var httpSrv *http.Server
	if cfg.Admin.Enable {
		apiSrv = api.New(cfg, pl, store, version)
		httpSrv = &http.Server{Addr: cfg.Admin.Addr, Handler: apiSrv.Router()}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				boot.Errorf("admin api: %v", err)
			}
		}()
		boot.Infof("admin api on %s", cfg.Admin.Addr)
	}

	// 5) 会话记录扇出
	sinks := stats.Fanout{metrics}
	if writer != nil {
		sinks = append(sinks, writer)
	}
	if apiSrv != nil {
		sinks = append(sinks, apiSrv.Hub)
	}

	// 6) 会话编排 + 工作协程池
	orch := &session.Orchestrator{
		Pool: pl,
		Auth: socks.ServerAuthConfig{
			AcceptNoAuth:   cfg.Auth.NoAuth,
			AcceptUserpass: cfg.Auth.Userpass != "",
			User:           cfg.Auth.User,
			Pass:           cfg.Auth.Pass,
			CheckPass:      cfg.Auth.CheckPass,
		},
		Timeout:  time.Duration(cfg.Server.IOTimeoutSec) * time.Second,
		Retry:    cfg.Server.Retry,
		UpBps:    cfg.Limits.UpBps,
		DownBps:  cfg.Limits.DownBps,
		OnFinish: sinks,
	}

	bind := net.JoinHostPort(cfg.Server.Addr, strconv.Itoa(cfg.Server.Port))
	lsrv := listener.New(bind, cfg.Server.Workers)
	if err := lsrv.Start(orch.Handle); err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	boot.Infof("started")

	// 7) 等退出：信号，或全部 worker 因致命错误死掉
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerErr := make(chan error, 1)
	go func() { workerErr <- lsrv.Wait() }()

	var fatal error
	select {
	case <-ctx.Done():
	case err := <-workerErr:
		if err != nil {
			fatal = fmt.Errorf("workers failed: %w", err)
		}
	}
	stop()
	boot.Infof("stopping...")

	// 8) 优雅关闭
	lsrv.StopWithTimeout(10 * time.Second)
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(sctx)
		cancel()
	}
	if apiSrv != nil {
		apiSrv.Hub.Close()
	}
	if writer != nil {
		writer.Stop()
	}
	metrics.Close()

	boot.Infof("bye")
	return fatal
}
