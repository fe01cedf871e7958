package session

import (
	"context"
	"net"
	"time"

	"proxyrot/rot/common"
	"proxyrot/rot/common/logx"
	"proxyrot/rot/core/socks"
	"proxyrot/rot/core/stats"
	"proxyrot/rot/core/transport"
	"proxyrot/rot/pool"
)

var sessLog = logx.New(logx.WithPrefix("session"))

/************** 会话编排 **************/

// Orchestrator 驱动一个已接入的客户端走完
// SERVER_AUTH -> PICK_PROXY -> CONNECT_UP -> CHAIN_WALK -> RELAY。
type Orchestrator struct {
	Pool    *pool.Pool
	Auth    socks.ServerAuthConfig
	Timeout time.Duration // 协商期 I/O 超时；0 不限
	Retry   bool          // 上游失败时在池内重试（至多一整圈）

	// 可选：方向限速 bps（Up 为 client->upstream；0 不限）。
	// 每会话各造一份整形器，互不挤占。
	UpBps   int64
	DownBps int64

	OnFinish stats.Sink // 可为 nil
}

// Handle 跑完一个会话；两侧 socket 在所有退出路径上都会被关闭。
func (o *Orchestrator) Handle(ctx context.Context, c net.Conn) {
	start := time.Now()
	remote := c.RemoteAddr().String()
	sessLog.Debugf("connection from %s", remote)

	defer c.Close()

	if o.Timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(o.Timeout))
	}

	// 服务端半边认证：失败只关客户端，绝不重试
	if err := socks.ServerHandshake(c, o.Auth); err != nil {
		sessLog.Errorf("auth negotiation failed from %s: %v", remote, err)
		o.finish(stats.Record{
			Time: start.UnixMilli(), Client: remote,
			Dur: time.Since(start).Milliseconds(), Reason: "auth: " + err.Error(),
		})
		return
	}

	// 轮转选上游；重试上限是池子一整圈
	attempts := 1
	if o.Retry {
		attempts = o.Pool.Len()
	}

	var up net.Conn
	var picked *pool.ProxyInfo
	for i := 0; i < attempts; i++ {
		pi := o.Pool.Next()
		if pi == nil {
			break
		}

		conn, err := o.connectAndWalk(ctx, pi)
		if err != nil {
			sessLog.Errorf("upstream %s failed (%s): %v", pi, socks.KindOf(err), err)
			if o.Retry {
				continue
			}
			break
		}
		up, picked = conn, pi
		break
	}

	if up == nil {
		sessLog.Errorf("no usable upstream for %s", remote)
		o.finish(stats.Record{
			Time: start.UnixMilli(), Client: remote,
			Dur: time.Since(start).Milliseconds(), Reason: "no usable upstream",
		})
		return
	}
	defer up.Close()

	sessLog.Debugf("session %s via %s", remote, picked)

	// 进入桥接前清掉协商期超时；活桥不能因空闲超时自爆
	common.ClearDeadline(c)
	common.ClearDeadline(up)

	txUp, txDown, err := transport.Bridge(ctx, c, up, transport.BridgeOpts{
		Up:   common.Compose(common.MkShaper(o.UpBps, o.UpBps)),
		Down: common.Compose(common.MkShaper(o.DownBps, o.DownBps)),
	})
	rec := stats.Record{
		Time:     start.UnixMilli(),
		Client:   remote,
		Upstream: picked.String(),
		Protocol: picked.Proto,
		Up:       txUp,
		Down:     txDown,
		Dur:      time.Since(start).Milliseconds(),
		OK:       err == nil,
	}
	if err != nil {
		rec.Reason = err.Error()
		sessLog.Errorf("session %s via %s ended: %v", remote, picked, err)
	} else {
		sessLog.Infof("session %s via %s done (up=%d down=%d dur=%dms)", remote, picked, txUp, txDown, rec.Dur)
	}
	o.finish(rec)
}

// connectAndWalk 建上游 TCP，然后沿链逐跳 greet+auth；
// 中间跳再发 CONNECT 指向下一跳，终端跳不发 —— 那是客户端的事。
func (o *Orchestrator) connectAndWalk(ctx context.Context, head *pool.ProxyInfo) (net.Conn, error) {
	d := net.Dialer{Timeout: o.Timeout}
	up, err := d.DialContext(ctx, "tcp", head.Endpoint())
	if err != nil {
		return nil, err
	}
	if o.Timeout > 0 {
		_ = up.SetDeadline(time.Now().Add(o.Timeout))
	}

	for hop := head; ; {
		if err := socks.ClientGreet(up, hop); err != nil {
			_ = up.Close()
			return nil, err
		}
		if hop.Chain == nil {
			break
		}
		if err := socks.ChainConnect(up, hop.Chain); err != nil {
			_ = up.Close()
			return nil, err
		}
		hop = hop.Chain
		// 每跳重置协商窗口
		if o.Timeout > 0 {
			_ = up.SetDeadline(time.Now().Add(o.Timeout))
		}
	}
	return up, nil
}

func (o *Orchestrator) finish(r stats.Record) {
	if o.OnFinish != nil {
		o.OnFinish.Record(r)
	}
}
