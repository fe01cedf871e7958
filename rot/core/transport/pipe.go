package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"proxyrot/rot/common"
	"proxyrot/rot/common/logx"
)

var pipeLog = logx.New(logx.WithPrefix("transport"))

const (
	bridgeBuf  = 4096            // 单方向搬运缓冲
	idleSweep  = 2 * time.Second // 空闲检测周期
	idleRounds = 2               // 连续空闲周期数，达到即判定双方都已安静断开
)

// BridgeOpts 可选限速：Up 是 client->upstream，Down 反之。nil 不限。
type BridgeOpts struct {
	Up   common.MultiLimiter
	Down common.MultiLimiter
}

// Bridge 在 client 与 upstream 之间双向搬运字节直到会话结束。
// 结束条件：任一侧 EOF/错误；连续 idleRounds 个周期两个方向都没有字节
// （双方都悄悄断开、又没有 TCP 通知的会话靠它回收）；ctx 取消。
// 返回两个方向的字节数；干净结束 err 为 nil。
func Bridge(ctx context.Context, client, upstream net.Conn, opts BridgeOpts) (up, down int64, err error) {
	enableTCPKA(client, 30*time.Second)
	enableTCPKA(upstream, 30*time.Second)

	var upBytes, downBytes atomic.Int64
	res := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res <- copyDir(ctx, upstream, client, &upBytes, opts.Up)
	}()
	go func() {
		defer wg.Done()
		res <- copyDir(ctx, client, upstream, &downBytes, opts.Down)
	}()

	// 空闲监督：每个周期看两个方向的累计量有没有动
	err = func() error {
		t := time.NewTicker(idleSweep)
		defer t.Stop()
		var last, prev int64 = 0, -1
		for {
			select {
			case e := <-res:
				return e
			case <-ctx.Done():
				return nil
			case <-t.C:
				total := upBytes.Load() + downBytes.Load()
				if total == last && last == prev {
					pipeLog.Debugf("bridge idle for %d sweeps, ending session", idleRounds)
					return nil
				}
				prev, last = last, total
			}
		}
	}()

	// 唤醒并关闭两侧，等搬运协程收尾
	common.Nudge(client)
	common.Nudge(upstream)
	_ = client.Close()
	_ = upstream.Close()
	wg.Wait()

	return upBytes.Load(), downBytes.Load(), err
}

// copyDir 单方向搬运：整读整写，短写即失败；EOF/对端关闭算干净结束。
func copyDir(ctx context.Context, dst, src net.Conn, counter *atomic.Int64, ml common.MultiLimiter) error {
	buf := make([]byte, bridgeBuf)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if ml != nil {
				if err := ml.WaitN(ctx, n); err != nil {
					return nil // 取消中
				}
			}
			w := buf[:n]
			for len(w) > 0 {
				m, werr := dst.Write(w)
				if werr != nil {
					return werr
				}
				w = w[m:]
			}
			counter.Add(int64(n))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) {
				common.CloseWriteIfTCP(dst)
				return nil
			}
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				// 关闭路径上 Nudge 打出来的超时；交给监督方收尾
				return nil
			}
			return rerr
		}
	}
}

func enableTCPKA(c net.Conn, period time.Duration) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		if period > 0 {
			_ = tc.SetKeepAlivePeriod(period)
		}
		_ = tc.SetNoDelay(true)
	}
}
