package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"proxyrot/rot/common/logx"
)

// 连接处理器签名（会话编排器遵循它）
type Handler func(ctx context.Context, c net.Conn)

/************** 工作协程池 **************/

// Server 绑定一个 TCP 监听地址并起 N 个 worker 共享它；
// 每个 worker 循环 accept -> 同步跑会话 -> 关闭。
type Server struct {
	Addr    string
	Workers int

	ctx    context.Context
	cancel context.CancelFunc
	lis    net.Listener
	eg     *errgroup.Group

	lmu      sync.Mutex
	connMap  map[net.Conn]struct{}
	stopOnce sync.Once

	Log *logx.Logger
}

func New(addr string, workers int) *Server {
	s := &Server{
		Addr:    addr,
		Workers: workers,
		connMap: make(map[net.Conn]struct{}),
		Log:     logx.New(logx.WithPrefix("listener")),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Server) Context() context.Context { return s.ctx }

// BoundAddr 返回实际监听地址（Addr 写 :0 时端口由内核分配）
func (s *Server) BoundAddr() string {
	if s.lis == nil {
		return s.Addr
	}
	return s.lis.Addr().String()
}

// Start 绑定端口（SO_REUSEADDR/SO_REUSEPORT）并启动 workers。
func (s *Server) Start(handler Handler) error {
	lc := net.ListenConfig{Control: reuseControl}
	lis, err := lc.Listen(s.ctx, "tcp", s.Addr)
	if err != nil {
		return err
	}
	s.lis = lis
	s.Log.Infof("listening on %s", s.Addr)

	s.eg, _ = errgroup.WithContext(s.ctx)
	for i := 0; i < s.Workers; i++ {
		i := i
		s.Log.Infof("starting worker %d", i)
		s.eg.Go(func() error { return s.work(i, handler) })
	}
	return nil
}

// Wait 等所有 worker 退出；致命 accept 错误会带出来。
func (s *Server) Wait() error {
	if s.eg == nil {
		return nil
	}
	return s.eg.Wait()
}

func (s *Server) work(id int, handler Handler) error {
	defer s.Log.Infof("stopping worker %d", id)
	for {
		c, err := s.lis.Accept()
		if err != nil {
			// 被 Stop() 关掉 listener 或 ctx 取消：正常收工
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// 非停机原因的 accept 失败：本 worker 带诊断退出，其余继续
			s.Log.Errorf("worker %d accept error: %v", id, err)
			return err
		}
		if s.ctx.Err() != nil {
			_ = c.Close()
			return nil
		}

		s.trackConn(c)
		handler(s.ctx, c)
		s.untrackConn(c)
	}
}

func (s *Server) trackConn(c net.Conn) {
	s.lmu.Lock()
	s.connMap[c] = struct{}{}
	s.lmu.Unlock()
}

func (s *Server) untrackConn(c net.Conn) {
	s.lmu.Lock()
	delete(s.connMap, c)
	s.lmu.Unlock()
}

/************** 优雅停止 **************/

func (s *Server) Stop() {
	s.StopWithTimeout(10 * time.Second)
}

// StopWithTimeout：到点必停
func (s *Server) StopWithTimeout(timeout time.Duration) {
	s.stopOnce.Do(func() {
		s.Log.Infof("stopping listener (timeout=%s)", timeout)

		// 1) 关 listener，打断所有 worker 的 Accept()；
		//    在途会话自然跑完，所以先不取消 ctx
		if s.lis != nil {
			_ = s.lis.Close()
		}

		// 2) 等 worker 收尾
		done := make(chan struct{})
		go func() {
			_ = s.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.Log.Debugf("listener stopped gracefully")
		case <-time.After(timeout):
			// 3) 超时仍未退出：广播取消并强制关闭所有活动连接
			s.Log.Infof("force close all active conns after timeout")
			s.cancel()
			s.lmu.Lock()
			for c := range s.connMap {
				_ = c.Close()
			}
			s.lmu.Unlock()
			<-done
		}
		s.cancel()
	})
}
