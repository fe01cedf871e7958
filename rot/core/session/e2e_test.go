package session

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"proxyrot/rot/core/listener"
	"proxyrot/rot/core/socks"
)

// 整机链路：标准 SOCKS5 客户端(x/net/proxy) -> 本服务 -> 终端上游 mock
func TestEndToEndWithStandardClient(t *testing.T) {
	host, port := mockTerminalUpstream(t)
	pl := mkPool(t, "socks5h "+host+" "+port)

	o := &Orchestrator{
		Pool:    pl,
		Auth:    socks.ServerAuthConfig{AcceptNoAuth: true},
		Timeout: 5 * time.Second,
	}

	lsrv := listener.New("127.0.0.1:0", 2)
	if err := lsrv.Start(o.Handle); err != nil {
		t.Fatal(err)
	}
	defer lsrv.StopWithTimeout(5 * time.Second)

	d, err := proxy.SOCKS5("tcp", lsrv.BoundAddr(), nil, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := d.Dial("tcp", "dest.internal:80")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := []byte("end to end")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("payload mangled end to end")
	}
}

// userpass 全链路：客户端带对/错凭据
func TestEndToEndUserpass(t *testing.T) {
	host, port := mockTerminalUpstream(t)
	pl := mkPool(t, "socks5h "+host+" "+port)

	o := &Orchestrator{
		Pool:    pl,
		Auth:    socks.ServerAuthConfig{AcceptUserpass: true, User: "u", Pass: "p", CheckPass: true},
		Timeout: 5 * time.Second,
	}
	lsrv := listener.New("127.0.0.1:0", 2)
	if err := lsrv.Start(o.Handle); err != nil {
		t.Fatal(err)
	}
	defer lsrv.StopWithTimeout(5 * time.Second)

	good, err := proxy.SOCKS5("tcp", lsrv.BoundAddr(), &proxy.Auth{User: "u", Password: "p"}, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := good.Dial("tcp", "dest.internal:80")
	if err != nil {
		t.Fatalf("good creds rejected: %v", err)
	}
	conn.Close()

	bad, err := proxy.SOCKS5("tcp", lsrv.BoundAddr(), &proxy.Auth{User: "u", Password: "x"}, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bad.Dial("tcp", "dest.internal:80"); err == nil {
		t.Fatal("bad creds accepted")
	}
}

// 场景 6：停机时在途会话自然跑完，accept 被解除阻塞
func TestShutdownDrainsInFlight(t *testing.T) {
	host, port := mockTerminalUpstream(t)
	pl := mkPool(t, "socks5h "+host+" "+port)

	o := &Orchestrator{
		Pool:    pl,
		Auth:    socks.ServerAuthConfig{AcceptNoAuth: true},
		Timeout: 5 * time.Second,
	}
	lsrv := listener.New("127.0.0.1:0", 2)
	if err := lsrv.Start(o.Handle); err != nil {
		t.Fatal(err)
	}

	d, err := proxy.SOCKS5("tcp", lsrv.BoundAddr(), nil, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := d.Dial("tcp", "dest.internal:80")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// 在途数据先发出去
	msg := []byte("in flight")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}

	stopped := make(chan struct{})
	go func() {
		lsrv.StopWithTimeout(10 * time.Second)
		close(stopped)
	}()

	// 会话在停机窗口内仍可收到回显
	got := make([]byte, len(msg))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("in-flight session broken by shutdown: %v", err)
	}
	conn.Close()

	select {
	case <-stopped:
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	// 新连接进不来了
	if _, err := net.DialTimeout("tcp", lsrv.BoundAddr(), time.Second); err == nil {
		// 有些平台 dial 到已关闭端口不报错到连接建立；再探一层读
		// 简单起见只要求 accept 不再服务：这里不强断言
		t.Log("dial after shutdown unexpectedly succeeded (kernel backlog)")
	}
}
