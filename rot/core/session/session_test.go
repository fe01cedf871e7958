package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"proxyrot/rot/core/socks"
	"proxyrot/rot/core/stats"
	"proxyrot/rot/pool"
)

/************** 测试脚手架 **************/

func tcpPair(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		done <- c
	}()
	a, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	b = <-done
	if b == nil {
		t.Fatal("accept failed")
	}
	return a, b
}

// 终端 SOCKS5 上游 mock：no-auth 握手、收 CONNECT、回成功、然后 echo。
// 返回监听地址的 host/port。
func mockTerminalUpstream(t *testing.T) (host, port string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveTerminal(c)
		}
	}()

	h, p, _ := net.SplitHostPort(ln.Addr().String())
	return h, p
}

func serveTerminal(c net.Conn) {
	defer c.Close()
	if !readGreetingNoAuth(c) {
		return
	}
	if !readConnectAndGrant(c) {
		return
	}
	_, _ = io.Copy(c, c) // echo
}

func readGreetingNoAuth(c net.Conn) bool {
	var g [2]byte
	if _, err := io.ReadFull(c, g[:]); err != nil || g[0] != 0x05 {
		return false
	}
	ms := make([]byte, int(g[1]))
	if _, err := io.ReadFull(c, ms); err != nil {
		return false
	}
	_, err := c.Write([]byte{0x05, 0x00})
	return err == nil
}

func readConnectAndGrant(c net.Conn) bool {
	var h [4]byte
	if _, err := io.ReadFull(c, h[:]); err != nil || h[1] != 0x01 {
		return false
	}
	var skip int
	switch h[3] {
	case 0x01:
		skip = 4
	case 0x04:
		skip = 16
	case 0x03:
		var l [1]byte
		if _, err := io.ReadFull(c, l[:]); err != nil {
			return false
		}
		skip = int(l[0])
	default:
		return false
	}
	if _, err := io.CopyN(io.Discard, c, int64(skip+2)); err != nil {
		return false
	}
	_, err := c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	return err == nil
}

func mkPool(t *testing.T, lines ...string) *pool.Pool {
	t.Helper()
	p := pool.New()
	for _, l := range lines {
		pi, err := pool.ParseLine(l)
		if err != nil {
			t.Fatal(err)
		}
		p.Add(pi)
	}
	return p
}

// deadAddr 拿一个当前没人监听的端口
func deadAddr(t *testing.T) (host, port string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	h, p, _ := net.SplitHostPort(addr)
	return h, p
}

type recSink struct {
	ch chan stats.Record
}

func newRecSink() *recSink                { return &recSink{ch: make(chan stats.Record, 8)} }
func (r *recSink) Record(v stats.Record) { r.ch <- v }

func (r *recSink) wait(t *testing.T) stats.Record {
	t.Helper()
	select {
	case v := <-r.ch:
		return v
	case <-time.After(15 * time.Second):
		t.Fatal("no session record")
		return stats.Record{}
	}
}

/************** 场景 **************/

// 场景 1：单跳 no-auth，CONNECT 原样透传，数据双向透明
func TestSingleHopNoAuth(t *testing.T) {
	host, port := mockTerminalUpstream(t)
	pl := mkPool(t, "socks5h "+host+" "+port)
	sink := newRecSink()
	o := &Orchestrator{
		Pool:     pl,
		Auth:     socks.ServerAuthConfig{AcceptNoAuth: true},
		Timeout:  5 * time.Second,
		OnFinish: sink,
	}

	cli, srv := tcpPair(t)
	defer cli.Close()
	go o.Handle(context.Background(), srv)

	// 客户端问候
	if _, err := cli.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(cli, reply); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply, []byte{0x05, 0x00}) {
		t.Fatalf("greeting reply = % x, want 05 00", reply)
	}

	// 客户端 CONNECT 应该原样到达终端上游并拿到放行应答
	connect := []byte{0x05, 0x01, 0x00, 0x01, 0x7f, 0x00, 0x00, 0x01, 0x00, 0x50}
	if _, err := cli.Write(connect); err != nil {
		t.Fatal(err)
	}
	grant := make([]byte, 10)
	if _, err := io.ReadFull(cli, grant); err != nil {
		t.Fatal(err)
	}
	if grant[0] != 0x05 || grant[1] != 0x00 {
		t.Fatalf("grant = % x", grant)
	}

	// 透明桥接（mock 是 echo）
	msg := []byte("hello through the rotator")
	if _, err := cli.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(cli, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("echo mismatch")
	}

	_ = cli.Close()
	rec := sink.wait(t)
	if !rec.OK {
		t.Fatalf("session should be ok: %+v", rec)
	}
	if rec.Protocol != "socks5h" {
		t.Fatalf("protocol = %q", rec.Protocol)
	}
}

// 场景 2/3：userpass 接受与拒绝
func TestUserpassAcceptReject(t *testing.T) {
	host, port := mockTerminalUpstream(t)
	auth := socks.ServerAuthConfig{AcceptUserpass: true, User: "u", Pass: "p", CheckPass: true}

	// 接受
	{
		pl := mkPool(t, "socks5h "+host+" "+port)
		o := &Orchestrator{Pool: pl, Auth: auth, Timeout: 5 * time.Second}
		cli, srv := tcpPair(t)
		go o.Handle(context.Background(), srv)

		if _, err := cli.Write([]byte{0x05, 0x01, 0x02}); err != nil {
			t.Fatal(err)
		}
		r := make([]byte, 2)
		if _, err := io.ReadFull(cli, r); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(r, []byte{0x05, 0x02}) {
			t.Fatalf("method reply = % x", r)
		}
		if _, err := cli.Write([]byte{0x01, 0x01, 'u', 0x01, 'p'}); err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadFull(cli, r); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(r, []byte{0x01, 0x00}) {
			t.Fatalf("auth reply = % x, want 01 00", r)
		}
		cli.Close()
	}

	// 拒绝：错密码，应答 01 01 且会话关闭
	{
		pl := mkPool(t, "socks5h "+host+" "+port, "socks5h 127.0.0.2 1")
		sink := newRecSink()
		o := &Orchestrator{Pool: pl, Auth: auth, Timeout: 5 * time.Second, OnFinish: sink}
		cli, srv := tcpPair(t)
		go o.Handle(context.Background(), srv)

		if _, err := cli.Write([]byte{0x05, 0x01, 0x02}); err != nil {
			t.Fatal(err)
		}
		r := make([]byte, 2)
		if _, err := io.ReadFull(cli, r); err != nil {
			t.Fatal(err)
		}
		if _, err := cli.Write([]byte{0x01, 0x01, 'u', 0x01, 'x'}); err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadFull(cli, r); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(r, []byte{0x01, 0x01}) {
			t.Fatalf("auth reply = % x, want 01 01", r)
		}
		// 连接应随后被服务端关闭
		_ = cli.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := cli.Read(make([]byte, 1)); err == nil {
			t.Fatal("connection should be closed after reject")
		}
		rec := sink.wait(t)
		if rec.OK {
			t.Fatal("rejected session recorded as ok")
		}
		// 认证失败不轮转：游标仍指向第一个
		if pl.Next().Host != host {
			t.Fatal("auth failure must not consume the rotation cursor")
		}
	}
}

// 场景 4：两跳链。对 A 握手，CONNECT 指到 B，再对“B”握手，不再发 CONNECT
func TestTwoHopChain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	hostA, portA, _ := net.SplitHostPort(ln.Addr().String())

	gotConnect := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		// 第一跳握手
		if !readGreetingNoAuth(c) {
			return
		}
		// 链式 CONNECT（域名寻址）
		var h [4]byte
		if _, err := io.ReadFull(c, h[:]); err != nil || h[3] != 0x03 {
			gotConnect <- nil
			return
		}
		var l [1]byte
		if _, err := io.ReadFull(c, l[:]); err != nil {
			gotConnect <- nil
			return
		}
		rest := make([]byte, int(l[0])+2)
		if _, err := io.ReadFull(c, rest); err != nil {
			gotConnect <- nil
			return
		}
		req := append(h[:], l[0])
		req = append(req, rest...)
		gotConnect <- req
		if _, err := c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
			return
		}
		// 现在扮演第二跳：再来一次握手，之后 echo
		if !readGreetingNoAuth(c) {
			return
		}
		_, _ = io.Copy(c, c)
	}()

	pl := mkPool(t, "socks5h "+hostA+" "+portA+" | socks5h hopb.internal 1080")
	o := &Orchestrator{
		Pool:    pl,
		Auth:    socks.ServerAuthConfig{AcceptNoAuth: true},
		Timeout: 5 * time.Second,
	}

	cli, srv := tcpPair(t)
	defer cli.Close()
	go o.Handle(context.Background(), srv)

	if _, err := cli.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	r := make([]byte, 2)
	if _, err := io.ReadFull(cli, r); err != nil {
		t.Fatal(err)
	}

	req := <-gotConnect
	if req == nil {
		t.Fatal("chain connect not received")
	}
	want := []byte{0x05, 0x01, 0x00, 0x03, byte(len("hopb.internal"))}
	want = append(want, "hopb.internal"...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, 1080)
	want = append(want, portBuf...)
	if !bytes.Equal(req, want) {
		t.Fatalf("chain connect = % x, want % x", req, want)
	}

	// 终端跳之后客户端字节直通（echo 验证）
	msg := []byte("chained")
	if _, err := cli.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(cli, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("echo mismatch through chain")
	}
}

// 场景 5：X 拒连，retry 开，落到 Y；会话后游标指向 Y 的下一个（即 X）
func TestRetryOnUpstreamDown(t *testing.T) {
	deadHost, deadPort := deadAddr(t)
	host, port := mockTerminalUpstream(t)

	pl := mkPool(t,
		"socks5 "+deadHost+" "+deadPort,
		"socks5h "+host+" "+port,
	)
	sink := newRecSink()
	o := &Orchestrator{
		Pool:     pl,
		Auth:     socks.ServerAuthConfig{AcceptNoAuth: true},
		Timeout:  3 * time.Second,
		Retry:    true,
		OnFinish: sink,
	}

	cli, srv := tcpPair(t)
	defer cli.Close()
	go o.Handle(context.Background(), srv)

	if _, err := cli.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	r := make([]byte, 2)
	if _, err := io.ReadFull(cli, r); err != nil {
		t.Fatal(err)
	}

	// 透传一轮确认走通了 Y
	if _, err := cli.Write([]byte{0x05, 0x01, 0x00, 0x01, 0x7f, 0, 0, 0x01, 0x00, 0x50}); err != nil {
		t.Fatal(err)
	}
	grant := make([]byte, 10)
	if _, err := io.ReadFull(cli, grant); err != nil {
		t.Fatal(err)
	}
	cli.Close()

	rec := sink.wait(t)
	if !rec.OK {
		t.Fatalf("session should succeed via Y: %+v", rec)
	}

	// 轮转游标：取了 X、Y 之后应回到 X
	if next := pl.Next(); next.Host != deadHost || next.Port != deadPort {
		t.Fatalf("cursor after session = %s:%s, want %s:%s", next.Host, next.Port, deadHost, deadPort)
	}
}

// 重试边界：retry 关，只试一个上游就放弃
func TestNoRetrySingleAttempt(t *testing.T) {
	deadHost, deadPort := deadAddr(t)
	host, port := mockTerminalUpstream(t)

	pl := mkPool(t,
		"socks5 "+deadHost+" "+deadPort,
		"socks5h "+host+" "+port,
	)
	sink := newRecSink()
	o := &Orchestrator{
		Pool:     pl,
		Auth:     socks.ServerAuthConfig{AcceptNoAuth: true},
		Timeout:  3 * time.Second,
		Retry:    false,
		OnFinish: sink,
	}

	cli, srv := tcpPair(t)
	defer cli.Close()
	go o.Handle(context.Background(), srv)

	if _, err := cli.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	r := make([]byte, 2)
	if _, err := io.ReadFull(cli, r); err != nil {
		t.Fatal(err)
	}

	rec := sink.wait(t)
	if rec.OK {
		t.Fatal("session must fail with retry off and dead first upstream")
	}

	// 只消费了 X：下一次 Next 是 Y
	if next := pl.Next(); next.Port != port {
		t.Fatalf("exactly one upstream should be consumed, next = %s:%s", next.Host, next.Port)
	}

	// 客户端随后被关闭
	_ = cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := cli.Read(make([]byte, 1)); err == nil {
		t.Fatal("client should be closed")
	}
}

// retry 开且全池都挂：恰好试完一整圈后放弃
func TestRetryBoundedByPoolCycle(t *testing.T) {
	h1, p1 := deadAddr(t)
	h2, p2 := deadAddr(t)

	pl := mkPool(t,
		"socks5 "+h1+" "+p1,
		"socks5 "+h2+" "+p2,
	)
	sink := newRecSink()
	o := &Orchestrator{
		Pool:     pl,
		Auth:     socks.ServerAuthConfig{AcceptNoAuth: true},
		Timeout:  2 * time.Second,
		Retry:    true,
		OnFinish: sink,
	}

	cli, srv := tcpPair(t)
	defer cli.Close()
	go o.Handle(context.Background(), srv)

	if _, err := cli.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	r := make([]byte, 2)
	if _, err := io.ReadFull(cli, r); err != nil {
		t.Fatal(err)
	}

	rec := sink.wait(t)
	if rec.OK {
		t.Fatal("all-dead pool cannot succeed")
	}
	// 试了一整圈（2 个）：游标回到第一个
	if next := pl.Next(); next.Port != p1 {
		t.Fatalf("cursor should wrap to first after a full cycle, got port %s", next.Port)
	}
}

// 上游版本答错（协议错误）也按上游失败处理
func TestUpstreamProtocolError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 16)
		_, _ = c.Read(buf)
		_, _ = c.Write([]byte{0x04, 0x00}) // 错版本
	}()
	h, p, _ := net.SplitHostPort(ln.Addr().String())

	pl := mkPool(t, "socks5h "+h+" "+p)
	sink := newRecSink()
	o := &Orchestrator{
		Pool:     pl,
		Auth:     socks.ServerAuthConfig{AcceptNoAuth: true},
		Timeout:  3 * time.Second,
		OnFinish: sink,
	}
	cli, srv := tcpPair(t)
	defer cli.Close()
	go o.Handle(context.Background(), srv)

	if _, err := cli.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	r := make([]byte, 2)
	if _, err := io.ReadFull(cli, r); err != nil {
		t.Fatal(err)
	}

	if rec := sink.wait(t); rec.OK {
		t.Fatal("bad upstream version must fail the session")
	}
}
