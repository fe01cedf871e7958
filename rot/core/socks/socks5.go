package socks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"proxyrot/rot/common/logx"
	"proxyrot/rot/pool"
)

var socksLog = logx.New(logx.WithPrefix("socks"))

/* ---------- 常量 ---------- */

const (
	socksVer5 = 0x05
	authVer1  = 0x01

	MethodNoAuth       = 0x00
	MethodUserPass     = 0x02
	MethodNoAcceptable = 0xff

	cmdConnect = 0x01

	atypeIPv4   = 0x01
	atypeDomain = 0x03
	atypeIPv6   = 0x04
)

/************** 公共：完整读写 **************/

// TCP 是字节流，SOCKS5 报文必须按协议长度读满，不能指望一次 read 拿全
// （原实现的单次 read 是已知隐患，这里统一用 readFull/writeFull）。
func readFull(c net.Conn, b []byte) error {
	_, err := io.ReadFull(c, b)
	return err
}

// writeFull 短写重试；net.Conn 语义上 n<len 必伴随 err，这里仍然兜底循环
func writeFull(c net.Conn, b []byte) error {
	for len(b) > 0 {
		n, err := c.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

/************** 服务端半边（client -> 本进程） **************/

// ServerAuthConfig 是服务端方法协商用的配置切片
type ServerAuthConfig struct {
	AcceptNoAuth   bool
	AcceptUserpass bool
	User           string
	Pass           string
	CheckPass      bool // false 表示只校验用户名（-u USER 无冒号）
}

// ServerHandshake 执行 RFC1928 方法协商 + 必要时 RFC1929 子协商。
// 协商成功后本函数不再读客户端的 CONNECT —— 那些字节由桥接原样送进上游。
func ServerHandshake(c net.Conn, cfg ServerAuthConfig) error {
	var g [2]byte
	if err := readFull(c, g[:]); err != nil {
		return netErr("read greeting", err)
	}
	if g[0] != socksVer5 {
		return protoErr("greeting", fmt.Errorf("bad version %#x", g[0]))
	}
	nm := int(g[1])
	if nm <= 0 {
		return protoErr("greeting", errors.New("nmethods == 0"))
	}
	methods := make([]byte, nm)
	if err := readFull(c, methods); err != nil {
		return netErr("read methods", err)
	}

	switch {
	case cfg.AcceptNoAuth && bytes.IndexByte(methods, MethodNoAuth) >= 0:
		if err := writeFull(c, []byte{socksVer5, MethodNoAuth}); err != nil {
			return netErr("write method", err)
		}
		return nil

	case cfg.AcceptUserpass && bytes.IndexByte(methods, MethodUserPass) >= 0:
		if err := writeFull(c, []byte{socksVer5, MethodUserPass}); err != nil {
			return netErr("write method", err)
		}
		return serverUserpass(c, cfg)

	default:
		_ = writeFull(c, []byte{socksVer5, MethodNoAcceptable})
		return authErr("method select", errors.New("no acceptable method"))
	}
}

// serverUserpass 读 RFC1929 子协商并逐字节比较凭据
func serverUserpass(c net.Conn, cfg ServerAuthConfig) error {
	var h [2]byte // VER ULEN
	if err := readFull(c, h[:]); err != nil {
		return netErr("read auth header", err)
	}
	if h[0] != authVer1 {
		_ = writeFull(c, []byte{authVer1, 0x01})
		return protoErr("auth", fmt.Errorf("bad auth version %#x", h[0]))
	}
	user := make([]byte, int(h[1]))
	if err := readFull(c, user); err != nil {
		return netErr("read username", err)
	}
	var pl [1]byte
	if err := readFull(c, pl[:]); err != nil {
		return netErr("read plen", err)
	}
	pass := make([]byte, int(pl[0]))
	if err := readFull(c, pass); err != nil {
		return netErr("read password", err)
	}

	ok := string(user) == cfg.User
	if ok && cfg.CheckPass {
		ok = string(pass) == cfg.Pass
	}
	if !ok {
		_ = writeFull(c, []byte{authVer1, 0x01})
		return authErr("userpass", fmt.Errorf("rejected user %q", user))
	}
	if err := writeFull(c, []byte{authVer1, 0x00}); err != nil {
		return netErr("write auth status", err)
	}
	return nil
}

/************** 客户端半边（本进程 -> 上游） **************/

// ClientGreet 对一个上游跳做问候+认证。
// 无凭据只宣告 NO-AUTH；有凭据宣告 {USER/PASS, NO-AUTH}。
func ClientGreet(c net.Conn, hop *pool.ProxyInfo) error {
	var greet []byte
	if hop.HasUser {
		greet = []byte{socksVer5, 2, MethodUserPass, MethodNoAuth}
	} else {
		greet = []byte{socksVer5, 1, MethodNoAuth}
	}
	if err := writeFull(c, greet); err != nil {
		return netErr("write greeting", err)
	}

	var r [2]byte
	if err := readFull(c, r[:]); err != nil {
		return netErr("read greeting reply", err)
	}
	if r[0] != socksVer5 {
		return protoErr("greeting reply", fmt.Errorf("bad version %#x", r[0]))
	}
	switch r[1] {
	case MethodNoAuth:
		return nil
	case MethodUserPass:
		return clientUserpass(c, hop)
	case MethodNoAcceptable:
		return authErr("greeting reply", errors.New("no acceptable auth methods (0xff)"))
	default:
		return protoErr("greeting reply", fmt.Errorf("unsupported method %#x", r[1]))
	}
}

// clientUserpass 发送 RFC1929 请求；缺 user/pass 用零长字段
func clientUserpass(c net.Conn, hop *pool.ProxyInfo) error {
	user, pass := hop.User, hop.Pass
	if len(user) > 0xff || len(pass) > 0xff {
		return protoErr("userpass", fmt.Errorf("creds too long (user=%d, pass=%d)", len(user), len(pass)))
	}
	buf := make([]byte, 0, 2+len(user)+1+len(pass))
	buf = append(buf, authVer1, byte(len(user)))
	buf = append(buf, user...)
	buf = append(buf, byte(len(pass)))
	buf = append(buf, pass...)
	if err := writeFull(c, buf); err != nil {
		return netErr("write userpass", err)
	}

	var r [2]byte
	if err := readFull(c, r[:]); err != nil {
		return netErr("read userpass reply", err)
	}
	if r[0] != authVer1 {
		return protoErr("userpass reply", fmt.Errorf("bad version %#x", r[0]))
	}
	if r[1] != 0x00 {
		return authErr("userpass", fmt.Errorf("upstream rejected us (status=%#x)", r[1]))
	}
	return nil
}

// ChainConnect 让当前跳去连下一跳：CONNECT 永远用域名寻址（ATYP=3），
// 对 socks5/socks5h 都合法，也免去本地解析下一跳。
func ChainConnect(c net.Conn, next *pool.ProxyInfo) error {
	host := next.Host
	if len(host) > 0xff {
		return protoErr("chain connect", fmt.Errorf("host %q too long", host))
	}
	port, err := strconv.Atoi(next.Port)
	if err != nil || port < 1 || port > 0xffff {
		return protoErr("chain connect", fmt.Errorf("bad port %q", next.Port))
	}

	req := make([]byte, 0, 4+1+len(host)+2)
	req = append(req, socksVer5, cmdConnect, 0x00, atypeDomain, byte(len(host)))
	req = append(req, host...)
	req = append(req, byte(port>>8), byte(port))
	if err := writeFull(c, req); err != nil {
		return netErr("write chain connect", err)
	}

	var h [4]byte // VER REP RSV ATYP
	if err := readFull(c, h[:]); err != nil {
		return netErr("read chain reply", err)
	}
	if h[1] != 0x00 {
		return chainErr("chain connect", fmt.Errorf("hop refused %s:%s (rep=%#x)", next.Host, next.Port, h[1]))
	}

	// 丢弃 BND.ADDR + BND.PORT
	var skip int
	switch h[3] {
	case atypeIPv4:
		skip = 4
	case atypeIPv6:
		skip = 16
	case atypeDomain:
		var l [1]byte
		if err := readFull(c, l[:]); err != nil {
			return netErr("read chain reply", err)
		}
		skip = int(l[0])
	default:
		return protoErr("chain reply", fmt.Errorf("bad atyp %#x", h[3]))
	}
	if _, err := io.CopyN(io.Discard, c, int64(skip+2)); err != nil {
		return netErr("read chain reply", err)
	}
	socksLog.Debugf("chain hop established -> %s:%s", next.Host, next.Port)
	return nil
}
