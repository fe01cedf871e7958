package common

import (
	"context"
	"net"
	"net/netip"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

/* -------------------- 小工具 -------------------- */

func Max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// 兼容 IPv4/IPv6/域名、有无端口的拆解器
func SplitHostPortFlexible(s string, defPort int) (host string, port int) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0
	}
	// 标准形态优先（host:port / [v6]:port）
	if strings.Contains(s, "]") || (strings.Count(s, ":") == 1 && !strings.Contains(s, "::")) {
		if h, p, err := net.SplitHostPort(s); err == nil {
			if n, e := strconv.Atoi(p); e == nil {
				return h, n
			}
		}
	}
	// [v6] 无端口
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1], defPort
	}
	// 纯 IPv6（无 []，多冒号）当无端口
	if strings.Count(s, ":") >= 2 {
		return s, defPort
	}
	// IPv4/域名无端口
	if !strings.Contains(s, ":") {
		return s, defPort
	}
	// 兜底：按最后一个冒号切
	if i := strings.LastIndexByte(s, ':'); i > 0 && i < len(s)-1 {
		h := s[:i]
		if n, e := strconv.Atoi(s[i+1:]); e == nil {
			return h, n
		}
	}
	return s, defPort
}

/* -------------------- 限速组合 -------------------- */

// 非零最小值（<=0 视为“不限”被忽略；全为 0 则返回 0）
func MinNonZero(vals ...int64) int64 {
	var m int64
	for _, v := range vals {
		if v <= 0 {
			continue
		}
		if m == 0 || v < m {
			m = v
		}
	}
	return m
}

// 构造单连接整形器：limit 为 bps；burst 用 hint/10，至少为 1
func MkShaper(limitBps, burstHintBps int64) *rate.Limiter {
	if limitBps <= 0 {
		return nil
	}
	burst := int(Max64(1, burstHintBps/10))
	return rate.NewLimiter(rate.Limit(limitBps), burst)
}

type MultiLimiter []*rate.Limiter

func (ml MultiLimiter) WaitN(ctx context.Context, n int) error {
	for _, l := range ml {
		if l == nil {
			continue
		}
		// rate.WaitN 对 n > burst 直接报错，这里按 burst 分片等待
		for left := n; left > 0; {
			k := left
			if b := l.Burst(); b > 0 && k > b {
				k = b
			}
			if err := l.WaitN(ctx, k); err != nil {
				return err
			}
			left -= k
		}
	}
	return nil
}

// 工具：把若干 limiter 组合起来（nil 会被忽略）
func Compose(lims ...*rate.Limiter) MultiLimiter {
	out := make(MultiLimiter, 0, len(lims))
	for _, l := range lims {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

/* -------------------- 连接小动作 -------------------- */

func CloseWriteIfTCP(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

func Nudge(c net.Conn) {
	_ = c.SetReadDeadline(time.Now())  // 让阻塞读立刻返回
	_ = c.SetWriteDeadline(time.Now()) // 让阻塞写立刻返回
}

func ClearDeadline(c net.Conn) {
	_ = c.SetDeadline(time.Time{})
}

// 从 net.Conn 取远端 IP（适配 TCP / “已连接”的 UDP）
func RemoteIPFromConn(c net.Conn) string {
	if c == nil {
		return ""
	}
	a := c.RemoteAddr()
	if a == nil {
		return ""
	}
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	default:
		if ap, err := netip.ParseAddrPort(a.String()); err == nil {
			return ap.Addr().String()
		}
		h, _ := SplitHostPortFlexible(a.String(), 0)
		return h
	}
}

func IsDesktop() bool { // Win/macOS 视为“开发机”
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}
