package pool

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

/************** 上游描述 **************/

// ProxyInfo 描述一个上游 SOCKS5 跳。Chain 非空时本跳是中间跳，
// 它的 CONNECT 目标就是 Chain 的 host:port。
type ProxyInfo struct {
	Proto string // socks5 / socks5h
	Host  string
	Port  string // 数字串，加载时已校验 [1,65535]
	User  string
	Pass  string

	HasUser bool
	HasPass bool

	Chain *ProxyInfo // 下一跳；终端跳为 nil
}

func (p *ProxyInfo) Endpoint() string {
	return net.JoinHostPort(p.Host, p.Port)
}

// String 供日志展示：proto host:port [ | proto host:port ...]
func (p *ProxyInfo) String() string {
	var b strings.Builder
	for hop := p; hop != nil; hop = hop.Chain {
		if hop != p {
			b.WriteString(" | ")
		}
		fmt.Fprintf(&b, "%s %s:%s", hop.Proto, hop.Host, hop.Port)
	}
	return b.String()
}

// Format 还原规范化的一行（字段单空格分隔，跳之间 " | "）
func (p *ProxyInfo) Format() string {
	var b strings.Builder
	for hop := p; hop != nil; hop = hop.Chain {
		if hop != p {
			b.WriteString(" | ")
		}
		b.WriteString(hop.Proto)
		b.WriteByte(' ')
		b.WriteString(hop.Host)
		b.WriteByte(' ')
		b.WriteString(hop.Port)
		if hop.HasUser {
			b.WriteByte(' ')
			b.WriteString(hop.User)
		}
		if hop.HasPass {
			b.WriteByte(' ')
			b.WriteString(hop.Pass)
		}
	}
	return b.String()
}

/************** 行解析 **************/

func IsSupportedProto(proto string) bool {
	return proto == "socks5" || proto == "socks5h"
}

// ParseLine 解析一行代理记录。空行/注释行返回 (nil, nil)。
// 记录 = 一个或多个跳，跳之间用独立的 "|" 分隔；行尾允许 "#" 注释。
func ParseLine(line string) (*ProxyInfo, error) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, nil
	}

	tokens := strings.Fields(trimmed)
	// 截断行尾注释
	for i, t := range tokens {
		if strings.HasPrefix(t, "#") {
			tokens = tokens[:i]
			break
		}
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	var head, tail *ProxyInfo
	i := 0
	for {
		hop, n, err := parseHop(tokens[i:])
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", line, err)
		}
		i += n

		if head == nil {
			head = hop
		} else {
			tail.Chain = hop
		}
		tail = hop

		if i == len(tokens) {
			return head, nil
		}
		if tokens[i] != "|" {
			return nil, fmt.Errorf("parse proxy %q: unexpected token %q", line, tokens[i])
		}
		i++
		if i == len(tokens) {
			return nil, fmt.Errorf("parse proxy %q: dangling '|'", line)
		}
	}
}

// parseHop 从 tokens 头部消费一个跳：proto host port [user [pass]]
// 返回消费的 token 数；"|" 之前的都属于当前跳。
func parseHop(tokens []string) (*ProxyInfo, int, error) {
	if len(tokens) < 3 {
		return nil, 0, fmt.Errorf("missing field (want proto host port)")
	}
	proto, rawHost, port := tokens[0], tokens[1], tokens[2]
	if !IsSupportedProto(proto) {
		return nil, 0, fmt.Errorf("unsupported protocol %q", proto)
	}
	host, err := normalizeHost(rawHost)
	if err != nil {
		return nil, 0, err
	}
	if err := validatePort(port); err != nil {
		return nil, 0, err
	}

	p := &ProxyInfo{Proto: proto, Host: host, Port: port}
	n := 3
	// socks5* 允许可选 user / pass；"|" 结束当前跳
	if n < len(tokens) && tokens[n] != "|" {
		p.User, p.HasUser = tokens[n], true
		n++
	}
	if n < len(tokens) && tokens[n] != "|" {
		p.Pass, p.HasPass = tokens[n], true
		n++
	}
	return p, n, nil
}

// normalizeHost 校验非空、IDN 转 ASCII、域名长度 <=255（链式 CONNECT 的 DOMLEN 上限）
func normalizeHost(h string) (string, error) {
	if h == "" {
		return "", fmt.Errorf("empty host")
	}
	// 仅对含非 ASCII 字符的域名做 IDNA 转换；ASCII 主机原样保留
	if !isASCII(h) {
		a, err := idna.Lookup.ToASCII(h)
		if err != nil {
			return "", fmt.Errorf("invalid host %q: %w", h, err)
		}
		h = a
	}
	if len(h) > 0xff {
		return "", fmt.Errorf("host %q too long (%d > 255)", h, len(h))
	}
	return h, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %q", s)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}
	return nil
}
