package pool

import (
	"strings"
	"testing"
)

func TestParseLineSingleHop(t *testing.T) {
	p, err := ParseLine("socks5h proxy.example.net 1080")
	if err != nil {
		t.Fatal(err)
	}
	if p.Proto != "socks5h" || p.Host != "proxy.example.net" || p.Port != "1080" {
		t.Fatalf("bad parse: %+v", p)
	}
	if p.HasUser || p.HasPass || p.Chain != nil {
		t.Fatalf("unexpected extras: %+v", p)
	}
}

func TestParseLineCreds(t *testing.T) {
	p, err := ParseLine("socks5 10.0.0.1 1080 alice s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !p.HasUser || p.User != "alice" {
		t.Fatalf("user not parsed: %+v", p)
	}
	if !p.HasPass || p.Pass != "s3cret" {
		t.Fatalf("pass not parsed: %+v", p)
	}

	// 只有 user 也合法
	p, err = ParseLine("socks5 10.0.0.1 1080 alice")
	if err != nil {
		t.Fatal(err)
	}
	if !p.HasUser || p.HasPass {
		t.Fatalf("want user only: %+v", p)
	}
}

func TestParseLineChain(t *testing.T) {
	p, err := ParseLine("socks5h hop1.example 1080 | socks5h hop2.example 1080 u p")
	if err != nil {
		t.Fatal(err)
	}
	if p.Chain == nil {
		t.Fatal("chain not linked")
	}
	if p.Host != "hop1.example" {
		t.Fatalf("head host = %q", p.Host)
	}
	next := p.Chain
	if next.Host != "hop2.example" || !next.HasUser || next.User != "u" || next.Pass != "p" {
		t.Fatalf("bad chain hop: %+v", next)
	}
	if next.Chain != nil {
		t.Fatal("chain should end at second hop")
	}
}

func TestParseLineSkips(t *testing.T) {
	for _, line := range []string{"", "   ", "# a comment", "  # indented comment", "\n"} {
		p, err := ParseLine(line)
		if err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		if p != nil {
			t.Fatalf("line %q should be skipped", line)
		}
	}
}

func TestParseLineTrailingComment(t *testing.T) {
	p, err := ParseLine("socks5h a.example 1080 # local exit")
	if err != nil {
		t.Fatal(err)
	}
	if p.Host != "a.example" || p.HasUser {
		t.Fatalf("comment leaked into record: %+v", p)
	}
}

func TestParseLineErrors(t *testing.T) {
	bad := []string{
		"http proxy.example 8080",           // 不支持的协议
		"socks5 proxy.example",              // 缺 port
		"socks5 proxy.example eighty",       // 非数字 port
		"socks5 proxy.example 0",            // port 越界
		"socks5 proxy.example 65536",        // port 越界
		"socks5 a.example 1080 |",           // 悬空 |
		"socks5 a.example 1080 | socks5 b",  // 第二跳缺字段
		"socks5 a.example 1080 | http b 80", // 第二跳协议不支持
	}
	for _, line := range bad {
		if _, err := ParseLine(line); err == nil {
			t.Errorf("line %q should fail", line)
		}
	}
}

func TestParseLineIDN(t *testing.T) {
	p, err := ParseLine("socks5h bücher.example 1080")
	if err != nil {
		t.Fatal(err)
	}
	if p.Host != "xn--bcher-kva.example" {
		t.Fatalf("idn not normalized: %q", p.Host)
	}
}

func TestParseLineLongHost(t *testing.T) {
	host := strings.Repeat("a", 256)
	if _, err := ParseLine("socks5h " + host + " 1080"); err == nil {
		t.Fatal("host over 255 bytes should fail")
	}
}

// 规范化空白的行，解析后 Format 必须原样还原
func TestFormatRoundTrip(t *testing.T) {
	lines := []string{
		"socks5h proxy.example.net 1080",
		"socks5 10.0.0.1 1080 alice s3cret",
		"socks5 10.0.0.1 1080 alice",
		"socks5h hop1.example 1080 | socks5h hop2.example 1080 u p",
		"socks5 a.example 1 | socks5 b.example 65535 | socks5h c.example 1080",
	}
	for _, line := range lines {
		p, err := ParseLine(line)
		if err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		if got := p.Format(); got != line {
			t.Errorf("round trip:\n in  %q\n out %q", line, got)
		}
	}
}

func TestProxyString(t *testing.T) {
	p, err := ParseLine("socks5h a.example 1080 u p | socks5 b.example 1081")
	if err != nil {
		t.Fatal(err)
	}
	want := "socks5h a.example:1080 | socks5 b.example:1081"
	if got := p.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
