package pool

import (
	"strings"
	"sync"
	"testing"
)

func mkPool(t *testing.T, lines ...string) *Pool {
	t.Helper()
	p := New()
	if err := p.LoadReader(strings.NewReader(strings.Join(lines, "\n"))); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNextEmpty(t *testing.T) {
	if got := New().Next(); got != nil {
		t.Fatalf("empty pool returned %v", got)
	}
}

// 轮转公平性：k 个上游取 n 次，每个拿到 ⌊n/k⌋ 或 ⌈n/k⌉ 次，顺序按输入序循环
func TestNextRoundRobin(t *testing.T) {
	p := mkPool(t,
		"socks5 a.example 1080",
		"socks5 b.example 1080",
		"socks5 c.example 1080",
	)
	k, n := 3, 10

	counts := map[string]int{}
	hosts := []string{"a.example", "b.example", "c.example"}
	for i := 0; i < n; i++ {
		pi := p.Next()
		if pi == nil {
			t.Fatal("nil from non-empty pool")
		}
		if want := hosts[i%k]; pi.Host != want {
			t.Fatalf("call %d: got %s, want %s", i, pi.Host, want)
		}
		counts[pi.Host]++
	}
	lo, hi := n/k, (n+k-1)/k
	for h, c := range counts {
		if c != lo && c != hi {
			t.Errorf("host %s picked %d times, want %d or %d", h, c, lo, hi)
		}
	}
}

func TestNextConcurrent(t *testing.T) {
	p := mkPool(t,
		"socks5 a.example 1080",
		"socks5 b.example 1080",
	)

	const goroutines = 8
	const per = 50
	var mu sync.Mutex
	counts := map[string]int{}

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				pi := p.Next()
				mu.Lock()
				counts[pi.Host]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 并发下依然整体均衡（总数整除池大小时两边必然相等）
	if counts["a.example"] != counts["b.example"] {
		t.Fatalf("unbalanced rotation: %v", counts)
	}
}

func TestLoadReaderRejectsBadLine(t *testing.T) {
	p := New()
	err := p.LoadReader(strings.NewReader("socks5 ok.example 1080\nsocks5 bad.example eighty\n"))
	if err == nil {
		t.Fatal("bad line should fail the load")
	}
}

func TestSnapshotOrder(t *testing.T) {
	p := mkPool(t,
		"socks5 a.example 1080",
		"# comment",
		"socks5 b.example 1080",
	)
	snap := p.Snapshot()
	if len(snap) != 2 || snap[0].Host != "a.example" || snap[1].Host != "b.example" {
		t.Fatalf("bad snapshot: %+v", snap)
	}
	// Next 消费不影响快照
	_ = p.Next()
	if got := p.Snapshot(); len(got) != 2 {
		t.Fatalf("snapshot changed after Next: %+v", got)
	}
}
