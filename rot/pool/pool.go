package pool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"proxyrot/rot/common/logx"
)

var log = logx.New(logx.WithPrefix("pool"))

/************** 轮转池 **************/

// Pool 是闭环的轮转池：Next 返回当前游标并前移，走到尾部回绕到头。
// 游标读-进是唯一的临界区。
type Pool struct {
	mu    sync.Mutex
	items []*ProxyInfo
	cur   int
}

func New() *Pool { return &Pool{} }

// Add 仅在装载阶段调用；按输入顺序入池。
func (p *Pool) Add(pi *ProxyInfo) {
	if pi == nil {
		return
	}
	p.mu.Lock()
	p.items = append(p.items, pi)
	p.mu.Unlock()
}

// Next 轮转取下一个上游；池为空返回 nil。
func (p *Pool) Next() *ProxyInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return nil
	}
	pi := p.items[p.cur]
	p.cur = (p.cur + 1) % len(p.items)
	return pi
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Snapshot 给 API 用：当前条目的只读副本（条目本身启动后不可变）
func (p *Pool) Snapshot() []*ProxyInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ProxyInfo, len(p.items))
	copy(out, p.items)
	return out
}

/************** 装载 **************/

// LoadReader 从行式文本装载；坏行整行拒绝并报错。
func (p *Pool) LoadReader(r io.Reader) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		pi, err := ParseLine(sc.Text())
		if err != nil {
			return err
		}
		if pi == nil {
			continue
		}
		p.Add(pi)
		n++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read proxy list: %w", err)
	}
	log.Debugf("loaded %d proxies", n)
	return nil
}

func (p *Pool) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open proxy list: %w", err)
	}
	defer f.Close()
	return p.LoadReader(f)
}
