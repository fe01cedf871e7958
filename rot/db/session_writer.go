package db

import (
	"sync"
	"time"

	"proxyrot/rot/core/stats"
	"proxyrot/rot/model"
)

/************** 会话落库（批量） **************/

// SessionWriter 把会话记录攒批写库；满批或到时就刷。
// Record 不能阻塞会话工作协程：通道满直接丢并计数。
type SessionWriter struct {
	d     *DB
	ch    chan model.SessionLog
	flush time.Duration
	batch int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	dropped int64
	mu      sync.Mutex
}

func NewSessionWriter(d *DB, batch int, flush time.Duration) *SessionWriter {
	if batch <= 0 {
		batch = 200
	}
	if flush <= 0 {
		flush = 500 * time.Millisecond
	}
	return &SessionWriter{
		d:      d,
		ch:     make(chan model.SessionLog, batch*4),
		flush:  flush,
		batch:  batch,
		stopCh: make(chan struct{}),
	}
}

func (w *SessionWriter) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *SessionWriter) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Record 实现 stats.Sink
func (w *SessionWriter) Record(r stats.Record) {
	status := "ok"
	if !r.OK {
		status = r.Reason
		if status == "" {
			status = "failed"
		}
	}
	row := model.SessionLog{
		Time:     r.Time,
		Client:   r.Client,
		Upstream: r.Upstream,
		Protocol: r.Protocol,
		Up:       r.Up,
		Down:     r.Down,
		Dur:      r.Dur,
		Status:   status,
	}
	select {
	case w.ch <- row:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	}
}

func (w *SessionWriter) loop() {
	defer w.wg.Done()
	t := time.NewTicker(w.flush)
	defer t.Stop()

	buf := make([]model.SessionLog, 0, w.batch)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := w.d.GormDataSource.Create(&buf).Error; err != nil {
			log.Errorf("flush %d session logs: %v", len(buf), err)
		}
		buf = buf[:0]
	}

	for {
		select {
		case row := <-w.ch:
			buf = append(buf, row)
			if len(buf) >= w.batch {
				flush()
			}
		case <-t.C:
			flush()
		case <-w.stopCh:
			// 把通道里剩的捞干净再退出
			for {
				select {
				case row := <-w.ch:
					buf = append(buf, row)
					if len(buf) >= w.batch {
						flush()
					}
				default:
					flush()
					w.mu.Lock()
					if w.dropped > 0 {
						log.Warnf("dropped %d session logs under backpressure", w.dropped)
					}
					w.mu.Unlock()
					return
				}
			}
		}
	}
}
