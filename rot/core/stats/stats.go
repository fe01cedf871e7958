package stats

/************** 会话记录 **************/

// Record 是一条会话的最终账目；会话编排器在会话结束时发出。
type Record struct {
	Time     int64  `json:"time"` // 毫秒
	Client   string `json:"client"`
	Upstream string `json:"upstream"` // proto host:port，链式跳用 " | " 连接
	Protocol string `json:"protocol"` // 头跳协议 socks5/socks5h
	Up       int64  `json:"up"`
	Down     int64  `json:"down"`
	Dur      int64  `json:"dur"` // 毫秒
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"` // 失败原因；成功为空
}

// Sink 消费会话记录；实现方不能阻塞会话工作协程。
type Sink interface {
	Record(Record)
}

// Fanout 把一条记录广播给多个 sink（nil 成员被忽略）
type Fanout []Sink

func (f Fanout) Record(r Record) {
	for _, s := range f {
		if s != nil {
			s.Record(r)
		}
	}
}
