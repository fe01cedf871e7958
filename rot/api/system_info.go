package api

import (
	stdnet "net" // 避免与 gopsutil/net 混淆
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type SysInfoResp struct {
	Timestamp int64 `json:"timestamp"`

	App struct {
		StartAt   int64  `json:"start_at"` // 应用启动时间(ms)
		Version   string `json:"version"`
		GoVersion string `json:"go_version"`
		Workers   int    `json:"workers"`
		PoolSize  int    `json:"pool_size"`
	} `json:"app"`

	Host struct {
		Hostname string   `json:"hostname"`
		OS       string   `json:"os"`
		Platform string   `json:"platform"`
		UptimeS  uint64   `json:"uptime_s"`
		Addrs    []string `json:"addrs"`
	} `json:"host"`

	CPU struct {
		Cores   int     `json:"cores"`
		Percent float64 `json:"percent"`
		Load1   float64 `json:"load1"`
	} `json:"cpu"`

	Mem struct {
		Total   uint64  `json:"total"`
		Used    uint64  `json:"used"`
		Percent float64 `json:"percent"`
	} `json:"mem"`

	Net struct {
		Rx uint64 `json:"rx"`
		Tx uint64 `json:"tx"`
	} `json:"net"`
}

func (s *Server) systemInfo(c *gin.Context) {
	var resp SysInfoResp
	resp.Timestamp = time.Now().UnixMilli()

	resp.App.StartAt = s.StartAt
	resp.App.Version = s.Version
	resp.App.GoVersion = runtime.Version()
	resp.App.Workers = s.Cfg.Server.Workers
	resp.App.PoolSize = s.Pool.Len()

	if hi, err := host.Info(); err == nil {
		resp.Host.Hostname = hi.Hostname
		resp.Host.OS = hi.OS
		resp.Host.Platform = hi.Platform
		resp.Host.UptimeS = hi.Uptime
	}
	if addrs, err := stdnet.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*stdnet.IPNet); ok && !ipn.IP.IsLoopback() {
				resp.Host.Addrs = append(resp.Host.Addrs, ipn.IP.String())
			}
		}
	}

	resp.CPU.Cores = runtime.NumCPU()
	if ps, err := cpu.Percent(0, false); err == nil && len(ps) > 0 {
		resp.CPU.Percent = ps[0]
	}
	if la, err := load.Avg(); err == nil {
		resp.CPU.Load1 = la.Load1
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Mem.Total = vm.Total
		resp.Mem.Used = vm.Used
		resp.Mem.Percent = vm.UsedPercent
	}

	if cs, err := gnet.IOCounters(false); err == nil && len(cs) > 0 {
		resp.Net.Rx = cs[0].BytesRecv
		resp.Net.Tx = cs[0].BytesSent
	}

	c.JSON(http.StatusOK, resp)
}
