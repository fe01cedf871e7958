package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type poolEntry struct {
	Index int    `json:"index"`
	Proto string `json:"proto"`
	Host  string `json:"host"`
	Port  string `json:"port"`
	Auth  bool   `json:"auth"`
	Hops  int    `json:"hops"`
	Line  string `json:"line"` // proto host:port [ | ... ]
}

// listPool 只暴露形状，不暴露凭据
func (s *Server) listPool(c *gin.Context) {
	snap := s.Pool.Snapshot()
	out := make([]poolEntry, 0, len(snap))
	for i, p := range snap {
		hops := 0
		for hop := p; hop != nil; hop = hop.Chain {
			hops++
		}
		out = append(out, poolEntry{
			Index: i,
			Proto: p.Proto,
			Host:  p.Host,
			Port:  p.Port,
			Auth:  p.HasUser,
			Hops:  hops,
			Line:  p.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"total": len(out), "items": out})
}
