package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"proxyrot/rot/model"
)

func getPage(c *gin.Context) (page, size int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ = strconv.Atoi(c.DefaultQuery("size", "10"))
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 200 {
		size = 10
	}
	return
}

// 支持筛选：client, upstream, protocol, status("ok"/"failed"),
// start(毫秒), end(毫秒), page, size
func (s *Server) listSessions(c *gin.Context) {
	if s.DB == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session log disabled"})
		return
	}

	page, size := getPage(c)

	// 时间范围（毫秒），默认今天
	startMs, _ := strconv.ParseInt(c.DefaultQuery("start", "0"), 10, 64)
	endMs, _ := strconv.ParseInt(c.DefaultQuery("end", "0"), 10, 64)
	if startMs <= 0 || endMs <= 0 || endMs < startMs {
		now := time.Now()
		begin := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
		startMs = begin.UnixMilli()
		endMs = begin.Add(24*time.Hour - time.Millisecond).UnixMilli()
	}

	q := s.DB.GormDataSource.Model(&model.SessionLog{}).
		Where("time BETWEEN ? AND ?", startMs, endMs)

	if v := c.Query("client"); v != "" {
		q = q.Where("client LIKE ?", "%"+v+"%")
	}
	if v := c.Query("upstream"); v != "" {
		q = q.Where("upstream LIKE ?", "%"+v+"%")
	}
	if v := c.Query("protocol"); v != "" {
		q = q.Where("protocol = ?", v)
	}
	switch c.Query("status") {
	case "ok":
		q = q.Where("status = ?", "ok")
	case "failed":
		q = q.Where("status <> ?", "ok")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var rows []model.SessionLog
	err := q.Order("time DESC").Offset((page - 1) * size).Limit(size).Find(&rows).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total": total,
		"page":  page,
		"size":  size,
		"items": rows,
	})
}
