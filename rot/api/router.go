package api

import (
	"github.com/gin-gonic/gin"
)

/********** Router **********/
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	// 中间件：Recovery + 日志
	r.Use(gin.Recovery(), gin.Logger())

	api := r.Group("/api")
	{
		api.POST("/login", s.login)
	}

	auth := api.Group("/")
	auth.Use(s.AuthRequired())
	{
		auth.GET("/me", s.me)
		auth.PUT("/me/password", s.changePassword)

		auth.GET("/systemInfo", s.systemInfo)
		auth.GET("/pool", s.listPool)
		auth.GET("/sessions", s.listSessions)
		auth.GET("/live", s.live)
	}

	return r
}
