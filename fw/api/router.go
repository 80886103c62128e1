package api

import (
	"github.com/gin-gonic/gin"
)

/********** Router **********/
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())

	api := r.Group("/api")
	{
		api.POST("/login", s.login)
	}

	auth := api.Group("/")
	auth.Use(s.AuthRequired())
	{
		auth.GET("/apps", s.listApps)
		auth.GET("/apps/:id", s.getApp)
		auth.POST("/apps", s.createApp)
		auth.PUT("/apps/:id", s.updateApp)
		auth.PUT("/apps/:id/name", s.updateAppName)
		auth.DELETE("/apps/:id", s.deleteApp)
		auth.DELETE("/apps/batch", s.deleteAppsBatch)
		auth.PUT("/apps/blocked", s.updateAppsBlocked)
		auth.POST("/apps/purge", s.purgeApps)

		auth.GET("/groups", s.listGroups)
		auth.GET("/zones", s.listZones)
		auth.POST("/zones", s.createZone)
		auth.PUT("/zones/:id", s.updateZoneEnabled)
		auth.PUT("/zones/:id/addresses", s.updateZoneAddresses)

		auth.GET("/events", func(c *gin.Context) {
			s.App.Hub.HandleWS(c.Writer, c.Request)
		})
	}

	return r
}
