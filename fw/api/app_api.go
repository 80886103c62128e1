package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dashke/fort/fw/common"
	"github.com/dashke/fort/fw/common/logx"
	"github.com/dashke/fort/fw/db/dao"
	"github.com/dashke/fort/fw/model"
)

var apiAppLog = logx.New(logx.WithPrefix("api.app"))

/******** helpers ********/

func pathParamId(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func validateApp(app *model.App) string {
	if app.OriginPath == "" && app.Path == "" {
		return "path required"
	}
	if app.OriginPath == "" {
		app.OriginPath = app.Path
	}
	app.IsWildcard = common.IsWildcardPattern(app.OriginPath)
	if !app.IsWildcard {
		app.Path = common.NormalizePath(app.OriginPath)
	}
	if app.GroupIndex < 0 {
		return "invalid group_index"
	}
	return ""
}

/******** Handlers: /apps ********/

// GET /api/apps
func (s *Server) listApps(c *gin.Context) {
	apps := make([]model.App, 0, 64)
	err := s.Rules.WalkApps(func(app *model.App) bool {
		apps = append(apps, *app)
		return true
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": apps, "total": len(apps)})
}

// GET /api/apps/:id
func (s *Server) getApp(c *gin.Context) {
	id, ok := pathParamId(c)
	if !ok {
		return
	}
	app, err := dao.GetAppById(s.App.MasterDB.GormDataSource, id)
	if err != nil {
		if errors.Is(err, dao.ErrAppNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "app not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, app)
}

// POST /api/apps
func (s *Server) createApp(c *gin.Context) {
	var app model.App
	if err := c.BindJSON(&app); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := validateApp(&app); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	app.AppId = 0

	if err := s.Rules.AddApp(&app); err != nil {
		if errors.Is(err, dao.ErrGroupNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "group not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	apiAppLog.Infof("app created: id=%d path=%s", app.AppId, app.OriginPath)
	c.JSON(http.StatusOK, app)
}

// PUT /api/apps/:id
func (s *Server) updateApp(c *gin.Context) {
	id, ok := pathParamId(c)
	if !ok {
		return
	}
	var app model.App
	if err := c.BindJSON(&app); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := validateApp(&app); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	app.AppId = id

	if err := s.Rules.UpdateApp(&app); err != nil {
		if errors.Is(err, dao.ErrGroupNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "group not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, app)
}

// PUT /api/apps/:id/name  {name}
func (s *Server) updateAppName(c *gin.Context) {
	id, ok := pathParamId(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Rules.UpdateAppName(id, req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DELETE /api/apps/:id
func (s *Server) deleteApp(c *gin.Context) {
	id, ok := pathParamId(c)
	if !ok {
		return
	}
	if err := s.Rules.DeleteApps([]int64{id}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DELETE /api/apps/batch  {ids}
func (s *Server) deleteAppsBatch(c *gin.Context) {
	var req struct {
		Ids []int64 `json:"ids"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids required"})
		return
	}
	if err := s.Rules.DeleteApps(req.Ids); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": len(req.Ids)})
}

// PUT /api/apps/blocked  {ids,blocked,kill_process}
func (s *Server) updateAppsBlocked(c *gin.Context) {
	var req struct {
		Ids         []int64 `json:"ids"`
		Blocked     bool    `json:"blocked"`
		KillProcess bool    `json:"kill_process"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids required"})
		return
	}
	if err := s.Rules.UpdateAppsBlocked(req.Ids, req.Blocked, req.KillProcess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": len(req.Ids)})
}

// POST /api/apps/purge
func (s *Server) purgeApps(c *gin.Context) {
	if err := s.Rules.PurgeApps(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

/******** Handlers: /groups /zones ********/

// GET /api/groups
func (s *Server) listGroups(c *gin.Context) {
	groups, err := dao.ListGroups(s.App.MasterDB.GormDataSource)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": groups, "total": len(groups)})
}

// GET /api/zones
func (s *Server) listZones(c *gin.Context) {
	zones, err := dao.ListZones(s.App.MasterDB.GormDataSource)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": zones, "total": len(zones)})
}
