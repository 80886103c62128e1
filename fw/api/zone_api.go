package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dashke/fort/fw/db/dao"
	"github.com/dashke/fort/fw/model"
)

// Zone changes feed the per-rule accept/reject bitsets, so every mutation
// ends in a full driver rebuild.

// POST /api/zones  {name,source_url,enabled}
func (s *Server) createZone(c *gin.Context) {
	var req struct {
		Name      string `json:"name"`
		SourceURL string `json:"source_url"`
		Enabled   bool   `json:"enabled"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}

	z := &model.Zone{
		Name:      strings.TrimSpace(req.Name),
		SourceURL: req.SourceURL,
		Enabled:   req.Enabled,
	}
	if err := dao.CreateZone(s.App.MasterDB.GormDataSource, z); err != nil {
		if errors.Is(err, dao.ErrTooManyZones) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "zone limit reached (32)"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.App.Engine.UpdateDriverConf(false); err != nil {
		apiAppLog.Warnf("driver rebuild after zone create failed: %v", err)
	}
	c.JSON(http.StatusOK, z)
}

// PUT /api/zones/:id  {enabled}
func (s *Server) updateZoneEnabled(c *gin.Context) {
	id, ok := pathParamId(c)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := dao.UpdateZoneEnabled(s.App.MasterDB.GormDataSource, id, req.Enabled); err != nil {
		if errors.Is(err, dao.ErrZoneNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "zone not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.App.Engine.UpdateDriverConf(false); err != nil {
		apiAppLog.Warnf("driver rebuild after zone toggle failed: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PUT /api/zones/:id/addresses  {text}
//
// Takes one address-list text (the body of a downloaded zone source),
// normalizes and counts the entries.
func (s *Server) updateZoneAddresses(c *gin.Context) {
	id, ok := pathParamId(c)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	g := s.App.MasterDB.GormDataSource
	if _, err := dao.GetZoneById(g, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "zone not found"})
		return
	}

	hosts, err := dao.ParseZoneHosts(req.Text)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := dao.UpdateZoneAddressCount(g, id, len(hosts)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": len(hosts)})
}
