package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mnv104/capfs-sub002/framepool"
	"github.com/mnv104/capfs-sub002/harvester"
	"github.com/mnv104/capfs-sub002/hashcache"
)

// diagnostics holds read-only references to the live engine state the debug endpoints report
// on. It is never used to drive a write path.
type diagnostics struct {
	pool *framepool.Pool
	hc   hashcache.Cache
	hv   *harvester.Harvester
}

type statsResponse struct {
	Pool  framepool.Stats `json:"pool"`
	Cache hashcache.Stats `json:"cache"`
}

// statsHandler godoc
// @Summary      Dump frame pool and hash-cache counters
// @Description  Returns point-in-time occupancy of the frame pool and the hash-cache facade.
// @Tags         diagnostics
// @Produce      json
// @Success      200  {object}  statsResponse
// @Router       /stats [get]
func (d *diagnostics) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Pool:  d.pool.Stats(),
		Cache: d.hc.Stats(),
	})
}

// harvesterHandler godoc
// @Summary      Dump harvester status
// @Description  Returns whether the background harvester goroutine is running and its last observed clock-hand position.
// @Tags         diagnostics
// @Produce      json
// @Success      200  {object}  harvester.Status
// @Router       /harvester [get]
func (d *diagnostics) harvesterHandler(c *gin.Context) {
	c.JSON(http.StatusOK, d.hv.Status())
}
