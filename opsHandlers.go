package main

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/models/reports"
	"github.com/mmdatafocus/estate_backend/utils"
)

// anchorHandler retries ledger anchoring for a distribution whose creation-time anchoring failed.
func (a *api) anchorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := a.service().AnchorDistribution(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func (a *api) reconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := a.reconciler.Load().Run(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func (a *api) reconcileReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := models.ListReconciliationReports(a.service().DB, c.Request.Context(), c.Param("correlation_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if rows == nil {
			rows = []models.ReconciliationReport{}
		}
		c.JSON(http.StatusOK, gin.H{"reports": rows})
	}
}

type notificationReplayRequest struct {
	DistributionId string `json:"distribution_id"`
}

// notificationReplayHandler requeues DEAD notifications, optionally for one distribution.
func (a *api) notificationReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notificationReplayRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		n, err := models.ReplayDeadNotifications(a.service().DB, c.Request.Context(), req.DistributionId)
		if err != nil {
			writeError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"distribution_id": req.DistributionId,
			"requeued":        n,
			"correlation_id":  cid,
		})
	}
}

func (a *api) exportProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.Query("status")
		if status != "" && !models.DistributionStatus(status).IsValid() {
			writeError(c, utils.NewFieldError("status", "oneof"))
			return
		}
		rows, err := reports.GetDistributionProgressReport(c.Request.Context(), a.service().DB, status)
		if err != nil {
			writeError(c, err)
			return
		}
		var buf bytes.Buffer
		if err := reports.WriteDistributionProgress(&buf, rows); err != nil {
			writeError(c, err)
			return
		}
		filename := fmt.Sprintf("distribution-progress-%s.xlsx", time.Now().UTC().Format("20060102"))
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}
