package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/utils"
	"github.com/mmdatafocus/estate_backend/workflow"
)

// writeError maps the workflow error taxonomy to a status and a hint the client can act on.
func writeError(c *gin.Context, err error) {
	var ve *utils.ValidationError
	var le *ledger.Error
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ve.Message, "fields": ve.Fields})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "hint": "refresh: the agreement or distribution has moved on"})
	case errors.Is(err, utils.ErrorNotVerified):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "hint": "verify a code before signing"})
	case errors.Is(err, utils.ErrorCredentialMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorInvalidOrExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error(), "hint": "request a new code"})
	case errors.As(err, &le):
		// No local state is written before the ledger accepts, so a retry is always safe.
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      le.Error(),
			"ledger":     le.Kind,
			"transient":  le.Kind == ledger.KindTransient,
			"retry_safe": true,
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func actorOf(c *gin.Context) utils.Actor {
	actor, _ := utils.GetActorFromContext(c.Request.Context())
	return actor
}

func (a *api) createDistributionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewDistribution
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := a.service().CreateDistribution(c.Request.Context(), actorOf(c), input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func (a *api) getDistributionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := a.service().GetDistribution(c.Request.Context(), actorOf(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func (a *api) getProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, err := a.service().GetDistribution(ctx, actorOf(c), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		progress, err := a.service().GetProgress(ctx, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

type notesRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

func (a *api) updateNotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			writeError(c, err)
			return
		}
		d, err := a.service().UpdateDistributionNotes(c.Request.Context(), actorOf(c), c.Param("id"), req.Notes)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func (a *api) myAgreementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		agreements, err := a.service().ListAgreementsForSigner(c.Request.Context(), actorOf(c).Id)
		if err != nil {
			writeError(c, err)
			return
		}
		if agreements == nil {
			agreements = []models.Agreement{}
		}
		c.JSON(http.StatusOK, gin.H{"agreements": agreements})
	}
}

type issueCodeRequest struct {
	Credential string `json:"credential" binding:"required"`
}

func (a *api) issueCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueCodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "credential is required"})
			return
		}
		issued, err := a.service().IssueCode(c.Request.Context(), c.Param("id"), actorOf(c).Id, req.Credential)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, issued)
	}
}

type verifyCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (a *api) verifyCodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyCodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
			return
		}
		// The bound credential stays server side; the next sign call picks it up from the grant.
		if _, err := a.service().VerifyCode(c.Request.Context(), c.Param("id"), actorOf(c).Id, req.Code); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"verified": true})
	}
}

type signRequest struct {
	SignatureImage string `json:"signature_image"`
}

func (a *api) signHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		result, err := a.service().Sign(c.Request.Context(), workflow.SignRequest{
			AgreementId:    c.Param("id"),
			ActorId:        actorOf(c).Id,
			SignatureImage: req.SignatureImage,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (a *api) rejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rejectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
			return
		}
		result, err := a.service().Reject(c.Request.Context(), c.Param("id"), actorOf(c).Id, req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type adminSignRequest struct {
	Notes string `json:"notes"`
}

func (a *api) adminSignHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adminSignRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		result, err := a.service().AdminSign(c.Request.Context(), workflow.AdminSignRequest{
			DistributionId: c.Param("id"),
			Admin:          actorOf(c),
			Notes:          req.Notes,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
