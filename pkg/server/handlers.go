package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mappingbitcoin/wot-oracle/pkg/oracle"
)

// Error codes in responses.
const (
	codeInvalidPubkey  = "invalid_pubkey"
	codeInvalidMaxHops = "invalid_max_hops"
	codeTooManyTargets = "too_many_targets"
	codeBodyTooLarge   = "body_too_large"
	codeInternal       = "internal"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

// respondServiceError maps service error kinds to HTTP responses.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, oracle.ErrInvalidPubkey):
		respondError(c, http.StatusBadRequest, codeInvalidPubkey, err.Error())
	case errors.Is(err, oracle.ErrInvalidMaxHops):
		respondError(c, http.StatusBadRequest, codeInvalidMaxHops, err.Error())
	case errors.Is(err, oracle.ErrTooManyTargets):
		respondError(c, http.StatusBadRequest, codeTooManyTargets, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(c, http.StatusGatewayTimeout, codeInternal, "query deadline exceeded")
	default:
		respondError(c, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			respondError(c, http.StatusRequestEntityTooLarge, codeBodyTooLarge, "request body too large")
		} else {
			respondError(c, http.StatusBadRequest, "invalid_request", "malformed request body")
		}
		return false
	}
	return true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDistance(c *gin.Context) {
	var req oracle.DistanceRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.svc.Distance(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type batchDistanceRequest struct {
	From           string   `json:"from"`
	Targets        []string `json:"targets"`
	MaxHops        int      `json:"max_hops"`
	IncludeBridges bool     `json:"include_bridges"`
	BypassCache    bool     `json:"bypass_cache"`
}

func (s *Server) handleBatchDistance(c *gin.Context) {
	var req batchDistanceRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.svc.BatchDistance(c.Request.Context(), req.From, req.Targets,
		req.MaxHops, req.IncludeBridges, req.BypassCache)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleFollows(c *gin.Context) {
	follows, err := s.svc.FollowsOf(c.Param("pubkey"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"follows": follows})
}

func (s *Server) handleCommonFollows(c *gin.Context) {
	common, err := s.svc.CommonFollows(c.Query("from"), c.Query("to"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"common_follows": common})
}

func (s *Server) handleShortestPath(c *gin.Context) {
	path, err := s.svc.ShortestPath(c.Request.Context(), c.Query("from"), c.Query("to"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Stats())
}
