package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

var errKeyNotFound = errors.New("key not found")

type generateKeyRequest struct {
	Note          string   `json:"note"`
	RateLimit     int      `json:"rate_limit"`
	AllowedModels []string `json:"allowed_models"`
}

type generateKeyResponse struct {
	Key           string   `json:"key"`
	CreatedAt     string   `json:"created_at"`
	Note          string   `json:"note,omitempty"`
	RateLimit     int      `json:"rate_limit,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
}

type accountView struct {
	Index            int              `json:"index"`
	Email            string           `json:"email,omitempty"`
	Tier             string           `json:"tier,omitempty"`
	ProjectID        string           `json:"project_id,omitempty"`
	ManagedProjectID string           `json:"managed_project_id,omitempty"`
	Current          bool             `json:"current"`
	LastUsedAt       string           `json:"last_used_at,omitempty"`
	LastSwitchReason string           `json:"last_switch_reason,omitempty"`
	RateLimitedFor   map[string]int64 `json:"rate_limited_seconds,omitempty"`
}

// listAccountsHandler lists managed accounts with their remaining per-family cooldowns.
func (s *Server) listAccountsHandler(c *gin.Context) {
	if s.accounts == nil {
		writeError(c, http.StatusNotImplemented, "Account management is not configured")
		return
	}
	manager, err := s.accounts.AccountManager(c.Request.Context())
	if err != nil {
		writeDispatchError(c, err)
		return
	}

	now := time.Now().UnixMilli()
	current := -1
	if acc := manager.Current(); acc != nil {
		current = manager.Snapshot(acc).Index
	}

	accounts := manager.Accounts()
	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		view := accountView{
			Index:            acc.Index,
			Email:            acc.Email,
			Tier:             string(acc.Tier),
			ProjectID:        acc.Parts.ProjectID,
			ManagedProjectID: acc.Parts.ManagedProjectID,
			Current:          acc.Index == current,
			LastSwitchReason: string(acc.LastSwitchReason),
		}
		if acc.LastUsedAtMs > 0 {
			view.LastUsedAt = time.UnixMilli(acc.LastUsedAtMs).UTC().Format(time.RFC3339)
		}
		for family, reset := range acc.RateLimitResetAt {
			if reset > now {
				if view.RateLimitedFor == nil {
					view.RateLimitedFor = make(map[string]int64)
				}
				view.RateLimitedFor[string(family)] = (reset - now + 999) / 1000
			}
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// removeAccountHandler deletes one account by index.
func (s *Server) removeAccountHandler(c *gin.Context) {
	if s.accounts == nil {
		writeError(c, http.StatusNotImplemented, "Account management is not configured")
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		writeError(c, http.StatusBadRequest, "Account index must be a non-negative integer")
		return
	}

	if err := s.accounts.RemoveAccount(c.Request.Context(), index); err != nil {
		writeError(c, http.StatusNotFound, err.Error())
		return
	}

	log.Infof("Removed account %d via admin API", index+1)
	c.Status(http.StatusNoContent)
}

// generateKeyHandler issues a new API key.
func (s *Server) generateKeyHandler(c *gin.Context) {
	if s.keyStore == nil {
		writeError(c, http.StatusNotImplemented, "Key store is not configured")
		return
	}

	var req generateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RateLimit < 0 {
		writeError(c, http.StatusBadRequest, "rate_limit must not be negative")
		return
	}

	apiKey, err := s.keyStore.Generate(req.Note, req.RateLimit, req.AllowedModels)
	if err != nil {
		log.Errorf("Failed to generate API key: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to generate API key")
		return
	}

	log.Infof("Generated new API key with note: %s", req.Note)

	c.JSON(http.StatusCreated, keyResponse(*apiKey))
}

// listKeysHandler lists issued keys.
func (s *Server) listKeysHandler(c *gin.Context) {
	if s.keyStore == nil {
		c.JSON(http.StatusOK, gin.H{"keys": []generateKeyResponse{}})
		return
	}
	keys := s.keyStore.List()
	out := make([]generateKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyResponse(k))
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

// revokeKeyHandler deletes an issued key.
func (s *Server) revokeKeyHandler(c *gin.Context) {
	if s.keyStore == nil {
		writeError(c, http.StatusNotFound, errKeyNotFound.Error())
		return
	}
	if err := s.keyStore.Revoke(c.Param("key")); err != nil {
		if errors.Is(err, errKeyNotFound) {
			writeError(c, http.StatusNotFound, err.Error())
			return
		}
		log.Errorf("Failed to revoke API key: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to revoke API key")
		return
	}
	s.limiters.Delete(c.Param("key"))
	c.Status(http.StatusNoContent)
}

func keyResponse(k APIKey) generateKeyResponse {
	return generateKeyResponse{
		Key:           k.Key,
		CreatedAt:     k.CreatedAt.Format(time.RFC3339),
		Note:          k.Note,
		RateLimit:     k.RateLimit,
		AllowedModels: k.AllowedModels,
	}
}
