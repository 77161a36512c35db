package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ruwiss/antigravity-claude-proxy/internal/pool"
)

// accountView is the admin-facing shape of one pool entry — credentials are
// never echoed back once stored.
type accountView struct {
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// listAccounts returns every account currently registered in the pool.
func (s *Server) listAccounts(c *gin.Context) {
	accounts := s.pool.Accounts()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{Email: a.Email, CreatedAt: a.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// addAccountRequest is the body accepted by POST /admin/accounts.
type addAccountRequest struct {
	Email        string `json:"email" binding:"required"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// addAccount registers a new account in the pool and persists it via the
// Account Store, so it survives a restart without re-running OAuth.
func (s *Server) addAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := &pool.Account{
		Email:        req.Email,
		RefreshToken: req.RefreshToken,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		CreatedAt:    time.Now(),
	}
	if err := s.accounts.Add(account); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, accountView{Email: account.Email, CreatedAt: account.CreatedAt})
}

// removeAccount drops an account from the pool and the Account Store by
// email, given as the "email" query parameter.
func (s *Server) removeAccount(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required query parameter \"email\""})
		return
	}
	if err := s.accounts.Remove(email); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
