package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/parley/internal/auth"
	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/models"
)

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type userResponse struct {
	ID    uint   `json:"id"`
	Email string `json:"email"`
}

func handleRegister(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create account"})
			return
		}

		user := models.User{
			Email:        strings.ToLower(strings.TrimSpace(req.Email)),
			PasswordHash: hash,
		}
		if err := opts.DB.Create(&user).Error; err != nil {
			if db.IsDuplicateEntry(err) {
				c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
				return
			}
			log.WithError(err).Error("server: create user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create account"})
			return
		}

		issueToken(c, opts, &user, http.StatusCreated)
	}
}

func handleLogin(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
			return
		}

		var user models.User
		err := opts.DB.Where("email = ?", strings.ToLower(strings.TrimSpace(req.Email))).
			First(&user).Error
		if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		issueToken(c, opts, &user, http.StatusOK)
	}
}

func handleCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"authenticated": true,
			"user_id":       *currentUserID(c),
		})
	}
}

func handleGitHubLogin(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := randomState()
		c.SetCookie("oauth_state", state, 300, "/", "", false, true)
		c.Redirect(http.StatusFound, opts.GitHub.LoginURL(state))
	}
}

func handleGitHubCallback(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		wantState, err := c.Cookie("oauth_state")
		if err != nil || wantState == "" || c.Query("state") != wantState {
			c.JSON(http.StatusBadRequest, gin.H{"error": "state mismatch"})
			return
		}
		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
			return
		}

		ghUser, err := opts.GitHub.Exchange(c.Request.Context(), code)
		if err != nil {
			log.WithError(err).Error("server: github exchange")
			c.JSON(http.StatusBadGateway, gin.H{"error": "github login failed"})
			return
		}

		user, err := findOrCreateGitHubUser(opts, ghUser)
		if err != nil {
			log.WithError(err).Error("server: github user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create account"})
			return
		}

		issueToken(c, opts, user, http.StatusOK)
	}
}

// findOrCreateGitHubUser links the OAuth identity to a local account: first
// by previously stored login, then by email, creating a fresh account when
// neither matches.
func findOrCreateGitHubUser(opts StartOpts, ghUser *auth.GitHubUser) (*models.User, error) {
	var user models.User
	if err := opts.DB.Where("git_hub_login = ?", ghUser.Login).First(&user).Error; err == nil {
		return &user, nil
	}
	if err := opts.DB.Where("email = ?", ghUser.Email).First(&user).Error; err == nil {
		user.GitHubLogin = ghUser.Login
		if err := opts.DB.Save(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}

	user = models.User{Email: ghUser.Email, GitHubLogin: ghUser.Login}
	if err := opts.DB.Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func issueToken(c *gin.Context, opts StartOpts, user *models.User, status int) {
	token, err := auth.CreateToken(opts.JWTSecret, user.ID)
	if err != nil {
		log.WithError(err).Error("server: create token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	c.JSON(status, tokenResponse{
		Token: token,
		User:  userResponse{ID: user.ID, Email: user.Email},
	})
}

func randomState() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
