package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

// profileResponse never echoes stored credentials; the API only reports
// whether a key is set.
type profileResponse struct {
	Email            string `json:"email"`
	OpenAIKeySet     bool   `json:"openai_key_set"`
	OpenRouterKeySet bool   `json:"openrouter_key_set"`
}

type profileUpdateRequest struct {
	OpenAIKey     *string `json:"openai_key"`
	OpenRouterKey *string `json:"openrouter_key"`
}

func handleGetProfile(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, profile, ok := loadProfile(c, opts)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, maskProfile(user, profile))
	}
}

func handleUpdateProfile(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, profile, ok := loadProfile(c, opts)
		if !ok {
			return
		}

		var req profileUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile update"})
			return
		}

		// Absent fields are left alone; an empty string clears the key.
		if req.OpenAIKey != nil {
			profile.OpenAIKey = *req.OpenAIKey
		}
		if req.OpenRouterKey != nil {
			profile.OpenRouterKey = *req.OpenRouterKey
		}

		if err := opts.DB.Save(profile).Error; err != nil {
			log.WithError(err).Error("server: save profile")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update profile"})
			return
		}
		c.JSON(http.StatusOK, maskProfile(user, profile))
	}
}

// loadProfile loads the authenticated user and their profile, creating an
// empty profile row on first access.
func loadProfile(c *gin.Context, opts StartOpts) (*models.User, *models.Profile, bool) {
	var user models.User
	if err := opts.DB.Preload("Profile").First(&user, *currentUserID(c)).Error; err != nil {
		log.WithError(err).Error("server: load user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load profile"})
		return nil, nil, false
	}

	if user.Profile == nil {
		profile := models.Profile{UserID: user.ID}
		if err := opts.DB.Create(&profile).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			log.WithError(err).Error("server: create profile")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load profile"})
			return nil, nil, false
		}
		user.Profile = &profile
	}
	return &user, user.Profile, true
}

func maskProfile(user *models.User, profile *models.Profile) profileResponse {
	return profileResponse{
		Email:            user.Email,
		OpenAIKeySet:     profile.OpenAIKey != "",
		OpenRouterKeySet: profile.OpenRouterKey != "",
	}
}
