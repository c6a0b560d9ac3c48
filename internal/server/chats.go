package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

const headlineLimit = 50

type createChatRequest struct {
	InputText    string `json:"input_text" binding:"required"`
	Model        string `json:"model" binding:"required"`
	SystemPrompt string `json:"system_prompt"`
}

type createPromptRequest struct {
	InputText string `json:"input_text" binding:"required"`
}

type chatSummary struct {
	UID       string    `json:"uid"`
	Headline  string    `json:"headline"`
	Model     string    `json:"model"`
	Shared    bool      `json:"shared"`
	CreatedAt time.Time `json:"created_at"`
}

type promptResponse struct {
	ID         uint      `json:"id"`
	Status     string    `json:"status"`
	Result     *string   `json:"result"`
	InputText  string    `json:"input_text"`
	OutputText string    `json:"output_text"`
	CreatedAt  time.Time `json:"created_at"`
}

type chatDetail struct {
	chatSummary
	SystemPrompt string           `json:"system_prompt"`
	Prompts      []promptResponse `json:"prompts"`
}

// headline derives the chat headline from the opening prompt text,
// truncated at rune boundaries.
func headline(input string) string {
	runes := []rune(input)
	if len(runes) <= headlineLimit {
		return input
	}
	return string(runes[:headlineLimit])
}

func handleCreateChat(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "input_text and model are required"})
			return
		}

		chat := models.Chat{
			UID:          models.NewUID(),
			Headline:     headline(req.InputText),
			Model:        req.Model,
			SystemPrompt: req.SystemPrompt,
			UserID:       currentUserID(c),
		}
		prompt := models.Prompt{Status: models.StatusQueued, InputText: req.InputText}

		err := opts.DB.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&chat).Error; err != nil {
				return err
			}
			prompt.ChatID = chat.ID
			return tx.Create(&prompt).Error
		})
		if err != nil {
			log.WithError(err).Error("server: create chat")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"uid":       chat.UID,
			"headline":  chat.Headline,
			"model":     chat.Model,
			"prompt_id": prompt.ID,
		})
	}
}

func handleListChats(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var chats []models.Chat
		if err := opts.DB.Where("user_id = ?", *currentUserID(c)).
			Order("created_at DESC").Find(&chats).Error; err != nil {
			log.WithError(err).Error("server: list chats")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list chats"})
			return
		}

		out := make([]chatSummary, 0, len(chats))
		for _, chat := range chats {
			out = append(out, summarize(&chat))
		}
		c.JSON(http.StatusOK, gin.H{"chats": out})
	}
}

func handleGetChat(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		chat, ok := loadAccessibleChat(c, opts)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, detail(chat))
	}
}

func handleCreatePrompt(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		chat, ok := loadAccessibleChat(c, opts)
		if !ok {
			return
		}

		var req createPromptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "input_text is required"})
			return
		}

		prompt := models.Prompt{
			ChatID:    chat.ID,
			Status:    models.StatusQueued,
			InputText: req.InputText,
		}
		if err := opts.DB.Create(&prompt).Error; err != nil {
			log.WithError(err).Error("server: create prompt")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create prompt"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"prompt_id": prompt.ID,
			"status":    prompt.Status,
		})
	}
}

func handleShareChat(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		chat, ok := loadAccessibleChat(c, opts)
		if !ok {
			return
		}
		// Anonymous chats cannot be shared; only the owner may flip the flag.
		userID := currentUserID(c)
		if chat.UserID == nil || userID == nil || *chat.UserID != *userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "only the owner can share a chat"})
			return
		}

		if err := opts.DB.Model(chat).Update("shared", true).Error; err != nil {
			log.WithError(err).Error("server: share chat")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not share chat"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"uid": chat.UID, "shared": true})
	}
}

func handleSharedChat(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var chat models.Chat
		err := opts.DB.Preload("Prompts", orderPrompts).
			Where("uid = ? AND shared = ?", c.Param("uid"), true).
			First(&chat).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		if err != nil {
			log.WithError(err).Error("server: load shared chat")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load chat"})
			return
		}
		c.JSON(http.StatusOK, detail(&chat))
	}
}

func handleModels(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"providers": opts.Catalog.Providers()})
	}
}

// loadAccessibleChat loads the chat named by the :uid parameter and enforces
// the access rule: anonymous chats are open, owned chats require the owner.
// On failure it writes the error response and returns ok=false.
func loadAccessibleChat(c *gin.Context, opts StartOpts) (*models.Chat, bool) {
	var chat models.Chat
	err := opts.DB.Preload("Prompts", orderPrompts).
		Where("uid = ?", c.Param("uid")).
		First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return nil, false
	}
	if err != nil {
		log.WithError(err).Error("server: load chat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load chat"})
		return nil, false
	}

	if chat.UserID != nil {
		userID := currentUserID(c)
		if userID == nil || *userID != *chat.UserID {
			// Hide the chat's existence from non-owners.
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return nil, false
		}
	}
	return &chat, true
}

func orderPrompts(db *gorm.DB) *gorm.DB {
	return db.Order("created_at ASC, id ASC")
}

func summarize(chat *models.Chat) chatSummary {
	return chatSummary{
		UID:       chat.UID,
		Headline:  chat.Headline,
		Model:     chat.Model,
		Shared:    chat.Shared,
		CreatedAt: chat.CreatedAt,
	}
}

func detail(chat *models.Chat) chatDetail {
	prompts := make([]promptResponse, 0, len(chat.Prompts))
	for _, p := range chat.Prompts {
		prompts = append(prompts, promptResponse{
			ID:         p.ID,
			Status:     p.Status,
			Result:     p.Result,
			InputText:  p.InputText,
			OutputText: p.OutputText,
			CreatedAt:  p.CreatedAt,
		})
	}
	return chatDetail{
		chatSummary:  summarize(chat),
		SystemPrompt: chat.SystemPrompt,
		Prompts:      prompts,
	}
}
