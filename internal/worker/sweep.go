package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/pubsub"
	"gorm.io/gorm"
)

// SweepStaleRunning finalizes prompts that have sat in running longer than
// maxAge without an output write. These are orphans of a worker that died
// mid-stream; their status can never advance on its own. Returns the number
// of prompts finalized.
func SweepStaleRunning(ctx context.Context, db *gorm.DB, broker pubsub.Broker, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	var stale []models.Prompt
	if err := db.Preload("Chat").
		Where("status = ? AND updated_at < ?", models.StatusRunning, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("worker: query stale running prompts: %w", err)
	}

	swept := 0
	for _, prompt := range stale {
		cause := errors.New("abandoned by a dead worker")
		result := models.ResultFailure
		err := db.Model(&models.Prompt{}).
			// Re-check status so a prompt that finished between the query
			// and this update is left alone.
			Where("id = ? AND status = ?", prompt.ID, models.StatusRunning).
			Updates(map[string]interface{}{
				"status":      models.StatusFinished,
				"result":      result,
				"output_text": prompt.OutputText + FailureTrailer(cause),
			})
		if err.Error != nil {
			log.WithError(err.Error).WithField("prompt_id", prompt.ID).Error("worker: sweep finalize")
			continue
		}
		if err.RowsAffected == 0 {
			continue
		}

		log.WithFields(log.Fields{
			"prompt_id": prompt.ID,
			"chat_uid":  prompt.Chat.UID,
		}).Warn("worker: swept stale running prompt")

		if pubErr := broker.PublishStatus(ctx, prompt.Chat.UID, prompt.ID, models.StatusFinished); pubErr != nil {
			log.WithError(pubErr).WithField("prompt_id", prompt.ID).Warn("worker: publish swept status")
		}
		swept++
	}

	return swept, nil
}
