// Package worker drains the queue of pending prompts and drives each one to
// completion: claim, provider selection, history assembly, streaming, and
// finalization. Jobs are independent; a slow or failing prompt never delays
// the others or the polling loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/parley/internal/llm"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/notify"
	"github.com/zulandar/parley/internal/pubsub"
	"gorm.io/gorm"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultErrorBackoff = 3 * time.Second
)

// Opts tunes the worker loop.
type Opts struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	Notifier     notify.Notifier // nil disables alerting
}

// Worker polls the prompt queue and processes claimed prompts concurrently.
type Worker struct {
	db       *gorm.DB
	broker   pubsub.Broker
	registry *llm.Registry
	notifier notify.Notifier

	pollInterval time.Duration
	errorBackoff time.Duration
}

// New builds a worker over the given store, broker and provider registry.
func New(db *gorm.DB, broker pubsub.Broker, registry *llm.Registry, opts Opts) (*Worker, error) {
	if db == nil {
		return nil, fmt.Errorf("worker: db is required")
	}
	if broker == nil {
		return nil, fmt.Errorf("worker: broker is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("worker: registry is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = defaultErrorBackoff
	}
	return &Worker{
		db:           db,
		broker:       broker,
		registry:     registry,
		notifier:     opts.Notifier,
		pollInterval: opts.PollInterval,
		errorBackoff: opts.ErrorBackoff,
	}, nil
}

// Run polls for queued prompts until ctx is cancelled. Poll failures are
// logged and retried after a longer backoff; they never stop the loop.
// In-flight jobs are not cancelled on return, they run to completion.
func (w *Worker) Run(ctx context.Context) error {
	log.WithField("poll_interval", w.pollInterval).Info("worker: starting")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: stopped")
			return nil
		default:
		}

		if err := w.pollOnce(ctx); err != nil {
			log.WithError(err).Error("worker: poll failed")
			sleepWithContext(ctx, w.errorBackoff)
			continue
		}

		sleepWithContext(ctx, w.pollInterval)
	}
}

// pollOnce queries for queued prompts and launches one job per prompt.
func (w *Worker) pollOnce(ctx context.Context) error {
	var ids []uint
	if err := w.db.Model(&models.Prompt{}).
		Where("status = ?", models.StatusQueued).
		Order("created_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("worker: query queued prompts: %w", err)
	}

	// Jobs detach from the loop's cancellation: stopping the worker only
	// prevents new polls, claimed prompts stream to completion.
	jobCtx := context.WithoutCancel(ctx)
	for _, id := range ids {
		go w.processPrompt(jobCtx, id)
	}
	return nil
}

// processPrompt drives a single prompt through its lifecycle. Nothing may
// escape to the poller: every failure path ends in a durable
// finished/failure row, and panics are contained here.
func (w *Worker) processPrompt(ctx context.Context, id uint) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("prompt_id", id).Errorf("worker: job panic: %v", r)
		}
	}()

	// Claim atomically: only the update that still sees status=queued wins.
	// The loser of an overlapping poll sees zero rows and skips.
	res := w.db.Model(&models.Prompt{}).
		Where("id = ? AND status = ?", id, models.StatusQueued).
		Update("status", models.StatusRunning)
	if res.Error != nil {
		log.WithError(res.Error).WithField("prompt_id", id).Error("worker: claim failed")
		return
	}
	if res.RowsAffected == 0 {
		return // already claimed by a concurrent poll
	}

	var prompt models.Prompt
	if err := w.db.Preload("Chat").Preload("Chat.User").Preload("Chat.User.Profile").
		First(&prompt, id).Error; err != nil {
		log.WithError(err).WithField("prompt_id", id).Error("worker: load claimed prompt")
		return
	}

	chatUID := prompt.Chat.UID
	if err := w.broker.PublishStatus(ctx, chatUID, prompt.ID, models.StatusRunning); err != nil {
		log.WithError(err).WithField("prompt_id", id).Warn("worker: publish running status")
	}

	log.WithFields(log.Fields{
		"prompt_id": prompt.ID,
		"chat_uid":  chatUID,
		"model":     prompt.Chat.Model,
	}).Info("worker: processing prompt")

	if err := w.generate(ctx, &prompt); err != nil {
		w.finalizeFailure(ctx, &prompt, err)
		return
	}

	log.WithField("prompt_id", prompt.ID).Info("worker: prompt completed")
}

// generate runs provider selection, history assembly and streaming, and
// finalizes the success path. Any returned error finalizes as failure.
func (w *Worker) generate(ctx context.Context, prompt *models.Prompt) error {
	providerName, modelName, err := llm.SplitSelector(prompt.Chat.Model)
	if err != nil {
		return err
	}

	provider, err := w.registry.Lookup(providerName)
	if err != nil {
		return err
	}

	key, err := resolveKey(provider, prompt.Chat.User)
	if err != nil {
		return err
	}
	client := provider.New(modelName, key)

	history, err := w.previousHistory(prompt)
	if err != nil {
		return err
	}

	stream, err := client.Stream(ctx, llm.Request{
		SystemPrompt: prompt.Chat.SystemPrompt,
		History:      history,
		Input:        prompt.InputText,
	})
	if err != nil {
		return fmt.Errorf("worker: open stream: %w", err)
	}
	defer stream.Close()

	// Hot path: one store write and one publish per delta, in emission
	// order. A listener concatenating chunk events in receive order must
	// reconstruct the exact output text.
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		prompt.OutputText += delta
		if err := w.db.Model(&models.Prompt{}).Where("id = ?", prompt.ID).
			Update("output_text", prompt.OutputText).Error; err != nil {
			return fmt.Errorf("worker: persist delta: %w", err)
		}
		if err := w.broker.PublishChunk(ctx, prompt.Chat.UID, prompt.ID, delta); err != nil {
			return fmt.Errorf("worker: publish delta: %w", err)
		}
	}

	return w.finalizeSuccess(ctx, prompt, stream.History())
}

// previousHistory loads the history snapshot stored on the chronologically
// previous prompt in the same chat, or nil when this is the first prompt.
func (w *Worker) previousHistory(prompt *models.Prompt) ([]llm.Message, error) {
	var prev models.Prompt
	err := w.db.Where("chat_id = ? AND id <> ?", prompt.ChatID, prompt.ID).
		Order("created_at DESC, id DESC").
		First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("worker: load previous prompt: %w", err)
	}
	if prev.History == "" {
		return nil, nil
	}

	var history []llm.Message
	if err := json.Unmarshal([]byte(prev.History), &history); err != nil {
		return nil, fmt.Errorf("worker: decode history of prompt %d: %w", prev.ID, err)
	}
	return history, nil
}

// finalizeSuccess writes the history snapshot and terminal state, then
// publishes the finished status.
func (w *Worker) finalizeSuccess(ctx context.Context, prompt *models.Prompt, history []llm.Message) error {
	blob, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("worker: encode history: %w", err)
	}

	result := models.ResultSuccess
	if err := w.db.Model(&models.Prompt{}).Where("id = ?", prompt.ID).Updates(map[string]interface{}{
		"status":  models.StatusFinished,
		"result":  result,
		"history": string(blob),
	}).Error; err != nil {
		return fmt.Errorf("worker: finalize prompt %d: %w", prompt.ID, err)
	}

	if err := w.broker.PublishStatus(ctx, prompt.Chat.UID, prompt.ID, models.StatusFinished); err != nil {
		log.WithError(err).WithField("prompt_id", prompt.ID).Warn("worker: publish finished status")
	}
	return nil
}

// finalizeFailure appends a diagnostic trailer, persists the terminal state
// and publishes the finished status. Failure is durable in the store even
// for listeners that missed the channel event.
func (w *Worker) finalizeFailure(ctx context.Context, prompt *models.Prompt, cause error) {
	log.WithError(cause).WithFields(log.Fields{
		"prompt_id": prompt.ID,
		"chat_uid":  prompt.Chat.UID,
	}).Error("worker: prompt failed")

	output := prompt.OutputText + FailureTrailer(cause)
	result := models.ResultFailure
	if err := w.db.Model(&models.Prompt{}).Where("id = ?", prompt.ID).Updates(map[string]interface{}{
		"status":      models.StatusFinished,
		"result":      result,
		"output_text": output,
	}).Error; err != nil {
		log.WithError(err).WithField("prompt_id", prompt.ID).Error("worker: finalize failed prompt")
	}

	if err := w.broker.PublishStatus(ctx, prompt.Chat.UID, prompt.ID, models.StatusFinished); err != nil {
		log.WithError(err).WithField("prompt_id", prompt.ID).Warn("worker: publish finished status")
	}

	if w.notifier != nil {
		w.notifier.PromptFailed(ctx, prompt.Chat.UID, prompt.ID, cause.Error())
	}
}

// FailureTrailer renders the diagnostic trailer appended to output text on
// the failure path.
func FailureTrailer(cause error) string {
	return fmt.Sprintf("\n\n[error: %v]", cause)
}

// resolveKey resolves the provider credential: the owning user's stored key
// first, then the process-wide environment fallback.
func resolveKey(provider llm.Provider, user *models.User) (string, error) {
	if !provider.RequiresKey {
		return "", nil
	}
	if user != nil && user.Profile != nil {
		if key := user.Profile.KeyFor(provider.Name); key != "" {
			return key, nil
		}
	}
	if key := os.Getenv(provider.EnvVar); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("worker: no API key configured for provider %q", provider.Name)
}

// sleepWithContext sleeps for duration d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
