package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ModelInfo describes one selectable model in the catalog.
type ModelInfo struct {
	Name        string `json:"name"`
	ID          string `json:"id"` // full "provider:model-name" selector
	Description string `json:"description"`
}

// ProviderModels groups catalog entries by provider.
type ProviderModels struct {
	Provider string      `json:"provider"`
	Models   []ModelInfo `json:"models"`
}

// catalogTTL is how long a fetched OpenRouter model list stays fresh.
const catalogTTL = 30 * time.Minute

// maxDescription truncates OpenRouter's long model descriptions.
const maxDescription = 100

// Catalog serves the provider/model listing. The dummy and openai entries
// are static; the openrouter list is fetched remotely and cached with a TTL,
// falling back to the stale copy when a refresh fails.
type Catalog struct {
	BaseURL string // OpenRouter API base, overridable in tests
	HTTP    *http.Client

	mu        sync.Mutex
	cached    []ModelInfo
	fetchedAt time.Time
}

// NewCatalog returns a catalog with the production OpenRouter endpoint.
func NewCatalog() *Catalog {
	return &Catalog{
		BaseURL: openRouterBaseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Providers returns the full grouped catalog.
func (c *Catalog) Providers() []ProviderModels {
	return []ProviderModels{
		{
			Provider: "dummy",
			Models: []ModelInfo{
				{Name: "Dummy Model", ID: "dummy:dummy", Description: "Test model with canned text"},
			},
		},
		{
			Provider: "openai",
			Models: []ModelInfo{
				{Name: "GPT-4o", ID: "openai:gpt-4o", Description: "OpenAI GPT-4o"},
				{Name: "GPT-4o Mini", ID: "openai:gpt-4o-mini", Description: "OpenAI GPT-4o Mini"},
			},
		},
		{
			Provider: "openrouter",
			Models:   c.openRouterModels(),
		},
	}
}

// Refresh forces a fetch of the OpenRouter list, ignoring the TTL.
func (c *Catalog) Refresh() error {
	models, err := c.fetch()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cached = models
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// openRouterModels returns the cached list, refreshing it when stale. A
// failed refresh falls back to whatever was cached before, even if expired.
func (c *Catalog) openRouterModels() []ModelInfo {
	c.mu.Lock()
	fresh := c.cached != nil && time.Since(c.fetchedAt) < catalogTTL
	cached := c.cached
	c.mu.Unlock()

	if fresh {
		return cached
	}

	if err := c.Refresh(); err != nil {
		log.WithError(err).Warn("catalog: openrouter refresh failed")
		return cached
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

type openRouterList struct {
	Data []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"data"`
}

func (c *Catalog) fetch() ([]ModelInfo, error) {
	resp, err := c.HTTP.Get(c.BaseURL + "/models")
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch openrouter models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: fetch openrouter models: status %d", resp.StatusCode)
	}

	var list openRouterList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("catalog: decode openrouter models: %w", err)
	}

	models := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		desc := m.Description
		if len(desc) > maxDescription {
			desc = desc[:maxDescription]
		}
		models = append(models, ModelInfo{
			Name:        name,
			ID:          "openrouter:" + m.ID,
			Description: desc,
		})
	}
	return models, nil
}
