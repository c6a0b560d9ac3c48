package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/auth"
	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/llm"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/pubsub"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return gdb
}

func newTestServer(t *testing.T) (StartOpts, *gin.Engine, *pubsub.Hub) {
	t.Helper()
	hub := pubsub.NewHub()
	opts := StartOpts{
		DB:        openTestDB(t),
		Broker:    hub,
		Catalog:   llm.NewCatalog(),
		JWTSecret: testSecret,
	}
	return opts, newRouter(opts), hub
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func registerUser(t *testing.T, router *gin.Engine, email string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/auth/register", "", gin.H{
		"email": email, "password": "hunter22",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status = %d, body %s", email, w.Code, w.Body.String())
	}
	var resp tokenResponse
	decodeJSON(t, w, &resp)
	return resp.Token
}

func TestRegister(t *testing.T) {
	_, router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/auth/register", "", gin.H{
		"email": "a@example.com", "password": "hunter22",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}
	var resp tokenResponse
	decodeJSON(t, w, &resp)
	if resp.User.Email != "a@example.com" {
		t.Errorf("email = %q, want a@example.com", resp.User.Email)
	}
	if _, err := auth.ParseToken(testSecret, resp.Token); err != nil {
		t.Errorf("issued token does not parse: %v", err)
	}

	// Same email again conflicts.
	w = doJSON(t, router, http.MethodPost, "/api/auth/register", "", gin.H{
		"email": "a@example.com", "password": "other",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", w.Code)
	}
}

func TestRegister_MissingFields(t *testing.T) {
	_, router, _ := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/api/auth/register", "", gin.H{"email": "a@example.com"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestLogin(t *testing.T) {
	_, router, _ := newTestServer(t)
	registerUser(t, router, "a@example.com")

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "a@example.com", "password": "hunter22",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "a@example.com", "password": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email": "nobody@example.com", "password": "hunter22",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unknown user status = %d, want 401", w.Code)
	}
}

func TestCheck(t *testing.T) {
	_, router, _ := newTestServer(t)
	token := registerUser(t, router, "a@example.com")

	w := doJSON(t, router, http.MethodGet, "/api/auth/check", token, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	// Token accepted via query parameter too (EventSource clients).
	w = doJSON(t, router, http.MethodGet, "/api/auth/check?token="+token, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("query token status = %d, want 200", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/auth/check", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/auth/check", "garbage", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", w.Code)
	}
}

func TestCreateChat_Anonymous(t *testing.T) {
	opts, router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/chats", "", gin.H{
		"input_text": "hello there", "model": "dummy:dummy",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}
	var resp struct {
		UID      string `json:"uid"`
		Headline string `json:"headline"`
		PromptID uint   `json:"prompt_id"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.UID) != 12 {
		t.Errorf("uid = %q, want 12 chars", resp.UID)
	}
	if resp.Headline != "hello there" {
		t.Errorf("headline = %q, want input text", resp.Headline)
	}

	var chat models.Chat
	if err := opts.DB.Preload("Prompts").Where("uid = ?", resp.UID).First(&chat).Error; err != nil {
		t.Fatalf("chat not stored: %v", err)
	}
	if chat.UserID != nil {
		t.Errorf("anonymous chat UserID = %v, want nil", chat.UserID)
	}
	if len(chat.Prompts) != 1 {
		t.Fatalf("len(prompts) = %d, want 1", len(chat.Prompts))
	}
	if chat.Prompts[0].Status != models.StatusQueued {
		t.Errorf("first prompt status = %q, want queued", chat.Prompts[0].Status)
	}
	if chat.Prompts[0].InputText != "hello there" {
		t.Errorf("first prompt input = %q, want %q", chat.Prompts[0].InputText, "hello there")
	}
}

func TestCreateChat_HeadlineTruncated(t *testing.T) {
	_, router, _ := newTestServer(t)

	long := strings.Repeat("x", 80)
	w := doJSON(t, router, http.MethodPost, "/api/chats", "", gin.H{
		"input_text": long, "model": "dummy:dummy",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	var resp struct {
		Headline string `json:"headline"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Headline) != headlineLimit {
		t.Errorf("len(headline) = %d, want %d", len(resp.Headline), headlineLimit)
	}
}

func TestListChats_OnlyOwn(t *testing.T) {
	_, router, _ := newTestServer(t)
	tokenA := registerUser(t, router, "a@example.com")
	tokenB := registerUser(t, router, "b@example.com")

	doJSON(t, router, http.MethodPost, "/api/chats", tokenA, gin.H{
		"input_text": "mine", "model": "dummy:dummy",
	})
	doJSON(t, router, http.MethodPost, "/api/chats", tokenB, gin.H{
		"input_text": "theirs", "model": "dummy:dummy",
	})

	w := doJSON(t, router, http.MethodGet, "/api/chats", tokenA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Chats []chatSummary `json:"chats"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Chats) != 1 {
		t.Fatalf("len(chats) = %d, want 1", len(resp.Chats))
	}
	if resp.Chats[0].Headline != "mine" {
		t.Errorf("headline = %q, want %q", resp.Chats[0].Headline, "mine")
	}

	w = doJSON(t, router, http.MethodGet, "/api/chats", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous list status = %d, want 401", w.Code)
	}
}

func createChatAs(t *testing.T, router *gin.Engine, token, input string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/chats", token, gin.H{
		"input_text": input, "model": "dummy:dummy",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create chat: status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		UID string `json:"uid"`
	}
	decodeJSON(t, w, &resp)
	return resp.UID
}

func TestGetChat_AccessControl(t *testing.T) {
	_, router, _ := newTestServer(t)
	tokenA := registerUser(t, router, "a@example.com")
	tokenB := registerUser(t, router, "b@example.com")

	owned := createChatAs(t, router, tokenA, "owned chat")
	anon := createChatAs(t, router, "", "anonymous chat")

	// Owner sees their chat with prompts.
	w := doJSON(t, router, http.MethodGet, "/api/chats/"+owned, tokenA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner get status = %d, want 200", w.Code)
	}
	var got chatDetail
	decodeJSON(t, w, &got)
	if len(got.Prompts) != 1 {
		t.Errorf("len(prompts) = %d, want 1", len(got.Prompts))
	}

	// Another user must not even learn the chat exists.
	w = doJSON(t, router, http.MethodGet, "/api/chats/"+owned, tokenB, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("non-owner get status = %d, want 404", w.Code)
	}

	// Anonymous chats are open.
	w = doJSON(t, router, http.MethodGet, "/api/chats/"+anon, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("anonymous chat get status = %d, want 200", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/chats/nosuchchat12", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing chat status = %d, want 404", w.Code)
	}
}

func TestCreatePrompt(t *testing.T) {
	opts, router, _ := newTestServer(t)
	uid := createChatAs(t, router, "", "first")

	w := doJSON(t, router, http.MethodPost, "/api/chats/"+uid+"/prompts", "", gin.H{
		"input_text": "follow-up",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}

	var chat models.Chat
	if err := opts.DB.Preload("Prompts", orderPrompts).Where("uid = ?", uid).First(&chat).Error; err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if len(chat.Prompts) != 2 {
		t.Fatalf("len(prompts) = %d, want 2", len(chat.Prompts))
	}
	if chat.Prompts[1].InputText != "follow-up" {
		t.Errorf("second prompt input = %q, want %q", chat.Prompts[1].InputText, "follow-up")
	}
	if chat.Prompts[1].Status != models.StatusQueued {
		t.Errorf("second prompt status = %q, want queued", chat.Prompts[1].Status)
	}
}

func TestShareChat(t *testing.T) {
	_, router, _ := newTestServer(t)
	tokenA := registerUser(t, router, "a@example.com")
	uid := createChatAs(t, router, tokenA, "to share")

	// Unshared chats are invisible on the shared endpoint.
	w := doJSON(t, router, http.MethodGet, "/api/chats/"+uid+"/shared", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unshared status = %d, want 404", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/chats/"+uid+"/share", tokenA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("share status = %d, want 200; body %s", w.Code, w.Body.String())
	}

	// Now readable without any auth.
	w = doJSON(t, router, http.MethodGet, "/api/chats/"+uid+"/shared", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("shared status = %d, want 200", w.Code)
	}
	var got chatDetail
	decodeJSON(t, w, &got)
	if !got.Shared {
		t.Error("shared flag not set in response")
	}
}

func TestShareChat_OwnerOnly(t *testing.T) {
	_, router, _ := newTestServer(t)
	tokenA := registerUser(t, router, "a@example.com")
	tokenB := registerUser(t, router, "b@example.com")

	owned := createChatAs(t, router, tokenA, "owned")
	anon := createChatAs(t, router, "", "anonymous")

	w := doJSON(t, router, http.MethodPost, "/api/chats/"+owned+"/share", tokenB, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("non-owner share status = %d, want 404", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/chats/"+anon+"/share", tokenA, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("anonymous chat share status = %d, want 403", w.Code)
	}
}

func TestModels(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"meta/llama-3","name":"Llama 3","description":"open weights"}]}`)
	}))
	defer upstream.Close()

	opts, _, _ := newTestServer(t)
	opts.Catalog = &llm.Catalog{BaseURL: upstream.URL, HTTP: upstream.Client()}
	router := newRouter(opts)

	w := doJSON(t, router, http.MethodGet, "/api/models", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Providers []llm.ProviderModels `json:"providers"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Providers) != 3 {
		t.Fatalf("len(providers) = %d, want 3", len(resp.Providers))
	}
	byName := map[string][]llm.ModelInfo{}
	for _, p := range resp.Providers {
		byName[p.Provider] = p.Models
	}
	if len(byName["dummy"]) == 0 {
		t.Error("dummy provider missing from catalog")
	}
	or := byName["openrouter"]
	if len(or) != 1 || or[0].ID != "openrouter:meta/llama-3" {
		t.Errorf("openrouter models = %+v, want fetched llama entry", or)
	}
}

func TestProfile(t *testing.T) {
	_, router, _ := newTestServer(t)
	token := registerUser(t, router, "a@example.com")

	w := doJSON(t, router, http.MethodGet, "/api/profile", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	var got profileResponse
	decodeJSON(t, w, &got)
	if got.OpenAIKeySet || got.OpenRouterKeySet {
		t.Errorf("fresh profile keys = %+v, want both unset", got)
	}

	w = doJSON(t, router, http.MethodPatch, "/api/profile", token, gin.H{
		"openai_key": "sk-test",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, want 200; body %s", w.Code, w.Body.String())
	}
	decodeJSON(t, w, &got)
	if !got.OpenAIKeySet || got.OpenRouterKeySet {
		t.Errorf("after patch keys = %+v, want openai set only", got)
	}
	if strings.Contains(w.Body.String(), "sk-test") {
		t.Error("stored key leaked into the response")
	}

	// Empty string clears; absent field is untouched.
	w = doJSON(t, router, http.MethodPatch, "/api/profile", token, gin.H{
		"openai_key": "", "openrouter_key": "or-key",
	})
	decodeJSON(t, w, &got)
	if got.OpenAIKeySet || !got.OpenRouterKeySet {
		t.Errorf("after clear keys = %+v, want openrouter set only", got)
	}

	w = doJSON(t, router, http.MethodGet, "/api/profile", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous profile status = %d, want 401", w.Code)
	}
}

func TestStream(t *testing.T) {
	_, router, hub := newTestServer(t)
	uid := createChatAs(t, router, "", "stream me")

	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/chats/"+uid+"/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() pubsub.Event {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			payload, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				t.Fatalf("unexpected stream line %q", line)
			}
			var evt pubsub.Event
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				t.Fatalf("decode stream event %q: %v", payload, err)
			}
			return evt
		}
	}

	first := readEvent()
	if first.Type != pubsub.TypeConnected || first.ChatUID != uid {
		t.Fatalf("first event = %+v, want connected for %s", first, uid)
	}

	// Wait for the relay's subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(uid) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.PublishChunk(ctx, uid, 1, "hel")
	hub.PublishChunk(ctx, uid, 1, "lo")
	hub.PublishStatus(ctx, uid, 1, models.StatusFinished)

	if evt := readEvent(); evt.Type != pubsub.TypeChunk || evt.Chunk != "hel" {
		t.Errorf("event = %+v, want first chunk", evt)
	}
	if evt := readEvent(); evt.Type != pubsub.TypeChunk || evt.Chunk != "lo" {
		t.Errorf("event = %+v, want second chunk", evt)
	}
	if evt := readEvent(); evt.Type != pubsub.TypeStatus || evt.Status != models.StatusFinished {
		t.Errorf("event = %+v, want finished status", evt)
	}
}

// failingBroker rejects every subscription.
type failingBroker struct{}

func (failingBroker) PublishChunk(ctx context.Context, chatUID string, promptID uint, chunk string) error {
	return nil
}

func (failingBroker) PublishStatus(ctx context.Context, chatUID string, promptID uint, status string) error {
	return nil
}

func (failingBroker) Subscribe(ctx context.Context, chatUID string) (<-chan pubsub.Event, func(), error) {
	return nil, nil, fmt.Errorf("broker down")
}

func TestStream_SubscribeFailure(t *testing.T) {
	opts, router, _ := newTestServer(t)
	uid := createChatAs(t, router, "", "doomed stream")

	opts.Broker = failingBroker{}
	router = newRouter(opts)

	w := doJSON(t, router, http.MethodGet, "/api/chats/"+uid+"/stream", "", nil)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	payload, ok := strings.CutPrefix(strings.TrimSpace(w.Body.String()), "data: ")
	if !ok {
		t.Fatalf("body = %q, want a data: frame", w.Body.String())
	}
	var evt pubsub.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		t.Fatalf("decode event %q: %v", payload, err)
	}
	if evt.Type != pubsub.TypeError || evt.Message == "" {
		t.Errorf("event = %+v, want error event with a message", evt)
	}
}

func TestStream_OwnedChatRequiresToken(t *testing.T) {
	_, router, _ := newTestServer(t)
	token := registerUser(t, router, "a@example.com")
	uid := createChatAs(t, router, token, "private stream")

	w := doJSON(t, router, http.MethodGet, "/api/chats/"+uid+"/stream", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("anonymous stream status = %d, want 404", w.Code)
	}

	// Query-parameter token opens the stream for EventSource clients; the
	// handler blocks relaying, so just verify routing does not reject it
	// by checking the non-streaming access path instead.
	w = doJSON(t, router, http.MethodGet, "/api/chats/"+uid+"?token="+token, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("query token access status = %d, want 200", w.Code)
	}
}

func TestStart_Validation(t *testing.T) {
	hub := pubsub.NewHub()
	gdb := openTestDB(t)

	tests := []struct {
		name    string
		opts    StartOpts
		wantErr string
	}{
		{name: "nil db", opts: StartOpts{Broker: hub, JWTSecret: "s"}, wantErr: "db is required"},
		{name: "nil broker", opts: StartOpts{DB: gdb, JWTSecret: "s"}, wantErr: "broker is required"},
		{name: "no secret", opts: StartOpts{DB: gdb, Broker: hub}, wantErr: "jwt secret is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Start(context.Background(), tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestHeadline(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "short input unchanged", input: "hello", want: "hello"},
		{name: "exactly at limit", input: strings.Repeat("a", 50), want: strings.Repeat("a", 50)},
		{name: "truncated past limit", input: strings.Repeat("a", 51), want: strings.Repeat("a", 50)},
		{name: "multibyte runes kept whole", input: strings.Repeat("é", 60), want: strings.Repeat("é", 50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := headline(tt.input); got != tt.want {
				t.Errorf("headline(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
