package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/protu-ai/chat-service/internal/domain"
	"github.com/protu-ai/chat-service/internal/http/middleware"
	"github.com/protu-ai/chat-service/internal/repo"
	"github.com/protu-ai/chat-service/internal/services"
	"github.com/protu-ai/chat-service/internal/storage"
)

type fakeAI struct {
	mu       sync.Mutex
	answer   string
	err      error
	calls    int
	attached []bool
}

func (f *fakeAI) Respond(_ context.Context, _ string, hasAttachment bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.attached = append(f.attached, hasAttachment)
	return f.answer, f.err
}

type fixture struct {
	db    *gorm.DB
	ai    *fakeAI
	files *storage.Attachments
	root  string
	r     *gin.Engine
}

// newFixture serves the handlers over a migrated sqlite file with the given
// users present in the replica. Callers authenticate with X-User-ID.
func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	db, err := repo.OpenSQLite(filepath.Join(root, "api.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close(db) })
	for _, u := range users {
		if err := repo.UpsertUser(context.Background(), db, domain.UserReplica{PublicID: u}); err != nil {
			t.Fatalf("seed %s: %v", u, err)
		}
	}

	files, err := storage.New(filepath.Join(root, "uploads"), filepath.Join(root, "tmp"), 64)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	ai := &fakeAI{answer: "An eigenvector keeps its direction."}

	chats := services.NewChatService(db, nil)
	chats.Files = files
	msgs := &services.MessageService{DB: db, Chats: chats}
	h := New(Deps{
		Chats:    chats,
		Messages: msgs,
		Ingest:   &services.IngestService{Chats: chats, Messages: msgs, AI: ai, Files: files},
		Uploads:  files,
		DB:       db,
	})

	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Auth(middleware.AuthOptions{}),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{},
			func(ctx context.Context, uid, scope, key string, now time.Time) (bool, error) {
				return repo.IdempotencyExists(ctx, db, uid, scope, key, now)
			}),
	)
	r.POST("/chats", h.CreateChat)
	r.GET("/chats", h.ListChats)
	r.GET("/chats/:chatId", h.GetChat)
	r.PATCH("/chats/:chatId", h.RenameChat)
	r.DELETE("/chats/:chatId", h.DeleteChat)
	r.POST("/messages/:chatId", h.PostMessage)
	r.POST("/messages", h.PostMessageAutoChat)
	r.GET("/messages/:chatId", h.ListMessages)

	return &fixture{db: db, ai: ai, files: files, root: root, r: r}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func (f *fixture) multipart(t *testing.T, path, user string, fields map[string]string, fileName, fileBody string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("field: %v", err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("file part: %v", err)
		}
		_, _ = fw.Write([]byte(fileBody))
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(middleware.HeaderUserID, user)
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func (f *fixture) createChat(t *testing.T, user, name string) domain.Chat {
	t.Helper()
	w := f.do(t, http.MethodPost, "/chats", user, map[string]string{"name": name})
	if w.Code != http.StatusCreated {
		t.Fatalf("create chat: %d %s", w.Code, w.Body.String())
	}
	var chat domain.Chat
	decode(t, w, &chat)
	return chat
}

func (f *fixture) countMessages(t *testing.T, chatID string) int64 {
	t.Helper()
	n, err := repo.CountMessages(context.Background(), f.db, chatID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e ErrorResponse
	decode(t, w, &e)
	return e.Code
}
