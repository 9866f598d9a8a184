package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/auth"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/events"
	"github.com/joseph-ayodele/health-records/internal/export"
	"github.com/joseph-ayodele/health-records/internal/ingest"
	"github.com/joseph-ayodele/health-records/internal/queue"
	"github.com/joseph-ayodele/health-records/internal/repository"
	"github.com/joseph-ayodele/health-records/internal/server"
	"github.com/joseph-ayodele/health-records/internal/storage"
	"github.com/joseph-ayodele/health-records/internal/testutil"
)

type harness struct {
	router  *gin.Engine
	queue   *queue.Service
	docs    repository.DocumentRepository
	changes *events.ChangeBus
	auth    *auth.Service
	owner   uuid.UUID
	ctx     context.Context
	token   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testutil.Logger()
	db := testutil.NewDB(t)
	changes := events.NewBus[entity.Change](64, log)
	t.Cleanup(changes.Close)
	entries := repository.NewQueueEntryRepository(db, changes, log)
	docs := repository.NewDocumentRepository(db, log)
	q := queue.NewService(entries, docs, log)
	store, err := storage.NewLocal(t.TempDir(), log)
	require.NoError(t, err)
	a := auth.NewService(common.AuthConfig{JWTSecret: "secret", Issuer: "health-records", TokenTTL: time.Hour})

	ctx, owner := testutil.OwnerContext()
	tok, err := a.GenerateToken(owner)
	require.NoError(t, err)

	router := server.NewRouter(server.HTTPDeps{
		Queue:   q,
		Ingest:  ingest.NewService(docs, store, q, log),
		Export:  export.NewService(entries, docs, log),
		Changes: changes,
		Auth:    a,
		Health:  func(ctx context.Context) error { return repository.HealthCheck(ctx, db, time.Second, log) },
	}, log)
	return &harness{router: router, queue: q, docs: docs, changes: changes, auth: a, owner: owner, ctx: ctx, token: tok}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type entryBody struct {
	Entry *entity.QueueEntry `json:"entry"`
}

type entriesBody struct {
	Entries []*entity.QueueEntry `json:"entries"`
}

func TestHTTP_AuthAndHealth(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTP_UploadThenList(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "cbc.pdf")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("%PDF-1.7 hemoglobin 13.2"))
	require.NoError(t, mw.WriteField("priority", "3"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &buf)
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[ingest.Result](t, w)
	assert.NotEqual(t, uuid.Nil, res.EntryID)

	w = h.do(t, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[entriesBody](t, w)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, 3, list.Entries[0].Priority)
	assert.Equal(t, res.EntryID, list.Entries[0].ID)

	w = h.do(t, http.MethodGet, "/v1/queue/stats", nil)
	assert.Equal(t, queue.Stats{Total: 1, Queued: 1}, decode[queue.Stats](t, w))

	w = h.do(t, http.MethodGet, "/v1/queue/export.xlsx", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotZero(t, w.Body.Len())
}

func TestHTTP_EntryLifecycle(t *testing.T) {
	h := newHarness(t)
	doc := testutil.SeedDocument(t, h.docs, h.owner)

	w := h.do(t, http.MethodPost, "/v1/queue", map[string]any{"document_id": doc.ID.String(), "priority": 1, "max_attempts": 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[entryBody](t, w).Entry.ID

	claimed, err := h.queue.Claim(context.Background(), id)
	require.NoError(t, err)
	ref := queue.ClaimRef{EntryID: id, Token: *claimed.ClaimToken}

	w = h.do(t, http.MethodDelete, "/v1/queue/entries/"+id.String(), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	_, err = h.queue.Fail(context.Background(), ref, "ocr timeout", nil)
	require.NoError(t, err)

	w = h.do(t, http.MethodPost, "/v1/queue/entries/"+id.String()+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, constants.QueueStatusRetrying, decode[entryBody](t, w).Entry.Status)

	w = h.do(t, http.MethodPut, "/v1/queue/entries/"+id.String()+"/priority", map[string]any{"priority": 9})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 9, decode[entryBody](t, w).Entry.Priority)

	w = h.do(t, http.MethodGet, "/v1/queue/high-priority", nil)
	assert.Len(t, decode[entriesBody](t, w).Entries, 1)

	w = h.do(t, http.MethodGet, "/v1/queue/status/RETRYING", nil)
	assert.Len(t, decode[entriesBody](t, w).Entries, 1)

	w = h.do(t, http.MethodGet, "/v1/queue/status/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/v1/queue/entries/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/v1/queue/entries/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPut, "/v1/queue/entries/"+id.String()+"/priority", map[string]any{"priority": 5000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTP_BulkOperations(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		doc := testutil.SeedDocument(t, h.docs, h.owner)
		e, err := h.queue.Enqueue(h.ctx, queue.EnqueueRequest{DocumentID: doc.ID})
		require.NoError(t, err)
		claimed, err := h.queue.Claim(context.Background(), e.ID)
		require.NoError(t, err)
		ref := queue.ClaimRef{EntryID: e.ID, Token: *claimed.ClaimToken}
		if i == 0 {
			_, err = h.queue.Complete(context.Background(), ref, nil)
		} else {
			_, err = h.queue.Fail(context.Background(), ref, "llm unavailable", nil)
		}
		require.NoError(t, err)
	}

	w := h.do(t, http.MethodPost, "/v1/queue/retry-failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[queue.BulkResult](t, w).Affected, 1)

	w = h.do(t, http.MethodPost, "/v1/queue/clear-completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[queue.BulkResult](t, w).Affected, 1)

	w = h.do(t, http.MethodGet, "/v1/queue/average-processing-time", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "average_ms")
}

func TestHTTP_EventStream(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/queue/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event:"); ok {
				events <- name
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case e := <-events:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return ""
		}
	}
	assert.Equal(t, "snapshot", next())

	doc := testutil.SeedDocument(t, h.docs, h.owner)
	_, err = h.queue.Enqueue(h.ctx, queue.EnqueueRequest{DocumentID: doc.ID})
	require.NoError(t, err)
	assert.Equal(t, string(entity.ChangeInsert), next())

	// another owner's changes are not streamed
	otherCtx, other := testutil.OwnerContext()
	otherDoc := testutil.SeedDocument(t, h.docs, other)
	_, err = h.queue.Enqueue(otherCtx, queue.EnqueueRequest{DocumentID: otherDoc.ID})
	require.NoError(t, err)
	select {
	case e := <-events:
		t.Fatalf("unexpected event %q", e)
	case <-time.After(100 * time.Millisecond):
	}
}
