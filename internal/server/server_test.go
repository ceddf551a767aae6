package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arborchat-dev/arborchat/pkg/chatgraph"
	"github.com/arborchat-dev/arborchat/pkg/convstate"
	"github.com/arborchat-dev/arborchat/pkg/embeddings"
	"github.com/arborchat-dev/arborchat/pkg/pipeline"
	"github.com/arborchat-dev/arborchat/pkg/quota"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	manager, err := convstate.NewManager(convstate.NewMemoryBackend(), convstate.ManagerConfig{IdleTTL: -1})
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	embedder, err := embeddings.New(embeddings.Config{Provider: "fake"})
	if err != nil {
		t.Fatalf("create embedder: %v", err)
	}

	ledger := quota.NewLedger(quota.NewMemoryBackend(), 5)
	sender := pipeline.NewSender(ledger, pipeline.GeneratorFunc(
		func(ctx context.Context, req pipeline.GenerateRequest) (*pipeline.GenerateResult, error) {
			return &pipeline.GenerateResult{Content: "generated reply"}, nil
		}))

	return New(
		manager,
		ledger,
		pipeline.NewIngestor(embedder, 0, 0),
		pipeline.NewWebIndexer(embedder),
		pipeline.NewRetriever(embedder),
		sender,
		Options{AttachmentCap: 2},
	)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func initConversation(t *testing.T, s *Server, id string) {
	t.Helper()
	w := doJSON(t, s, http.MethodPost, "/v1/conversations/"+id+"/apply", map[string]any{
		"updates": []map[string]any{
			{"type": "conversation:update", "settings": map[string]any{"model": "test-model", "temperature": 0.7}},
		},
		"allowMissing": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("init conversation: status %d body %s", w.Code, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	s := testServer(t)

	// Uninitialized conversation reads as null snapshot, version 0.
	w := doJSON(t, s, http.MethodGet, "/v1/conversations/conv-1/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if string(body["snapshot"]) != "null" {
		t.Errorf("snapshot = %s, want null", body["snapshot"])
	}
	if string(body["version"]) != "0" {
		t.Errorf("version = %s, want 0", body["version"])
	}

	initConversation(t, s, "conv-1")

	w = doJSON(t, s, http.MethodGet, "/v1/conversations/conv-1/snapshot", nil)
	body = decodeBody(t, w)
	if string(body["version"]) != "1" {
		t.Errorf("version after init = %s, want 1", body["version"])
	}

	// Replace with the read-back snapshot bumps the version.
	var snap chatgraph.Snapshot
	if err := json.Unmarshal(body["snapshot"], &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	req := httptest.NewRequest(http.MethodPut, "/v1/conversations/conv-1/snapshot", bytes.NewReader(body["snapshot"]))
	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("PUT status = %d body %s", w2.Code, w2.Body.String())
	}
	body = decodeBody(t, w2)
	if string(body["version"]) != "2" {
		t.Errorf("version after replace = %s, want 2", body["version"])
	}

	// Reset.
	w = doJSON(t, s, http.MethodDelete, "/v1/conversations/conv-1/snapshot", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/v1/conversations/conv-1/snapshot", nil)
	body = decodeBody(t, w)
	if string(body["snapshot"]) != "null" {
		t.Errorf("snapshot after reset = %s, want null", body["snapshot"])
	}
}

func TestPutSnapshotInvalid(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPut, "/v1/conversations/conv-1/snapshot",
		bytes.NewReader([]byte(`{"conversation":{"id":""}}`)))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestApplyRejectsUnknownUpdateType(t *testing.T) {
	s := testServer(t)
	initConversation(t, s, "conv-1")

	w := doJSON(t, s, http.MethodPost, "/v1/conversations/conv-1/apply", map[string]any{
		"updates": []map[string]any{{"type": "branch:destroy"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestApplyUninitializedWithoutAllowMissing(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s, http.MethodPost, "/v1/conversations/conv-x/apply", map[string]any{
		"updates": []map[string]any{
			{"type": "message:append", "message": map[string]any{"id": "m-1", "branchId": "b", "role": "user", "content": "hi", "createdAt": time.Now().UTC()}},
		},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body %s", w.Code, w.Body.String())
	}
}

func TestDraftBranch(t *testing.T) {
	s := testServer(t)
	initConversation(t, s, "conv-1")

	// Append a message to fork from.
	w := doJSON(t, s, http.MethodPost, "/v1/conversations/conv-1/apply", map[string]any{
		"updates": []map[string]any{
			{"type": "message:append", "message": map[string]any{
				"id": "m-1", "branchId": "conv-1-root", "role": "assistant",
				"content": "a long reply", "createdAt": time.Now().UTC(),
			}},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("append: status %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodPost, "/v1/conversations/conv-1/branches/draft", map[string]any{
		"parentBranchId": "conv-1-root",
		"messageId":      "m-1",
		"excerpt":        "a long reply",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("draft: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Branch chatgraph.Branch `json:"branch"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Branch.ParentID != "conv-1-root" {
		t.Errorf("parent = %s, want conv-1-root", resp.Branch.ParentID)
	}
	if resp.Branch.Title != "a long reply" {
		t.Errorf("title = %q", resp.Branch.Title)
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	s := testServer(t)
	initConversation(t, s, "conv-1")
	base := "/v1/conversations/conv-1/attachments"

	stage := func(id string) *httptest.ResponseRecorder {
		return doJSON(t, s, http.MethodPost, base+"/stage", map[string]any{
			"attachment": map[string]any{"id": id, "fileName": id + ".txt", "contentType": "text/plain", "size": 5},
		})
	}

	if w := stage("att-1"); w.Code != http.StatusCreated {
		t.Fatalf("stage status = %d body %s", w.Code, w.Body.String())
	}
	if w := stage("att-1"); w.Code != http.StatusConflict {
		t.Fatalf("duplicate stage status = %d, want 409", w.Code)
	}
	if w := stage("att-2"); w.Code != http.StatusCreated {
		t.Fatalf("stage att-2 status = %d", w.Code)
	}
	// Cap is 2.
	if w := stage("att-3"); w.Code != http.StatusConflict {
		t.Fatalf("over-cap stage status = %d, want 409", w.Code)
	}

	// Consume before finalize conflicts and consumes nothing.
	w := doJSON(t, s, http.MethodPost, base+"/consume", map[string]any{"ids": []string{"att-1", "att-2"}})
	if w.Code != http.StatusConflict {
		t.Fatalf("consume unready status = %d, want 409", w.Code)
	}
	if w := doJSON(t, s, http.MethodGet, base+"/att-1", nil); w.Code != http.StatusOK {
		t.Fatalf("att-1 gone after failed consume: %d", w.Code)
	}

	for _, id := range []string{"att-1", "att-2"} {
		w := doJSON(t, s, http.MethodPost, base+"/finalize", map[string]any{"id": id})
		if w.Code != http.StatusOK {
			t.Fatalf("finalize %s status = %d body %s", id, w.Code, w.Body.String())
		}
	}

	w = doJSON(t, s, http.MethodPost, base+"/consume", map[string]any{"ids": []string{"att-1", "att-2"}})
	if w.Code != http.StatusOK {
		t.Fatalf("consume status = %d body %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, s, http.MethodGet, base+"/att-1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("att-1 still present after consume: %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodDelete, base+"/att-2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("delete consumed attachment status = %d, want 404", w.Code)
	}
}

func TestRetrievalRoutes(t *testing.T) {
	s := testServer(t)
	initConversation(t, s, "conv-1")
	base := "/v1/conversations/conv-1/retrieval"

	w := doJSON(t, s, http.MethodPost, base+"/attachments/ingest", map[string]any{
		"attachmentId": "att-1",
		"fileName":     "doc.txt",
		"contentType":  "text/plain",
		"text":         "alpha beta gamma",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodPost, base+"/web/upsert", map[string]any{
		"snippets": []map[string]any{
			{"title": "result", "url": "https://example.com", "snippet": "delta epsilon"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("web upsert status = %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, http.MethodGet, base+"/attachments", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list ingestions status = %d", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, base+"/query", map[string]any{
		"query":    "alpha beta gamma",
		"minScore": 0.9,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d body %s", w.Code, w.Body.String())
	}
	var result convstate.QueryResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode query result: %v", err)
	}
	if len(result.Attachments) != 1 {
		t.Errorf("got %d attachment results, want 1", len(result.Attachments))
	}

	if w := doJSON(t, s, http.MethodPost, base+"/query", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", w.Code)
	}
}

func TestSendRoute(t *testing.T) {
	s := testServer(t)
	initConversation(t, s, "conv-1")

	w := doJSON(t, s, http.MethodPost, "/v1/conversations/conv-1/send", map[string]any{
		"ownerId":  "owner-1",
		"branchId": "conv-1-root",
		"content":  "hello",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d body %s", w.Code, w.Body.String())
	}
	var result pipeline.SendResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.AssistantMessage.Content != "generated reply" {
		t.Errorf("assistant content = %q", result.AssistantMessage.Content)
	}
	if result.Quota.Used != 1 {
		t.Errorf("quota used = %d, want 1", result.Quota.Used)
	}
}

func TestQuotaRoutes(t *testing.T) {
	s := testServer(t)
	base := "/v1/owners/owner-1/quota"

	w := doJSON(t, s, http.MethodGet, base, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get quota status = %d", w.Code)
	}
	var resp struct {
		Quota quota.Snapshot `json:"quota"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Quota.Total != 5 || resp.Quota.Remaining != 5 {
		t.Errorf("fresh quota = %+v, want total 5 remaining 5", resp.Quota)
	}

	w = doJSON(t, s, http.MethodPost, base+"/reserve", map[string]any{"reservationId": "res-1", "count": 5})
	if w.Code != http.StatusOK {
		t.Fatalf("reserve status = %d body %s", w.Code, w.Body.String())
	}

	// Remaining is 0 now: the next reserve conflicts.
	w = doJSON(t, s, http.MethodPost, base+"/reserve", map[string]any{"reservationId": "res-2"})
	if w.Code != http.StatusConflict {
		t.Fatalf("exhausted reserve status = %d, want 409", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, base+"/commit", map[string]any{"reservationId": "res-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("commit status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Quota.Used != 5 || resp.Quota.Remaining != 0 {
		t.Errorf("after commit = %+v, want used 5 remaining 0", resp.Quota)
	}

	// Commit is idempotent.
	w = doJSON(t, s, http.MethodPost, base+"/commit", map[string]any{"reservationId": "res-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("repeat commit status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Quota.Used != 5 {
		t.Errorf("after repeat commit used = %d, want 5", resp.Quota.Used)
	}

	// Reusing a finished reservation id conflicts.
	w = doJSON(t, s, http.MethodPost, base+"/reserve", map[string]any{"reservationId": "res-1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("reuse reserve status = %d, want 409", w.Code)
	}
}

func TestErrorBodyShape(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s, http.MethodGet, "/v1/conversations/conv-1/attachments/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != "attachment-not-found" {
		t.Errorf("code = %q, want attachment-not-found", resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("message must not be empty")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("arborchat_")) {
		t.Error("metrics output missing arborchat_ series")
	}
}

func TestRateLimit(t *testing.T) {
	manager, err := convstate.NewManager(convstate.NewMemoryBackend(), convstate.ManagerConfig{IdleTTL: -1})
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	embedder, _ := embeddings.New(embeddings.Config{Provider: "fake"})
	ledger := quota.NewLedger(quota.NewMemoryBackend(), 5)
	s := New(manager, ledger,
		pipeline.NewIngestor(embedder, 0, 0),
		pipeline.NewWebIndexer(embedder),
		pipeline.NewRetriever(embedder),
		nil,
		Options{RequestsPerSecond: 0.001, Burst: 1},
	)

	if w := doJSON(t, s, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodGet, "/healthz", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
}

func TestApplyReplaceOp(t *testing.T) {
	s := testServer(t)
	initConversation(t, s, "conv-1")

	w := doJSON(t, s, http.MethodGet, "/v1/conversations/conv-1/snapshot", nil)
	body := decodeBody(t, w)
	var snap json.RawMessage = body["snapshot"]

	w = doJSON(t, s, http.MethodPost, "/v1/conversations/conv-1/apply", map[string]any{
		"op":       "replace",
		"snapshot": snap,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("replace: status %d body %s", w.Code, w.Body.String())
	}
	body = decodeBody(t, w)
	if string(body["version"]) != "2" {
		t.Errorf("version after replace op = %s, want 2", body["version"])
	}
}

func TestApplyUnknownOp(t *testing.T) {
	s := testServer(t)
	initConversation(t, s, "conv-1")

	w := doJSON(t, s, http.MethodPost, "/v1/conversations/conv-1/apply", map[string]any{
		"op": "destroy",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
