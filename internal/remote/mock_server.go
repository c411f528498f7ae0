package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/liftlog/liftlog/internal/model"
)

// MockServer provides a fake sync backend for testing. It implements the
// real push semantics: per-record updatedAt comparison for conflicts and
// idempotent pushes keyed by (device, sequence, entity, operation).
type MockServer struct {
	*httptest.Server
	mu      sync.RWMutex
	records map[model.EntityType]map[string]model.Record
	applied map[string]bool // idempotency keys already applied

	// Failure injection.
	failPushes   int    // next N pushes return 503
	failPulls    int    // next N pulls return 503
	rejectReason string // next push is rejected with this reason
	unauthorized bool   // all requests return 401

	// Counters for assertions.
	pushCount int
	pullCount int
}

// NewMockServer creates a mock backend.
func NewMockServer() *MockServer {
	m := &MockServer{
		records: make(map[model.EntityType]map[string]model.Record),
		applied: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sync/push", m.handlePush)
	mux.HandleFunc("/v1/sync/pull", m.handlePull)
	mux.HandleFunc("/healthz", m.handleHealthz)

	m.Server = httptest.NewServer(mux)
	return m
}

// Seed stores a record on the mock backend directly.
func (m *MockServer) Seed(rec model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(rec)
}

// Record retrieves a stored record for test assertions.
func (m *MockServer) Record(et model.EntityType, id string) (model.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[et][id]
	return rec, ok
}

// FailPushes makes the next n push requests fail with 503.
func (m *MockServer) FailPushes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPushes = n
}

// FailPulls makes the next n pull requests fail with 503.
func (m *MockServer) FailPulls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPulls = n
}

// RejectNextPush makes the next push come back permanently rejected.
func (m *MockServer) RejectNextPush(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectReason = reason
}

// SetUnauthorized toggles 401 responses for all requests.
func (m *MockServer) SetUnauthorized(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unauthorized = v
}

// PushCount returns how many push requests the server has seen.
func (m *MockServer) PushCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushCount
}

// PullCount returns how many pull requests the server has seen.
func (m *MockServer) PullCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pullCount
}

func (m *MockServer) put(rec model.Record) {
	if m.records[rec.Type] == nil {
		m.records[rec.Type] = make(map[string]model.Record)
	}
	m.records[rec.Type][rec.ID] = rec
}

func (m *MockServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	unauthorized := m.unauthorized
	m.mu.RUnlock()
	if unauthorized {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "token expired")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (m *MockServer) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushCount++

	if m.unauthorized {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "token expired")
		return
	}
	if m.failPushes > 0 {
		m.failPushes--
		writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "try again")
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	if m.rejectReason != "" {
		reason := m.rejectReason
		m.rejectReason = ""
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pushResponse{Status: string(PushRejected), Reason: reason})
		return
	}

	if !model.IsValidEntityType(req.EntityType) {
		writeAPIError(w, http.StatusUnprocessableEntity, "invalid_entity", fmt.Sprintf("unknown entity type %q", req.EntityType))
		return
	}

	// Idempotent replay: an already-applied push is a safe no-op.
	key := fmt.Sprintf("%s:%d:%s:%s:%s", req.DeviceID, req.Sequence, req.EntityType, req.EntityID, req.Operation)
	if m.applied[key] {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pushResponse{Status: string(PushAccepted)})
		return
	}

	// Conflict: stored version is strictly newer than the pushed write.
	if existing, ok := m.records[req.Record.Type][req.Record.ID]; ok {
		if existing.UpdatedAt.After(req.Record.UpdatedAt) {
			remote := existing
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(pushResponse{Status: string(PushConflict), Remote: &remote})
			return
		}
	}

	rec := req.Record
	if req.Operation == string(model.OpDelete) {
		rec.Deleted = true
	}
	m.put(rec)
	m.applied[key] = true

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pushResponse{Status: string(PushAccepted)})
}

func (m *MockServer) handlePull(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullCount++

	if m.unauthorized {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "token expired")
		return
	}
	if m.failPulls > 0 {
		m.failPulls--
		writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "try again")
		return
	}

	et := model.EntityType(r.URL.Query().Get("entity_type"))
	since, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since"))
	if err != nil {
		since = time.Time{}
	}

	var out []model.Record
	for _, rec := range m.records[et] {
		if rec.UpdatedAt.After(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pullResponse{Records: out})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Code: code, Message: message})
}
