package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockBackend is an HTTP test server standing in for an external provider.
// Responses are configured per route and every request is recorded.
type MockBackend struct {
	t      *testing.T
	name   string
	server *httptest.Server

	mu       sync.Mutex
	routes   map[string]*routeConfig
	received map[string][]*RecordedRequest
}

// RecordedRequest captures a request received by the mock backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Query      string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

// routeConfig holds queued responses for one route. The last response
// repeats once the queue is drained.
type routeConfig struct {
	responses []mockResponse
	current   int
}

type mockResponse struct {
	status int
	body   any
	delay  time.Duration
}

// RouteMock configures responses for a single route.
type RouteMock struct {
	backend *MockBackend
	route   string
}

func newMockBackend(t *testing.T, name string) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:        t,
		name:     name,
		routes:   make(map[string]*routeConfig),
		received: make(map[string][]*RecordedRequest),
	}
	mb.server = httptest.NewServer(http.HandlerFunc(mb.serve))
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// On returns a builder for the route identified by method and path.
func (mb *MockBackend) On(method, path string) *RouteMock {
	return &RouteMock{backend: mb, route: method + " " + path}
}

// RespondWith queues a response.
func (rm *RouteMock) RespondWith(status int, body any) *RouteMock {
	rm.backend.add(rm.route, mockResponse{status: status, body: body})
	return rm
}

// RespondWithDelay queues a delayed response.
func (rm *RouteMock) RespondWithDelay(delay time.Duration, status int, body any) *RouteMock {
	rm.backend.add(rm.route, mockResponse{status: status, body: body, delay: delay})
	return rm
}

// Reset drops queued responses and recorded requests for the route.
func (rm *RouteMock) Reset() {
	rm.backend.mu.Lock()
	defer rm.backend.mu.Unlock()
	delete(rm.backend.routes, rm.route)
	delete(rm.backend.received, rm.route)
}

// Requests returns the requests recorded for the route.
func (mb *MockBackend) Requests(method, path string) []*RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]*RecordedRequest, len(mb.received[method+" "+path]))
	copy(out, mb.received[method+" "+path])
	return out
}

// CallCount returns the number of requests recorded for the route.
func (mb *MockBackend) CallCount(method, path string) int {
	return len(mb.Requests(method, path))
}

func (mb *MockBackend) add(route string, resp mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	rc, ok := mb.routes[route]
	if !ok {
		rc = &routeConfig{}
		mb.routes[route] = rc
	}
	rc.responses = append(rc.responses, resp)
}

func (mb *MockBackend) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Headers:    r.Header.Clone(),
		RawBody:    raw,
		ReceivedAt: time.Now(),
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.Body)
	}

	route := r.Method + " " + r.URL.Path
	mb.mu.Lock()
	mb.received[route] = append(mb.received[route], rec)
	var resp *mockResponse
	if rc, ok := mb.routes[route]; ok && len(rc.responses) > 0 {
		idx := min(rc.current, len(rc.responses)-1)
		resp = &rc.responses[idx]
		rc.current++
	}
	mb.mu.Unlock()

	if resp == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "mock " + mb.name + ": no response for " + route})
		return
	}
	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		json.NewEncoder(w).Encode(resp.body)
	}
}
