package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t       *testing.T
	tempDir string
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTempDir creates a temporary directory for testing
func (h *TestHelper) CreateTempDir() string {
	tempDir, err := os.MkdirTemp("", "llm-council-test-*")
	if err != nil {
		h.t.Fatalf("Failed to create temp dir: %v", err)
	}
	h.tempDir = tempDir
	return tempDir
}

// Cleanup removes the temporary directory
func (h *TestHelper) Cleanup() {
	if h.tempDir != "" {
		os.RemoveAll(h.tempDir)
	}
}

// WriteJSONFile writes JSON data to a file in the temp directory
func (h *TestHelper) WriteJSONFile(filename string, data interface{}) string {
	if h.tempDir == "" {
		h.CreateTempDir()
	}

	path := filepath.Join(h.tempDir, filename)
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		h.t.Fatalf("Failed to marshal JSON: %v", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		h.t.Fatalf("Failed to write file: %v", err)
	}

	return path
}

// ReadJSONFile reads and unmarshals JSON from a file
func (h *TestHelper) ReadJSONFile(path string, v interface{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		h.t.Fatalf("Failed to read file: %v", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		h.t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
}

// AssertEqual checks if two values are equal
func (h *TestHelper) AssertEqual(got, want interface{}, message string) {
	if got != want {
		h.t.Errorf("%s: got %v, want %v", message, got, want)
	}
}

// AssertNotNil checks if a value is not nil
func (h *TestHelper) AssertNotNil(v interface{}, message string) {
	if v == nil {
		h.t.Errorf("%s: expected non-nil value", message)
	}
}

// AssertNil checks if a value is nil
func (h *TestHelper) AssertNil(v interface{}, message string) {
	if v != nil && !isNil(v) {
		h.t.Errorf("%s: expected nil, got %v", message, v)
	}
}

// isNil checks if an interface value is nil (handles typed nil pointers)
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	// Use type assertion to check for nil pointer
	switch v := v.(type) {
	case *Conversation:
		return v == nil
	default:
		return false
	}
}

// AssertNoError checks if an error is nil
func (h *TestHelper) AssertNoError(err error, message string) {
	if err != nil {
		h.t.Errorf("%s: unexpected error: %v", message, err)
	}
}

// AssertError checks if an error is not nil
func (h *TestHelper) AssertError(err error, message string) {
	if err == nil {
		h.t.Errorf("%s: expected error, got nil", message)
	}
}

// MockOpenRouterServer creates a mock HTTP server for OpenRouter API
func MockOpenRouterServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// CreateMockOpenRouterHandler creates a handler that returns successful responses
func CreateMockOpenRouterHandler(t *testing.T, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Verify headers
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": response}},
			},
		})
	}
}

// CreateMockOpenRouterErrorHandler creates a handler that returns errors
func CreateMockOpenRouterErrorHandler(statusCode int, errorMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		w.Write([]byte(errorMsg))
	}
}

// fakeReply scripts how one model answers
type fakeReply struct {
	Response string
	Err      error
	Delay    time.Duration
	// Panic makes the call panic with this value
	Panic any
	// Block waits for the call context to end
	Block bool
}

// fakeGateway answers from per-model scripts and records every call
type fakeGateway struct {
	mu      sync.Mutex
	replies map[string][]fakeReply
	// Respond builds replies for models without a script
	Respond func(model string, messages []ChatMessage) fakeReply
	calls   map[string]int
	prompts map[string][]string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		replies: make(map[string][]fakeReply),
		calls:   make(map[string]int),
		prompts: make(map[string][]string),
	}
}

// Script queues replies for a model; the last one repeats
func (g *fakeGateway) Script(model string, replies ...fakeReply) *fakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[model] = append(g.replies[model], replies...)
	return g
}

func (g *fakeGateway) Calls(model string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[model]
}

func (g *fakeGateway) Prompts(model string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts[model]...)
}

func (g *fakeGateway) next(model string, messages []ChatMessage) fakeReply {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.calls[model]
	g.calls[model]++
	if len(messages) > 0 {
		g.prompts[model] = append(g.prompts[model], messages[len(messages)-1].Content)
	}

	if script := g.replies[model]; len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		return script[n]
	}
	if g.Respond != nil {
		return g.Respond(model, messages)
	}
	return fakeReply{Response: "answer from " + model}
}

// Query implements Gateway
func (g *fakeGateway) Query(ctx context.Context, model string, messages []ChatMessage, temperature float64, timeout time.Duration) (string, error) {
	reply := g.next(model, messages)

	if reply.Panic != nil {
		panic(reply.Panic)
	}

	if reply.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return reply.Response, reply.Err
}

// rankingReply answers ranking prompts with a fixed order and anything else normally
func rankingReply(order ...string) func(model string, messages []ChatMessage) fakeReply {
	return func(model string, messages []ChatMessage) fakeReply {
		prompt := messages[len(messages)-1].Content
		switch {
		case strings.Contains(prompt, "Generate a very short title"):
			return fakeReply{Response: `"Council Test Title"`}
		case strings.Contains(prompt, "Chairman of an LLM Council"):
			return fakeReply{Response: "final synthesis from " + model}
		case strings.Contains(prompt, "evaluating different responses"):
			ranking := DefaultRankingMarker + "\n"
			for i, label := range order {
				ranking += fmt.Sprintf("%d. Response %s\n", i+1, label)
			}
			return fakeReply{Response: "Evaluation from " + model + "\n\n" + ranking}
		}
		return fakeReply{Response: "answer from " + model}
	}
}

// testCouncilConfig returns a small council with fast retries
func testCouncilConfig(members ...string) CouncilConfig {
	if len(members) == 0 {
		members = []string{"test/model1", "test/model2", "test/model3"}
	}
	return CouncilConfig{
		Members:             members,
		Chairman:            "test/chairman",
		CouncilTemperature:  0.5,
		Stage2Temperature:   0.3,
		ChairmanTemperature: 0.4,
		ExecutionMode:       ModeFull,
		Timeout:             2 * time.Second,
		Retry:               RetryPolicy{MaxAttempts: 1},
	}
}

// eventsOfKind filters recorded events
func eventsOfKind(events []StageEvent, kind EventKind) []StageEvent {
	var filtered []StageEvent
	for _, event := range events {
		if event.Kind == kind {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

// payloadOf returns an event payload as a map
func payloadOf(t *testing.T, event StageEvent) map[string]any {
	t.Helper()
	payload, ok := event.Payload.(map[string]any)
	if !ok {
		t.Fatalf("%s payload is %T, want map[string]any", event.Kind, event.Payload)
	}
	return payload
}

// SampleConversation creates a sample conversation for testing
func SampleConversation(id string) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: testTime(),
		Title:     "Test Conversation",
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role: "assistant",
				Stage1: []ModelAnswer{
					{Model: "test/model1", Response: "Go is a programming language.", Attempts: 1},
					{Model: "test/model2", Response: "Go is developed by Google.", Attempts: 1},
				},
				Stage2: []RankingSubmission{
					{
						Ranker:  "test/model1",
						Raw:     "FINAL RANKING:\n1. Response B\n2. Response A",
						Ranking: []string{"B", "A"},
					},
				},
				Stage3: &ChairmanResult{
					Model:    "test/chairman",
					Response: "Go is a programming language developed by Google.",
				},
				Metadata: &Metadata{
					ExecutionMode: ModeFull,
					LabelToModel:  map[string]string{"A": "test/model1", "B": "test/model2"},
				},
			},
		},
	}
}

// testTime returns a fixed time for testing
func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}
