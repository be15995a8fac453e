package main

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// TestRunFullCouncil tests a complete deliberation where one member times out
func TestRunFullCouncil(t *testing.T) {
	gateway := newFakeGateway().Script("test/slow", fakeReply{Block: true})
	gateway.Respond = rankingReply("A", "B", "C")

	cfg := testCouncilConfig("test/model1", "test/model2", "test/slow", "test/model4")
	cfg.TitleModel = "test/title"
	cfg.Timeout = 100 * time.Millisecond

	recorder := &RecorderSink{}
	result, err := NewCouncil(gateway, nil).Run(context.Background(), cfg, DeliberationRequest{
		ID:            "conv-1",
		Query:         "What is Go?",
		GenerateTitle: true,
	}, recorder)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events := recorder.Events()
	for i, event := range events {
		if event.Index != i {
			t.Fatalf("Event %d (%s) has index %d", i, event.Kind, event.Index)
		}
	}

	expectedKinds := []EventKind{EventStage1Init}
	for i := 0; i < 4; i++ {
		expectedKinds = append(expectedKinds, EventModelResult)
	}
	expectedKinds = append(expectedKinds, EventStage1Complete, EventStage2Init)
	for i := 0; i < 4; i++ {
		expectedKinds = append(expectedKinds, EventRankingResult)
	}
	expectedKinds = append(expectedKinds, EventStage2Complete, EventStage3Init, EventStage3Complete, EventTitleComplete, EventComplete)
	if !reflect.DeepEqual(recorder.Kinds(), expectedKinds) {
		t.Fatalf("Kinds = %v\nwant %v", recorder.Kinds(), expectedKinds)
	}

	// The timed-out member is reported last and flagged
	modelResults := eventsOfKind(events, EventModelResult)
	last := payloadOf(t, modelResults[3])
	if last["modelId"] != "test/slow" || last["success"] != false || last["errorKind"] != KindTimeout {
		t.Errorf("Last model_result = %v, want test/slow timeout", last)
	}
	if last["completed"] != 4 || last["total"] != 4 {
		t.Errorf("Last model_result counters = %v/%v, want 4/4", last["completed"], last["total"])
	}

	stage1 := payloadOf(t, eventsOfKind(events, EventStage1Complete)[0])
	if stage1["total"] != 4 || stage1["succeeded"] != 3 || stage1["failed"] != 1 {
		t.Errorf("stage1_complete = %v, want 4/3/1", stage1)
	}

	stage2Init := payloadOf(t, eventsOfKind(events, EventStage2Init)[0])
	if !reflect.DeepEqual(stage2Init["labels"], []string{"A", "B", "C"}) {
		t.Errorf("Labels = %v, want [A B C]", stage2Init["labels"])
	}

	stage2 := payloadOf(t, eventsOfKind(events, EventStage2Complete)[0])
	leaderboard, ok := stage2["leaderboard"].([]LeaderboardEntry)
	if !ok || len(leaderboard) != 3 {
		t.Fatalf("Leaderboard = %v, want 3 entries", stage2["leaderboard"])
	}
	expectedModels := []string{"test/model1", "test/model2", "test/model4"}
	for i, entry := range leaderboard {
		if entry.Model != expectedModels[i] {
			t.Errorf("Leaderboard %d = %s, want %s", i, entry.Model, expectedModels[i])
		}
	}

	stage3 := payloadOf(t, eventsOfKind(events, EventStage3Complete)[0])
	if stage3["success"] != true || stage3["response"] != "final synthesis from test/chairman" {
		t.Errorf("stage3_complete = %v", stage3)
	}

	// Result mirrors the events
	if len(result.Stage1) != 4 {
		t.Errorf("Stage1 has %d answers, want 4", len(result.Stage1))
	}
	if result.Stage1[2].Model != "test/slow" || result.Stage1[2].OK() {
		t.Errorf("Stage1 should keep member order with test/slow failed, got %+v", result.Stage1[2])
	}
	if result.Stage3 == nil || !result.Stage3.OK() {
		t.Errorf("Stage3 = %+v, want success", result.Stage3)
	}
	if result.Metadata.LabelToModel["C"] != "test/model4" {
		t.Errorf("Label C = %s, want test/model4", result.Metadata.LabelToModel["C"])
	}
	if result.Title != "Council Test Title" {
		t.Errorf("Title = %q, want %q", result.Title, "Council Test Title")
	}
}

// TestRunIsolatesMemberFailure tests that one failing member does not affect the others
func TestRunIsolatesMemberFailure(t *testing.T) {
	gateway := newFakeGateway().Script("test/model2", fakeReply{Err: &ModelError{Kind: KindAuth, StatusCode: 401, Message: "bad key"}})
	gateway.Respond = rankingReply("B", "A")

	result, err := NewCouncil(gateway, nil).Run(context.Background(), testCouncilConfig(), DeliberationRequest{Query: "What is Go?"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, answer := range result.Stage1 {
		switch answer.Model {
		case "test/model2":
			if answer.ErrorKind != KindAuth {
				t.Errorf("test/model2 kind = %q, want auth_error", answer.ErrorKind)
			}
		default:
			if !answer.OK() || answer.Response != "answer from "+answer.Model {
				t.Errorf("%s = %+v, want success", answer.Model, answer)
			}
		}
	}

	if len(result.Metadata.Leaderboard) != 2 {
		t.Errorf("Leaderboard has %d entries, want 2", len(result.Metadata.Leaderboard))
	}
	if result.Metadata.Leaderboard[0].Model != "test/model3" {
		t.Errorf("Winner = %s, want test/model3 (Response B)", result.Metadata.Leaderboard[0].Model)
	}
}

// TestRunSkipsRankingWithOneAnswer tests that Stage 2 needs two candidates
func TestRunSkipsRankingWithOneAnswer(t *testing.T) {
	gateway := newFakeGateway().
		Script("test/model2", fakeReply{Err: &ModelError{Kind: KindServerError, StatusCode: 500}}).
		Script("test/model3", fakeReply{Err: &ModelError{Kind: KindRateLimit, StatusCode: 429}})
	gateway.Respond = rankingReply("A")

	recorder := &RecorderSink{}
	result, err := NewCouncil(gateway, nil).Run(context.Background(), testCouncilConfig(), DeliberationRequest{Query: "What is Go?"}, recorder)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events := recorder.Events()
	if len(eventsOfKind(events, EventStage2Init)) != 0 {
		t.Error("Stage 2 should not start with one answer")
	}
	skipped := eventsOfKind(events, EventStage2Skipped)
	if len(skipped) != 1 {
		t.Fatalf("Expected one stage2_skipped, got %d", len(skipped))
	}
	if payloadOf(t, skipped[0])["candidates"] != 1 {
		t.Errorf("candidates = %v, want 1", payloadOf(t, skipped[0])["candidates"])
	}
	if len(eventsOfKind(events, EventStage3Init)) != 1 {
		t.Error("Stage 3 should still run")
	}
	if !result.Metadata.Stage2Skipped {
		t.Error("Metadata should record the skipped stage")
	}
	if result.Stage3 == nil || !result.Stage3.OK() {
		t.Errorf("Stage3 = %+v, want success", result.Stage3)
	}
}

// TestRunAllMembersFail tests that a total Stage 1 failure still completes
func TestRunAllMembersFail(t *testing.T) {
	gateway := newFakeGateway()
	gateway.Respond = func(model string, messages []ChatMessage) fakeReply {
		if model == "test/chairman" {
			return fakeReply{Response: "I have nothing to synthesize."}
		}
		return fakeReply{Err: &ModelError{Kind: KindServiceUnavailable, StatusCode: 503}}
	}

	recorder := &RecorderSink{}
	_, err := NewCouncil(gateway, nil).Run(context.Background(), testCouncilConfig(), DeliberationRequest{Query: "What is Go?"}, recorder)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stage1 := payloadOf(t, eventsOfKind(recorder.Events(), EventStage1Complete)[0])
	if stage1["success"] != false || stage1["succeeded"] != 0 {
		t.Errorf("stage1_complete = %v, want no successes", stage1)
	}
	kinds := recorder.Kinds()
	if kinds[len(kinds)-1] != EventComplete {
		t.Errorf("Last event = %s, want complete", kinds[len(kinds)-1])
	}
}

// TestRunExecutionModes tests which stages each mode runs
func TestRunExecutionModes(t *testing.T) {
	tests := []struct {
		mode       ExecutionMode
		wantStage2 bool
		wantStage3 bool
	}{
		{ModeChatOnly, false, false},
		{ModeChatRanking, true, false},
		{ModeFull, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			gateway := newFakeGateway()
			gateway.Respond = rankingReply("A", "B", "C")

			recorder := &RecorderSink{}
			result, err := NewCouncil(gateway, nil).Run(context.Background(), testCouncilConfig(), DeliberationRequest{
				Query: "What is Go?",
				Mode:  tt.mode,
			}, recorder)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			events := recorder.Events()
			if got := len(eventsOfKind(events, EventStage2Complete)) == 1; got != tt.wantStage2 {
				t.Errorf("stage2_complete present = %v, want %v", got, tt.wantStage2)
			}
			if got := len(eventsOfKind(events, EventStage3Complete)) == 1; got != tt.wantStage3 {
				t.Errorf("stage3_complete present = %v, want %v", got, tt.wantStage3)
			}
			if got := gateway.Calls("test/chairman") > 0; got != tt.wantStage3 {
				t.Errorf("chairman called = %v, want %v", got, tt.wantStage3)
			}
			if result.Metadata.ExecutionMode != tt.mode {
				t.Errorf("ExecutionMode = %q, want %q", result.Metadata.ExecutionMode, tt.mode)
			}
			complete := payloadOf(t, eventsOfKind(events, EventComplete)[0])
			if complete["executionMode"] != tt.mode {
				t.Errorf("complete executionMode = %v, want %s", complete["executionMode"], tt.mode)
			}
		})
	}
}

// TestRunConfigErrors tests that configuration problems end the run before Stage 1
func TestRunConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *CouncilConfig)
		mode    ExecutionMode
		wantErr error
	}{
		{
			name:    "no members",
			mutate:  func(cfg *CouncilConfig) { cfg.Members = nil },
			wantErr: ErrNoMembers,
		},
		{
			name:    "no chairman in full mode",
			mutate:  func(cfg *CouncilConfig) { cfg.Chairman = "" },
			wantErr: ErrNoChairman,
		},
		{
			name:    "unknown mode",
			mutate:  func(cfg *CouncilConfig) {},
			mode:    "everything",
			wantErr: ErrInvalidMode,
		},
		{
			name:    "duplicate member",
			mutate:  func(cfg *CouncilConfig) { cfg.Members = []string{"test/model1", "test/model2", "test/model1"} },
			mode:    ModeChatOnly,
			wantErr: ErrDuplicateMember,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := newFakeGateway()
			cfg := testCouncilConfig()
			tt.mutate(&cfg)

			recorder := &RecorderSink{}
			result, err := NewCouncil(gateway, nil).Run(context.Background(), cfg, DeliberationRequest{ID: "req-1", Query: "What is Go?", Mode: tt.mode}, recorder)

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if result != nil {
				t.Error("Result should be nil on config error")
			}

			events := recorder.Events()
			if len(events) != 1 || events[0].Kind != EventError {
				t.Fatalf("Events = %v, want a single error", recorder.Kinds())
			}
			payload := payloadOf(t, events[0])
			if payload["errorKind"] != KindConfig || payload["requestId"] != "req-1" {
				t.Errorf("Error payload = %v", payload)
			}
			if gateway.Calls("test/model1") != 0 {
				t.Error("No model should be queried")
			}
		})
	}

	t.Run("no chairman is fine without synthesis", func(t *testing.T) {
		gateway := newFakeGateway()
		gateway.Respond = rankingReply("A", "B", "C")
		cfg := testCouncilConfig()
		cfg.Chairman = ""

		if _, err := NewCouncil(gateway, nil).Run(context.Background(), cfg, DeliberationRequest{Query: "What is Go?", Mode: ModeChatRanking}, nil); err != nil {
			t.Errorf("Run failed: %v", err)
		}
	})
}

// TestRunCancelledBetweenStages tests cancellation observed at a stage boundary
func TestRunCancelledBetweenStages(t *testing.T) {
	gateway := newFakeGateway()
	gateway.Respond = rankingReply("A", "B", "C")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := &RecorderSink{
		OnEvent: func(event StageEvent) {
			if event.Kind == EventStage2Complete {
				cancel()
			}
		},
	}

	result, err := NewCouncil(gateway, nil).Run(ctx, testCouncilConfig(), DeliberationRequest{Query: "What is Go?"}, recorder)

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if result != nil {
		t.Error("Cancelled run should not return a result")
	}

	events := recorder.Events()
	if len(eventsOfKind(events, EventStage3Init)) != 0 {
		t.Error("Stage 3 should not start after cancellation")
	}
	last := events[len(events)-1]
	if last.Kind != EventCancelled || payloadOf(t, last)["atStage"] != 3 {
		t.Errorf("Last event = %s %v, want cancelled at stage 3", last.Kind, last.Payload)
	}
	if gateway.Calls("test/chairman") != 0 {
		t.Error("Chairman should not be queried")
	}
}

// TestRunCancelledDuringStage tests cancellation while members are in flight
func TestRunCancelledDuringStage(t *testing.T) {
	gateway := newFakeGateway()
	gateway.Respond = func(model string, messages []ChatMessage) fakeReply {
		return fakeReply{Block: true}
	}
	cfg := testCouncilConfig()
	cfg.Timeout = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	recorder := &RecorderSink{}
	_, err := NewCouncil(gateway, nil).Run(ctx, cfg, DeliberationRequest{Query: "What is Go?"}, recorder)

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run() error = %v, want ErrCancelled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("In-flight calls should be abandoned on cancellation")
	}

	events := recorder.Events()
	last := events[len(events)-1]
	if last.Kind != EventCancelled || payloadOf(t, last)["atStage"] != 1 {
		t.Errorf("Last event = %s %v, want cancelled at stage 1", last.Kind, last.Payload)
	}
	if len(eventsOfKind(events, EventStage1Complete)) != 0 {
		t.Error("stage1_complete should not be emitted")
	}
}

// TestRunDetachedSinkCancels tests that a failing sink stops the deliberation
func TestRunDetachedSinkCancels(t *testing.T) {
	gateway := newFakeGateway()
	gateway.Respond = rankingReply("A", "B", "C")

	sink := SinkFunc(func(event StageEvent) error {
		if event.Kind == EventStage1Complete {
			return errors.New("client disconnected")
		}
		return nil
	})

	_, err := NewCouncil(gateway, nil).Run(context.Background(), testCouncilConfig(), DeliberationRequest{Query: "What is Go?"}, sink)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("Run() error = %v, want ErrCancelled", err)
	}
	if gateway.Calls("test/chairman") != 0 {
		t.Error("Chairman should not be queried after the client left")
	}
}

// TestRunChairmanFailure tests that a failed synthesis is reported, not raised
func TestRunChairmanFailure(t *testing.T) {
	gateway := newFakeGateway().Script("test/chairman", fakeReply{Err: &ModelError{Kind: KindRateLimit, StatusCode: 429, Message: "slow down"}})
	gateway.Respond = rankingReply("A", "B", "C")

	recorder := &RecorderSink{}
	result, err := NewCouncil(gateway, nil).Run(context.Background(), testCouncilConfig(), DeliberationRequest{Query: "What is Go?"}, recorder)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Stage3 == nil || result.Stage3.ErrorKind != KindSynthesis || result.Stage3.Cause != KindRateLimit {
		t.Errorf("Stage3 = %+v, want synthesis_error caused by rate_limit", result.Stage3)
	}

	stage3 := payloadOf(t, eventsOfKind(recorder.Events(), EventStage3Complete)[0])
	if stage3["success"] != false || stage3["errorKind"] != KindSynthesis || stage3["cause"] != KindRateLimit {
		t.Errorf("stage3_complete = %v", stage3)
	}
	kinds := recorder.Kinds()
	if kinds[len(kinds)-1] != EventComplete {
		t.Errorf("Last event = %s, want complete", kinds[len(kinds)-1])
	}
}

// TestRunUnparseableRanking tests that a ranking without labels is excluded
func TestRunUnparseableRanking(t *testing.T) {
	gateway := newFakeGateway()
	gateway.Respond = func(model string, messages []ChatMessage) fakeReply {
		if model == "test/model1" && strings.Contains(messages[0].Content, "evaluating different responses") {
			return fakeReply{Response: "They are all wonderful."}
		}
		return rankingReply("C", "B", "A")(model, messages)
	}

	recorder := &RecorderSink{}
	result, err := NewCouncil(gateway, nil).Run(context.Background(), testCouncilConfig(), DeliberationRequest{Query: "What is Go?"}, recorder)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, event := range eventsOfKind(recorder.Events(), EventRankingResult) {
		payload := payloadOf(t, event)
		if payload["rankerModelId"] == "test/model1" {
			if payload["success"] != false || payload["parseFailed"] != true {
				t.Errorf("test/model1 ranking_result = %v, want parse failure", payload)
			}
		}
	}

	if result.Stage2[0].Ranker != "test/model1" || !result.Stage2[0].ParseFailed {
		t.Errorf("Stage2[0] = %+v, want test/model1 parse failure", result.Stage2[0])
	}
	if result.Metadata.Leaderboard[0].Label != "C" || result.Metadata.Leaderboard[0].Score != 6 {
		t.Errorf("Winner = %+v, want C with score 6", result.Metadata.Leaderboard[0])
	}
}

// TestRunKeepsRankingPromptsAnonymous tests that rankers never see model names
func TestRunKeepsRankingPromptsAnonymous(t *testing.T) {
	gateway := newFakeGateway()
	gateway.Respond = func(model string, messages []ChatMessage) fakeReply {
		if strings.Contains(messages[0].Content, "evaluating different responses") {
			return fakeReply{Response: "FINAL RANKING:\n1. Response A\n2. Response B\n3. Response C"}
		}
		return fakeReply{Response: "An independent answer."}
	}

	_, err := NewCouncil(gateway, nil).Run(context.Background(), testCouncilConfig(), DeliberationRequest{Query: "What is Go?"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	prompts := gateway.Prompts("test/model1")
	if len(prompts) != 2 {
		t.Fatalf("Expected 2 prompts for test/model1, got %d", len(prompts))
	}
	rankingPrompt := prompts[1]
	for _, model := range []string{"test/model1", "test/model2", "test/model3"} {
		if strings.Contains(rankingPrompt, model) {
			t.Errorf("Ranking prompt reveals %s", model)
		}
	}
	for _, label := range []string{"Response A:", "Response B:", "Response C:"} {
		if !strings.Contains(rankingPrompt, label) {
			t.Errorf("Ranking prompt missing %q", label)
		}
	}

	chairmanPrompt := gateway.Prompts("test/chairman")[0]
	if !strings.Contains(chairmanPrompt, "test/model2") {
		t.Error("Chairman prompt should attribute answers to models")
	}
}

type fakeContextProvider struct {
	content string
	err     error
	sources []string
}

func (f *fakeContextProvider) FetchContext(ctx context.Context, source string) (string, error) {
	f.sources = append(f.sources, source)
	return f.content, f.err
}

// TestRunExternalContext tests supplied and fetched context
func TestRunExternalContext(t *testing.T) {
	t.Run("supplied context reaches every prompt", func(t *testing.T) {
		gateway := newFakeGateway()
		gateway.Respond = rankingReply("A", "B", "C")

		_, err := NewCouncil(gateway, nil).Run(context.Background(), testCouncilConfig(), DeliberationRequest{
			Query:   "What changed?",
			Context: "Release notes: generics landed.",
		}, nil)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		for _, prompt := range append(gateway.Prompts("test/model1"), gateway.Prompts("test/chairman")...) {
			if !strings.Contains(prompt, "Release notes: generics landed.") {
				t.Errorf("Prompt missing context: %q", prompt)
			}
		}
	})

	t.Run("fetched context emits search events", func(t *testing.T) {
		gateway := newFakeGateway()
		gateway.Respond = rankingReply("A", "B", "C")
		provider := &fakeContextProvider{content: "Fetched page text."}
		council := NewCouncil(gateway, nil)
		council.Context = provider

		recorder := &RecorderSink{}
		result, err := council.Run(context.Background(), testCouncilConfig(), DeliberationRequest{
			Query:      "Summarize",
			ContextURL: "https://example.com/page",
		}, recorder)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		kinds := recorder.Kinds()
		if kinds[0] != EventSearchStart || kinds[1] != EventSearchComplete {
			t.Errorf("Kinds = %v, want search events first", kinds)
		}
		if result.Metadata.SearchContext != "Fetched page text." || result.Metadata.ContextURL != "https://example.com/page" {
			t.Errorf("Metadata = %+v", result.Metadata)
		}
		if !strings.Contains(gateway.Prompts("test/model2")[0], "Fetched page text.") {
			t.Error("Stage 1 prompt should contain fetched context")
		}
	})

	t.Run("failed fetch continues without context", func(t *testing.T) {
		gateway := newFakeGateway()
		gateway.Respond = rankingReply("A", "B", "C")
		council := NewCouncil(gateway, nil)
		council.Context = &fakeContextProvider{err: errors.New("404")}

		recorder := &RecorderSink{}
		if _, err := council.Run(context.Background(), testCouncilConfig(), DeliberationRequest{
			Query:      "Summarize",
			ContextURL: "https://example.com/missing",
		}, recorder); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		search := payloadOf(t, eventsOfKind(recorder.Events(), EventSearchComplete)[0])
		if search["success"] != false {
			t.Errorf("search_complete = %v, want failure", search)
		}
		kinds := recorder.Kinds()
		if kinds[len(kinds)-1] != EventComplete {
			t.Errorf("Last event = %s, want complete", kinds[len(kinds)-1])
		}
	})
}

// TestRunWithOpenRouterGateway tests a deliberation over HTTP against a mock API
func TestRunWithOpenRouterGateway(t *testing.T) {
	mockRankingResponse := `Response A provides good detail.
Response B is comprehensive.

FINAL RANKING:
1. Response B
2. Response A`

	mockServer := MockOpenRouterServer(t, CreateMockOpenRouterHandler(t, mockRankingResponse))
	defer mockServer.Close()

	gateway := NewOpenRouterGateway(mockServer.URL, "test-key")
	cfg := testCouncilConfig("test/model1", "test/model2")

	result, err := NewCouncil(gateway, StdLogger{}).Run(context.Background(), cfg, DeliberationRequest{Query: "What is Go?"}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Stage1) != 2 || !result.Stage1[0].OK() {
		t.Errorf("Stage1 = %+v", result.Stage1)
	}
	if len(result.Stage2) != 2 || !reflect.DeepEqual(result.Stage2[0].Ranking, []string{"B", "A"}) {
		t.Errorf("Stage2 = %+v", result.Stage2)
	}
	if result.Metadata.Leaderboard[0].Model != "test/model2" {
		t.Errorf("Winner = %s, want test/model2", result.Metadata.Leaderboard[0].Model)
	}
	if result.Stage3 == nil || result.Stage3.Response != mockRankingResponse {
		t.Errorf("Stage3 = %+v", result.Stage3)
	}
}

// TestCleanTitle tests title quote removal and truncation
func TestCleanTitle(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`"Go Programming Language"`, "Go Programming Language"},
		{`'Single Quoted'`, "Single Quoted"},
		{"  Padded Title \n", "Padded Title"},
		{strings.Repeat("a", 60), strings.Repeat("a", 47) + "..."},
		{strings.Repeat("b", 50), strings.Repeat("b", 50)},
		{strings.Repeat("é", 30), strings.Repeat("é", 30)},
		{strings.Repeat("日本", 30), strings.Repeat("日本", 23) + "日..."},
	}

	for _, tt := range tests {
		got := CleanTitle(tt.input)
		if got != tt.expected {
			t.Errorf("CleanTitle(%q) = %q, want %q", tt.input, got, tt.expected)
		}
		if !utf8.ValidString(got) {
			t.Errorf("CleanTitle(%q) returned invalid UTF-8", tt.input)
		}
	}
}

// TestTitleFailureIsSilent tests that a failed title leaves the run intact
func TestTitleFailureIsSilent(t *testing.T) {
	gateway := newFakeGateway().Script("test/title", fakeReply{Err: &ModelError{Kind: KindModelNotFound, StatusCode: 404}})
	gateway.Respond = rankingReply("A", "B", "C")
	cfg := testCouncilConfig()
	cfg.TitleModel = "test/title"

	recorder := &RecorderSink{}
	result, err := NewCouncil(gateway, nil).Run(context.Background(), cfg, DeliberationRequest{Query: "What is Go?", GenerateTitle: true}, recorder)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Title != "" {
		t.Errorf("Title = %q, want empty", result.Title)
	}
	if len(eventsOfKind(recorder.Events(), EventTitleComplete)) != 0 {
		t.Error("title_complete should not be emitted")
	}
}
