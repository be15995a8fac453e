package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

// ContextProvider turns a context source (such as a URL) into prompt text
type ContextProvider interface {
	FetchContext(ctx context.Context, source string) (string, error)
}

// Council runs the three-stage deliberation: individual answers, anonymized
// peer ranking, and chairman synthesis.
type Council struct {
	Gateway Gateway
	Logger  ModelLogger
	Parser  RankingParser
	Context ContextProvider
}

// NewCouncil creates a council using the default ranking parser
func NewCouncil(gateway Gateway, logger ModelLogger) *Council {
	return &Council{
		Gateway: gateway,
		Logger:  logger,
		Parser:  DefaultRankingParser(),
	}
}

func (c *Council) logger() ModelLogger {
	if c.Logger == nil {
		return NopLogger{}
	}
	return c.Logger
}

func (c *Council) parser() RankingParser {
	if c.Parser == nil {
		return DefaultRankingParser()
	}
	return c.Parser
}

// Deliberation is a run started by Stream
type Deliberation struct {
	events chan StageEvent
	done   chan struct{}
	result *DeliberationResult
	err    error
}

// Events returns the event stream. It is closed after the terminal event.
func (d *Deliberation) Events() <-chan StageEvent {
	return d.events
}

// Wait blocks until the run has finished. Events must be drained first.
func (d *Deliberation) Wait() (*DeliberationResult, error) {
	<-d.done
	return d.result, d.err
}

// Stream runs the deliberation in the background, delivering its events on a channel
func (c *Council) Stream(ctx context.Context, cfg CouncilConfig, req DeliberationRequest) *Deliberation {
	d := &Deliberation{
		events: make(chan StageEvent, 16),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		defer close(d.events)
		d.result, d.err = c.Run(ctx, cfg, req, NewChannelSink(ctx, d.events))
	}()
	return d
}

// Run executes the stages enabled by the execution mode and reports progress to sink.
// Only configuration problems and cancellation return an error; model failures are
// reported on the result and the event stream.
func (c *Council) Run(ctx context.Context, cfg CouncilConfig, req DeliberationRequest, sink EventSink) (res *DeliberationResult, runErr error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := c.logger()
	em := NewEmitter(sink, logger, cancel)

	// Every run ends the stream, even when a collaborator panics
	defer func() {
		if r := recover(); r != nil {
			res, runErr = nil, fmt.Errorf("deliberation %s panicked: %v", req.ID, r)
		}
		if !em.Closed() {
			message := "deliberation ended without a result"
			if runErr != nil {
				message = runErr.Error()
			}
			em.Emit(EventError, 0, map[string]any{
				"scope":     "internal",
				"errorKind": KindException,
				"message":   message,
				"requestId": req.ID,
			})
		}
		log.Printf("Deliberation %s emitted %d events", req.ID, em.Count())
	}()

	mode := req.Mode
	if mode == "" {
		mode = cfg.ExecutionMode
	}
	if mode == "" {
		mode = ModeFull
	}

	if err := cfg.ValidateFor(mode); err != nil {
		em.Emit(EventError, 0, map[string]any{
			"scope":     "config",
			"errorKind": KindConfig,
			"message":   err.Error(),
			"requestId": req.ID,
		})
		return nil, err
	}

	result := &DeliberationResult{Metadata: Metadata{ExecutionMode: mode}}

	var titles chan string
	if req.GenerateTitle && cfg.TitleModel != "" {
		titles = make(chan string, 1)
		go func() {
			titles <- c.generateTitle(ctx, cfg, req.Query)
		}()
	}

	externalContext := c.resolveContext(ctx, em, req)
	result.Metadata.SearchContext = externalContext
	result.Metadata.ContextURL = req.ContextURL

	supervisor := NewSupervisor(c.Gateway, logger, cfg.Retry)
	fan := FanOut{Quorum: cfg.Quorum}

	// Stage 1
	if ctx.Err() != nil {
		return nil, c.cancelled(em, 1)
	}
	answers, summary := c.collectAnswers(ctx, em, supervisor, fan, cfg, req.Query, externalContext)
	if ctx.Err() != nil {
		return nil, c.cancelled(em, 1)
	}
	result.Stage1 = answers
	em.Emit(EventStage1Complete, 1, stageCompletePayload(summary, map[string]any{
		"responses": answers,
	}))

	// Stage 2
	var aggregate *AggregateRanking
	var submissions []RankingSubmission
	if mode.RunsRanking() {
		if ctx.Err() != nil {
			return nil, c.cancelled(em, 2)
		}

		if summary.Succeeded < 2 {
			result.Metadata.Stage2Skipped = true
			em.Emit(EventStage2Skipped, 2, map[string]any{
				"reason":     "ranking needs at least two successful answers",
				"candidates": summary.Succeeded,
			})
		} else {
			var rankingSummary StageSummary
			var agg AggregateRanking
			submissions, agg, rankingSummary = c.collectRankings(ctx, em, supervisor, fan, cfg, req.Query, externalContext, answers)
			if ctx.Err() != nil {
				return nil, c.cancelled(em, 2)
			}
			aggregate = &agg
			result.Stage2 = submissions
			result.Metadata.LabelToModel = agg.LabelToModel
			result.Metadata.Leaderboard = agg.Leaderboard
			em.Emit(EventStage2Complete, 2, stageCompletePayload(rankingSummary, map[string]any{
				"leaderboard":  agg.Leaderboard,
				"labelToModel": agg.LabelToModel,
				"rankings":     submissions,
			}))
		}
	}

	// Stage 3
	if mode.RunsSynthesis() {
		if ctx.Err() != nil {
			return nil, c.cancelled(em, 3)
		}

		em.Emit(EventStage3Init, 3, map[string]any{"chairmanModelId": cfg.Chairman})
		chairman := c.synthesize(ctx, supervisor, cfg, req.Query, externalContext, answers, submissions, aggregate)
		if ctx.Err() != nil {
			return nil, c.cancelled(em, 3)
		}
		result.Stage3 = &chairman

		payload := map[string]any{
			"success":    chairman.OK(),
			"durationMs": chairman.DurationMs,
			"model":      chairman.Model,
		}
		if chairman.OK() {
			payload["response"] = chairman.Response
		} else {
			payload["errorKind"] = chairman.ErrorKind
			payload["cause"] = chairman.Cause
			payload["message"] = chairman.Error
		}
		em.Emit(EventStage3Complete, 3, payload)
	}

	if titles != nil {
		select {
		case title := <-titles:
			if title != "" {
				result.Title = title
				em.Emit(EventTitleComplete, 0, map[string]any{"title": title})
			}
		case <-ctx.Done():
		}
	}

	em.Emit(EventComplete, 0, map[string]any{
		"executionMode": mode,
		"requestId":     req.ID,
	})

	return result, nil
}

// collectAnswers runs Stage 1 across every member
func (c *Council) collectAnswers(ctx context.Context, em *Emitter, supervisor *Supervisor, fan FanOut, cfg CouncilConfig, query, externalContext string) ([]ModelAnswer, StageSummary) {
	total := len(cfg.Members)
	em.Emit(EventStage1Init, 1, map[string]any{"totalModels": total})

	prompt := RenderPrompt(cfg.Prompt(1), map[string]string{
		PlaceholderUserQuery:     query,
		PlaceholderSearchContext: searchContextBlock(externalContext),
	})
	messages := []ChatMessage{{Role: "user", Content: prompt}}

	answers, summary := fan.RunStage(ctx, cfg.Members, func(ctx context.Context, model string) ModelAnswer {
		return supervisor.Supervise(ctx, ModelCall{
			Stage:       1,
			Model:       model,
			Messages:    messages,
			Temperature: cfg.CouncilTemperature,
			Timeout:     cfg.Timeout,
		})
	}, func(answer ModelAnswer, completed int) {
		payload := map[string]any{
			"stage":      1,
			"modelId":    answer.Model,
			"success":    answer.OK(),
			"durationMs": answer.DurationMs,
			"completed":  completed,
			"total":      total,
		}
		if !answer.OK() {
			payload["errorKind"] = answer.ErrorKind
		}
		em.Emit(EventModelResult, 1, payload)
	})

	return inMemberOrder(answers, cfg.Members, func(a ModelAnswer) string { return a.Model }), summary
}

// collectRankings runs Stage 2: every member ranks the anonymized answers
func (c *Council) collectRankings(ctx context.Context, em *Emitter, supervisor *Supervisor, fan FanOut, cfg CouncilConfig, query, externalContext string, answers []ModelAnswer) ([]RankingSubmission, AggregateRanking, StageSummary) {
	anon := Anonymize(answers)
	labels := anon.Labels()
	total := len(cfg.Members)

	em.Emit(EventStage2Init, 2, map[string]any{
		"totalRankers": total,
		"labels":       labels,
	})

	prompt := RenderPrompt(cfg.Prompt(2), map[string]string{
		PlaceholderUserQuery:     query,
		PlaceholderSearchContext: searchContextBlock(externalContext),
		PlaceholderResponses:     anonymizedResponsesText(anon),
	})
	messages := []ChatMessage{{Role: "user", Content: prompt}}
	parser := c.parser()

	submissions := make([]RankingSubmission, 0, total)
	_, fanSummary := fan.RunStage(ctx, cfg.Members, func(ctx context.Context, model string) ModelAnswer {
		return supervisor.Supervise(ctx, ModelCall{
			Stage:       2,
			Model:       model,
			Messages:    messages,
			Temperature: cfg.Stage2Temperature,
			Timeout:     cfg.Timeout,
		})
	}, func(answer ModelAnswer, completed int) {
		submission := RankingSubmission{
			Ranker:     answer.Model,
			DurationMs: answer.DurationMs,
		}
		if answer.OK() {
			submission.Raw = answer.Response
			ranking, err := safeParse(parser, answer.Response, labels)
			if err != nil {
				submission.ParseFailed = true
				submission.Error = err.Error()
			} else {
				submission.Ranking = ranking
			}
		} else {
			submission.ErrorKind = answer.ErrorKind
			submission.Error = answer.Error
		}
		submissions = append(submissions, submission)

		payload := map[string]any{
			"rankerModelId": answer.Model,
			"success":       submission.Valid(),
			"completed":     completed,
			"total":         total,
		}
		if submission.ParseFailed {
			payload["parseFailed"] = true
		}
		if submission.ErrorKind != "" {
			payload["errorKind"] = submission.ErrorKind
		}
		em.Emit(EventRankingResult, 2, payload)
	})

	summary := StageSummary{
		Total:      fanSummary.Total,
		Abandoned:  fanSummary.Abandoned,
		DurationMs: fanSummary.DurationMs,
	}
	for _, submission := range submissions {
		if submission.Valid() {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	submissions = inMemberOrder(submissions, cfg.Members, func(s RankingSubmission) string { return s.Ranker })
	return submissions, AggregateRankings(submissions, anon), summary
}

// synthesize runs Stage 3 with the configured chairman
func (c *Council) synthesize(ctx context.Context, supervisor *Supervisor, cfg CouncilConfig, query, externalContext string, answers []ModelAnswer, submissions []RankingSubmission, aggregate *AggregateRanking) ChairmanResult {
	prompt := RenderPrompt(cfg.Prompt(3), map[string]string{
		PlaceholderUserQuery:     query,
		PlaceholderSearchContext: searchContextBlock(externalContext),
		PlaceholderStage1:        stage1Text(answers),
		PlaceholderStage2:        stage2Text(submissions),
		PlaceholderRankings:      rankingsBlock(aggregate),
	})

	answer := supervisor.Supervise(ctx, ModelCall{
		Stage:       3,
		Model:       cfg.Chairman,
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		Temperature: cfg.ChairmanTemperature,
		Timeout:     cfg.Timeout,
	})

	result := ChairmanResult{
		Model:      cfg.Chairman,
		DurationMs: answer.DurationMs,
	}
	if answer.OK() {
		result.Response = answer.Response
	} else {
		result.ErrorKind = KindSynthesis
		result.Cause = answer.ErrorKind
		result.Error = answer.Error
	}
	return result
}

// resolveContext returns the caller's context or fetches it from the request's URL.
// A failed fetch is reported and the deliberation continues without context.
func (c *Council) resolveContext(ctx context.Context, em *Emitter, req DeliberationRequest) string {
	if req.Context != "" || req.ContextURL == "" || c.Context == nil {
		return req.Context
	}

	em.Emit(EventSearchStart, 0, map[string]any{"source": req.ContextURL})
	text, err := c.Context.FetchContext(ctx, req.ContextURL)
	if err != nil {
		log.Printf("Failed to fetch context from %s: %v", req.ContextURL, err)
		em.Emit(EventSearchComplete, 0, map[string]any{
			"source":  req.ContextURL,
			"success": false,
			"message": err.Error(),
		})
		return ""
	}

	em.Emit(EventSearchComplete, 0, map[string]any{
		"source":     req.ContextURL,
		"success":    true,
		"characters": len(text),
	})
	return text
}

// generateTitle asks the title model for a 3-5 word summary of the query.
// Returns an empty string when generation fails.
func (c *Council) generateTitle(ctx context.Context, cfg CouncilConfig, query string) string {
	supervisor := NewSupervisor(c.Gateway, NopLogger{}, RetryPolicy{MaxAttempts: 1})
	answer := supervisor.Supervise(ctx, ModelCall{
		Model:       cfg.TitleModel,
		Messages:    []ChatMessage{{Role: "user", Content: RenderPrompt(TitlePrompt, map[string]string{PlaceholderUserQuery: query})}},
		Temperature: 0.2,
		Timeout:     TitleGenTimeout,
	})
	if !answer.OK() {
		log.Printf("Failed to generate title: %s", answer.Error)
		return ""
	}
	return CleanTitle(answer.Response)
}

// CleanTitle strips quotes and truncates a generated title to 50 characters
func CleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, "\"'")
	runes := []rune(title)
	if len(runes) > 50 {
		title = string(runes[:47]) + "..."
	}
	return title
}

func (c *Council) cancelled(em *Emitter, stage int) error {
	em.Emit(EventCancelled, stage, map[string]any{"atStage": stage})
	return fmt.Errorf("%w at stage %d", ErrCancelled, stage)
}

// safeParse runs a ranking parser, treating a panic as a parse failure
func safeParse(parser RankingParser, text string, labels []string) (ranking []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ranking, err = nil, fmt.Errorf("ranking parser panicked: %v", r)
		}
	}()
	return parser.ParseRanking(text, labels)
}

func stageCompletePayload(summary StageSummary, extra map[string]any) map[string]any {
	payload := map[string]any{
		"total":      summary.Total,
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"durationMs": summary.DurationMs,
		"success":    summary.Succeeded > 0,
	}
	if summary.Abandoned > 0 {
		payload["abandoned"] = summary.Abandoned
	}
	for key, value := range extra {
		payload[key] = value
	}
	return payload
}

// inMemberOrder sorts items into the configured member order so labels are reproducible
func inMemberOrder[T any](items []T, members []string, model func(T) string) []T {
	position := make(map[string]int, len(members))
	for i, member := range members {
		if _, seen := position[member]; !seen {
			position[member] = i
		}
	}
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return position[model(sorted[i])] < position[model(sorted[j])]
	})
	return sorted
}
