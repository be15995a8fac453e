package main

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// CallFunc produces one member's answer for a stage
type CallFunc func(ctx context.Context, model string) ModelAnswer

// FanOut dispatches one call per member concurrently and collects results in arrival order
type FanOut struct {
	// Quorum stops the fan-in once this many calls succeeded. Zero waits for all.
	Quorum int
}

// RunStage queries every model in parallel using goroutines.
// onResult is called from the calling goroutine as each call resolves, with the
// number of results collected so far. Results are returned in completion order.
func (f FanOut) RunStage(ctx context.Context, models []string, call CallFunc, onResult func(answer ModelAnswer, completed int)) ([]ModelAnswer, StageSummary) {
	start := time.Now()
	summary := StageSummary{Total: len(models)}

	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so abandoned stragglers can always deliver and exit
	results := make(chan ModelAnswer, len(models))

	var g errgroup.Group
	for _, model := range models {
		model := model
		g.Go(func() error {
			results <- call(stageCtx, model)
			return nil
		})
	}

	go func() {
		g.Wait()
		close(results)
	}()

	answers := make([]ModelAnswer, 0, len(models))
	for answer := range results {
		answers = append(answers, answer)
		if answer.OK() {
			summary.Succeeded++
		} else {
			summary.Failed++
		}

		if onResult != nil {
			onResult(answer, len(answers))
		}

		if f.Quorum > 0 && summary.Succeeded >= f.Quorum && len(answers) < len(models) {
			summary.Abandoned = len(models) - len(answers)
			break
		}
	}

	summary.DurationMs = time.Since(start).Milliseconds()
	return answers, summary
}
