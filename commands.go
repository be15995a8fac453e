package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewRootCommand returns the llm-council command tree. Running it without a
// subcommand starts the HTTP server.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "llm-council",
		Short: "LLM Council - multi-model deliberation service",
		Long: `LLM Council sends a question to a council of models, has them rank each
other's anonymized answers, and asks a chairman model to synthesize the final answer.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return LoadConfig()
		},
		RunE: runServe,
	}
	rootCmd.Flags().Int("port", 8001, "Port to listen on")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(AskCmd())
	rootCmd.AddCommand(ConfigCmd())

	return rootCmd
}

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 8001, "Port to listen on")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")

	if err := RequireAPIKey(); err != nil {
		return err
	}

	council, fileLogger, closeLogger := buildCouncil()
	defer closeLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(council, ActiveCouncil)
	server.Logs = fileLogger
	if server.ContextCache != nil {
		server.ContextCache.StartJanitor(ctx, server.ContextCache.TTL())
	}
	router := NewRouter(server)

	log.Printf("Starting LLM Council backend on port %d...", port)
	if err := router.Run(fmt.Sprintf(":%d", port)); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// AskCmd returns the ask command, which runs one deliberation in the terminal
func AskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the council a question and stream its progress",
		Long: `Run a single deliberation and print progress as each model finishes.

Examples:
  llm-council ask "What is the capital of Australia?"
  llm-council ask --mode chat_ranking "Compare Go and Rust error handling"
  llm-council ask --context-url https://go.dev/doc/effective_go "Summarize this"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runAsk,
	}

	cmd.Flags().String("mode", "", "Execution mode: chat_only, chat_ranking or full")
	cmd.Flags().String("context-url", "", "URL whose content is given to the council as context")
	cmd.Flags().Bool("json", false, "Print the final result as JSON")

	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")
	contextURL, _ := cmd.Flags().GetString("context-url")
	asJSON, _ := cmd.Flags().GetBool("json")

	if err := RequireAPIKey(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	council, _, closeLogger := buildCouncil()
	defer closeLogger()

	out := cmd.OutOrStdout()
	deliberation := council.Stream(ctx, ActiveCouncil, DeliberationRequest{
		ID:         uuid.New().String(),
		Query:      strings.Join(args, " "),
		ContextURL: contextURL,
		Mode:       ExecutionMode(mode),
	})
	result, err := printDeliberation(NewPrintSink(out), deliberation)
	if err != nil {
		return err
	}

	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	printResult(out, result)
	return nil
}

// ConfigCmd returns the config command
func ConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the active council configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg := ActiveCouncil

			fmt.Fprintf(out, "%s %s\n", color.New(color.Bold).Sprint("Execution mode:"), cfg.ExecutionMode)
			fmt.Fprintf(out, "%s\n", color.New(color.Bold).Sprint("Council:"))
			for _, member := range cfg.Members {
				fmt.Fprintf(out, "  - %s\n", member)
			}
			fmt.Fprintf(out, "%s %s\n", color.New(color.Bold).Sprint("Chairman:"), cfg.Chairman)
			fmt.Fprintf(out, "%s %s\n", color.New(color.Bold).Sprint("Title model:"), cfg.TitleModel)
			fmt.Fprintf(out, "Temperatures: council %.2f, ranking %.2f, chairman %.2f\n",
				cfg.CouncilTemperature, cfg.Stage2Temperature, cfg.ChairmanTemperature)
			fmt.Fprintf(out, "Timeout: %s, attempts: %d, retry delay: %s\n",
				cfg.Timeout, cfg.Retry.attempts(), cfg.Retry.Delay)
			if cfg.Quorum > 0 {
				fmt.Fprintf(out, "Quorum: %d\n", cfg.Quorum)
			}
			return nil
		},
	}
}

// printDeliberation renders events as they arrive and returns the final result
func printDeliberation(sink *PrintSink, d *Deliberation) (*DeliberationResult, error) {
	for event := range d.Events() {
		if err := sink.Send(event); err != nil {
			log.Printf("Warning: failed to print %s event: %v", event.Kind, err)
		}
	}
	return d.Wait()
}

// buildCouncil wires the OpenRouter gateway, loggers and URL context provider.
// The file logger is nil when file logging is off. The returned func flushes the loggers.
func buildCouncil() (*Council, *FileLogger, func()) {
	loggers := MultiLogger{StdLogger{}}
	var fileLogger *FileLogger
	if LogDir != "" {
		fl, err := NewFileLogger(LogDir, LoggingLevel)
		if err != nil {
			log.Printf("Warning: file logging disabled: %v", err)
		} else {
			fl.Retention = LogRetention
			fileLogger = fl
			loggers = append(loggers, fl)
		}
	}
	logger := NewAsyncLogger(loggers, 512)

	council := NewCouncil(NewOpenRouterGateway(OpenRouterAPIURL, OpenRouterAPIKey), logger)
	council.Context = NewURLContextProvider(ContextCacheTTL)

	return council, fileLogger, logger.Close
}

// PrintSink renders events as human-readable progress lines
type PrintSink struct {
	w io.Writer
}

// NewPrintSink creates a sink printing to w
func NewPrintSink(w io.Writer) *PrintSink {
	return &PrintSink{w: w}
}

// Send implements EventSink
func (p *PrintSink) Send(event StageEvent) error {
	payload, _ := event.Payload.(map[string]any)

	var line string
	switch event.Kind {
	case EventSearchStart:
		line = fmt.Sprintf("Fetching context from %v", payload["source"])
	case EventSearchComplete:
		line = "Context fetched"
		if success, _ := payload["success"].(bool); !success {
			line = color.New(color.FgYellow).Sprintf("Context unavailable: %v", payload["message"])
		}
	case EventStage1Init:
		line = color.New(color.Bold).Sprintf("Stage 1: collecting answers from %v models", payload["totalModels"])
	case EventStage2Init:
		line = color.New(color.Bold).Sprintf("Stage 2: %v rankers reviewing responses %v", payload["totalRankers"], payload["labels"])
	case EventStage3Init:
		line = color.New(color.Bold).Sprintf("Stage 3: %v is synthesizing", payload["chairmanModelId"])
	case EventModelResult:
		line = progressLine(payload["modelId"], payload)
	case EventRankingResult:
		line = progressLine(payload["rankerModelId"], payload)
	case EventStage2Skipped:
		line = color.New(color.FgYellow).Sprintf("Stage 2 skipped: %v", payload["reason"])
	case EventStage1Complete, EventStage2Complete:
		line = fmt.Sprintf("Stage %d done: %v/%v succeeded", event.Stage, payload["succeeded"], payload["total"])
	case EventStage3Complete:
		if success, _ := payload["success"].(bool); !success {
			line = color.New(color.FgRed).Sprintf("Chairman failed (%v): %v", payload["cause"], payload["message"])
		}
	case EventTitleComplete:
		line = fmt.Sprintf("Title: %v", payload["title"])
	case EventError:
		line = color.New(color.FgRed).Sprintf("Error: %v", payload["message"])
	case EventCancelled:
		line = color.New(color.FgYellow).Sprintf("Cancelled before stage %v", payload["atStage"])
	}

	if line == "" {
		return nil
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}

func progressLine(model any, payload map[string]any) string {
	status := color.New(color.FgGreen).Sprint("✓")
	if success, _ := payload["success"].(bool); !success {
		reason := payload["errorKind"]
		if parseFailed, _ := payload["parseFailed"].(bool); parseFailed {
			reason = "unparseable ranking"
		}
		status = color.New(color.FgRed).Sprintf("✗ %v", reason)
	}
	return fmt.Sprintf("  [%v/%v] %v %s", payload["completed"], payload["total"], model, status)
}

// printResult writes the leaderboard and the chairman's answer
func printResult(w io.Writer, result *DeliberationResult) {
	if len(result.Metadata.Leaderboard) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, color.New(color.Bold).Sprint("Leaderboard"))
		for _, entry := range result.Metadata.Leaderboard {
			fmt.Fprintf(w, "  %d. %s (Response %s) score %d, avg rank %.2f\n",
				entry.Rank, entry.Model, entry.Label, entry.Score, entry.AverageRank)
		}
	}

	fmt.Fprintln(w)
	if result.Stage3 != nil && result.Stage3.OK() {
		fmt.Fprintln(w, color.New(color.FgCyan, color.Bold).Sprintf("Final answer (%s)", result.Stage3.Model))
		fmt.Fprintln(w, result.Stage3.Response)
		return
	}

	// Without a synthesis, show the individual answers
	for _, answer := range result.Stage1 {
		if !answer.OK() {
			continue
		}
		fmt.Fprintln(w, color.New(color.FgCyan, color.Bold).Sprint(answer.Model))
		fmt.Fprintln(w, answer.Response)
		fmt.Fprintln(w)
	}
}
