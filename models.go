package main

import "time"

// ExecutionMode selects how many stages a deliberation runs
type ExecutionMode string

const (
	// ModeChatOnly collects individual answers only (Stage 1)
	ModeChatOnly ExecutionMode = "chat_only"
	// ModeChatRanking adds anonymized peer ranking (Stages 1-2)
	ModeChatRanking ExecutionMode = "chat_ranking"
	// ModeFull runs all three stages including chairman synthesis
	ModeFull ExecutionMode = "full"
)

// ExecutionModes lists every accepted execution mode
var ExecutionModes = []ExecutionMode{ModeChatOnly, ModeChatRanking, ModeFull}

// Valid reports whether m is a known execution mode
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeChatOnly, ModeChatRanking, ModeFull:
		return true
	}
	return false
}

// RunsRanking reports whether Stage 2 is part of this mode
func (m ExecutionMode) RunsRanking() bool {
	return m == ModeChatRanking || m == ModeFull
}

// RunsSynthesis reports whether Stage 3 is part of this mode
func (m ExecutionMode) RunsSynthesis() bool {
	return m == ModeFull
}

// CouncilConfig is the static setup of one deliberation.
// It is passed by value into the council and never mutated while a request runs.
type CouncilConfig struct {
	Members             []string      `json:"council_models" yaml:"council_models"`
	Chairman            string        `json:"chairman_model" yaml:"chairman_model"`
	TitleModel          string        `json:"title_model" yaml:"title_model"`
	CouncilTemperature  float64       `json:"council_temperature" yaml:"council_temperature"`
	Stage2Temperature   float64       `json:"stage2_temperature" yaml:"stage2_temperature"`
	ChairmanTemperature float64       `json:"chairman_temperature" yaml:"chairman_temperature"`
	Stage1Prompt        string        `json:"stage1_prompt" yaml:"stage1_prompt"`
	Stage2Prompt        string        `json:"stage2_prompt" yaml:"stage2_prompt"`
	Stage3Prompt        string        `json:"stage3_prompt" yaml:"stage3_prompt"`
	ExecutionMode       ExecutionMode `json:"execution_mode" yaml:"execution_mode"`
	Timeout             time.Duration `json:"timeout" yaml:"timeout"`
	Retry               RetryPolicy   `json:"retry" yaml:"retry"`
	// Quorum is the number of successful members after which a stage stops
	// waiting for stragglers. Zero waits for every member.
	Quorum int `json:"quorum" yaml:"quorum"`
}

// DeliberationRequest is one user turn
type DeliberationRequest struct {
	ID    string
	Query string
	// Context is external context supplied directly by the caller
	Context string
	// ContextURL is fetched through the council's ContextProvider when Context is empty
	ContextURL string
	// Mode overrides the config's execution mode when set
	Mode          ExecutionMode
	GenerateTitle bool
}

// ModelAnswer is one member's Stage 1 output.
// Exactly one of Response and ErrorKind is set.
type ModelAnswer struct {
	Model      string    `json:"model"`
	Response   string    `json:"response,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"duration_ms"`
}

// OK reports whether the answer carries usable text
func (a ModelAnswer) OK() bool {
	return a.ErrorKind == ""
}

// AnonymizedAnswer is a Stage 1 answer relabeled for peer review
type AnonymizedAnswer struct {
	Label    string `json:"label"`
	Model    string `json:"-"`
	Response string `json:"response"`
}

// RankingSubmission is one member's Stage 2 critique
type RankingSubmission struct {
	Ranker      string    `json:"model"`
	Raw         string    `json:"ranking,omitempty"`
	Ranking     []string  `json:"parsed_ranking"`
	ParseFailed bool      `json:"parse_failed,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}

// Valid reports whether the submission takes part in aggregation
func (s RankingSubmission) Valid() bool {
	return s.ErrorKind == "" && !s.ParseFailed && len(s.Ranking) > 0
}

// LeaderboardEntry is one candidate's place in the consensus ranking
type LeaderboardEntry struct {
	Rank        int     `json:"rank"`
	Label       string  `json:"label"`
	Model       string  `json:"model"`
	Score       int     `json:"score"`
	Votes       int     `json:"votes"`
	AverageRank float64 `json:"average_rank"`
}

// AggregateRanking is the consensus result of Stage 2
type AggregateRanking struct {
	Leaderboard      []LeaderboardEntry `json:"leaderboard"`
	LabelToModel     map[string]string  `json:"label_to_model"`
	ValidSubmissions int                `json:"valid_submissions"`
}

// ChairmanResult is the Stage 3 output
type ChairmanResult struct {
	Model      string    `json:"model"`
	Response   string    `json:"response,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Cause      ErrorKind `json:"cause,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// OK reports whether the chairman produced a synthesis
func (r ChairmanResult) OK() bool {
	return r.ErrorKind == ""
}

// StageSummary is the fan-in aggregate of one stage
type StageSummary struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	Abandoned  int   `json:"abandoned,omitempty"`
	DurationMs int64 `json:"duration_ms"`
}

// Metadata contains additional information about the council process
type Metadata struct {
	ExecutionMode ExecutionMode      `json:"execution_mode"`
	LabelToModel  map[string]string  `json:"label_to_model,omitempty"`
	Leaderboard   []LeaderboardEntry `json:"aggregate_rankings,omitempty"`
	Stage2Skipped bool               `json:"stage2_skipped,omitempty"`
	SearchContext string             `json:"search_context,omitempty"`
	ContextURL    string             `json:"context_url,omitempty"`
}

// DeliberationResult collects everything a finished deliberation produced
type DeliberationResult struct {
	Stage1   []ModelAnswer       `json:"stage1"`
	Stage2   []RankingSubmission `json:"stage2,omitempty"`
	Stage3   *ChairmanResult     `json:"stage3,omitempty"`
	Title    string              `json:"title,omitempty"`
	Metadata Metadata            `json:"metadata"`
}

// Message represents a single message in a conversation
type Message struct {
	Role     string              `json:"role"`
	Content  string              `json:"content,omitempty"`
	Stage1   []ModelAnswer       `json:"stage1,omitempty"`
	Stage2   []RankingSubmission `json:"stage2,omitempty"`
	Stage3   *ChairmanResult     `json:"stage3,omitempty"`
	Metadata *Metadata           `json:"metadata,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Conversation represents a full conversation with all messages
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

// ConversationMetadata represents conversation list metadata
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	// LastExecutionMode and LastFailed describe the most recent assistant turn
	LastExecutionMode ExecutionMode `json:"last_execution_mode,omitempty"`
	LastFailed        bool          `json:"last_failed,omitempty"`
}

// SendMessageRequest represents a request to send a message
type SendMessageRequest struct {
	Content         string `json:"content" binding:"required"`
	ExecutionMode   string `json:"execution_mode"`
	ContextURL      string `json:"context_url"`
	ContextOverride string `json:"context_override"`
}
