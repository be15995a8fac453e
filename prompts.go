package main

import (
	"fmt"
	"strings"
)

// Prompt placeholders understood by RenderPrompt
const (
	PlaceholderUserQuery     = "{user_query}"
	PlaceholderSearchContext = "{search_context_block}"
	PlaceholderResponses     = "{responses_text}"
	PlaceholderStage1        = "{stage1_text}"
	PlaceholderStage2        = "{stage2_text}"
	PlaceholderRankings      = "{rankings_block}"
)

// DefaultStage1Prompt is sent to every council member
const DefaultStage1Prompt = `{search_context_block}{user_query}`

// DefaultStage2Prompt asks each member to rank the anonymized answers
const DefaultStage2Prompt = `You are evaluating different responses to the following question:

Question: {user_query}
{search_context_block}
Here are the responses from different models (anonymized):

{responses_text}

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`

// DefaultStage3Prompt asks the chairman to synthesize the final answer
const DefaultStage3Prompt = `You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: {user_query}
{search_context_block}
STAGE 1 - Individual Responses:
{stage1_text}

STAGE 2 - Peer Rankings:
{stage2_text}

Aggregate Ranking:
{rankings_block}

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`

// TitlePrompt asks a fast model for a short conversation title
const TitlePrompt = `Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: {user_query}

Title:`

// RenderPrompt replaces the known placeholders in template.
// Unknown braces are left alone so user-edited prompts can contain JSON or code.
func RenderPrompt(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for placeholder, value := range values {
		pairs = append(pairs, placeholder, value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// searchContextBlock wraps external context for inclusion in a prompt
func searchContextBlock(context string) string {
	if strings.TrimSpace(context) == "" {
		return ""
	}
	return fmt.Sprintf("\nContext from external sources:\n%s\n\n", context)
}

// anonymizedResponsesText lists the anonymized answers for Stage 2
func anonymizedResponsesText(anon Anonymization) string {
	var b strings.Builder
	for _, answer := range anon.Answers {
		fmt.Fprintf(&b, "Response %s:\n%s\n\n", answer.Label, answer.Response)
	}
	return strings.TrimRight(b.String(), "\n")
}

// stage1Text lists every member's answer with attribution for the chairman
func stage1Text(answers []ModelAnswer) string {
	var b strings.Builder
	for _, answer := range answers {
		if answer.OK() {
			fmt.Fprintf(&b, "Model: %s\nResponse: %s\n\n", answer.Model, answer.Response)
		} else {
			fmt.Fprintf(&b, "Model: %s\nResponse: (failed: %s)\n\n", answer.Model, answer.ErrorKind)
		}
	}
	if b.Len() == 0 {
		return "(no responses)"
	}
	return strings.TrimRight(b.String(), "\n")
}

// stage2Text lists the raw peer evaluations for the chairman
func stage2Text(submissions []RankingSubmission) string {
	var b strings.Builder
	for _, submission := range submissions {
		if submission.ErrorKind != "" {
			continue
		}
		fmt.Fprintf(&b, "Model: %s\nRanking: %s\n\n", submission.Ranker, submission.Raw)
	}
	if b.Len() == 0 {
		return "(no peer rankings)"
	}
	return strings.TrimRight(b.String(), "\n")
}

// rankingsBlock renders the de-anonymized leaderboard
func rankingsBlock(aggregate *AggregateRanking) string {
	if aggregate == nil || len(aggregate.Leaderboard) == 0 {
		return "(no aggregate ranking)"
	}
	var b strings.Builder
	for _, entry := range aggregate.Leaderboard {
		fmt.Fprintf(&b, "%d. %s (score %d, %d votes)\n", entry.Rank, entry.Model, entry.Score, entry.Votes)
	}
	return strings.TrimRight(b.String(), "\n")
}
