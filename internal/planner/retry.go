package planner

import (
	"context"
	"fmt"

	"tachikoma/internal/llm"
)

// RetryOutcome is the result of a parse-with-feedback loop, including the
// token cost of every completion the loop issued.
type RetryOutcome struct {
	Result      ParseResult
	RetryCount  int
	TotalTokens int
}

// RetryingParser wraps Parser with a completion-driven repair loop. When a
// parse attempt fails it re-prompts the model with the parse error and the
// offending output, at low temperature, up to maxRetries times.
type RetryingParser struct {
	parser    *Parser
	completer llm.Completer

	maxRetries     int
	enableFeedback bool
}

// NewRetryingParser builds the repair loop. maxRetries < 0 falls back to 2.
func NewRetryingParser(completer llm.Completer, maxRetries int) *RetryingParser {
	if maxRetries < 0 {
		maxRetries = 2
	}
	return &RetryingParser{
		parser:         NewParser(),
		completer:      completer,
		maxRetries:     maxRetries,
		enableFeedback: true,
	}
}

// DisableFeedback turns the loop into a single attempt.
func (r *RetryingParser) DisableFeedback() *RetryingParser {
	r.enableFeedback = false
	return r
}

const feedbackTemperature = 0.1

// ParseWithRetry parses content; on failure it asks the completer to fix its
// own output. original is the request that produced content and supplies the
// system prompt for feedback rounds. Fatal completer errors abort the loop;
// retryable errors consume an attempt and continue.
func (r *RetryingParser) ParseWithRetry(ctx context.Context, content string, original llm.CompletionRequest) RetryOutcome {
	outcome := RetryOutcome{Result: r.parser.Parse(content)}
	if outcome.Result.OK || !r.enableFeedback || r.completer == nil {
		return outcome
	}

	for outcome.RetryCount < r.maxRetries {
		outcome.RetryCount++
		r.parser.logger.Warn("parse attempt %d failed: %v, requesting correction",
			outcome.RetryCount, outcome.Result.Err)

		temp := feedbackTemperature
		req := llm.CompletionRequest{
			SystemPrompt: original.SystemPrompt,
			Messages: []llm.Message{{
				Role:    llm.RoleUser,
				Content: feedbackPrompt(content, outcome.Result.Err, outcome.RetryCount, r.maxRetries),
			}},
			MaxTokens:   original.MaxTokens,
			Temperature: &temp,
		}

		resp, err := r.completer.Complete(ctx, req)
		if err != nil {
			if !llm.IsRetryable(err) {
				outcome.Result = ParseResult{OK: false, Err: err, Raw: truncateRaw(content)}
				return outcome
			}
			continue
		}
		outcome.TotalTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens

		content = resp.Content
		outcome.Result = r.parser.Parse(content)
		if outcome.Result.OK {
			return outcome
		}
	}
	return outcome
}

func feedbackPrompt(previous string, parseErr error, attempt, max int) string {
	return fmt.Sprintf(`Your previous planning output could not be parsed (attempt %d of %d).

Parse error: %v

Previous output:
%s

Return ONLY a corrected JSON object with the required shape: reasoning (string), subtasks (array of {id, objective, constraints, estimatedMinutes, dependencies}), executionPlan ({isParallel, steps: [{order, subtaskIds, parallel}]}), estimatedTotalMinutes (number), complexityScore (number 1-10). Do not include any prose outside the JSON.`,
		attempt, max, parseErr, truncateRaw(previous))
}
