package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachikoma/internal/llm"
)

func validPlanJSON() string {
	return `{
		"reasoning": "split into fetch and summarize",
		"subtasks": [
			{"id": "subtask-1", "objective": "fetch the data", "constraints": [], "estimatedMinutes": 5, "dependencies": []},
			{"id": "subtask-2", "objective": "summarize the data", "constraints": ["plain text"], "estimatedMinutes": 10, "dependencies": ["subtask-1"]}
		],
		"executionPlan": {
			"isParallel": false,
			"steps": [
				{"order": 1, "subtaskIds": ["subtask-1"], "parallel": false},
				{"order": 2, "subtaskIds": ["subtask-2"], "parallel": false}
			]
		},
		"estimatedTotalMinutes": 15,
		"complexityScore": 3
	}`
}

func TestParseValidPlan(t *testing.T) {
	t.Parallel()

	res := NewParser().Parse(validPlanJSON())
	require.True(t, res.OK, "parse failed: %v", res.Err)
	assert.Len(t, res.Data.Subtasks, 2)
	assert.Equal(t, "subtask-1", res.Data.Subtasks[0].ID)
	assert.Equal(t, []string{"subtask-1"}, res.Data.Subtasks[1].Dependencies)
	assert.Len(t, res.Data.ExecutionPlan.Steps, 2)
	assert.Equal(t, 15.0, res.Data.EstimatedTotalMinutes)
	assert.Empty(t, res.Warnings)
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	first := NewParser().Parse(validPlanJSON())
	require.True(t, first.OK)

	serialized, err := json.Marshal(first.Data)
	require.NoError(t, err)

	second := NewParser().Parse(string(serialized))
	require.True(t, second.OK, "round-trip parse failed: %v", second.Err)
	assert.Equal(t, first.Data, second.Data)
}

func TestExtractJSONStrategies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"fenced block", "Here is my plan:\n```json\n" + validPlanJSON() + "\n```\nDone."},
		{"unfenced with prose", "Sure! The plan follows.\n" + validPlanJSON() + "\nLet me know."},
		{"bare object", validPlanJSON()},
		{"padded whitespace", "\n\n  " + validPlanJSON() + "  \n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := NewParser().Parse(tc.content)
			require.True(t, res.OK, "parse failed: %v", res.Err)
			assert.Len(t, res.Data.Subtasks, 2)
		})
	}
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	t.Parallel()

	content := `prefix {"reasoning": "use {curly} braces and a \" quote", "subtasks": [], "executionPlan": {"isParallel": false, "steps": []}, "estimatedTotalMinutes": 0, "complexityScore": 1} suffix`
	res := NewParser().Parse(content)
	require.True(t, res.OK, "parse failed: %v", res.Err)
	assert.Contains(t, res.Data.Reasoning, "{curly}")
}

func TestParseRepairsMalformedJSON(t *testing.T) {
	t.Parallel()

	// trailing comma and single quotes, the usual model mistakes
	content := strings.Replace(validPlanJSON(), `"complexityScore": 3`, `"complexityScore": 3,`, 1)
	res := NewParser().Parse(content)
	require.True(t, res.OK, "repair should recover trailing comma: %v", res.Err)
}

func TestParseRejectsNonJSON(t *testing.T) {
	t.Parallel()

	res := NewParser().Parse("I am unable to produce a plan for this request.")
	assert.False(t, res.OK)
	assert.Error(t, res.Err)
}

func TestParseShapeErrorsNameFields(t *testing.T) {
	t.Parallel()

	mutate := func(from, to string) string {
		out := strings.Replace(validPlanJSON(), from, to, 1)
		if out == validPlanJSON() {
			panic("mutation did not apply: " + from)
		}
		return out
	}

	cases := []struct {
		name    string
		content string
		field   string
	}{
		{"missing reasoning", mutate(`"reasoning"`, `"thinking"`), "reasoning"},
		{"score out of range", mutate(`"complexityScore": 3`, `"complexityScore": 11`), "complexityScore"},
		{"negative total", mutate(`"estimatedTotalMinutes": 15`, `"estimatedTotalMinutes": -1`), "estimatedTotalMinutes"},
		{"empty objective", mutate(`"objective": "fetch the data"`, `"objective": ""`), "subtasks[0].objective"},
		{"negative minutes", mutate(`"estimatedMinutes": 5`, `"estimatedMinutes": -5`), "subtasks[0].estimatedMinutes"},
		{"bad step order", mutate(`"order": 1`, `"order": 0`), "executionPlan.steps[0].order"},
		{"empty step ids", mutate(`"subtaskIds": ["subtask-1"]`, `"subtaskIds": []`), "executionPlan.steps[0].subtaskIds"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := NewParser().Parse(tc.content)
			require.False(t, res.OK)
			var perr *ParseError
			require.ErrorAs(t, res.Err, &perr)
			assert.Equal(t, tc.field, perr.Field)
		})
	}
}

func TestParseRejectsUnknownDependency(t *testing.T) {
	t.Parallel()

	content := strings.Replace(validPlanJSON(), `"dependencies": ["subtask-1"]`, `"dependencies": ["subtask-9"]`, 1)
	res := NewParser().Parse(content)
	require.False(t, res.OK)
	assert.Contains(t, res.Err.Error(), "subtask-9")
}

func TestParseRejectsSelfDependency(t *testing.T) {
	t.Parallel()

	content := strings.Replace(validPlanJSON(), `"dependencies": ["subtask-1"]`, `"dependencies": ["subtask-2"]`, 1)
	res := NewParser().Parse(content)
	require.False(t, res.OK)
	assert.Contains(t, res.Err.Error(), "depends on itself")
}

func TestParseRejectsCircularDependency(t *testing.T) {
	t.Parallel()

	content := strings.Replace(validPlanJSON(),
		`{"id": "subtask-1", "objective": "fetch the data", "constraints": [], "estimatedMinutes": 5, "dependencies": []}`,
		`{"id": "subtask-1", "objective": "fetch the data", "constraints": [], "estimatedMinutes": 5, "dependencies": ["subtask-2"]}`, 1)

	res := NewParser().Parse(content)
	require.False(t, res.OK)
	assert.Contains(t, res.Err.Error(), "Circular dependency")
}

func TestParseRejectsDuplicateStepMembership(t *testing.T) {
	t.Parallel()

	content := strings.Replace(validPlanJSON(), `"subtaskIds": ["subtask-2"]`, `"subtaskIds": ["subtask-1"]`, 1)
	res := NewParser().Parse(content)
	require.False(t, res.OK)
	assert.Contains(t, res.Err.Error(), "already appears in step")
}

func TestParseWarnsOnDurationMismatch(t *testing.T) {
	t.Parallel()

	// sum is 15 but the declared total is 100: > 50% deviation
	content := strings.Replace(validPlanJSON(), `"estimatedTotalMinutes": 15`, `"estimatedTotalMinutes": 100`, 1)
	res := NewParser().Parse(content)
	require.True(t, res.OK, "duration mismatch must not be fatal: %v", res.Err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "deviates")
}

func TestParseWithRetryRecoversViaFeedback(t *testing.T) {
	t.Parallel()

	mock := llm.NewMockCompleter().EnqueueResponse(validPlanJSON(), 30, 70)
	rp := NewRetryingParser(mock, 2)

	outcome := rp.ParseWithRetry(context.Background(), "garbage output", llm.CompletionRequest{
		SystemPrompt: "plan things",
	})
	require.True(t, outcome.Result.OK, "feedback retry should recover: %v", outcome.Result.Err)
	assert.Equal(t, 1, outcome.RetryCount)
	assert.Equal(t, 100, outcome.TotalTokens)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "plan things", calls[0].SystemPrompt)
	require.NotNil(t, calls[0].Temperature)
	assert.Equal(t, 0.1, *calls[0].Temperature)
	assert.Contains(t, calls[0].Messages[0].Content, "garbage output")
	assert.Contains(t, calls[0].Messages[0].Content, "could not be parsed")
}

func TestParseWithRetryStopsOnFatalError(t *testing.T) {
	t.Parallel()

	fatal := llm.NewCompleterError("mock", "http_401", false, fmt.Errorf("unauthorized"))
	mock := llm.NewMockCompleter().EnqueueError(fatal)
	rp := NewRetryingParser(mock, 3)

	outcome := rp.ParseWithRetry(context.Background(), "garbage", llm.CompletionRequest{})
	require.False(t, outcome.Result.OK)
	assert.ErrorIs(t, outcome.Result.Err, fatal)
	assert.Equal(t, 1, mock.CallCount())
}

func TestParseWithRetryContinuesOnRetryableError(t *testing.T) {
	t.Parallel()

	mock := llm.NewMockCompleter().
		EnqueueError(llm.NewCompleterError("mock", "http_503", true, fmt.Errorf("busy"))).
		EnqueueResponse(validPlanJSON(), 10, 10)
	rp := NewRetryingParser(mock, 3)

	outcome := rp.ParseWithRetry(context.Background(), "garbage", llm.CompletionRequest{})
	require.True(t, outcome.Result.OK, "retryable error should consume an attempt: %v", outcome.Result.Err)
	assert.Equal(t, 2, outcome.RetryCount)
	assert.Equal(t, 2, mock.CallCount())
}

func TestParseWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()

	mock := llm.NewMockCompleter().
		EnqueueResponse("still garbage", 5, 5).
		EnqueueResponse("more garbage", 5, 5)
	rp := NewRetryingParser(mock, 2)

	outcome := rp.ParseWithRetry(context.Background(), "garbage", llm.CompletionRequest{})
	require.False(t, outcome.Result.OK)
	assert.Equal(t, 2, outcome.RetryCount)
	assert.Equal(t, 20, outcome.TotalTokens)
}
