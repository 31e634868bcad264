package planner

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"tachikoma/internal/logging"
	"tachikoma/internal/task"
)

// PlanningSubtask is the wire shape of one sub-task in the model's output.
type PlanningSubtask struct {
	ID               string   `json:"id"`
	Objective        string   `json:"objective"`
	Constraints      []string `json:"constraints"`
	EstimatedMinutes float64  `json:"estimatedMinutes"`
	Dependencies     []string `json:"dependencies"`
}

// PlanningOutput is the validated decomposition returned by the model.
type PlanningOutput struct {
	Reasoning             string             `json:"reasoning"`
	Subtasks              []PlanningSubtask  `json:"subtasks"`
	ExecutionPlan         task.ExecutionPlan `json:"executionPlan"`
	EstimatedTotalMinutes float64            `json:"estimatedTotalMinutes"`
	ComplexityScore       float64            `json:"complexityScore"`
}

// ParseError reports a validation failure with the offending field path.
type ParseError struct {
	Field   string
	Message string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ParseResult is the outcome of one parse attempt. Raw carries a truncated
// copy of the input for diagnostics when OK is false.
type ParseResult struct {
	OK       bool
	Data     *PlanningOutput
	Err      error
	Raw      string
	Warnings []string
}

// Parser converts completion content into validated planning output.
type Parser struct {
	logger logging.Logger
}

// NewParser returns a parser with the default component logger.
func NewParser() *Parser {
	return &Parser{logger: logging.NewComponentLogger("planning-parser")}
}

const rawPreviewLimit = 1024

// Parse extracts, decodes and validates a PlanningOutput from free-form
// completion content. It is pure: no I/O, no retries.
func (p *Parser) Parse(content string) ParseResult {
	candidate := ExtractJSON(content)

	decoded, err := decodeObject(candidate)
	if err != nil {
		return ParseResult{OK: false, Err: err, Raw: truncateRaw(content)}
	}

	output, err := validateShape(decoded)
	if err != nil {
		return ParseResult{OK: false, Err: err, Raw: truncateRaw(content)}
	}

	warnings, err := validateStructure(output)
	if err != nil {
		return ParseResult{OK: false, Err: err, Raw: truncateRaw(content)}
	}
	for _, w := range warnings {
		p.logger.Warn("%s", w)
	}

	return ParseResult{OK: true, Data: output, Warnings: warnings}
}

var (
	fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?)```")
	looseObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// ExtractJSON locates the most plausible JSON object inside content. The
// strategies run in order; the first hit wins:
//  1. a fenced code block whose inner text begins with "{"
//  2. a balanced-brace scan from the first "{", honoring strings and escapes
//  3. the first greedy {...} regex match
//  4. the trimmed original content
func ExtractJSON(content string) string {
	if m := fencedBlockPattern.FindStringSubmatch(content); m != nil {
		inner := strings.TrimSpace(m[1])
		if strings.HasPrefix(inner, "{") {
			return inner
		}
	}

	if span, ok := balancedBraceSpan(content); ok {
		return span
	}

	if m := looseObjectPattern.FindString(content); m != "" {
		return m
	}

	return strings.TrimSpace(content)
}

// balancedBraceSpan scans from the first "{" tracking brace depth, skipping
// the contents of string literals and their escape sequences.
func balancedBraceSpan(content string) (string, bool) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}
	return "", false
}

// decodeObject unmarshals candidate into a generic object, attempting a
// repair pass on malformed JSON before giving up.
func decodeObject(candidate string) (map[string]any, error) {
	var decoded any
	if err := json.Unmarshal([]byte(candidate), &decoded); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr != nil {
			return nil, &ParseError{Message: fmt.Sprintf("invalid JSON: %v", err)}
		}
		if err := json.Unmarshal([]byte(repaired), &decoded); err != nil {
			return nil, &ParseError{Message: fmt.Sprintf("invalid JSON after repair: %v", err)}
		}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ParseError{Message: "top-level value must be an object"}
	}
	return obj, nil
}

func validateShape(m map[string]any) (*PlanningOutput, error) {
	out := &PlanningOutput{}

	reasoning, err := requireString(m, "reasoning")
	if err != nil {
		return nil, err
	}
	out.Reasoning = reasoning

	total, err := requireNumber(m, "estimatedTotalMinutes")
	if err != nil {
		return nil, err
	}
	if total < 0 {
		return nil, &ParseError{Field: "estimatedTotalMinutes", Message: "must be >= 0"}
	}
	out.EstimatedTotalMinutes = total

	score, err := requireNumber(m, "complexityScore")
	if err != nil {
		return nil, err
	}
	if score < 1 || score > 10 {
		return nil, &ParseError{Field: "complexityScore", Message: "must be in [1, 10]"}
	}
	out.ComplexityScore = score

	rawSubtasks, err := requireArray(m, "subtasks")
	if err != nil {
		return nil, err
	}
	for i, raw := range rawSubtasks {
		path := fmt.Sprintf("subtasks[%d]", i)
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, &ParseError{Field: path, Message: "must be an object"}
		}
		st, err := validateSubtask(obj, path)
		if err != nil {
			return nil, err
		}
		out.Subtasks = append(out.Subtasks, st)
	}

	planObj, err := requireObject(m, "executionPlan")
	if err != nil {
		return nil, err
	}
	isParallel, err := requireBool(planObj, "executionPlan.isParallel", "isParallel")
	if err != nil {
		return nil, err
	}
	out.ExecutionPlan.IsParallel = isParallel

	rawSteps, ok := planObj["steps"].([]any)
	if !ok {
		return nil, &ParseError{Field: "executionPlan.steps", Message: "must be an array"}
	}
	for i, raw := range rawSteps {
		path := fmt.Sprintf("executionPlan.steps[%d]", i)
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, &ParseError{Field: path, Message: "must be an object"}
		}
		step, err := validateStep(obj, path)
		if err != nil {
			return nil, err
		}
		out.ExecutionPlan.Steps = append(out.ExecutionPlan.Steps, step)
	}

	return out, nil
}

func validateSubtask(m map[string]any, path string) (PlanningSubtask, error) {
	var st PlanningSubtask

	id, ok := m["id"].(string)
	if !ok || id == "" {
		return st, &ParseError{Field: path + ".id", Message: "must be a non-empty string"}
	}
	st.ID = id

	objective, ok := m["objective"].(string)
	if !ok || objective == "" {
		return st, &ParseError{Field: path + ".objective", Message: "must be a non-empty string"}
	}
	st.Objective = objective

	constraints, err := stringArray(m, "constraints", path+".constraints")
	if err != nil {
		return st, err
	}
	st.Constraints = constraints

	minutes, ok := m["estimatedMinutes"].(float64)
	if !ok || minutes < 0 {
		return st, &ParseError{Field: path + ".estimatedMinutes", Message: "must be a number >= 0"}
	}
	st.EstimatedMinutes = minutes

	deps, err := stringArray(m, "dependencies", path+".dependencies")
	if err != nil {
		return st, err
	}
	st.Dependencies = deps

	return st, nil
}

func validateStep(m map[string]any, path string) (task.ExecutionStep, error) {
	var step task.ExecutionStep

	order, ok := m["order"].(float64)
	if !ok || order < 1 || order != math.Trunc(order) {
		return step, &ParseError{Field: path + ".order", Message: "must be an integer >= 1"}
	}
	step.Order = int(order)

	ids, err := stringArray(m, "subtaskIds", path+".subtaskIds")
	if err != nil {
		return step, err
	}
	if len(ids) == 0 {
		return step, &ParseError{Field: path + ".subtaskIds", Message: "must be a non-empty string array"}
	}
	step.SubtaskIDs = ids

	parallel, ok := m["parallel"].(bool)
	if !ok {
		return step, &ParseError{Field: path + ".parallel", Message: "must be a boolean"}
	}
	step.Parallel = parallel

	return step, nil
}

// validateStructure enforces the referential invariants: all referenced ids
// exist, no self-dependencies, the dependency graph is acyclic, and no id
// appears in more than one step. Returns non-fatal warnings.
func validateStructure(out *PlanningOutput) ([]string, error) {
	known := make(map[string]bool, len(out.Subtasks))
	for _, st := range out.Subtasks {
		known[st.ID] = true
	}

	for i, st := range out.Subtasks {
		for _, dep := range st.Dependencies {
			if dep == st.ID {
				return nil, &ParseError{
					Field:   fmt.Sprintf("subtasks[%d].dependencies", i),
					Message: fmt.Sprintf("subtask %q depends on itself", st.ID),
				}
			}
			if !known[dep] {
				return nil, &ParseError{
					Field:   fmt.Sprintf("subtasks[%d].dependencies", i),
					Message: fmt.Sprintf("unknown subtask id %q", dep),
				}
			}
		}
	}

	if cycle := findCycle(out.Subtasks); cycle != nil {
		return nil, &ParseError{
			Field:   "subtasks",
			Message: "Circular dependency detected: " + strings.Join(cycle, " -> "),
		}
	}

	seenInStep := make(map[string]int)
	for i, step := range out.ExecutionPlan.Steps {
		for _, sid := range step.SubtaskIDs {
			if !known[sid] {
				return nil, &ParseError{
					Field:   fmt.Sprintf("executionPlan.steps[%d].subtaskIds", i),
					Message: fmt.Sprintf("unknown subtask id %q", sid),
				}
			}
			if prev, dup := seenInStep[sid]; dup {
				return nil, &ParseError{
					Field:   fmt.Sprintf("executionPlan.steps[%d].subtaskIds", i),
					Message: fmt.Sprintf("subtask %q already appears in step %d", sid, prev+1),
				}
			}
			seenInStep[sid] = i
		}
	}

	var warnings []string
	if out.EstimatedTotalMinutes > 0 {
		var sum float64
		for _, st := range out.Subtasks {
			sum += st.EstimatedMinutes
		}
		if math.Abs(sum-out.EstimatedTotalMinutes) > 0.5*out.EstimatedTotalMinutes {
			warnings = append(warnings, fmt.Sprintf(
				"subtask minutes sum %.1f deviates from estimatedTotalMinutes %.1f by more than 50%%",
				sum, out.EstimatedTotalMinutes))
		}
	}

	return warnings, nil
}

// findCycle runs a grey/black DFS over the dependency graph. A grey revisit
// signals a cycle; the returned slice is the cycle path for diagnostics.
func findCycle(subtasks []PlanningSubtask) []string {
	deps := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		deps[st.ID] = st.Dependencies
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(subtasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				// slice the stack back to the first occurrence of dep
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
				return []string{id, dep, id}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, st := range subtasks {
		if color[st.ID] == white {
			if cycle := visit(st.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func requireString(m map[string]any, field string) (string, error) {
	v, ok := m[field].(string)
	if !ok {
		return "", &ParseError{Field: field, Message: "must be a string"}
	}
	return v, nil
}

func requireNumber(m map[string]any, field string) (float64, error) {
	v, ok := m[field].(float64)
	if !ok {
		return 0, &ParseError{Field: field, Message: "must be a number"}
	}
	return v, nil
}

func requireArray(m map[string]any, field string) ([]any, error) {
	v, ok := m[field].([]any)
	if !ok {
		return nil, &ParseError{Field: field, Message: "must be an array"}
	}
	return v, nil
}

func requireObject(m map[string]any, field string) (map[string]any, error) {
	v, ok := m[field].(map[string]any)
	if !ok {
		return nil, &ParseError{Field: field, Message: "must be an object"}
	}
	return v, nil
}

func requireBool(m map[string]any, path, field string) (bool, error) {
	v, ok := m[field].(bool)
	if !ok {
		return false, &ParseError{Field: path, Message: "must be a boolean"}
	}
	return v, nil
}

func stringArray(m map[string]any, field, path string) ([]string, error) {
	raw, ok := m[field].([]any)
	if !ok {
		return nil, &ParseError{Field: path, Message: "must be a string array"}
	}
	out := make([]string, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, &ParseError{Field: fmt.Sprintf("%s[%d]", path, i), Message: "must be a string"}
		}
		out = append(out, s)
	}
	return out, nil
}

func truncateRaw(s string) string {
	if len(s) <= rawPreviewLimit {
		return s
	}
	return s[:rawPreviewLimit] + "... (truncated)"
}
