package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"knowgraph/internal/bus"
	"knowgraph/internal/errs"
)

// Agent topics answered by the in-process services. Each built-in action is
// a request/response call on the bus to one of these.
const (
	TopicIngestDocument  = "agent.ingest_document"
	TopicExtractEntities = "agent.extract_entities"
	TopicCreateLinks     = "agent.create_links"
	TopicGenerateSummary = "agent.generate_summary"
	TopicAnswerQuestion  = "agent.answer_question"
	TopicSearchKnowledge = "agent.search_knowledge"
)

// RegisterBuiltins installs the built-in action handlers: the six
// bus-backed agent actions plus wait and condition.
func RegisterBuiltins(e *Engine, b *bus.Bus) {
	agents := map[string]string{
		"ingest_document":  TopicIngestDocument,
		"extract_entities": TopicExtractEntities,
		"create_links":     TopicCreateLinks,
		"generate_summary": TopicGenerateSummary,
		"answer_question":  TopicAnswerQuestion,
		"search_knowledge": TopicSearchKnowledge,
	}
	for action, topic := range agents {
		e.Register(action, busAction(b, topic))
	}
	e.Register("wait", waitAction)
	e.Register("condition", conditionAction)
}

// busAction builds a handler that forwards the step params as a request on
// topic and treats the correlated response as the step result.
func busAction(b *bus.Bus, topic string) Handler {
	return func(ctx context.Context, w *Workflow, s *Step) (Result, error) {
		timeout := 30 * time.Second
		if s.TimeoutSeconds > 0 {
			timeout = time.Duration(s.TimeoutSeconds) * time.Second
		}
		payload := make(map[string]any, len(s.Params)+1)
		for k, v := range s.Params {
			payload[k] = v
		}
		payload["workflow_id"] = w.ID

		resp, err := b.Request(ctx, topic, payload, timeout)
		if err != nil {
			return Result{}, err
		}
		if ok, exists := resp["success"].(bool); exists && !ok {
			msg, _ := resp["error"].(string)
			return Result{}, errs.Wrap(errs.KindDependency, fmt.Sprintf("agent %s failed: %s", topic, msg), nil)
		}
		cx, _ := resp["context"].(map[string]any)
		if cx == nil {
			cx = resp
		}
		return Result{Success: true, Context: cx}, nil
	}
}

// waitAction sleeps for params["duration"] seconds, respecting the step
// deadline.
func waitAction(ctx context.Context, w *Workflow, s *Step) (Result, error) {
	d := paramFloat(s.Params, "duration", 1)
	t := time.NewTimer(time.Duration(d * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return Result{Success: true}, nil
	case <-ctx.Done():
		return Result{}, errs.Wrap(errs.KindCancelled, "wait interrupted", ctx.Err())
	}
}

// conditionAction substitutes ${var} references from the workflow context
// into params["condition"], evaluates the boolean expression, and records
// the outcome plus the chosen action in the result context.
func conditionAction(ctx context.Context, w *Workflow, s *Step) (Result, error) {
	cond, _ := s.Params["condition"].(string)
	if cond == "" {
		return Result{}, errs.Wrap(errs.KindInvalidInput, "condition action needs a condition string", nil)
	}
	expanded := substituteVars(cond, w.Context)
	outcome, err := evalCondition(expanded)
	if err != nil {
		return Result{}, err
	}
	chosen, _ := s.Params["true_action"].(string)
	if !outcome {
		chosen, _ = s.Params["false_action"].(string)
	}
	return Result{Success: true, Context: map[string]any{
		"condition":        expanded,
		"condition_result": outcome,
		"chosen_action":    chosen,
	}}, nil
}

// substituteVars replaces ${name} references with the stringified context
// value; unknown names substitute to the empty string.
func substituteVars(s string, vars map[string]any) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.Index(s[i:], "}")
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+j]
		if v, ok := vars[name]; ok {
			b.WriteString(fmt.Sprintf("%v", v))
		}
		s = s[i+j+1:]
	}
	return b.String()
}

// evalCondition evaluates a small boolean expression language: a literal
// true/false, or a binary comparison (==, !=, <=, >=, <, >) over numbers or
// strings. It deliberately supports nothing more.
func evalCondition(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	switch strings.ToLower(expr) {
	case "true":
		return true, nil
	case "false", "":
		return false, nil
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		i := strings.Index(expr, op)
		if i < 0 {
			continue
		}
		lhs := strings.TrimSpace(expr[:i])
		rhs := strings.TrimSpace(expr[i+len(op):])
		return compare(lhs, rhs, op)
	}
	return false, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("cannot evaluate condition %q", expr), nil)
}

func compare(lhs, rhs, op string) (bool, error) {
	ln, lerr := strconv.ParseFloat(lhs, 64)
	rn, rerr := strconv.ParseFloat(rhs, 64)
	if lerr == nil && rerr == nil {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}
	ls := strings.Trim(lhs, `"'`)
	rs := strings.Trim(rhs, `"'`)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, errs.Wrap(errs.KindInvalidInput, fmt.Sprintf("unknown operator %q", op), nil)
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
