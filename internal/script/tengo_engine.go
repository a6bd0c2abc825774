package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	"github.com/nfrund/fanout/internal/pubsub"
)

// Variables shared between the host and a processor script.
const (
	varMessage = "message"
	varDrop    = "drop"
	varLog     = "log"
)

// program is a compiled processor script. Each run works on a clone, so a
// program can serve concurrent messages.
type program struct {
	path     string
	compiled *tengo.Compiled
	limits   Limits
}

// compile prepares src for repeated execution. The host variables are
// declared up front so the script can refer to them.
func compile(path string, src []byte, limits Limits, logger *slog.Logger) (*program, error) {
	s := tengo.NewScript(src)
	s.SetImports(stdlib.GetModuleMap(limits.AllowedPackages...))
	s.SetMaxAllocs(limits.MaxAllocs)

	if err := s.Add(varMessage, map[string]interface{}{}); err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, path, "declare message", err)
	}
	if err := s.Add(varDrop, false); err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, path, "declare drop", err)
	}
	if err := s.Add(varLog, logFunction(path, logger)); err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, path, "declare log", err)
	}

	compiled, err := s.Compile()
	if err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, path, "failed to compile script", err)
	}
	return &program{path: path, compiled: compiled, limits: limits}, nil
}

// run executes the program against msg. A nil result means the script
// dropped the message.
func (p *program) run(ctx context.Context, msg *pubsub.Message) (*pubsub.Message, error) {
	c := p.compiled.Clone()

	attrs := make(map[string]interface{}, len(msg.Attributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	in := map[string]interface{}{
		"id":         msg.ID,
		"topic":      msg.Topic,
		"data":       string(msg.Data),
		"attributes": attrs,
	}
	if err := c.Set(varMessage, in); err != nil {
		return nil, NewScriptError(ErrorTypeExecution, p.path, "set message", err)
	}
	if err := c.Set(varDrop, false); err != nil {
		return nil, NewScriptError(ErrorTypeExecution, p.path, "set drop", err)
	}

	runCtx := ctx
	if p.limits.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.limits.MaxExecutionTime)
		defer cancel()
	}
	if err := c.RunContext(runCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewScriptError(ErrorTypeTimeout, p.path, "script execution timed out", err)
		}
		return nil, NewScriptError(ErrorTypeExecution, p.path, "script execution failed", err)
	}

	if c.Get(varDrop).Bool() {
		return nil, nil
	}
	return p.result(msg, c.Get(varMessage).Value())
}

// result builds the outgoing message from what the script left in "message".
func (p *program) result(msg *pubsub.Message, v interface{}) (*pubsub.Message, error) {
	if v == nil {
		return nil, nil
	}
	out, ok := v.(map[string]interface{})
	if !ok {
		return nil, NewScriptError(ErrorTypeResult, p.path, fmt.Sprintf("message must be a map, got %T", v), nil)
	}

	next := msg.Clone()
	switch data := out["data"].(type) {
	case string:
		next.Data = []byte(data)
	case []byte:
		next.Data = data
	case nil:
		next.Data = nil
	default:
		return nil, NewScriptError(ErrorTypeResult, p.path, fmt.Sprintf("message.data must be a string, got %T", data), nil)
	}

	if raw, ok := out["attributes"]; ok {
		attrs, ok := raw.(map[string]interface{})
		if !ok {
			return nil, NewScriptError(ErrorTypeResult, p.path, fmt.Sprintf("message.attributes must be a map, got %T", raw), nil)
		}
		next.Attributes = make(map[string]string, len(attrs))
		for k, val := range attrs {
			if s, ok := val.(string); ok {
				next.Attributes[k] = s
			} else {
				next.Attributes[k] = fmt.Sprint(val)
			}
		}
	}
	return next, nil
}

// logFunction exposes log(msg) to scripts.
func logFunction(path string, logger *slog.Logger) *tengo.UserFunction {
	return &tengo.UserFunction{
		Name: varLog,
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			msg, ok := tengo.ToString(args[0])
			if !ok {
				msg = args[0].String()
			}
			logger.Info("Script log", "message", msg, "script", path)
			return tengo.UndefinedValue, nil
		},
	}
}
