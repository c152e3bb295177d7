// internal/controller/controller.go
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/urlmatch"
)

// SecretResolver fills sensitive placeholders into action arguments at the
// last moment before they reach the browser. The second return value lists
// placeholders that could not be resolved on the current page.
type SecretResolver interface {
	Resolve(text, pageURL string) (string, []string)
}

// ExecutionContext is handed to every handler invocation. It carries the
// collaborators an action may touch; handlers must not reach for anything
// else.
type ExecutionContext struct {
	Environment schemas.EnvironmentController
	// Secrets resolves `<secret>key</secret>` tokens in string arguments.
	// Nil means no sensitive data is configured.
	Secrets SecretResolver
	// PageURL is the page the action runs against, used to scope secrets.
	PageURL string
	// FilePaths lists the files this task is allowed to reference.
	FilePaths []string
}

// HandlerFunc executes one action whose arguments already passed schema
// validation. Returning an error marks the action failed without ending the
// run.
type HandlerFunc func(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error)

// PageFilter decides whether an action applies to the observed page.
type PageFilter func(snapshot *schemas.BrowserStateSnapshot) bool

// ActionDefinition describes one action the model may choose. Definitions are
// immutable after registration except for the enabled toggle.
type ActionDefinition struct {
	Name string
	// Description is surfaced to the model and should say when to use the
	// action, not how it is implemented.
	Description string
	// Schema validates the raw arguments before the handler runs.
	Schema *schemas.JSONSchema
	// Domains restricts the action to pages whose host matches one of the
	// glob patterns, e.g. "*.example.com". Empty means always available.
	Domains []string
	// Filter restricts the action to pages accepted by the predicate. Nil
	// means always available.
	Filter  PageFilter
	Handler HandlerFunc

	enabled bool
}

// Registry is the catalogue of actions offered to the model each step and
// the safe dispatcher for the actions it picks.
type Registry struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	actions map[string]*ActionDefinition
	// order preserves registration order so listings are stable.
	order []string
}

// NewRegistry creates a registry preloaded with the built-in browser actions.
// Registering an action under an existing name, "done" included, replaces it.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:  logger.Named("controller"),
		actions: make(map[string]*ActionDefinition),
	}
	registerBuiltins(r)
	return r
}

// Register adds an action to the catalogue. A name collision overwrites the
// previous definition and keeps its position in listings.
func (r *Registry) Register(def ActionDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("action name must not be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("action %q has no handler", def.Name)
	}

	def.enabled = true

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[def.Name]; exists {
		r.logger.Debug("Overriding registered action", zap.String("action", def.Name))
	} else {
		r.order = append(r.order, def.Name)
	}
	r.actions[def.Name] = &def
	return nil
}

// mustRegister is for built-in definitions, which are correct by
// construction.
func (r *Registry) mustRegister(def ActionDefinition) {
	if err := r.Register(def); err != nil {
		panic(fmt.Sprintf("invalid built-in action %q: %v", def.Name, err))
	}
}

// SetEnabled toggles an action without removing it from the catalogue.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.actions[name]
	if !ok {
		return fmt.Errorf("action %q is not registered", name)
	}
	def.enabled = enabled
	return nil
}

// Available returns the actions usable on the observed page, in registration
// order. This subset is what the structured-output schema offers the model,
// which is how cross-context actions are kept out of reach. A nil snapshot
// stands for "no page yet" and only unrestricted actions pass.
func (r *Registry) Available(snapshot *schemas.BrowserStateSnapshot) []ActionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ActionDefinition, 0, len(r.order))
	for _, name := range r.order {
		def := r.actions[name]
		if !def.enabled {
			continue
		}
		if len(def.Domains) > 0 {
			if snapshot == nil || !urlmatch.MatchesAny(def.Domains, snapshot.URL) {
				continue
			}
		}
		if def.Filter != nil {
			if snapshot == nil || !def.Filter(snapshot) {
				continue
			}
		}
		out = append(out, *def)
	}
	return out
}

// Execute validates and runs one requested action. The returned result is
// never nil and carries any failure in its Error field; the error return
// mirrors it with a typed value for callers that want to distinguish
// validation failures from handler failures.
func (r *Registry) Execute(ctx context.Context, call schemas.ActionCall, ec *ExecutionContext) (result *schemas.ActionResult, err error) {
	r.mu.RLock()
	def, ok := r.actions[call.Name]
	r.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("action %q is not registered", call.Name)
		return &schemas.ActionResult{Error: err.Error()}, err
	}
	if !def.enabled {
		err = fmt.Errorf("action %q is disabled", call.Name)
		return &schemas.ActionResult{Error: err.Error()}, err
	}

	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	if def.Schema != nil {
		if verr := def.Schema.Validate(args); verr != nil {
			vErr := &ValidationError{Action: call.Name, Err: verr}
			r.logger.Warn("Action arguments failed validation",
				zap.String("action", call.Name),
				zap.Error(verr),
			)
			return &schemas.ActionResult{Error: vErr.Error()}, vErr
		}
	}

	args = r.resolveSecrets(args, ec)

	// A panicking handler becomes a failed result, not a crashed run.
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Action handler panicked",
				zap.String("action", call.Name),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			err = &ExecutionError{Action: call.Name, Err: fmt.Errorf("handler panicked: %v", rec)}
			result = &schemas.ActionResult{Error: err.Error()}
		}
	}()

	res, herr := def.Handler(ctx, args, ec)
	if herr != nil {
		err = &ExecutionError{Action: call.Name, Err: herr}
		return &schemas.ActionResult{Error: err.Error()}, err
	}
	if res == nil {
		res = &schemas.ActionResult{}
	}
	return res, nil
}

// ExecuteAll runs the model's requested actions strictly in order. Execution
// stops at the first result that is done or failed; the remaining requests
// are discarded, not deferred, because they were chosen against a page state
// that no longer holds.
func (r *Registry) ExecuteAll(ctx context.Context, calls []schemas.ActionCall, ec *ExecutionContext) []schemas.ActionResult {
	results := make([]schemas.ActionResult, 0, len(calls))
	for i, call := range calls {
		res, _ := r.Execute(ctx, call, ec)
		results = append(results, *res)

		if res.IsDone || res.Error != "" {
			if skipped := len(calls) - i - 1; skipped > 0 {
				r.logger.Debug("Discarding remaining actions of this step",
					zap.String("action", call.Name),
					zap.Bool("done", res.IsDone),
					zap.Int("skipped", skipped),
				)
			}
			break
		}
	}
	return results
}

// resolveSecrets walks the argument tree and substitutes placeholder tokens
// in string leaves. Validation already passed, so the arguments are known to
// be well-formed JSON.
func (r *Registry) resolveSecrets(args json.RawMessage, ec *ExecutionContext) json.RawMessage {
	if ec == nil || ec.Secrets == nil || !bytes.Contains(args, []byte("<secret>")) {
		return args
	}

	var tree any
	if err := jsoniter.Unmarshal(args, &tree); err != nil {
		return args
	}

	var missing []string
	tree = resolveNode(tree, ec, &missing)
	if len(missing) > 0 {
		r.logger.Warn("Sensitive placeholders not available on this page",
			zap.Strings("keys", missing),
			zap.String("page_url", ec.PageURL),
		)
	}

	resolved, err := jsoniter.Marshal(tree)
	if err != nil {
		return args
	}
	return resolved
}

func resolveNode(v any, ec *ExecutionContext, missing *[]string) any {
	switch node := v.(type) {
	case string:
		resolved, miss := ec.Secrets.Resolve(node, ec.PageURL)
		*missing = append(*missing, miss...)
		return resolved
	case map[string]any:
		for k, child := range node {
			node[k] = resolveNode(child, ec, missing)
		}
		return node
	case []any:
		for i, child := range node {
			node[i] = resolveNode(child, ec, missing)
		}
		return node
	default:
		return v
	}
}
