// Package eval runs Go source snippets inside a restricted yaegi interpreter.
//
// Each Evaluator owns one interpreter. Only an allow list of stdlib packages is
// loaded, plus the caller's bindings, which are exposed as package "fleet" and
// imported up front so snippets can reference them directly:
//
//	fleet.Cluster.ID
//	len(fleet.Supervisor.Clusters())
package eval

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"shardfleet/internal/logging"
)

// ErrForbiddenImport is returned when a snippet imports a package outside the
// allow list.
var ErrForbiddenImport = errors.New("eval: forbidden import")

// BindingsPackage is the import path the caller's bindings are exported under.
const BindingsPackage = "fleet"

// DefaultAllowedPackages are the stdlib packages loaded into every interpreter.
var DefaultAllowedPackages = []string{
	"bytes",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"runtime",
	"sort",
	"strconv",
	"strings",
	"time",
}

// Evaluations slower than this are logged at warn level.
const defaultSlowEval = 2 * time.Second

// Bindings maps exported names (must start with an upper-case letter) to the
// values snippets can reach through package fleet.
type Bindings map[string]any

// Evaluator evaluates snippets one at a time.
type Evaluator struct {
	mu      sync.Mutex
	interp  *interp.Interpreter
	allowed map[string]bool
	initErr error
}

// Option configures an Evaluator.
type Option func(*options)

type options struct {
	allowed []string
}

// WithAllowedPackages replaces the stdlib allow list.
func WithAllowedPackages(pkgs ...string) Option {
	return func(o *options) {
		o.allowed = pkgs
	}
}

// New builds an Evaluator with the given bindings. Setup failures are kept and
// reported by every later Eval.
func New(bindings Bindings, opts ...Option) *Evaluator {
	o := options{allowed: DefaultAllowedPackages}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Evaluator{allowed: make(map[string]bool, len(o.allowed)+1)}
	for _, pkg := range o.allowed {
		e.allowed[pkg] = true
	}
	e.allowed[BindingsPackage] = true

	e.interp, e.initErr = e.newInterpreter(bindings)
	if e.initErr != nil {
		logging.Get(logging.CategoryEval).Error("interpreter setup failed: %v", e.initErr)
	}
	return e
}

func (e *Evaluator) newInterpreter(bindings Bindings) (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})

	symbols := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		if e.allowed[importPath(key)] {
			symbols[key] = syms
		}
	}
	if err := i.Use(symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}

	exported := map[string]reflect.Value{
		"HeapAlloc": reflect.ValueOf(HeapAlloc),
	}
	for name, v := range bindings {
		rv := reflect.ValueOf(v)
		// yaegi reads a nil pointer as a type export.
		if !rv.IsValid() || (rv.Kind() == reflect.Ptr && rv.IsNil()) {
			continue
		}
		exported[name] = rv
	}
	if err := i.Use(interp.Exports{BindingsPackage + "/" + BindingsPackage: exported}); err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}

	if _, err := i.Eval(fmt.Sprintf("import %q", BindingsPackage)); err != nil {
		return nil, fmt.Errorf("failed to import bindings: %w", err)
	}
	return i, nil
}

// HeapAlloc reports the bytes of allocated heap objects in this process. It
// is bound into every interpreter as fleet.HeapAlloc.
func HeapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// importPath strips the trailing package name from a yaegi symbol key
// ("encoding/json/json" -> "encoding/json").
func importPath(key string) string {
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		return key[:idx]
	}
	return key
}

// Eval evaluates code and returns the value of its last expression, or nil if
// it has none.
func (e *Evaluator) Eval(ctx context.Context, code string) (result any, err error) {
	if e.initErr != nil {
		return nil, e.initErr
	}
	if err := e.validateImports(code); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	timer := logging.StartTimer(logging.CategoryEval, "Eval")
	defer timer.StopWithThreshold(defaultSlowEval)

	v, err := e.interp.EvalWithContext(ctx, code)
	if err != nil {
		return nil, err
	}
	if !v.IsValid() || !v.CanInterface() {
		return nil, nil
	}
	return v.Interface(), nil
}

// Output is Eval with failures folded into their description text. This is
// the shape eval replies travel in: there is no separate success flag.
func (e *Evaluator) Output(ctx context.Context, code string) any {
	out, err := e.Eval(ctx, code)
	if err != nil {
		logging.EvalDebug("eval failed: %v", err)
		return err.Error()
	}
	return out
}

// validateImports rejects import declarations naming packages outside the
// allow list.
func (e *Evaluator) validateImports(code string) error {
	var forbidden []string
	for _, pkg := range parseImports(code) {
		if !e.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("%w: %v (allowed: %v)", ErrForbiddenImport, forbidden, e.allowedList())
	}
	return nil
}

func (e *Evaluator) allowedList() []string {
	pkgs := make([]string, 0, len(e.allowed))
	for pkg := range e.allowed {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// parseImports extracts import paths from single-line and block imports.
func parseImports(code string) []string {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
			continue
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
			continue
		case inBlock:
			if pkg := quotedPath(trimmed); pkg != "" {
				imports = append(imports, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := quotedPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" {
				imports = append(imports, pkg)
			}
		}
	}
	return imports
}

// quotedPath returns the quoted path in an import spec, skipping any alias.
func quotedPath(spec string) string {
	start := strings.IndexByte(spec, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(spec[start+1:], '"')
	if end < 0 {
		return ""
	}
	return spec[start+1 : start+1+end]
}
