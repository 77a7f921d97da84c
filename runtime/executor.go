package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"
)

// EntrypointName is the global function every skill script must define. It
// receives the decoded JSON input and returns the result value.
const EntrypointName = "handle"

var (
	// ErrCompile wraps syntax and load failures of a skill script.
	ErrCompile = errors.New("script compile error")
	// ErrNoEntrypoint is returned when a script defines no handle function.
	ErrNoEntrypoint = errors.New("script defines no handle function")
	// ErrScriptRuntime wraps runtime failures inside a skill script.
	ErrScriptRuntime = errors.New("script runtime error")
)

// ExecutorConfig bounds a single script invocation.
type ExecutorConfig struct {
	// CallTimeout caps one invocation end to end.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// DefaultExecutorConfig returns the defaults used by the runtime and the
// compile/fixture check.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{CallTimeout: 5 * time.Second}
}

// Executor compiles and runs skill scripts in isolated Lua states. Each call
// gets a fresh state, so scripts cannot leak state across invocations.
type Executor struct {
	config ExecutorConfig
	logger *zap.Logger
}

// NewExecutor creates a script executor.
func NewExecutor(config ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultExecutorConfig().CallTimeout
	}
	return &Executor{
		config: config,
		logger: logger.With(zap.String("component", "script_executor")),
	}
}

// Compile parses and compiles a script without executing it. It is the fast,
// offline half of the candidate gate.
func (e *Executor) Compile(source []byte) error {
	name := "skill"
	chunk, err := parse.Parse(strings.NewReader(string(source)), name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompile, err)
	}
	if _, err := lua.Compile(chunk, name); err != nil {
		return fmt.Errorf("%w: %v", ErrCompile, err)
	}
	return nil
}

// Execute runs a script's handle function against a JSON input and returns
// the JSON-encoded result. The script body runs first (to define handle and
// any helpers), then the entrypoint is called once.
func (e *Executor) Execute(ctx context.Context, source []byte, input json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	if err := L.DoString(string(source)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}

	fn := L.GetGlobal(EntrypointName)
	if fn.Type() != lua.LTFunction {
		return nil, ErrNoEntrypoint
	}

	arg, err := decodeJSONToLua(L, input)
	if err != nil {
		return nil, err
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, arg); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrScriptRuntime, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrScriptRuntime, err)
	}

	result := L.Get(-1)
	L.Pop(1)

	return encodeLuaToJSON(result)
}
