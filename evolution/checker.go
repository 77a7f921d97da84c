package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BaSui01/skillforge/runtime"
	"go.uber.org/zap"
)

// Fixture is one recorded input/output example a candidate must reproduce.
type Fixture struct {
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	Expected json.RawMessage `json:"expected"`
}

// FixtureStore loads per-skill fixture sets from a directory, one
// <skill>.json file holding a fixture array.
type FixtureStore struct {
	baseDir string
}

// NewFixtureStore creates the fixture directory if needed.
func NewFixtureStore(baseDir string) (*FixtureStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fixture directory: %w", err)
	}
	return &FixtureStore{baseDir: baseDir}, nil
}

// Load returns the fixtures for a skill. A skill without a fixture file has
// an empty set; the candidate then only has to compile.
func (s *FixtureStore) Load(skillName string) ([]Fixture, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, skillName+".json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}

	var fixtures []Fixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	return fixtures, nil
}

// Save persists a skill's fixture set atomically.
func (s *FixtureStore) Save(skillName string, fixtures []Fixture) error {
	data, err := json.MarshalIndent(fixtures, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fixtures: %w", err)
	}
	path := filepath.Join(s.baseDir, skillName+".json")
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write fixtures: %w", err)
	}
	return os.Rename(tempPath, path)
}

// CompileChecker is the single local gate every candidate passes before
// deployment: the script must compile and reproduce its fixtures. It calls
// no network and no LLM, so it is cheap enough to run on every candidate.
type CompileChecker struct {
	exec   *runtime.Executor
	logger *zap.Logger
}

// NewCompileChecker creates a checker backed by the script executor.
func NewCompileChecker(exec *runtime.Executor, logger *zap.Logger) *CompileChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompileChecker{
		exec:   exec,
		logger: logger.With(zap.String("component", "compile_checker")),
	}
}

// Check compiles the candidate and runs it against the fixtures. Any
// compile error or fixture mismatch fails the result with diagnostics.
func (c *CompileChecker) Check(ctx context.Context, source []byte, fixtures []Fixture) CompileResult {
	result := CompileResult{CheckedAt: time.Now()}

	if err := c.exec.Compile(source); err != nil {
		result.Diagnostics = err.Error()
		return result
	}

	var diags []string
	for _, fixture := range fixtures {
		output, err := c.exec.Execute(ctx, source, fixture.Input)
		if err != nil {
			diags = append(diags, fmt.Sprintf("fixture %q: execution failed: %v", fixture.Name, err))
			continue
		}
		equal, err := jsonEqual(output, fixture.Expected)
		if err != nil {
			diags = append(diags, fmt.Sprintf("fixture %q: %v", fixture.Name, err))
			continue
		}
		if !equal {
			diags = append(diags, fmt.Sprintf("fixture %q: got %s, want %s", fixture.Name, output, fixture.Expected))
		}
	}

	if len(diags) > 0 {
		result.Diagnostics = strings.Join(diags, "\n")
		return result
	}

	result.Passed = true
	return result
}

// jsonEqual compares two JSON documents structurally, ignoring key order
// and whitespace.
func jsonEqual(a, b json.RawMessage) (bool, error) {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false, fmt.Errorf("invalid actual JSON: %w", err)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false, fmt.Errorf("invalid expected JSON: %w", err)
	}
	return reflect.DeepEqual(av, bv), nil
}
