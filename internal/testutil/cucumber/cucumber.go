package cucumber

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
)

// StepModules holds every step registration function. Step files append to
// it from init().
var StepModules []func(ctx *godog.ScenarioContext, s *TestScenario)

func DefaultOptions() godog.Options {
	return godog.Options{
		Output:      colors.Colored(os.Stdout),
		Format:      "progress",
		Paths:       []string{"features"},
		Randomize:   time.Now().UTC().UnixNano(),
		Concurrency: 1,
	}
}

// ApplyReportOptions configures junit XML output when GODOG_REPORT_DIR is set.
// The returned function closes the report file.
func ApplyReportOptions(opts *godog.Options, testName string) func() {
	reportDir := os.Getenv("GODOG_REPORT_DIR")
	if reportDir == "" {
		return func() {}
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return func() {}
	}
	f, err := os.Create(filepath.Join(reportDir, strings.ReplaceAll(testName, "/", "-")+".xml"))
	if err != nil {
		return func() {}
	}
	opts.Output = f
	opts.Format = "junit"
	return func() { _ = f.Close() }
}

// TestSuite holds state shared by every scenario of one godog run.
type TestSuite struct {
	APIURL     string
	UserHeader string
	TestingT   *testing.T
	Client     *http.Client
	// Reset runs before each scenario to wipe backend state.
	Reset func(ctx context.Context) error
	Extra map[string]any
}

func NewTestSuite() *TestSuite {
	return &TestSuite{
		APIURL:     "http://localhost:8080",
		UserHeader: "X-User-ID",
		Client:     &http.Client{Timeout: 30 * time.Second},
		Extra:      map[string]any{},
	}
}

// TestScenario holds state for a single scenario. Not accessed concurrently.
type TestScenario struct {
	Suite       *TestSuite
	CurrentUser string
	Variables   map[string]any

	resp     *http.Response
	respBody []byte
}

func (s *TestScenario) Logf(format string, args ...any) {
	s.Suite.TestingT.Logf(format, args...)
}

func (suite *TestSuite) InitializeScenario(ctx *godog.ScenarioContext) {
	s := &TestScenario{
		Suite:     suite,
		Variables: map[string]any{},
	}
	ctx.Before(func(c context.Context, _ *godog.Scenario) (context.Context, error) {
		if suite.Reset != nil {
			return c, suite.Reset(c)
		}
		return c, nil
	})
	for _, module := range StepModules {
		module(ctx, s)
	}
}

var variableRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// Expand replaces ${name} references with scenario variables. Unknown names
// are an error so typos fail the step instead of sending literal text.
func (s *TestScenario) Expand(value string) (string, error) {
	var missing []string
	out := variableRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := ref[2 : len(ref)-1]
		v, ok := s.Variables[name]
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return fmt.Sprint(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
