package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/syncerr"
)

// Scenario is a scripted session against the engine and an in-memory
// backend. Steps run in order; assertions are checked once the last step
// has finished.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is a .cue file or directory, relative to the scenario file.
	// Empty means the built-in Todo catalog.
	Catalog string `yaml:"catalog,omitempty"`

	// StartOffline starts both the engine and the backend offline.
	StartOffline bool `yaml:"start_offline,omitempty"`

	// TokenPrefix prefixes the sequential idempotency tokens. Defaults to
	// "tok".
	TokenPrefix string `yaml:"token_prefix,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step actions.
const (
	ActionQuery       = "query"
	ActionMutate      = "mutate"
	ActionFlush       = "flush"
	ActionOffline     = "offline"
	ActionOnline      = "online"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionExternal    = "external"
	ActionFailNext    = "fail_next"
	ActionRestart     = "restart"
)

// Step is one action.
type Step struct {
	Action string `yaml:"action"`

	// Operation names a catalog operation (query, mutate, subscribe,
	// unsubscribe, fail_next).
	Operation string `yaml:"operation,omitempty"`

	// Vars are merged over the operation's default variables.
	Vars map[string]any `yaml:"vars,omitempty"`

	// Policy is the fetch policy for query steps: cache-and-network
	// (default), cache-only or network-only.
	Policy string `yaml:"policy,omitempty"`

	// Token fixes the idempotency token of a mutate step.
	Token string `yaml:"token,omitempty"`

	// Name and Description describe the item an external step creates.
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	// Errors are the error codes fail_next injects, in order.
	Errors []string `yaml:"errors,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks a step's outcome. Unset fields are not checked.
type Expect struct {
	// Error is the expected error code, e.g. REQUEST_REJECTED.
	Error string `yaml:"error,omitempty"`

	// Sources lists the query result sources in delivery order.
	Sources []string `yaml:"sources,omitempty"`

	// Path and Count check the length of a list in the last data.
	Path  string `yaml:"path,omitempty"`
	Count *int   `yaml:"count,omitempty"`

	Optimistic *bool  `yaml:"optimistic,omitempty"`
	Queued     *bool  `yaml:"queued,omitempty"`
	State      string `yaml:"state,omitempty"`

	// Flush and restart counters.
	Confirmed *int `yaml:"confirmed,omitempty"`
	Rejected  *int `yaml:"rejected,omitempty"`
	Remaining *int `yaml:"remaining,omitempty"`
	Pending   *int `yaml:"pending,omitempty"`
}

// Assertion validates the finished run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Operation string         `yaml:"operation,omitempty"`
	Vars      map[string]any `yaml:"vars,omitempty"`

	// States is the expected transition sequence (transition_order).
	States []string `yaml:"states,omitempty"`

	// State is the target state counted by transition_count.
	State string `yaml:"state,omitempty"`

	// Path locates a list inside a cached payload (cache).
	Path string `yaml:"path,omitempty"`

	// IDs are the expected "id" fields of the list at Path (cache).
	IDs []string `yaml:"ids,omitempty"`

	Optimistic *bool `yaml:"optimistic,omitempty"`
	Absent     bool  `yaml:"absent,omitempty"`

	Count *int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	// AssertTransitionOrder: some instance of Operation visited States in order.
	AssertTransitionOrder = "transition_order"
	// AssertTransitionCount: Operation entered State exactly Count times.
	AssertTransitionCount = "transition_count"
	// AssertCache: the cached entry for Operation+Vars matches.
	AssertCache = "cache"
	// AssertPending: Count mutations are still queued.
	AssertPending = "pending"
	// AssertServerCalls: the backend saw Operation Count times.
	AssertServerCalls = "server_calls"
	// AssertEvents: Count subscription events reached Operation's callback.
	AssertEvents = "events"
)

// LoadScenario reads a scenario file. Unknown fields are errors, and a
// relative catalog path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if s.Catalog != "" && !filepath.IsAbs(s.Catalog) {
		s.Catalog = filepath.Join(filepath.Dir(path), s.Catalog)
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

// DiscoverScenarios returns the .yaml and .yml files under dir, sorted.
// A file path is returned as is.
func DiscoverScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenarios: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(p) {
		case ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scenarios: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Catalog != "" {
		if _, err := os.Stat(s.Catalog); err != nil {
			return fmt.Errorf("catalog not found: %s", s.Catalog)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Action {
	case ActionQuery:
		if _, err := engine.ParseFetchPolicy(step.Policy); err != nil {
			return err
		}
		fallthrough
	case ActionMutate, ActionSubscribe, ActionUnsubscribe:
		if step.Operation == "" {
			return fmt.Errorf("operation is required for %s", step.Action)
		}
	case ActionFailNext:
		if step.Operation == "" {
			return fmt.Errorf("operation is required for %s", step.Action)
		}
		if len(step.Errors) == 0 {
			return fmt.Errorf("errors list is required for %s", step.Action)
		}
		for _, code := range step.Errors {
			if !knownCode(code) {
				return fmt.Errorf("unknown error code %q", code)
			}
		}
	case ActionExternal:
		if step.Name == "" {
			return fmt.Errorf("name is required for %s", step.Action)
		}
	case ActionFlush, ActionOffline, ActionOnline, ActionRestart:
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	if step.Expect != nil && step.Expect.Error != "" && !knownCode(step.Expect.Error) {
		return fmt.Errorf("expect: unknown error code %q", step.Expect.Error)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTransitionOrder:
		if a.Operation == "" || len(a.States) == 0 {
			return fmt.Errorf("operation and states are required for %s", a.Type)
		}
	case AssertTransitionCount:
		if a.Operation == "" || a.State == "" || a.Count == nil {
			return fmt.Errorf("operation, state and count are required for %s", a.Type)
		}
	case AssertCache:
		if a.Operation == "" {
			return fmt.Errorf("operation is required for %s", a.Type)
		}
		if len(a.IDs) > 0 && a.Path == "" {
			return fmt.Errorf("ids need a path")
		}
	case AssertPending:
		if a.Count == nil {
			return fmt.Errorf("count is required for %s", a.Type)
		}
	case AssertServerCalls, AssertEvents:
		if a.Operation == "" || a.Count == nil {
			return fmt.Errorf("operation and count are required for %s", a.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func knownCode(code string) bool {
	switch syncerr.Code(code) {
	case syncerr.CodeAuth, syncerr.CodeTimeout, syncerr.CodeConnectionLost,
		syncerr.CodeRequestRejected, syncerr.CodeCacheMiss, syncerr.CodeCancelled:
		return true
	}
	return false
}
