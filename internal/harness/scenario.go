package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/archivist/internal/config"
)

// Scenario is an end-to-end pipeline run: objects are ingested, queue
// workers run and the clock advances, then the trace and the final store
// state are checked.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Config overrides the node defaults.
	Config *ConfigOverride `yaml:"config,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions are evaluated after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// ConfigOverride holds the settings scenarios may change.
type ConfigOverride struct {
	DuplicatePolicy string `yaml:"duplicate_policy,omitempty"`
	MaxFailures     int    `yaml:"max_failures,omitempty"`
	RetryDelay      string `yaml:"retry_delay,omitempty"`
}

// FlowStep is one step of the flow. Exactly one of Ingest, Work and Advance
// is set.
type FlowStep struct {
	// Ingest accepts one object.
	Ingest *ObjectSpec `yaml:"ingest,omitempty"`

	// Work runs queue workers concurrently, each claiming at most once.
	Work *WorkStep `yaml:"work,omitempty"`

	// Advance moves the clock forward by a Go duration.
	Advance string `yaml:"advance,omitempty"`

	// Expect is compared with the step result: the ingestion outcome, or
	// the number of workers that claimed an entry.
	Expect string `yaml:"expect,omitempty"`
}

// ObjectSpec describes an object built for ingestion.
type ObjectSpec struct {
	// Study is a study instance UID, or "A"/"B" for the test studies.
	Study    string            `yaml:"study"`
	Series   int               `yaml:"series,omitempty"`
	Instance int               `yaml:"instance,omitempty"`
	Set      map[string]string `yaml:"set,omitempty"`

	CallingAE string `yaml:"calling_ae,omitempty"`
	CalledAE  string `yaml:"called_ae,omitempty"`
}

// WorkStep configures a work step.
type WorkStep struct {
	// Workers claim concurrently. Defaults to 1.
	Workers int `yaml:"workers,omitempty"`

	// Fail makes every processor return this error instead of running.
	Fail string `yaml:"fail,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Step is the step kind (trace_contains, trace_count).
	Step string `yaml:"step,omitempty"`

	// Args is a subset of the step arguments (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Result is the expected step result (trace_contains, trace_count).
	Result string `yaml:"result,omitempty"`

	// Steps is the expected order of step kinds (trace_order).
	Steps []string `yaml:"steps,omitempty"`

	// Table is "locations", "queue_entries" or "reconciliations"
	// (final_state).
	Table string `yaml:"table,omitempty"`

	// Where selects rows by exact column match (final_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset every selected row must match (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of matching steps or rows.
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Step kinds as they appear in the trace.
const (
	StepIngest  = "ingest"
	StepWork    = "work"
	StepAdvance = "advance"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if c := s.Config; c != nil {
		switch c.DuplicatePolicy {
		case "", config.PolicyManual, config.PolicyAcceptLatest, config.PolicyKeepStored, config.PolicyReject:
		default:
			return fmt.Errorf("config: unknown duplicate_policy %q", c.DuplicatePolicy)
		}
		if c.MaxFailures < 0 {
			return fmt.Errorf("config: max_failures must not be negative")
		}
		if c.RetryDelay != "" {
			if _, err := time.ParseDuration(c.RetryDelay); err != nil {
				return fmt.Errorf("config: retry_delay: %w", err)
			}
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step *FlowStep) error {
	set := 0
	if step.Ingest != nil {
		set++
		if step.Ingest.Study == "" {
			return fmt.Errorf("flow[%d].ingest: study is required", i)
		}
	}
	if step.Work != nil {
		set++
		if step.Work.Workers < 0 {
			return fmt.Errorf("flow[%d].work: workers must not be negative", i)
		}
	}
	if step.Advance != "" {
		set++
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("flow[%d].advance: %w", i, err)
		}
		if d <= 0 {
			return fmt.Errorf("flow[%d].advance: duration must be positive", i)
		}
		if step.Expect != "" {
			return fmt.Errorf("flow[%d]: advance takes no expect", i)
		}
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one of ingest, work or advance is required", i)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for trace_count", index)
		}
	case AssertFinalState:
		if _, ok := stateTables[a.Table]; !ok {
			return fmt.Errorf("assertions[%d]: unknown table %q for final_state", index, a.Table)
		}
		if len(a.Expect) == 0 && a.Count == nil {
			return fmt.Errorf("assertions[%d]: expect or count is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
