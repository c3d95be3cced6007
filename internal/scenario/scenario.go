// Package scenario drives a document broker against an in-process storage
// host from YAML descriptions of editing sessions.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentworkforce/docsync/internal/config"
	"github.com/agentworkforce/docsync/internal/docbroker"
	"gopkg.in/yaml.v3"
)

// Scenario is one editing session against a single hosted document.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Document is the file the host starts with.
	Document Document `yaml:"document"`

	// Config starts from config.Default(); only the keys present change.
	Config config.Config `yaml:"config"`

	// OnConflict is the standing conflict policy handed to
	// docbroker.ChooseAction by resolve steps.
	OnConflict string `yaml:"on_conflict,omitempty"`

	// Faults make the host fail PutFile calls before applying them.
	Faults []Fault `yaml:"faults,omitempty"`

	Steps  []Step `yaml:"steps"`
	Expect Expect `yaml:"expect"`
}

type Document struct {
	Name     string `yaml:"name"`
	Content  string `yaml:"content"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// Fault answers PutFile with Status. Times limits how many calls fail; zero
// fails every call.
type Fault struct {
	Status int    `yaml:"status"`
	Body   string `yaml:"body,omitempty"`
	Times  int    `yaml:"times,omitempty"`
}

// Step is exactly one trigger or wait.
type Step struct {
	Edit          *string `yaml:"edit,omitempty"`
	Save          bool    `yaml:"save,omitempty"`
	Close         bool    `yaml:"close,omitempty"`
	Disconnect    bool    `yaml:"disconnect,omitempty"`
	ExternalWrite *string `yaml:"external_write,omitempty"`
	Resolve       bool    `yaml:"resolve,omitempty"`
	WaitEvent     string  `yaml:"wait_event,omitempty"`
	WaitState     string  `yaml:"wait_state,omitempty"`
}

// Expect is checked once the scenario's steps ran. Nil fields are not
// checked.
type Expect struct {
	Stores        *int     `yaml:"stores,omitempty"`
	Forced        []bool   `yaml:"forced,omitempty"`
	DataLoss      *int     `yaml:"data_loss,omitempty"`
	HostContent   *string  `yaml:"host_content,omitempty"`
	BrokerContent *string  `yaml:"broker_content,omitempty"`
	Errors        []string `yaml:"errors,omitempty"`
	State         string   `yaml:"state,omitempty"`
	RejectedEdits *int     `yaml:"rejected_edits,omitempty"`
}

// Wait targets.
const (
	EventUploaded     = "uploaded"
	EventUploadFailed = "upload_failed"
	EventConflict     = "conflict"
	EventError        = "error"
	EventDataLoss     = "dataloss"
	EventClosed       = "closed"
)

var waitEvents = map[string]bool{
	EventUploaded:     true,
	EventUploadFailed: true,
	EventConflict:     true,
	EventError:        true,
	EventDataLoss:     true,
	EventClosed:       true,
}

var states = map[string]bool{
	docbroker.StateClean.String():      true,
	docbroker.StateModified.String():   true,
	docbroker.StateUploading.String():  true,
	docbroker.StateConflicted.String(): true,
	docbroker.StateClosed.String():     true,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so a typo never silently drops an expectation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc := Scenario{Config: config.Default()}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", filepath.Base(path), err)
	}
	return &sc, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		sc, err := LoadScenario(path)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Document.Name == "" {
		return fmt.Errorf("document.name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.OnConflict != "" {
		if _, err := docbroker.ParseAction(s.OnConflict); err != nil {
			return err
		}
	}
	for i, f := range s.Faults {
		if f.Status < 400 || f.Status > 599 {
			return fmt.Errorf("faults[%d]: status %d is not an error status", i, f.Status)
		}
		if f.Times < 0 {
			return fmt.Errorf("faults[%d]: times cannot be negative", i)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	if s.Expect.State != "" && !states[s.Expect.State] {
		return fmt.Errorf("expect.state %q is unknown", s.Expect.State)
	}
	cfg := s.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	for _, on := range []bool{
		step.Edit != nil,
		step.Save,
		step.Close,
		step.Disconnect,
		step.ExternalWrite != nil,
		step.Resolve,
		step.WaitEvent != "",
		step.WaitState != "",
	} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}
	if step.WaitEvent != "" && !waitEvents[step.WaitEvent] {
		return fmt.Errorf("wait_event %q is unknown", step.WaitEvent)
	}
	if step.WaitState != "" && !states[step.WaitState] {
		return fmt.Errorf("wait_state %q is unknown", step.WaitState)
	}
	return nil
}

func (s Step) String() string {
	switch {
	case s.Edit != nil:
		return fmt.Sprintf("edit(%q)", *s.Edit)
	case s.Save:
		return "save"
	case s.Close:
		return "close"
	case s.Disconnect:
		return "disconnect"
	case s.ExternalWrite != nil:
		return fmt.Sprintf("external_write(%q)", *s.ExternalWrite)
	case s.Resolve:
		return "resolve"
	case s.WaitEvent != "":
		return "wait_event(" + s.WaitEvent + ")"
	case s.WaitState != "":
		return "wait_state(" + s.WaitState + ")"
	}
	return "empty"
}
