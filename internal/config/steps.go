package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type StepKind int

const (
	// StepCommand is a single-line command run through the default
	// shell inside the instance.
	StepCommand StepKind = iota
	// StepScript is a multi-line script pushed into the instance and
	// run with its interpreter.
	StepScript
)

// DefaultInterpreter runs scripts that carry no shebang line.
const DefaultInterpreter = "/bin/sh"

// Step is one provisioning step, resolved from its YAML form at load
// time so execution never has to re-parse the raw string.
type Step struct {
	Kind        StepKind
	Command     string // StepCommand: the shell command line
	Script      string // StepScript: full body including any shebang
	Interpreter string // StepScript: interpreter to invoke
}

// ParseStep classifies a raw provisioning entry. Single-line entries are
// inline commands; multi-line entries are scripts whose interpreter is
// taken from the shebang when present.
func ParseStep(raw string) Step {
	if !strings.Contains(strings.TrimRight(raw, "\n"), "\n") {
		return Step{Kind: StepCommand, Command: strings.TrimSpace(raw)}
	}
	step := Step{Kind: StepScript, Script: raw, Interpreter: DefaultInterpreter}
	first, _, _ := strings.Cut(raw, "\n")
	if rest, ok := strings.CutPrefix(strings.TrimSpace(first), "#!"); ok {
		if interp := strings.TrimSpace(rest); interp != "" {
			step.Interpreter = interp
		}
	}
	return step
}

// StepList accepts either a single string (one command or script) or a
// sequence of strings.
type StepList []Step

func (s *StepList) UnmarshalYAML(value *yaml.Node) error {
	var one string
	if err := value.Decode(&one); err == nil {
		*s = StepList{ParseStep(one)}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err == nil {
		steps := make(StepList, 0, len(many))
		for _, raw := range many {
			steps = append(steps, ParseStep(raw))
		}
		*s = steps
		return nil
	}
	return fmt.Errorf("provision must be a string or a list of strings")
}

func (s StepList) MarshalYAML() (any, error) {
	raw := make([]string, 0, len(s))
	for _, step := range s {
		if step.Kind == StepCommand {
			raw = append(raw, step.Command)
		} else {
			raw = append(raw, step.Script)
		}
	}
	return raw, nil
}
