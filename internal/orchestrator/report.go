package orchestrator

import (
	"fmt"

	"github.com/incantvm/incant/internal/reconcile"
)

// InstanceResult is the outcome of one instance's part of a run.
type InstanceResult struct {
	Name string
	Op   reconcile.Op
	Err  error
	Note string
}

func (r InstanceResult) Failed() bool { return r.Err != nil }

// Report aggregates per-instance outcomes of one up/provision/destroy
// run. A single instance's failure never aborts its siblings; the
// report carries all of them to the exit status at the end.
type Report struct {
	Results  []InstanceResult
	Warnings []string
}

func (r *Report) result(name string, op reconcile.Op, err error, note string) {
	r.Results = append(r.Results, InstanceResult{Name: name, Op: op, Err: err, Note: note})
}

func (r *Report) warn(format string, a ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, a...))
}

func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return true
		}
	}
	return false
}

func (r *Report) FailedCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}
