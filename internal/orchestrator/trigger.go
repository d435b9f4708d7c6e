package orchestrator

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/civicnorth/tracker-cli/internal/job"
)

// condition is a parsed trigger expression of the form "counter op literal",
// e.g. "items_created > 0". Counters resolve against a job result, covering
// the built-in fields and job-specific metadata.
type condition struct {
	counter string
	op      string
	value   int
}

func parseCondition(expr string) (condition, error) {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return condition{}, eris.Errorf("trigger: condition %q must be \"counter op literal\"", expr)
	}

	switch fields[1] {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return condition{}, eris.Errorf("trigger: condition %q has unknown operator %q", expr, fields[1])
	}

	value, err := strconv.Atoi(fields[2])
	if err != nil {
		return condition{}, eris.Wrapf(err, "trigger: condition %q literal", expr)
	}

	return condition{counter: fields[0], op: fields[1], value: value}, nil
}

// eval reports whether the condition holds for res. A counter the result does
// not carry never fires.
func (c condition) eval(res *job.Result) bool {
	v, ok := res.Counter(c.counter)
	if !ok {
		return false
	}
	switch c.op {
	case ">":
		return v > c.value
	case ">=":
		return v >= c.value
	case "<":
		return v < c.value
	case "<=":
		return v <= c.value
	case "==":
		return v == c.value
	case "!=":
		return v != c.value
	}
	return false
}
