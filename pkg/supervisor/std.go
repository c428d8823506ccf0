package supervisor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Std selects which of a worker's standard streams get redirected to
// a log file and/or teed to the agent's own stdout/stderr.
type Std int

const (
	StdNone Std = 0
	StdOut  Std = 1 << 0
	StdErr  Std = 1 << 1
	StdAll  Std = StdOut | StdErr
)

func (s Std) String() string {
	switch s {
	case StdNone:
		return "none"
	case StdOut:
		return "out"
	case StdErr:
		return "err"
	case StdAll:
		return "all"
	default:
		return fmt.Sprintf("Std(%d)", int(s))
	}
}

var (
	mappingRegex = regexp.MustCompile(`^(\d:[0123],)*(\d:[0123])$`)
	valueRegex   = regexp.MustCompile(`^[0123]$`)
)

// ParseStd parses either a single digit ("1" -> StdOut) or a
// comma-separated local_rank:value mapping ("0:3,1:0" -> {0: StdAll,
// 1: StdNone}) into a per-rank map covering localWorldSize ranks.
// Ranks absent from a mapping default to StdNone.
func ParseStd(vm string, localWorldSize int) (map[int]Std, error) {
	switch {
	case valueRegex.MatchString(vm):
		v, _ := strconv.Atoi(vm)
		return ToMap(Std(v), localWorldSize), nil
	case mappingRegex.MatchString(vm):
		m := make(map[int]Std)
		for _, entry := range strings.Split(vm, ",") {
			parts := strings.SplitN(entry, ":", 2)
			rank, err := strconv.Atoi(parts[0])
			if err != nil {
				return nil, fmt.Errorf("supervisor: invalid std mapping %q: %w", vm, err)
			}
			val, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("supervisor: invalid std mapping %q: %w", vm, err)
			}
			m[rank] = Std(val)
		}
		return ToMap(m, localWorldSize), nil
	default:
		return nil, fmt.Errorf("supervisor: %q does not match <%s> or <%s>", vm, valueRegex.String(), mappingRegex.String())
	}
}

// ToMap normalizes a uniform Std or a sparse per-rank map into a
// dense map covering every rank in [0, localWorldSize).
func ToMap[T Std | map[int]Std](valOrMap T, localWorldSize int) map[int]Std {
	out := make(map[int]Std, localWorldSize)
	switch v := any(valOrMap).(type) {
	case Std:
		for i := 0; i < localWorldSize; i++ {
			out[i] = v
		}
	case map[int]Std:
		for i := 0; i < localWorldSize; i++ {
			if s, ok := v[i]; ok {
				out[i] = s
			} else {
				out[i] = StdNone
			}
		}
	}
	return out
}
