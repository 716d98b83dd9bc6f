package approval

import "fmt"

// Condition is one guard predicate over a request payload. It holds
// when the named field is present and, where set, matches Equals or
// one of In. A condition with neither constraint only requires the
// field to be present. Values compare by their string rendering.
type Condition struct {
	Field  string
	Equals string
	In     []string
}

// Holds evaluates the condition against payload.
func (c Condition) Holds(payload map[string]any) bool {
	v, ok := payload[c.Field]
	if !ok {
		return false
	}
	s := fmt.Sprintf("%v", v)
	if c.Equals != "" && s != c.Equals {
		return false
	}
	if len(c.In) > 0 {
		for _, want := range c.In {
			if s == want {
				return true
			}
		}
		return false
	}
	return true
}

func conditionsHold(conds []Condition, payload map[string]any) bool {
	for _, c := range conds {
		if !c.Holds(payload) {
			return false
		}
	}
	return true
}
