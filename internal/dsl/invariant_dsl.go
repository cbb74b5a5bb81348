package dsl

type Operator string

const (
	Equals      Operator = "equals"
	NotEquals   Operator = "not_equals"
	Exists      Operator = "exists"
	GreaterThan Operator = "gt"
	LessThan    Operator = "lt"
)

type Relation string

const (
	Same  Relation = "same"
	Owner Relation = "owner"
	Node  Relation = "node"
)

type Severity string

const (
	Critical Severity = "critical"
	Degraded Severity = "degraded"
	Warning  Severity = "warning"
)

// Weight converts a severity into a multiplier for hypothesis confidence.
func (s Severity) Weight() float64 {
	switch s {
	case Critical:
		return 1.0
	case Degraded:
		return 0.8
	case Warning:
		return 0.5
	}
	return 0.3
}

type Predicate struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

type Scope struct {
	Relation Relation `json:"relation"`
}

type Requirement struct {
	Invariant string `json:"invariant"`
	Scope     Scope  `json:"scope"`
}

type Subject struct {
	Kind      string            `json:"kind"`
	Namespace string            `json:"namespace,omitempty"`
	Selector  map[string]string `json:"selector,omitempty"`
}

// Cause names the hypothesis kind held primarily responsible when the
// invariant breaks. Secondary is used when the primary has no authority over
// the violated field.
type Cause struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

type Invariant struct {
	ID          string        `json:"id"`
	Version     int           `json:"version"`
	Description string        `json:"description"`
	Subject     Subject       `json:"subject"`
	Predicate   *Predicate    `json:"predicate,omitempty"`
	Requires    []Requirement `json:"requires,omitempty"`
	Cause       Cause         `json:"cause"`
	Severity    Severity      `json:"severity"`
}
