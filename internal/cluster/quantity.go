package cluster

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
)

// ParseCPU converts a quantity such as "500m" or "2" to millicores.
func ParseCPU(s string) (int64, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("parse cpu %q: %w", s, err)
	}
	return q.MilliValue(), nil
}

// ParseMemory converts a quantity such as "512Mi" or "8Gi" to bytes.
func ParseMemory(s string) (int64, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", s, err)
	}
	return q.Value(), nil
}

// ParseResources parses a cpu/memory pair. Empty strings are zero.
func ParseResources(cpu, memory string) (Resources, error) {
	var r Resources
	var err error
	if cpu != "" {
		if r.CPU, err = ParseCPU(cpu); err != nil {
			return r, err
		}
	}
	if memory != "" {
		if r.Memory, err = ParseMemory(memory); err != nil {
			return r, err
		}
	}
	return r, nil
}

// MustResources is ParseResources for literals known to be valid.
func MustResources(cpu, memory string) Resources {
	r, err := ParseResources(cpu, memory)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Resources) String() string {
	cpu := resource.NewMilliQuantity(r.CPU, resource.DecimalSI)
	mem := resource.NewQuantity(r.Memory, resource.BinarySI)
	return fmt.Sprintf("cpu=%s mem=%s", cpu.String(), mem.String())
}
