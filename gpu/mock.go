package gpu

import (
	"context"
	"fmt"
)

// MockProbe produces n synthetic GPUs with no running processes. Used by
// the test harness and by MOCK_GPUS=N deployments without hardware.
type MockProbe struct {
	count int
}

// NewMockProbe creates a deterministic probe with n devices.
func NewMockProbe(n int) *MockProbe {
	return &MockProbe{count: n}
}

// Snapshot returns the synthetic device list. force is irrelevant; the
// mock has nothing to refresh.
func (p *MockProbe) Snapshot(_ context.Context, _ bool) ([]Info, error) {
	gpus := make([]Info, p.count)
	for i := range gpus {
		gpus[i] = Info{
			Index:       i,
			Name:        fmt.Sprintf("Mock GPU %d", i),
			MemoryTotal: 81920,
			MemoryUsed:  0,
		}
	}
	return gpus, nil
}
