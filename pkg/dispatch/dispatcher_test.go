package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/probemesh/pkg/nodefabric"
)

func node(uuid string, load float64, priority, errorCount int) *nodefabric.ProbeNode {
	return &nodefabric.ProbeNode{NodeUUID: uuid, CurrentLoad: load, Priority: priority, ErrorCount: errorCount}
}

func TestSelectNodePicksMinimumLoad(t *testing.T) {
	candidates := []*nodefabric.ProbeNode{
		node("a", 0.8, 0, 0),
		node("b", 0.2, 0, 0),
		node("c", 0.5, 0, 0),
	}
	require.Equal(t, "b", selectNode(candidates).NodeUUID)
}

func TestSelectNodeTiesBrokenByPriorityThenErrorCount(t *testing.T) {
	candidates := []*nodefabric.ProbeNode{
		node("low-priority", 0.3, 1, 0),
		node("high-priority", 0.3, 5, 2),
		node("high-priority-fewer-errors", 0.3, 5, 0),
	}
	require.Equal(t, "high-priority-fewer-errors", selectNode(candidates).NodeUUID)
}
