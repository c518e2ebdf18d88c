package nodefabric

import (
	"encoding/json"
	"time"
)

// Status is a ProbeNode's lifecycle state.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusActive     Status = "active"
	StatusDisconnected Status = "disconnected"
	StatusDeactivated Status = "deactivated"
	StatusError      Status = "error"
)

// ProbeNode is a worker identity: created via registration token exchange,
// mutated by heartbeat and admin ops, never deleted (deactivation is
// terminal).
type ProbeNode struct {
	NodeUUID            string
	APIKeyHash          string
	Name                string
	Hostname            string
	Region              string
	Zone                string
	SupportedTools      map[string]bool
	Priority            int
	MaxConcurrentProbes int
	Status              Status
	LastHeartbeat       time.Time
	LastConnected       time.Time
	ConnectionID        string
	CurrentLoad         float64
	AvgResponseTime     float64
	ErrorCount          int
	TotalProbesExecuted int64
	ReconnectCount      int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SupportsTool reports whether the node advertises support for tool.
func (n *ProbeNode) SupportsTool(tool string) bool {
	return n.SupportedTools[tool]
}

func marshalTools(tools map[string]bool) ([]byte, error) {
	if tools == nil {
		tools = map[string]bool{}
	}
	return json.Marshal(tools)
}

func unmarshalTools(raw []byte) (map[string]bool, error) {
	tools := map[string]bool{}
	if len(raw) == 0 {
		return tools, nil
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}
