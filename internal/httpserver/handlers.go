package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/probemesh/internal/apierr"
	"github.com/wisbric/probemesh/internal/identity"
	"github.com/wisbric/probemesh/pkg/admission"
	"github.com/wisbric/probemesh/pkg/dispatch"
	"github.com/wisbric/probemesh/pkg/nodefabric"
	"github.com/wisbric/probemesh/pkg/scheduler"
)

func (s *Server) respondAPIErr(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	RespondAPIErr(w, apierr.ToHTTPStatus(kind), string(kind), err)
}

// --- register_node ---

type registerNodeRequest struct {
	RegistrationToken string          `json:"registration_token"`
	Name              string          `json:"name"`
	Hostname          string          `json:"hostname"`
	Region            string          `json:"region"`
	Zone              string          `json:"zone,omitempty"`
	Version           string          `json:"version,omitempty"`
	SupportedTools    map[string]bool `json:"supported_tools,omitempty"`
}

type registerNodeResponse struct {
	NodeUUID string         `json:"node_uuid"`
	APIKey   string         `json:"api_key"`
	Status   string         `json:"status"`
	Config   map[string]any `json:"config"`
	Message  string         `json:"message"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	nodeUUID, rawAPIKey, err := s.Vault.Redeem(r.Context(), req.RegistrationToken, nodefabric.NodeAttrs{
		Name:           req.Name,
		Hostname:       req.Hostname,
		Region:         req.Region,
		Zone:           req.Zone,
		SupportedTools: req.SupportedTools,
	})
	if err != nil {
		s.respondAPIErr(w, err)
		return
	}

	if err := s.NodeRegistry.Refresh(r.Context(), nodeUUID); err != nil {
		s.Logger.Error("refreshing node registry cache after registration", "node_uuid", nodeUUID, "error", err)
	}

	Respond(w, http.StatusCreated, registerNodeResponse{
		NodeUUID: nodeUUID,
		APIKey:   rawAPIKey,
		Status:   "registered",
		Config: map[string]any{
			"heartbeat_interval_seconds": 15,
			"ws_path":                    "/ws/nodes",
		},
		Message: "node registered; connect via /ws/nodes to begin accepting jobs",
	})
}

// --- heartbeat ---

type heartbeatRequest struct {
	NodeUUID        string         `json:"node_uuid"`
	APIKey          string         `json:"api_key"`
	CurrentLoad     *float64       `json:"current_load,omitempty"`
	AvgResponseTime *float64       `json:"avg_response_time,omitempty"`
	ErrorCount      int            `json:"error_count,omitempty"`
	Version         string         `json:"version,omitempty"`
	HardwareStats   map[string]any `json:"hardware_stats,omitempty"`
}

type heartbeatResponse struct {
	Status      string         `json:"status"`
	ConfigUpdate map[string]any `json:"config_update"`
	Timestamp   int64          `json:"timestamp"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	node, ok := s.NodeRegistry.ByAPIKeyHash(identity.HashAPIKey(req.APIKey))
	if !ok || node.NodeUUID != req.NodeUUID {
		RespondError(w, http.StatusUnauthorized, "unauthenticated", "node_uuid/api_key mismatch")
		return
	}

	if err := s.NodeRegistry.Heartbeat(r.Context(), req.NodeUUID, req.CurrentLoad, req.ErrorCount, req.Version); err != nil {
		s.Logger.Error("recording heartbeat", "node_uuid", req.NodeUUID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to record heartbeat")
		return
	}

	Respond(w, http.StatusOK, heartbeatResponse{
		Status:       "acknowledged",
		ConfigUpdate: map[string]any{},
		Timestamp:    time.Now().Unix(),
	})
}

// --- registration_token (admin) ---

type issueTokenRequest struct {
	Description string `json:"description"`
	ExpiryHours int    `json:"expiry_hours"`
	Region      string `json:"region,omitempty"`
}

type issueTokenResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Description string    `json:"description"`
}

func (s *Server) handleIssueRegistrationToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.ExpiryHours < 1 || req.ExpiryHours > 168 {
		RespondError(w, http.StatusBadRequest, "bad_request", "expiry_hours must be in [1, 168]")
		return
	}

	token, err := s.Vault.Issue(r.Context(), req.Description, req.Region, req.ExpiryHours)
	if err != nil {
		s.Logger.Error("issuing registration token", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to issue registration token")
		return
	}

	Respond(w, http.StatusCreated, issueTokenResponse{
		Token:       token.Token,
		ExpiresAt:   token.ExpiresAt,
		Description: token.Description,
	})
}

// --- probe ---

type probeRequest struct {
	Tool          string         `json:"tool"`
	Target        string         `json:"target"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	Region        string         `json:"region,omitempty"`
	TimeoutSeconds int           `json:"timeout,omitempty"`
}

type probeResponse struct {
	Tool          string         `json:"tool"`
	Target        string         `json:"target"`
	Result        map[string]any `json:"result"`
	Success       bool           `json:"success"`
	ExecutionTime float64        `json:"execution_time"`
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Identity.Resolve(r)
	if err != nil {
		s.respondAPIErr(w, err)
		return
	}

	var req probeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Priority == 0 {
		req.Priority = principal.Tier.Priority
	}

	var result *dispatch.Result
	err = s.Admission.WithAdmission(r.Context(), principal, admission.RequestMeta{
		Endpoint:   "probe:" + req.Tool,
		ClientAddr: identity.ClientAddr(r),
	}, func(*admission.RequestTicket) (bool, error) {
		var derr error
		dispatchReq := dispatch.Request{
			Tool:       req.Tool,
			Target:     req.Target,
			Parameters: req.Parameters,
			Priority:   req.Priority,
			Region:     req.Region,
		}
		if req.TimeoutSeconds > 0 {
			dispatchReq.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}
		result, derr = s.Dispatcher.Dispatch(r.Context(), dispatchReq)
		return derr == nil && result != nil && result.Success, derr
	})
	if err != nil {
		s.respondAPIErr(w, err)
		return
	}

	Respond(w, http.StatusOK, probeResponse{
		Tool:          req.Tool,
		Target:        req.Target,
		Result:        result.Data,
		Success:       result.Success,
		ExecutionTime: result.ExecutionTime,
	})
}

// --- schedule ---

type scheduleRequest struct {
	Tool            string         `json:"tool"`
	Target          string         `json:"target"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	IntervalMinutes int            `json:"interval_minutes"`
}

func scheduleToJSON(p *scheduler.ScheduledProbe) map[string]any {
	return map[string]any{
		"id":               p.ID,
		"tool":             p.Tool,
		"target":           p.Target,
		"parameters":       p.Parameters,
		"interval_minutes": p.IntervalMinutes,
		"priority":         p.Priority,
		"created_at":       p.CreatedAt,
		"next_run_at":      p.NextRunAt,
	}
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Identity.Resolve(r)
	if err != nil {
		s.respondAPIErr(w, err)
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	probe, err := s.Scheduler.Create(r.Context(), principal, scheduler.Request{
		Tool:            req.Tool,
		Target:          req.Target,
		Parameters:      req.Parameters,
		IntervalMinutes: req.IntervalMinutes,
	})
	if err != nil {
		s.respondAPIErr(w, err)
		return
	}

	Respond(w, http.StatusCreated, scheduleToJSON(probe))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Identity.Resolve(r)
	if err != nil {
		s.respondAPIErr(w, err)
		return
	}

	probes, err := s.Scheduler.List(r.Context(), principal.UserID)
	if err != nil {
		s.Logger.Error("listing scheduled probes", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to list scheduled probes")
		return
	}

	out := make([]map[string]any, 0, len(probes))
	for _, p := range probes {
		out = append(out, scheduleToJSON(p))
	}
	Respond(w, http.StatusOK, out)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Identity.Resolve(r)
	if err != nil {
		s.respondAPIErr(w, err)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "id must be an integer")
		return
	}

	if err := s.Scheduler.Cancel(r.Context(), principal.UserID, id); err != nil {
		s.respondAPIErr(w, err)
		return
	}

	Respond(w, http.StatusNoContent, nil)
}
