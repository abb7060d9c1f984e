package http

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"gatekeeper/internal/audit"
	"gatekeeper/internal/display"
	"gatekeeper/internal/preflight"
	"gatekeeper/internal/types"
)

// CodeIPDenied is returned for requests from deny-listed IPs.
const CodeIPDenied = "ip_denied"

// PreflightRequest is the body of POST /v1/preflight.
type PreflightRequest struct {
	UserID    string             `json:"userId"`
	Input     *preflight.Input   `json:"input"`
	UserAgent string             `json:"userAgent,omitempty"`
	Options   *preflight.Options `json:"options,omitempty"`
}

// PreflightResponse is the body returned by POST /v1/preflight.
type PreflightResponse struct {
	Result  *types.PreflightResult `json:"result"`
	Display *display.Descriptor    `json:"display,omitempty"`
}

// DenyListResponse is the body returned by GET /v1/denylist.
type DenyListResponse struct {
	IPs []string `json:"ips"`
}

// AuditListResponse is the body returned by GET /v1/audit.
type AuditListResponse struct {
	Records []*types.AuditRecord `json:"records"`
}

// handleHealthz handles the liveness probe.
func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	resp := types.HealthResponse{
		Status:    "ok",
		Version:   r.cfg.Version,
		Timestamp: time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReadyz handles the readiness probe.
func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	checks := make(map[string]string)

	checks["registry"] = "ok"
	if r.cfg.Registry == nil || len(r.cfg.Registry.All()) == 0 {
		checks["registry"] = "empty"
	}

	if r.cfg.Store != nil {
		checks["counter_store"] = "ok"
		if err := r.cfg.Store.Ping(req.Context()); err != nil {
			r.cfg.Logger.Warn("counter store not ready", zap.Error(err))
			checks["counter_store"] = "unavailable"
		}
	}

	allOk := true
	for _, status := range checks {
		if status != "ok" {
			allOk = false
			break
		}
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !allOk {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := types.HealthResponse{
		Status:    status,
		Version:   r.cfg.Version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}
	writeJSON(w, httpStatus, resp)
}

// handlePreflight runs the check pipeline over one message.
func (r *Router) handlePreflight(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	requestID := middleware.GetReqID(ctx)

	// Read and validate request body
	body, err := io.ReadAll(io.LimitReader(req.Body, r.cfg.MaxBodyBytes+1))
	if err != nil {
		r.writeError(w, http.StatusBadRequest, "failed to read request body", "READ_ERROR", requestID)
		return
	}
	if int64(len(body)) > r.cfg.MaxBodyBytes {
		r.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE", requestID)
		return
	}

	var pr PreflightRequest
	if err := json.Unmarshal(body, &pr); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "PARSE_ERROR", requestID)
		return
	}
	if pr.Input == nil {
		r.writeError(w, http.StatusBadRequest, "input is required", "VALIDATION_ERROR", requestID)
		return
	}

	ip := clientIP(req)
	userAgent := pr.UserAgent
	if userAgent == "" {
		userAgent = req.UserAgent()
	}

	if r.cfg.EnforceDenyList && r.cfg.Abuse != nil && ip != "" {
		denied, err := r.cfg.Abuse.IsIPDenied(ctx, ip)
		if err != nil {
			r.cfg.Logger.Error("deny-list lookup failed", zap.String("ip", ip), zap.Error(err))
		}
		if denied {
			r.writePreflight(w, http.StatusForbidden, &types.PreflightResult{
				RequestID:   requestID,
				Passed:      false,
				FailedCheck: CodeIPDenied,
				Result: &types.CheckResult{
					Passed:   false,
					Code:     CodeIPDenied,
					Message:  "Requests from this IP are not accepted",
					Severity: types.SeverityError,
				},
			})
			return
		}
	}

	opts := pr.Options
	if opts == nil {
		opts = &preflight.Options{}
	}
	opts.Logger = r.cfg.Logger.With(zap.String("http_request_id", requestID))

	res := r.cfg.Preflight.Run(ctx, pr.UserID, *pr.Input, ip, userAgent, opts)
	r.writePreflight(w, http.StatusOK, res)
}

func (r *Router) writePreflight(w http.ResponseWriter, status int, res *types.PreflightResult) {
	resp := PreflightResponse{Result: res}
	if !res.Passed && r.cfg.Display != nil {
		d := r.cfg.Display.Render(res.Result)
		resp.Display = &d
	}
	writeJSON(w, status, resp)
}

// handleListChecks lists the registered checks.
func (r *Router) handleListChecks(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.cfg.Registry.Definitions())
}

// handleAbuseStatus returns the abuse state of an IP.
func (r *Router) handleAbuseStatus(w http.ResponseWriter, req *http.Request) {
	requestID := middleware.GetReqID(req.Context())
	ip, ok := r.ipParam(w, req)
	if !ok {
		return
	}

	status, err := r.cfg.Abuse.GetStatus(req.Context(), ip)
	if err != nil {
		r.cfg.Logger.Error("failed to get abuse status", zap.String("ip", ip), zap.Error(err))
		r.writeError(w, http.StatusInternalServerError, "failed to get abuse status", "INTERNAL_ERROR", requestID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleClearTimeout lifts a timeout and resets the warning count.
func (r *Router) handleClearTimeout(w http.ResponseWriter, req *http.Request) {
	requestID := middleware.GetReqID(req.Context())
	ip, ok := r.ipParam(w, req)
	if !ok {
		return
	}

	if err := r.cfg.Abuse.ClearTimeout(req.Context(), ip); err != nil {
		r.cfg.Logger.Error("failed to clear timeout", zap.String("ip", ip), zap.Error(err))
		r.writeError(w, http.StatusInternalServerError, "failed to clear timeout", "INTERNAL_ERROR", requestID)
		return
	}
	r.cfg.Logger.Info("timeout cleared", zap.String("ip", ip))
	w.WriteHeader(http.StatusNoContent)
}

// handleListDenied lists deny-listed IPs.
func (r *Router) handleListDenied(w http.ResponseWriter, req *http.Request) {
	requestID := middleware.GetReqID(req.Context())

	ips, err := r.cfg.Abuse.ListDenied(req.Context())
	if err != nil {
		r.cfg.Logger.Error("failed to list deny-list", zap.Error(err))
		r.writeError(w, http.StatusInternalServerError, "failed to list deny-list", "INTERNAL_ERROR", requestID)
		return
	}
	if ips == nil {
		ips = []string{}
	}
	writeJSON(w, http.StatusOK, DenyListResponse{IPs: ips})
}

// handleDenyIP adds an IP to the deny-list.
func (r *Router) handleDenyIP(w http.ResponseWriter, req *http.Request) {
	requestID := middleware.GetReqID(req.Context())
	ip, ok := r.ipParam(w, req)
	if !ok {
		return
	}

	if err := r.cfg.Abuse.DenyIP(req.Context(), ip); err != nil {
		r.cfg.Logger.Error("failed to deny ip", zap.String("ip", ip), zap.Error(err))
		r.writeError(w, http.StatusInternalServerError, "failed to update deny-list", "INTERNAL_ERROR", requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAllowIP removes an IP from the deny-list.
func (r *Router) handleAllowIP(w http.ResponseWriter, req *http.Request) {
	requestID := middleware.GetReqID(req.Context())
	ip, ok := r.ipParam(w, req)
	if !ok {
		return
	}

	if err := r.cfg.Abuse.AllowIP(req.Context(), ip); err != nil {
		r.cfg.Logger.Error("failed to allow ip", zap.String("ip", ip), zap.Error(err))
		r.writeError(w, http.StatusInternalServerError, "failed to update deny-list", "INTERNAL_ERROR", requestID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetAudit returns one audit record.
func (r *Router) handleGetAudit(w http.ResponseWriter, req *http.Request) {
	requestID := middleware.GetReqID(req.Context())
	auditID := chi.URLParam(req, "auditId")

	rec, err := r.cfg.Audit.Get(req.Context(), auditID)
	if errors.Is(err, audit.ErrNotFound) {
		r.writeError(w, http.StatusNotFound, "audit record not found", "NOT_FOUND", requestID)
		return
	}
	if err != nil {
		r.cfg.Logger.Error("failed to get audit record", zap.String("audit_id", auditID), zap.Error(err))
		r.writeError(w, http.StatusInternalServerError, "failed to get audit record", "INTERNAL_ERROR", requestID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListAudit lists audit records filtered by query parameters.
func (r *Router) handleListAudit(w http.ResponseWriter, req *http.Request) {
	requestID := middleware.GetReqID(req.Context())
	q := req.URL.Query()

	filter := &audit.ListFilter{
		UserID: q.Get("userId"),
		IP:     q.Get("ip"),
		Code:   q.Get("code"),
		Limit:  50,
	}
	if v := q.Get("passed"); v != "" {
		passed, err := strconv.ParseBool(v)
		if err != nil {
			r.writeError(w, http.StatusBadRequest, "passed must be a boolean", "VALIDATION_ERROR", requestID)
			return
		}
		filter.Passed = &passed
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			r.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000", "VALIDATION_ERROR", requestID)
			return
		}
		filter.Limit = n
	}

	records, err := r.cfg.Audit.List(req.Context(), filter)
	if err != nil {
		r.cfg.Logger.Error("failed to list audit records", zap.Error(err))
		r.writeError(w, http.StatusInternalServerError, "failed to list audit records", "INTERNAL_ERROR", requestID)
		return
	}
	if records == nil {
		records = []*types.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, AuditListResponse{Records: records})
}

// ipParam reads and validates the {ip} URL parameter.
func (r *Router) ipParam(w http.ResponseWriter, req *http.Request) (string, bool) {
	raw := chi.URLParam(req, "ip")
	parsed := net.ParseIP(raw)
	if parsed == nil {
		r.writeError(w, http.StatusBadRequest, "invalid IP address", "VALIDATION_ERROR", middleware.GetReqID(req.Context()))
		return "", false
	}
	return parsed.String(), true
}

// clientIP returns the caller's IP. middleware.RealIP has already replaced
// RemoteAddr with the forwarded address when present.
func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if net.ParseIP(host) == nil {
		return ""
	}
	return host
}

// writeError writes an error response.
func (r *Router) writeError(w http.ResponseWriter, status int, message, code, requestID string) {
	resp := types.ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestID,
	}
	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
