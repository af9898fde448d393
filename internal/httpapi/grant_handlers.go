package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"datapass.org/internal/auth"
	"datapass.org/internal/grant"
	"datapass.org/internal/obs"
	"datapass.org/internal/stream"
)

type ownershipRequest struct {
	ResourceID string `json:"resource_id"`
	Owner      string `json:"owner"`
}

type submitRequest struct {
	ResourceID      string `json:"resource_id"`
	Purpose         string `json:"purpose"`
	DurationSeconds int64  `json:"duration_seconds"`
	Amount          int64  `json:"amount"`
	Kind            string `json:"kind"`
	IntervalSeconds int64  `json:"interval_seconds"`
}

type extendRequest struct {
	AdditionalSeconds int64 `json:"additional_seconds"`
}

type revokeRequest struct {
	ResourceID string `json:"resource_id"`
	Requester  string `json:"requester"`
}

type listRequestsResponse struct {
	Items     []grant.AccessRequest `json:"items"`
	NextAfter uint64                `json:"next_after"`
	AsOf      time.Time             `json:"as_of"`
}

func (a *API) handleOwnership(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req ownershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.grants.RecordOwnership(r.Context(), caller, req.ResourceID, req.Owner)
	obs.ObserveOp("ownership.record", err)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	a.audit(r.Context(), "grant.ownership.record", map[string]any{
		"resource_id": req.ResourceID,
		"owner":       req.Owner,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"resource_id": req.ResourceID,
		"owner":       req.Owner,
	})
}

func (a *API) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submitRequest(w, r)
	case http.MethodGet:
		a.listRequests(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) submitRequest(w http.ResponseWriter, r *http.Request) {
	requester, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sub := grant.Submission{
		ResourceID: strings.TrimSpace(req.ResourceID),
		Purpose:    strings.TrimSpace(req.Purpose),
		Duration:   time.Duration(req.DurationSeconds) * time.Second,
		Amount:     req.Amount,
		Kind:       grant.PaymentKind(req.Kind),
		Interval:   time.Duration(req.IntervalSeconds) * time.Second,
	}

	created, err := a.grants.SubmitRequest(r.Context(), requester, sub)
	obs.ObserveOp("request.submit", err)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	a.audit(r.Context(), "grant.request.submit", map[string]any{
		"request_id":  created.ID,
		"resource_id": created.ResourceID,
		"kind":        string(created.Kind),
		"amount":      strconv.FormatInt(created.Amount, 10),
	})
	a.publish(stream.Event{
		Type:       "request.submitted",
		RequestID:  created.ID,
		ResourceID: created.ResourceID,
		Requester:  created.Requester,
		Amount:     created.Amount,
	})

	w.Header().Set("Location", "/v1/requests/"+strconv.FormatUint(created.ID, 10))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.grants.ListRequests(r.Context(), limit, after)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listRequestsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

// handleRequestResource routes /v1/requests/{id} and
// /v1/requests/{id}/{approve|deny|payments|extend}.
func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	idPart := path
	action := ""
	if i := strings.IndexByte(path, '/'); i >= 0 {
		idPart = path[:i]
		action = strings.Trim(path[i+1:], "/")
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "request not found")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRequest(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch action {
	case "approve":
		a.approveRequest(w, r, id)
	case "deny":
		a.denyRequest(w, r, id)
	case "payments":
		a.processPayment(w, r, id)
	case "extend":
		a.extendAccess(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request, id uint64) {
	req, err := a.grants.GetRequest(r.Context(), id)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) approveRequest(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	req, err := a.grants.Approve(r.Context(), caller, id)
	obs.ObserveOp("request.approve", err)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	if req.Kind == grant.PaymentOneTime {
		obs.ObserveSettlement(string(req.Kind))
	}

	a.audit(r.Context(), "grant.request.approve", map[string]any{
		"request_id":  req.ID,
		"resource_id": req.ResourceID,
		"requester":   req.Requester,
		"amount":      strconv.FormatInt(req.Amount, 10),
	})
	a.publish(stream.Event{
		Type:       "request.approved",
		RequestID:  req.ID,
		ResourceID: req.ResourceID,
		Requester:  req.Requester,
		Amount:     req.Amount,
	})

	writeJSON(w, http.StatusOK, req)
}

func (a *API) denyRequest(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	req, err := a.grants.Deny(r.Context(), caller, id)
	obs.ObserveOp("request.deny", err)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	a.audit(r.Context(), "grant.request.deny", map[string]any{
		"request_id":  req.ID,
		"resource_id": req.ResourceID,
		"requester":   req.Requester,
	})
	a.publish(stream.Event{
		Type:       "request.denied",
		RequestID:  req.ID,
		ResourceID: req.ResourceID,
		Requester:  req.Requester,
	})

	writeJSON(w, http.StatusOK, req)
}

func (a *API) processPayment(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	req, err := a.grants.ProcessSubscriptionPayment(r.Context(), caller, id)
	obs.ObserveOp("payment.subscription", err)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	obs.ObserveSettlement(string(req.Kind))

	a.audit(r.Context(), "grant.payment.subscription", map[string]any{
		"request_id":  req.ID,
		"resource_id": req.ResourceID,
		"amount":      strconv.FormatInt(req.Amount, 10),
	})
	a.publish(stream.Event{
		Type:       "payment.settled",
		RequestID:  req.ID,
		ResourceID: req.ResourceID,
		Requester:  req.Requester,
		Amount:     req.Amount,
	})

	writeJSON(w, http.StatusOK, req)
}

func (a *API) extendAccess(w http.ResponseWriter, r *http.Request, id uint64) {
	caller, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var body extendRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	additional := time.Duration(body.AdditionalSeconds) * time.Second
	req, err := a.grants.ExtendAccess(r.Context(), caller, id, additional)
	obs.ObserveOp("request.extend", err)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	obs.ObserveSettlement("extension")

	a.audit(r.Context(), "grant.request.extend", map[string]any{
		"request_id":         req.ID,
		"resource_id":        req.ResourceID,
		"additional_seconds": strconv.FormatInt(body.AdditionalSeconds, 10),
	})
	a.publish(stream.Event{
		Type:       "request.extended",
		RequestID:  req.ID,
		ResourceID: req.ResourceID,
		Requester:  req.Requester,
	})

	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	perm, err := a.grants.Revoke(r.Context(), caller, strings.TrimSpace(req.ResourceID), strings.TrimSpace(req.Requester))
	obs.ObserveOp("permission.revoke", err)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}

	a.audit(r.Context(), "grant.permission.revoke", map[string]any{
		"resource_id": perm.ResourceID,
		"requester":   perm.Requester,
		"request_id":  perm.RequestID,
	})
	a.publish(stream.Event{
		Type:       "permission.revoked",
		RequestID:  perm.RequestID,
		ResourceID: perm.ResourceID,
		Requester:  perm.Requester,
	})

	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handlePermissionLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	resourceID := strings.TrimSpace(r.URL.Query().Get("resource_id"))
	requester := strings.TrimSpace(r.URL.Query().Get("requester"))
	if resourceID == "" || requester == "" {
		writeError(w, r, http.StatusBadRequest, "resource_id and requester query parameters are required")
		return
	}

	perm, err := a.grants.GetPermission(r.Context(), resourceID, requester)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

// handleVerifyAccess is the gating check content servers call before serving
// a resource.
func (a *API) handleVerifyAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	resourceID := strings.TrimSpace(r.URL.Query().Get("resource_id"))
	requester := strings.TrimSpace(r.URL.Query().Get("requester"))
	if resourceID == "" || requester == "" {
		writeError(w, r, http.StatusBadRequest, "resource_id and requester query parameters are required")
		return
	}

	err := a.grants.VerifyAccess(r.Context(), resourceID, requester)
	obs.ObserveOp("access.verify", err)
	if err != nil {
		handleGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": true})
}

func (a *API) publish(evt stream.Event) {
	if a.events != nil {
		a.events.Publish(evt)
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleGrantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, grant.ErrNotAuthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, grant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, grant.ErrInvalidParameters), errors.Is(err, grant.ErrInvalidPaymentKind):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, grant.ErrAlreadyProcessed):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, grant.ErrPaymentFailed):
		writeError(w, r, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, grant.ErrAccessRevoked):
		writeError(w, r, http.StatusGone, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
