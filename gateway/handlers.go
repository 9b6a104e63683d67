package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/talosaether/hubs/auth"
	"github.com/talosaether/hubs/moduledata"
	"github.com/talosaether/hubs/source"
	"github.com/talosaether/hubs/source/remote"
	"github.com/talosaether/hubs/tab"
	"github.com/talosaether/hubs/workspace"
)

var errAccountsDisabled = errors.New("accounts are not enabled on this gateway")

type contextKey int

const userKey contextKey = iota

func userFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userKey).(string)
	return userID
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take the connection over.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (mod *Module) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		mod.logger.Debug("gateway request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get(remote.HeaderAuthorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// identify returns the caller, from the bearer token when the gateway has
// accounts and from the X-User-ID header otherwise.
func (mod *Module) identify(r *http.Request) (string, error) {
	if mod.accounts == nil {
		if userID := r.Header.Get(remote.HeaderUserID); userID != "" {
			return userID, nil
		}
		return "", remote.ErrUnauthenticated
	}
	userID, err := mod.accounts.Resolve(r.Context(), bearerToken(r))
	if err != nil {
		return "", remote.ErrUnauthenticated
	}
	return userID, nil
}

func (mod *Module) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := mod.identify(r)
		if err != nil {
			mod.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

// authorize checks permission for the caller in workspaceID. An empty
// workspace is a tenancy error, not a permission one.
func (mod *Module) authorize(ctx context.Context, permission, workspaceID string) error {
	if workspaceID == "" {
		return source.ErrUnscoped
	}
	if mod.authz == nil {
		return nil
	}
	userID := userFrom(ctx)
	if !mod.authz.Can(ctx, userID, permission, workspaceID) {
		mod.logger.Warn("gateway refused caller", "user_id", userID, "permission", permission, "workspace_id", workspaceID)
		return remote.ErrForbidden
	}
	return nil
}

func (mod *Module) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		mod.logger.Error("failed to encode response", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, remote.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, remote.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, source.ErrNotFound), errors.Is(err, moduledata.ErrUnknownTab):
		return http.StatusNotFound
	case errors.Is(err, source.ErrNoTable), errors.Is(err, source.ErrBadColumn), errors.Is(err, source.ErrUnscoped):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (mod *Module) writeError(w http.ResponseWriter, status int, err error) {
	if status == 0 {
		status = statusFor(err)
	}
	if status >= http.StatusInternalServerError {
		mod.logger.Error("gateway request failed", "error", err)
	}
	mod.writeJSON(w, status, remote.ErrorResponse{Error: err.Error(), Code: remote.ErrorCode(err)})
}

func (mod *Module) writer() (source.Writer, error) {
	writer, ok := mod.src.(source.Writer)
	if !ok {
		return nil, errors.New("source is read-only")
	}
	return writer, nil
}

func (mod *Module) handleHealth(w http.ResponseWriter, r *http.Request) {
	mod.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (mod *Module) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if mod.accounts == nil {
		mod.writeError(w, http.StatusNotImplemented, errAccountsDisabled)
		return
	}
	var body remote.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		mod.writeError(w, http.StatusBadRequest, err)
		return
	}
	token, err := mod.accounts.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, auth.ErrWrongPassword) {
			err = fmt.Errorf("%w: %w", remote.ErrUnauthenticated, err)
		}
		mod.writeError(w, 0, err)
		return
	}
	mod.writeJSON(w, http.StatusCreated, remote.SignInResponse{
		Token:     token.Value,
		UserID:    token.UserID,
		ExpiresAt: token.ExpiresAt,
	})
}

func (mod *Module) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if mod.accounts == nil {
		mod.writeError(w, http.StatusNotImplemented, errAccountsDisabled)
		return
	}
	if _, err := mod.identify(r); err != nil {
		mod.writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err := mod.accounts.SignOut(r.Context(), bearerToken(r)); err != nil {
		mod.writeError(w, 0, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (mod *Module) handleModules(w http.ResponseWriter, r *http.Request) {
	mod.writeJSON(w, http.StatusOK, mod.registry.Catalog())
}

// handleTabView renders one tab the way a client would show it.
func (mod *Module) handleTabView(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scope := moduledata.Scope{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		ModuleID:    vars["module"],
		TabSlug:     vars["tab"],
	}
	spec, err := mod.registry.Lookup(scope.ModuleID, scope.TabSlug)
	if err != nil {
		mod.writeError(w, 0, err)
		return
	}
	if err := mod.authorize(r.Context(), workspace.PermRead, scope.WorkspaceID); err != nil {
		mod.writeError(w, 0, err)
		return
	}

	opts := append([]moduledata.Option{moduledata.WithLogger(mod.logger)}, mod.hookOpts...)
	opts = append(opts, moduledata.WithLive(false))
	hook, err := moduledata.ModuleData(mod.src, mod.registry, scope, opts...)
	if err != nil {
		mod.writeError(w, 0, err)
		return
	}
	hook.Mount(r.Context())
	defer hook.Unmount()

	ctx, cancel := context.WithTimeout(r.Context(), mod.viewTimeout)
	defer cancel()
	state, err := hook.Settled(ctx)
	if err != nil {
		state.Err = err
	}
	mod.writeJSON(w, http.StatusOK, tab.ForSpec(spec).Render(state))
}

func (mod *Module) handleFetch(w http.ResponseWriter, r *http.Request) {
	query, err := remote.DecodeQuery(mux.Vars(r)["table"], r.URL.Query())
	if err != nil {
		mod.writeError(w, http.StatusBadRequest, err)
		return
	}
	if query.Unscoped {
		mod.writeError(w, http.StatusForbidden, remote.ErrForbidden)
		return
	}
	if err := query.Validate(); err != nil {
		mod.writeError(w, 0, err)
		return
	}
	if err := mod.authorize(r.Context(), workspace.PermRead, query.WorkspaceID); err != nil {
		mod.writeError(w, 0, err)
		return
	}

	records, err := mod.src.Fetch(r.Context(), query)
	if err != nil {
		mod.writeError(w, 0, err)
		return
	}
	mod.writeJSON(w, http.StatusOK, remote.RecordsResponse{Records: records})
}

func (mod *Module) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req remote.InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mod.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	table := mux.Vars(r)["table"]
	if !source.ValidColumn(table) {
		mod.writeError(w, 0, source.ErrBadColumn)
		return
	}
	if err := mod.authorize(r.Context(), workspace.PermWrite, req.WorkspaceID); err != nil {
		mod.writeError(w, 0, err)
		return
	}
	writer, err := mod.writer()
	if err != nil {
		mod.writeError(w, http.StatusMethodNotAllowed, err)
		return
	}

	rec, err := writer.Insert(r.Context(), table, req.WorkspaceID, req.Fields)
	if err != nil {
		mod.writeError(w, 0, err)
		return
	}
	mod.writeJSON(w, http.StatusCreated, remote.RecordResponse{Record: rec})
}

// owned checks that row id of table lives in workspaceID, deleted rows
// included.
func (mod *Module) owned(ctx context.Context, table, id, workspaceID string) error {
	records, err := mod.src.Fetch(ctx, source.Query{
		Table:          table,
		WorkspaceID:    workspaceID,
		Filters:        map[string]any{source.FieldID: id},
		IncludeDeleted: true,
		Limit:          1,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return source.ErrNotFound
	}
	return nil
}

// rowRequest authorizes a write to one row and returns its coordinates.
func (mod *Module) rowRequest(w http.ResponseWriter, r *http.Request) (string, string, source.Writer, bool) {
	vars := mux.Vars(r)
	table, id := vars["table"], vars["id"]
	workspaceID := r.URL.Query().Get("workspace_id")
	if !source.ValidColumn(table) {
		mod.writeError(w, 0, source.ErrBadColumn)
		return "", "", nil, false
	}
	if err := mod.authorize(r.Context(), workspace.PermWrite, workspaceID); err != nil {
		mod.writeError(w, 0, err)
		return "", "", nil, false
	}
	writer, err := mod.writer()
	if err != nil {
		mod.writeError(w, http.StatusMethodNotAllowed, err)
		return "", "", nil, false
	}
	if err := mod.owned(r.Context(), table, id, workspaceID); err != nil {
		mod.writeError(w, 0, err)
		return "", "", nil, false
	}
	return table, id, writer, true
}

func (mod *Module) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req remote.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mod.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	table, id, writer, ok := mod.rowRequest(w, r)
	if !ok {
		return
	}
	rec, err := writer.Update(r.Context(), table, id, req.Fields)
	if err != nil {
		mod.writeError(w, 0, err)
		return
	}
	mod.writeJSON(w, http.StatusOK, remote.RecordResponse{Record: rec})
}

func (mod *Module) handleDelete(w http.ResponseWriter, r *http.Request) {
	table, id, writer, ok := mod.rowRequest(w, r)
	if !ok {
		return
	}
	if err := writer.Delete(r.Context(), table, id); err != nil {
		mod.writeError(w, 0, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
