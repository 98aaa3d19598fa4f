// Package httpapi exposes the HTTP surface named in spec §6: build
// creation, the SSE stream, the pause/resume/approve/restart control
// endpoints, and the artifact download redirect. Grounded on the
// teacher's pkg/webui/server.go: a bare http.ServeMux, a requireAuth
// Basic-Auth wrapper, one handler per route with an explicit method
// check, and a StartServer that runs ListenAndServe in a goroutine and
// shuts down gracefully on context cancellation.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orchestrator/pkg/config"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/objectstore"
	"orchestrator/pkg/orchestrator"
	"orchestrator/pkg/persistence"
	"orchestrator/pkg/proto"
	"orchestrator/pkg/registry"
)

// BasicAuthUser is the fixed Basic-Auth username for this surface,
// mirroring the teacher's single-operator-account convention.
const BasicAuthUser = "orchestrator"

// Server serves the HTTP surface in front of one Orchestrator.
type Server struct {
	orch   *orchestrator.Orchestrator
	db     *persistence.DatabaseOperations
	reg    *registry.Registry
	store  objectstore.Store
	logger *logx.Logger
}

// New constructs a Server. store may be nil, in which case /download
// always responds 404 (no object store configured).
func New(orch *orchestrator.Orchestrator, db *persistence.DatabaseOperations, reg *registry.Registry, store objectstore.Store) *Server {
	return &Server{
		orch:   orch,
		db:     db,
		reg:    reg,
		store:  store,
		logger: logx.NewLogger("httpapi"),
	}
}

// requireAuth wraps a handler with Basic Authentication, password from
// config.GetWebUIPassword() — the same credential the teacher's web UI
// challenges against.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := config.GetWebUIPassword()
		username, password, ok := r.BasicAuth()
		if !ok || username != BasicAuthUser || password != expected {
			w.Header().Set("WWW-Authenticate", `Basic realm="orchestrator"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes wires every route in spec §6 onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/builds", s.requireAuth(s.handleCreateBuild))
	mux.HandleFunc("/builds/", s.requireAuth(s.handleBuildRoute))
	mux.Handle("/metrics", promhttp.Handler())
}

// StartServer starts the HTTP surface on addr in a background goroutine and
// returns at once without waiting for the listener; listen errors are
// logged, not returned. It shuts down gracefully when ctx is cancelled.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{Addr: addr, Handler: mux}
	s.logger.Info("starting HTTP surface on %s", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down HTTP surface")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // parent context is cancelled; shutdown needs its own
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	return nil
}

// createBuildRequest is the POST /builds body (spec §6). ComplexityTier
// and TargetFeatureCount are accepted for forward compatibility but not
// yet honored: the Planning phase's own estimator (spec §4.5 step 3)
// always computes these from the app spec, and spec §4.5 describes no
// client-override path.
type createBuildRequest struct {
	AppSpec            string               `json:"appSpec"`
	ComplexityTier     proto.ComplexityTier `json:"complexityTier"`
	TargetFeatureCount int                  `json:"targetFeatureCount"`
	ReviewGatesEnabled bool                 `json:"reviewGatesEnabled"`
}

// handleCreateBuild implements POST /builds.
func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.AppSpec) == "" {
		http.Error(w, "appSpec is required", http.StatusBadRequest)
		return
	}

	ownerID, _, _ := r.BasicAuth()
	build, err := s.orch.StartBuild(r.Context(), ownerID, req.AppSpec, req.ReviewGatesEnabled)
	if err != nil {
		s.logger.Error("start build failed: %v", err)
		http.Error(w, "failed to start build", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]*proto.Build{"build": build})
}

// handleBuildRoute dispatches every /builds/{id}/... route.
func (s *Server) handleBuildRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/builds/")
	parts := strings.SplitN(rest, "/", 2)
	buildID := parts[0]
	if buildID == "" {
		http.Error(w, "build id required", http.StatusBadRequest)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "stream":
		s.handleStream(w, r, buildID)
	case "pause":
		s.handleControl(w, r, buildID, "pause")
	case "resume":
		s.handleControl(w, r, buildID, "resume")
	case "approve":
		s.handleApprove(w, r, buildID)
	case "restart":
		s.handleRestart(w, r, buildID)
	case "download":
		s.handleDownload(w, r, buildID)
	default:
		http.NotFound(w, r)
	}
}

// handleControl implements POST /builds/{id}/pause and /resume — idempotent
// requests against the in-memory control map (spec §6).
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, buildID, which string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var err error
	switch which {
	case "pause":
		err = s.orch.PauseBuild(buildID)
	case "resume":
		err = s.orch.ResumeBuild(buildID)
	}
	// A build not running on this node cannot be paused/resumed further;
	// that is not a client error, just a no-op on an already-terminal or
	// not-yet-scheduled build, so it still reports the current record.
	if err != nil {
		s.logger.Debug("build %s: %s: %v", buildID, which, err)
	}

	s.respondWithBuild(w, buildID)
}

// approveRequest is the POST /builds/{id}/approve body.
type approveRequest struct {
	Gate          string  `json:"gate"`
	EditedContent *string `json:"editedContent,omitempty"`
}

// handleApprove implements POST /builds/{id}/approve.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, buildID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.orch.ApproveGate(buildID, req.Gate, req.EditedContent); err != nil {
		s.logger.Debug("build %s: approve %s: %v", buildID, req.Gate, err)
	}

	s.respondWithBuild(w, buildID)
}

// handleRestart implements POST /builds/{id}/restart. A build still
// active or otherwise non-terminal is left untouched (the restart is a
// no-op, satisfying "idempotent"); a terminal build is relaunched with
// its original appSpec and review-gate setting, producing a fresh Build
// record returned under the same {build} envelope.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request, buildID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	build, err := s.db.GetBuildByID(buildID)
	if err != nil {
		http.Error(w, "build not found", http.StatusNotFound)
		return
	}

	if !build.Status.IsTerminal() {
		s.writeJSON(w, http.StatusOK, map[string]*proto.Build{"build": build})
		return
	}

	fresh, err := s.orch.StartBuild(r.Context(), build.OwnerID, build.AppSpec, build.ReviewGatesEnabled)
	if err != nil {
		s.logger.Error("build %s: restart failed: %v", buildID, err)
		http.Error(w, "failed to restart build", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]*proto.Build{"build": fresh})
}

// handleDownload implements GET /builds/{id}/download: a 302 to a freshly
// signed URL for the build's artifact key.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, buildID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "no object store configured", http.StatusNotFound)
		return
	}

	build, err := s.db.GetBuildByID(buildID)
	if err != nil || build.ArtifactKey == nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}

	url, err := s.store.GetSignedURL(r.Context(), *build.ArtifactKey, signedURLTTL)
	if err != nil {
		s.logger.Error("build %s: sign artifact url failed: %v", buildID, err)
		http.Error(w, "failed to sign artifact url", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) respondWithBuild(w http.ResponseWriter, buildID string) {
	build, err := s.db.GetBuildByID(buildID)
	if err != nil {
		http.Error(w, "build not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]*proto.Build{"build": build})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed: %v", err)
	}
}

// signedURLTTL is how long a download redirect's presigned URL remains valid.
const signedURLTTL = 15 * time.Minute
