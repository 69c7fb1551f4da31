// Package daemon serves the local control-plane API over a unix socket.
// Delivery actions are written through to the backend when it is
// reachable and queued for replay when it is not.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/diayal/courierd/internal/api"
	"github.com/diayal/courierd/internal/config"
	"github.com/diayal/courierd/internal/model"
	"github.com/diayal/courierd/internal/offline"
	"github.com/diayal/courierd/internal/ratelimit"
	"github.com/diayal/courierd/internal/remote"
	"github.com/diayal/courierd/internal/security"
	"github.com/diayal/courierd/internal/session"
)

const schemaVersion = "v1"

// Deps bundles the daemon's collaborators; the main binary wires them.
type Deps struct {
	Client  *remote.Client
	Session *session.Manager
	Limiter *ratelimit.Limiter
	Queue   *offline.Queue
	Shadow  *offline.Shadow
	Engine  *offline.Engine
}

type Server struct {
	cfg         config.Config
	deps        Deps
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	router := mux.NewRouter()
	s := &Server{
		cfg:  cfg,
		deps: deps,
		httpSrv: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/sync", s.syncHandler).Methods(http.MethodPost)
	v1.HandleFunc("/queue", s.queueHandler).Methods(http.MethodGet)
	v1.HandleFunc("/deadletter", s.deadLetterHandler).Methods(http.MethodGet)
	v1.HandleFunc("/deadletter", s.purgeDeadLetterHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/login", s.loginHandler).Methods(http.MethodPost)
	v1.HandleFunc("/activate", s.activateHandler).Methods(http.MethodPost)
	v1.HandleFunc("/logout", s.logoutHandler).Methods(http.MethodPost)
	v1.HandleFunc("/availability", s.availabilityHandler).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries", s.deliveriesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/{id}", s.deliveryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/{id}/accept", s.acceptHandler).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries/{id}/reject", s.rejectHandler).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries/{id}/status", s.statusUpdateHandler).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries/{id}/validate", s.validateHandler).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries/{id}/fail", s.failHandler).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries/{id}/proof", s.proofHandler).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries/{id}/issues", s.issueHandler).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries/{id}/location", s.locationHandler).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "route not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeInvalid, "method not allowed")
	})
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := api.StatusResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		QueueDepth:    s.deps.Queue.Depth(ctx),
	}
	if courier := s.deps.Session.Courier(); courier != nil {
		resp.Authenticated = true
		resp.Courier = courier
	}
	if letters, err := s.deps.Engine.DeadLetters(ctx); err == nil {
		resp.DeadLetters = len(letters)
	}
	if at, summary, ok := s.deps.Engine.LastSync(); ok {
		resp.LastSyncAt = &at
		resp.LastSync = &api.SyncResult{Success: summary.Success, Failed: summary.Failed}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	summary := s.deps.Engine.Sync(r.Context())
	s.writeJSON(w, http.StatusOK, api.SyncResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Result:        api.SyncResult{Success: summary.Success, Failed: summary.Failed},
	})
}

func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	actions := s.deps.Queue.List(r.Context())
	if actions == nil {
		actions = []model.PendingAction{}
	}
	s.writeJSON(w, http.StatusOK, api.QueueEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Actions:       actions,
	})
}

func (s *Server) deadLetterHandler(w http.ResponseWriter, r *http.Request) {
	letters, err := s.deps.Engine.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []model.DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, api.DeadLetterEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		DeadLetters:   letters,
	})
}

func (s *Server) purgeDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.PurgeDeadLetters(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to purge dead letters")
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Phone) == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "phone and password are required")
		return
	}
	ctx := r.Context()

	decision, err := s.deps.Limiter.CheckLoginAttempts(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to check login attempts")
		return
	}
	if !decision.Allowed {
		retryAfter := int64(decision.RemainingTime.Seconds())
		s.writeJSON(w, http.StatusLocked, api.ErrorResponse{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Error: api.APIError{
				Code:    model.ErrCodeLockedOut,
				Message: fmt.Sprintf("too many failed attempts, retry in %ds", retryAfter),
			},
		})
		return
	}

	resp, err := s.deps.Session.Login(ctx, req.Phone, req.Password)
	if err != nil {
		s.writeLoginError(ctx, w, err)
		return
	}
	if err := s.deps.Limiter.ResetAttempts(ctx); err != nil {
		s.errlog("reset login attempts", err)
	}
	courier := resp.Courier
	s.writeJSON(w, http.StatusOK, api.LoginResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Courier:       &courier,
	})
}

// writeLoginError maps a login failure: credential rejections count
// against the limiter, access denials and activation states do not.
func (s *Server) writeLoginError(ctx context.Context, w http.ResponseWriter, err error) {
	var denied *session.AccessDeniedError
	if errors.As(err, &denied) {
		s.writeError(w, http.StatusForbidden, model.ErrCodeAccessDenied, denied.Reason)
		return
	}
	var reqErr *remote.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.RequiresActivation {
			s.writeError(w, http.StatusConflict, model.ErrCodeNeedsActivate, "account requires activation")
			return
		}
		if reqErr.StatusCode == http.StatusUnauthorized {
			outcome, recErr := s.deps.Limiter.RecordFailedAttempt(ctx)
			if recErr != nil {
				s.errlog("record failed attempt", recErr)
			}
			if outcome.Locked {
				s.writeError(w, http.StatusLocked, model.ErrCodeLockedOut, "too many failed attempts")
				return
			}
			s.writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized,
				fmt.Sprintf("invalid credentials, %d attempts remaining", outcome.RemainingAttempts))
			return
		}
	}
	s.writeError(w, http.StatusBadGateway, model.ErrCodeUpstream, err.Error())
}

func (s *Server) activateHandler(w http.ResponseWriter, r *http.Request) {
	var req api.ActivateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Phone) == "" || req.OTP == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "phone, otp and password are required")
		return
	}
	resp, err := s.deps.Session.Activate(r.Context(), req.Phone, req.OTP, req.Password)
	if err != nil {
		var denied *session.AccessDeniedError
		if errors.As(err, &denied) {
			s.writeError(w, http.StatusForbidden, model.ErrCodeAccessDenied, denied.Reason)
			return
		}
		s.writeError(w, http.StatusBadGateway, model.ErrCodeUpstream, err.Error())
		return
	}
	courier := resp.Courier
	s.writeJSON(w, http.StatusOK, api.LoginResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Courier:       &courier,
	})
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.deps.Session.ForceLogout(ctx)
	s.deps.Shadow.Reset(ctx)
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "logged out",
	})
}

func (s *Server) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	var req api.AvailabilityRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	switch req.Availability {
	case model.AvailabilityAvailable, model.AvailabilityBusy, model.AvailabilityOffline:
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "availability must be available, busy or offline")
		return
	}
	if err := s.deps.Client.SetAvailability(r.Context(), req.Availability); err != nil {
		s.writeRemoteError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) deliveriesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := model.Bucket(r.URL.Query().Get("bucket"))
	if bucket == "" {
		bucket = model.BucketActive
	}
	switch bucket {
	case model.BucketPending, model.BucketActive, model.BucketDone:
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "bucket must be pending, active or done")
		return
	}

	deliveries, err := s.deps.Client.ListDeliveries(ctx, bucket)
	if err != nil {
		if !remote.IsTransient(err) {
			s.writeRemoteError(w, err)
			return
		}
		// Offline: serve the cached shadow with optimistic patches.
		s.writeJSON(w, http.StatusOK, api.DeliveriesEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Deliveries:    s.deps.Shadow.Deliveries(ctx),
			FromCache:     true,
		})
		return
	}
	if bucket == model.BucketActive {
		s.deps.Shadow.SaveDeliveries(ctx, deliveries)
	}
	if deliveries == nil {
		deliveries = []model.Delivery{}
	}
	s.writeJSON(w, http.StatusOK, api.DeliveriesEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Deliveries:    deliveries,
	})
}

func (s *Server) deliveryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	delivery, err := s.deps.Client.GetDelivery(ctx, id)
	if err != nil {
		if remote.IsTransient(err) {
			for _, cached := range s.deps.Shadow.Deliveries(ctx) {
				if cached.ID == id {
					s.writeJSON(w, http.StatusOK, api.DeliveryEnvelope{
						SchemaVersion: schemaVersion,
						GeneratedAt:   time.Now().UTC(),
						Delivery:      cached,
					})
					return
				}
			}
		}
		s.writeRemoteError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DeliveryEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Delivery:      delivery,
	})
}

func (s *Server) acceptHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	err := s.deps.Client.AcceptDelivery(ctx, id)
	if err == nil {
		s.writeActionOK(w)
		return
	}
	if !remote.IsTransient(err) {
		s.writeRemoteError(w, err)
		return
	}
	action := s.deps.Queue.Enqueue(ctx, model.ActionAcceptDelivery, id, model.ActionPayload{})
	now := time.Now().UTC()
	status := model.StatusAccepted
	s.deps.Shadow.UpdateDeliveryLocally(ctx, id, offline.DeliveryPatch{Status: &status, AcceptedAt: &now})
	s.writeQueued(w, action.ID)
}

func (s *Server) rejectHandler(w http.ResponseWriter, r *http.Request) {
	var req api.RejectRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	err := s.deps.Client.RejectDelivery(ctx, id, req.Reason)
	if err == nil {
		s.writeActionOK(w)
		return
	}
	if !remote.IsTransient(err) {
		s.writeRemoteError(w, err)
		return
	}
	action := s.deps.Queue.Enqueue(ctx, model.ActionRejectDelivery, id, model.ActionPayload{Reason: req.Reason})
	now := time.Now().UTC()
	status := model.StatusRejected
	s.deps.Shadow.UpdateDeliveryLocally(ctx, id, offline.DeliveryPatch{Status: &status, RejectedAt: &now})
	s.writeQueued(w, action.ID)
}

func (s *Server) statusUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req api.StatusUpdateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if !validTransitionTarget(req.NewStatus) {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "unsupported status transition")
		return
	}
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	err := s.deps.Client.UpdateDeliveryStatus(ctx, id, req.NewStatus, req.Location)
	if err == nil {
		s.writeActionOK(w)
		return
	}
	if !remote.IsTransient(err) {
		s.writeRemoteError(w, err)
		return
	}
	action := s.deps.Queue.Enqueue(ctx, model.ActionUpdateStatus, id, model.ActionPayload{
		Status:   req.NewStatus,
		Location: req.Location,
	})
	status := req.NewStatus
	patch := offline.DeliveryPatch{Status: &status}
	stampStatusPatch(&patch, req.NewStatus)
	s.deps.Shadow.UpdateDeliveryLocally(ctx, id, patch)
	s.writeQueued(w, action.ID)
}

func (s *Server) validateHandler(w http.ResponseWriter, r *http.Request) {
	var req api.ValidateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "code is required")
		return
	}
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	result, err := s.deps.Client.ValidateDeliveryCode(ctx, id, req.Code)
	if err == nil {
		s.writeJSON(w, http.StatusOK, api.ValidateResponse{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Valid:         result.Valid,
			Message:       result.Message,
		})
		return
	}
	if !remote.IsTransient(err) {
		s.writeRemoteError(w, err)
		return
	}
	// Validation cannot be confirmed offline; the code is queued and the
	// caller is told the outcome is pending.
	s.deps.Queue.Enqueue(ctx, model.ActionValidateCode, id, model.ActionPayload{Code: req.Code})
	s.writeJSON(w, http.StatusAccepted, api.ValidateResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Queued:        true,
	})
}

func (s *Server) failHandler(w http.ResponseWriter, r *http.Request) {
	var req api.FailRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "reason is required")
		return
	}
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	err := s.deps.Client.MarkDeliveryFailed(ctx, id, req.Reason, req.Comment, req.Location)
	if err == nil {
		s.writeActionOK(w)
		return
	}
	if !remote.IsTransient(err) {
		s.writeRemoteError(w, err)
		return
	}
	action := s.deps.Queue.Enqueue(ctx, model.ActionMarkFailed, id, model.ActionPayload{
		Reason:   string(req.Reason),
		Comment:  req.Comment,
		Location: req.Location,
	})
	now := time.Now().UTC()
	status := model.StatusFailed
	reason := req.Reason
	comment := req.Comment
	s.deps.Shadow.UpdateDeliveryLocally(ctx, id, offline.DeliveryPatch{
		Status:         &status,
		FailureReason:  &reason,
		FailureComment: &comment,
		FailedAt:       &now,
	})
	s.writeQueued(w, action.ID)
}

func (s *Server) proofHandler(w http.ResponseWriter, r *http.Request) {
	var req api.ProofRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PhotoPath) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "photoPath is required")
		return
	}
	if _, err := os.Stat(req.PhotoPath); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "photo file not readable")
		return
	}
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	err := s.deps.Client.UploadProofPhoto(ctx, id, req.PhotoPath)
	if err == nil {
		s.writeActionOK(w)
		return
	}
	if !remote.IsTransient(err) {
		s.writeRemoteError(w, err)
		return
	}
	action := s.deps.Queue.Enqueue(ctx, model.ActionUploadPhoto, id, model.ActionPayload{PhotoPath: req.PhotoPath})
	s.writeQueued(w, action.ID)
}

func (s *Server) issueHandler(w http.ResponseWriter, r *http.Request) {
	var req api.IssueRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "reason is required")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Client.ReportIssue(r.Context(), id, req.Reason, req.Description); err != nil {
		s.writeRemoteError(w, err)
		return
	}
	s.writeActionOK(w)
}

// locationHandler forwards a tracking ping; pings are ephemeral and
// never queued for replay.
func (s *Server) locationHandler(w http.ResponseWriter, r *http.Request) {
	var req api.LocationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	point := model.TrackingPoint{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Timestamp: time.Now().UTC(),
		Accuracy:  req.Accuracy,
	}
	if err := s.deps.Client.SendLocation(r.Context(), id, point); err != nil {
		if remote.IsTransient(err) {
			s.writeJSON(w, http.StatusAccepted, api.ActionResponse{
				SchemaVersion: schemaVersion,
				GeneratedAt:   time.Now().UTC(),
			})
			return
		}
		s.writeRemoteError(w, err)
		return
	}
	s.writeActionOK(w)
}

func validTransitionTarget(status model.DeliveryStatus) bool {
	switch status {
	case model.StatusPickedUp, model.StatusEnRoute, model.StatusArrived, model.StatusDelivered:
		return true
	}
	return false
}

// stampStatusPatch records the event timestamp matching an optimistic
// status change so the cached record mirrors what the backend will set.
func stampStatusPatch(patch *offline.DeliveryPatch, status model.DeliveryStatus) {
	now := time.Now().UTC()
	switch status {
	case model.StatusPickedUp:
		patch.PickedUpAt = &now
	case model.StatusEnRoute:
		patch.EnRouteAt = &now
	case model.StatusArrived:
		patch.ArrivedAt = &now
	case model.StatusDelivered:
		patch.DeliveredAt = &now
	}
}

func (s *Server) writeActionOK(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, api.ActionResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
	})
}

func (s *Server) writeQueued(w http.ResponseWriter, actionID string) {
	s.writeJSON(w, http.StatusAccepted, api.ActionResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Queued:        true,
		ActionID:      actionID,
	})
}

func (s *Server) writeRemoteError(w http.ResponseWriter, err error) {
	var reqErr *remote.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.StatusCode {
		case http.StatusUnauthorized:
			s.writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthorized, "session expired, log in again")
			return
		case http.StatusForbidden:
			s.writeError(w, http.StatusForbidden, model.ErrCodeForbidden, reqErr.Message)
			return
		case http.StatusNotFound:
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "delivery not found")
			return
		}
		s.writeError(w, http.StatusBadGateway, model.ErrCodeUpstream, reqErr.Error())
		return
	}
	s.writeError(w, http.StatusBadGateway, model.ErrCodeUpstream, err.Error())
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	defer r.Body.Close() //nolint:errcheck
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) errlog(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "courierd: %s: %s\n", scope, security.RedactLine(err.Error()))
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
