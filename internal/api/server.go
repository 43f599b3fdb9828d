package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"waflow/internal/cache"
	"waflow/internal/campaigns"
	"waflow/internal/domain"
	"waflow/internal/engine"
	"waflow/internal/events"
	"waflow/internal/instances"
	"waflow/internal/store"
)

// OwnerHeader carries the caller's owner id. Authentication happens in front of this service.
const OwnerHeader = "X-Owner-ID"

type LogReader interface {
	ListOpsLogs(ctx context.Context, ownerID string, limit int) ([]domain.OpsLogEntry, error)
}

type Subscriber interface {
	Subscribe(buffer int, topics ...events.Topic) (<-chan events.Event, func())
}

type ReceiptReader interface {
	Lookup(ctx context.Context, jobID string) (cache.Receipt, bool, error)
}

type Deps struct {
	Instances *instances.Manager
	Campaigns *campaigns.Ledger
	Engine    *engine.Engine
	Logs      LogReader
	Events    Subscriber
	// Receipts is nil when no Redis is configured.
	Receipts ReceiptReader
	Debug    bool
	// PingInterval keeps idle event streams open through proxies. Defaults to 25s.
	PingInterval time.Duration
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	if d.PingInterval <= 0 {
		d.PingInterval = 25 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: d}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)

		r.Post("/instances", s.createInstance)
		r.Get("/instances", s.listInstances)
		r.Get("/instances/{id}", s.getInstance)
		r.Get("/instances/{id}/status", s.getInstance)
		r.Get("/instances/{id}/qr", s.instanceQR)
		r.Post("/instances/{id}/start", s.startInstance)
		r.Post("/instances/{id}/stop", s.stopInstance)

		r.Post("/campaigns", s.createCampaign)
		r.Get("/campaigns", s.listCampaigns)
		r.Get("/campaigns/{id}", s.campaignProgress)
		r.Get("/campaigns/{id}/progress", s.campaignProgress)
		r.Get("/campaigns/{id}/recipients", s.campaignRecipients)
		r.Post("/campaigns/{id}/start", s.startCampaign)
		r.Post("/campaigns/{id}/pause", s.pauseCampaign)
		r.Post("/campaigns/{id}/cancel", s.cancelCampaign)

		r.Get("/jobs/{id}/receipt", s.jobReceipt)

		r.Get("/logs", s.listLogs)
		r.Get("/events", s.streamEvents)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

type ownerKey struct{}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, errorResp{Error: "OWNER_REQUIRED"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	running := 0
	if s.Engine != nil && s.Engine.IsRunning() {
		running = 1
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "waflow_up 1\nwaflow_queue_engine_running %d\n", running)
}

// instances

type createInstanceReq struct {
	Label string `json:"label"`
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "INVALID_JSON"})
			return
		}
	}
	in, err := s.Instances.Create(r.Context(), ownerFrom(r), strings.TrimSpace(req.Label))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.Instances.List(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	in, err := s.Instances.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) instanceQR(w http.ResponseWriter, r *http.Request) {
	in, err := s.Instances.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	qr, ok := s.Instances.QR(in.ID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "QR_NOT_AVAILABLE"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"qr": qr, "status": in.Status})
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	in, err := s.Instances.Start(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	in, err := s.Instances.Stop(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// campaigns

type createCampaignReq struct {
	InstanceID string   `json:"instance_id"`
	Name       string   `json:"name"`
	Message    string   `json:"message"`
	MediaRef   string   `json:"media_ref"`
	Recipients []string `json:"recipients"`
	CSV        string   `json:"recipients_csv"`
}

type createCampaignResp struct {
	Campaign   domain.Campaign `json:"campaign"`
	Recipients int             `json:"recipients"`
	Jobs       int             `json:"jobs"`
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "INVALID_JSON"})
		return
	}
	addrs := campaigns.ParseAddresses(req.Recipients)
	if req.CSV != "" {
		fromCSV, err := campaigns.ParseCSV(strings.NewReader(req.CSV))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: "INVALID_CSV"})
			return
		}
		addrs = append(addrs, fromCSV...)
	}

	owner := ownerFrom(r)
	c, rs, err := s.Campaigns.Build(r.Context(), campaigns.NewCampaign{
		OwnerID:    owner,
		InstanceID: req.InstanceID,
		Name:       req.Name,
		Message:    req.Message,
		MediaRef:   req.MediaRef,
	}, addrs)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.Engine.EnqueueCampaignJobs(r.Context(), owner, c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createCampaignResp{Campaign: c, Recipients: len(rs), Jobs: jobs})
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := s.Campaigns.List(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) campaignProgress(w http.ResponseWriter, r *http.Request) {
	c, stats, err := s.Campaigns.Progress(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events.CampaignProgressPayload{Campaign: c, Stats: stats})
}

func (s *Server) campaignRecipients(w http.ResponseWriter, r *http.Request) {
	rs, err := s.Campaigns.Recipients(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

type campaignAction func(ctx context.Context, ownerID, campaignID string) (domain.Campaign, error)

func (s *Server) campaignTransition(w http.ResponseWriter, r *http.Request, do campaignAction) {
	c, err := do(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": c.ID, "status": c.Status})
}

func (s *Server) startCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, s.Engine.StartCampaign)
}

func (s *Server) pauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, s.Engine.PauseCampaign)
}

func (s *Server) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	s.campaignTransition(w, r, s.Engine.CancelCampaign)
}

// receipts

func (s *Server) jobReceipt(w http.ResponseWriter, r *http.Request) {
	if s.Receipts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "RECEIPTS_DISABLED"})
		return
	}
	rc, ok, err := s.Receipts.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, store.ErrNotFound)
		return
	}
	// receipts are keyed by job only; the campaign lookup scopes them to the caller
	if _, err := s.Campaigns.Get(r.Context(), ownerFrom(r), rc.CampaignID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// ops logs

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	logs, err := s.Logs.ListOpsLogs(r.Context(), ownerFrom(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var ve *campaigns.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: ve.Code})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "NOT_FOUND"})
	case errors.Is(err, engine.ErrCampaignClosed):
		writeJSON(w, http.StatusConflict, errorResp{Error: "CAMPAIGN_CLOSED"})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "INTERNAL"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
