// Package api serves a read-only view of the model root: version history,
// production contents, the metrics ledger and recent runs.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/ledger"
	"github.com/vjranagit/modelvault/pkg/report"
	"github.com/vjranagit/modelvault/pkg/storage"
	"github.com/vjranagit/modelvault/pkg/types"
)

// defaultRunLimit is the number of runs returned when no limit is given
const defaultRunLimit = 20

// Options wires the server to the model root
type Options struct {
	Addr    string
	Timeout time.Duration

	Store      storage.VersionStore
	Current    *storage.CurrentPointer
	Ledger     ledger.Ledger
	Compressor *storage.Compressor

	// ReportDir holds the run journal; empty disables /api/v1/runs
	ReportDir string

	// Families restricts the served families; empty serves any valid name
	Families []string
}

// Server implements the HTTP API server
type Server struct {
	opts   Options
	server *http.Server
}

// NewServer creates a new API server
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Current == nil || opts.Ledger == nil {
		return nil, fmt.Errorf("store, current pointer and ledger are required")
	}
	if opts.Compressor == nil {
		c, err := storage.NewCompressor(3)
		if err != nil {
			return nil, err
		}
		opts.Compressor = c
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	s := &Server{opts: opts}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       opts.Timeout,
	}
	return s, nil
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(s.opts.Timeout))
		r.Get("/families", s.handleFamilies)
		r.Get("/ledger", s.handleLedger)
		r.Get("/runs", s.handleRuns)
		r.Get("/cache", s.handleCache)
		r.Delete("/cache", s.handleCacheClear)

		r.Route("/families/{family}", func(r chi.Router) {
			r.Use(s.familyCtx)
			r.Get("/versions", s.handleVersions)
			r.Get("/versions/{version}/bundle", s.handleVersionBundle)
			r.Get("/current", s.handleCurrent)
			r.Get("/current/bundle", s.handleCurrentBundle)
		})
	})
	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type familyKey struct{}

// familyCtx validates the {family} parameter once per request
func (s *Server) familyCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		family := chi.URLParam(r, "family")
		if err := types.ValidateFamily(family); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if len(s.opts.Families) > 0 && !slices.Contains(s.opts.Families, family) {
			respondError(w, http.StatusNotFound, fmt.Errorf("family %s is not configured", family))
			return
		}
		ctx := context.WithValue(r.Context(), familyKey{}, family)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func familyFrom(r *http.Request) string {
	family, _ := r.Context().Value(familyKey{}).(string)
	return family
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// FamilyInfo is one entry of /api/v1/families
type FamilyInfo struct {
	Name       string               `json:"name"`
	Versions   int                  `json:"versions"`
	Latest     types.VersionID      `json:"latest,omitempty"`
	HasCurrent bool                 `json:"has_current"`
	Record     *types.MetricsRecord `json:"record,omitempty"`
}

func (s *Server) handleFamilies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	records, err := s.opts.Ledger.All(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	names := s.opts.Families
	if len(names) == 0 {
		for name := range records {
			names = append(names, name)
		}
		slices.Sort(names)
	}

	out := make([]FamilyInfo, 0, len(names))
	for _, name := range names {
		versions, err := s.opts.Store.List(ctx, name)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		info := FamilyInfo{
			Name:       name,
			Versions:   len(versions),
			HasCurrent: s.opts.Current.Exists(name),
		}
		if len(versions) > 0 {
			info.Latest = versions[len(versions)-1]
		}
		if rec, ok := records[name]; ok {
			info.Record = &rec
		}
		out = append(out, info)
	}
	respondJSON(w, http.StatusOK, out)
}

// VersionInfo is one entry of a family's version history
type VersionInfo struct {
	ID        types.VersionID `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Score     float64         `json:"score"`
	Current   bool            `json:"current"`
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	family := familyFrom(r)

	versions, err := s.opts.Store.List(ctx, family)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	rec, found, err := s.opts.Ledger.Get(ctx, family)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]VersionInfo, 0, len(versions))
	for _, id := range versions {
		out = append(out, VersionInfo{
			ID:        id,
			CreatedAt: id.Time(),
			Score:     id.Score(),
			Current:   found && rec.Version == id,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleVersionBundle(w http.ResponseWriter, r *http.Request) {
	family := familyFrom(r)
	id, _, _, err := types.ParseVersionID(chi.URLParam(r, "version"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	set, err := s.opts.Store.Read(r.Context(), family, id)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	s.writeBundle(w, family, id, set)
}

// CurrentInfo describes a family's production contents
type CurrentInfo struct {
	Family string               `json:"family"`
	Files  []string             `json:"files"`
	Size   int64                `json:"size"`
	Record *types.MetricsRecord `json:"record,omitempty"`
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	family := familyFrom(r)

	set, err := s.opts.Current.Read(ctx, family)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	info := CurrentInfo{Family: family, Files: set.Names(), Size: set.Size()}

	rec, found, err := s.opts.Ledger.Get(ctx, family)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if found {
		info.Record = &rec
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleCurrentBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	family := familyFrom(r)

	set, err := s.opts.Current.Read(ctx, family)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	var version types.VersionID
	if rec, found, err := s.opts.Ledger.Get(ctx, family); err == nil && found {
		version = rec.Version
	}
	s.writeBundle(w, family, version, set)
}

func (s *Server) writeBundle(w http.ResponseWriter, family string, version types.VersionID, set types.ArtifactSet) {
	name := family + "_current.tar.zst"
	if version != "" {
		name = family + "_" + string(version) + ".tar.zst"
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	// Headers are gone once the stream starts, so a failure can only be logged.
	if err := s.opts.Compressor.WriteBundle(w, family, version, set); err != nil {
		logging.Error().Err(err).Str("family", family).Str("version", string(version)).Msg("Failed to stream bundle")
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	records, err := s.opts.Ledger.All(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.ReportDir == "" {
		respondError(w, http.StatusNotFound, errors.New("run journal is not configured"))
		return
	}

	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	runs, err := report.Recent(s.opts.ReportDir, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

// CacheInfo reports the artifact read cache
type CacheInfo struct {
	Entries  int     `json:"entries"`
	Capacity int     `json:"capacity"`
	Expired  int     `json:"expired"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.cachedStore(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, cacheInfo(cs))
}

// handleCacheClear drops every cached version and reports the emptied cache
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.cachedStore(w)
	if !ok {
		return
	}
	cs.Clear()
	logging.Info().Msg("Artifact cache cleared")
	respondJSON(w, http.StatusOK, cacheInfo(cs))
}

func (s *Server) cachedStore(w http.ResponseWriter) (*storage.CachedStore, bool) {
	cs, ok := s.opts.Store.(*storage.CachedStore)
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("artifact cache is disabled"))
	}
	return cs, ok
}

func cacheInfo(cs *storage.CachedStore) CacheInfo {
	stats, hits, misses := cs.CacheStats()
	return CacheInfo{
		Entries:  stats.Size,
		Capacity: stats.Capacity,
		Expired:  stats.Expired,
		Hits:     hits,
		Misses:   misses,
		HitRate:  cs.CacheHitRate(),
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logging.Error().Err(err).Int("status", status).Msg("API error")
	}
	respondJSON(w, status, errorResponse{Status: "error", Error: err.Error()})
}

// requestLogger logs each request at debug level
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}
