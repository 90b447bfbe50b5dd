// Package httpapi is the thin JSON surface over the retriever and
// assembler: /search, /answer and /facets. It parses the query
// grammar, delegates, and shapes responses; no retrieval logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"knowgraph/internal/errs"
	"knowgraph/internal/logging"
	"knowgraph/internal/retrieve"
	"knowgraph/internal/storage"
	"knowgraph/internal/synth"
)

// Server serves the public JSON endpoints.
type Server struct {
	Retriever *retrieve.Retriever
	Assembler *synth.Assembler
	Chunks    storage.ChunkStore
	Links     storage.LinkStore

	now func() time.Time
}

func NewServer(r *retrieve.Retriever, a *synth.Assembler, chunks storage.ChunkStore, links storage.LinkStore) *Server {
	return &Server{Retriever: r, Assembler: a, Chunks: chunks, Links: links, now: time.Now}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /answer", s.handleAnswer)
	mux.HandleFunc("GET /facets", s.handleFacets)
	return mux
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindInvalidInput:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindTimeout:
		status = http.StatusGatewayTimeout
	case errs.KindConflict:
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Success: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// appliedFilters echoes the filters a request resolved to.
type appliedFilters struct {
	Tags           []string `json:"tags,omitempty"`
	RequireAllTags bool     `json:"require_all_tags,omitempty"`
	Since          string   `json:"since,omitempty"`
	Until          string   `json:"until,omitempty"`
	DateField      string   `json:"date_field"`
	PathPrefix     string   `json:"path_prefix,omitempty"`
}

type searchResult struct {
	Path      string           `json:"path"`
	Heading   string           `json:"heading,omitempty"`
	Score     float64          `json:"score"`
	Snippet   string           `json:"snippet"`
	StartLine int              `json:"start_line"`
	Signals   retrieve.Signals `json:"signals"`
}

type searchResponse struct {
	Success         bool           `json:"success"`
	Query           string         `json:"query"`
	AppliedFilters  appliedFilters `json:"applied_filters"`
	TotalCandidates int            `json:"total_candidates"`
	Results         []searchResult `json:"results"`
	GeneratedAt     string         `json:"generated_at"`
}

// parseQuery extracts the shared query-parameter grammar.
func (s *Server) parseQuery(r *http.Request) (retrieve.Query, appliedFilters, error) {
	var q retrieve.Query
	var af appliedFilters
	vals := r.URL.Query()

	q.Text = vals.Get("q")
	if strings.TrimSpace(q.Text) == "" {
		return q, af, errs.Wrap(errs.KindInvalidInput, "missing q parameter", nil)
	}
	if k := vals.Get("k"); k != "" {
		n, err := strconv.Atoi(k)
		if err != nil || n <= 0 {
			return q, af, errs.Wrap(errs.KindInvalidInput, "bad k parameter", nil)
		}
		q.RerankK = n
	}
	if tags := vals.Get("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				q.Filters.Tags = append(q.Filters.Tags, t)
			}
		}
		af.Tags = q.Filters.Tags
	}
	q.Filters.RequireAll = vals.Get("require_all_tags") == "true"
	af.RequireAllTags = q.Filters.RequireAll

	now := s.now()
	since, err := retrieve.ParseTimeArg(vals.Get("since"), now)
	if err != nil {
		return q, af, err
	}
	until, err := retrieve.ParseTimeArg(vals.Get("until"), now)
	if err != nil {
		return q, af, err
	}
	q.Filters.Since, q.Filters.Until = since, until
	if since != nil {
		af.Since = since.UTC().Format(time.RFC3339)
	}
	if until != nil {
		af.Until = until.UTC().Format(time.RFC3339)
	}

	switch vals.Get("date_field") {
	case "", "auto":
		q.DateField = storage.DateFieldCoalesce
		af.DateField = "auto"
	case "created":
		q.DateField = storage.DateFieldCreated
		af.DateField = "created"
	case "modified":
		q.DateField = storage.DateFieldModified
		af.DateField = "modified"
	default:
		return q, af, errs.Wrap(errs.KindInvalidInput, "date_field must be auto, created or modified", nil)
	}

	q.Filters.PathPrefix = vals.Get("path_prefix")
	af.PathPrefix = q.Filters.PathPrefix
	return q, af, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, af, err := s.parseQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.Retriever.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}

	items := resp.Items
	switch r.URL.Query().Get("sort") {
	case "", "score":
	case "date_desc":
		sort.SliceStable(items, func(i, j int) bool { return items[i].Date.After(items[j].Date) })
	case "date_asc":
		sort.SliceStable(items, func(i, j int) bool { return items[i].Date.Before(items[j].Date) })
	default:
		s.writeError(w, errs.Wrap(errs.KindInvalidInput, "sort must be score, date_desc or date_asc", nil))
		return
	}

	results := make([]searchResult, 0, len(items))
	for _, it := range items {
		h := ""
		if it.Heading != nil {
			h = *it.Heading
		}
		results = append(results, searchResult{
			Path: it.Path, Heading: h, Score: it.Score,
			Snippet: it.Snippet, StartLine: it.StartLine, Signals: it.Signals,
		})
	}
	writeJSON(w, searchResponse{
		Success:         true,
		Query:           q.Text,
		AppliedFilters:  af,
		TotalCandidates: resp.TotalCandidates,
		Results:         results,
		GeneratedAt:     resp.GeneratedAt.UTC().Format(time.RFC3339),
	})
}

type citation struct {
	Ref string `json:"ref"`
}

type answerResponse struct {
	Success    bool       `json:"success"`
	Answer     []string   `json:"answer"`
	Citations  []citation `json:"citations"`
	Related    []string   `json:"related"`
	Confidence float64    `json:"confidence"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	q, _, err := s.parseQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	k := q.RerankK
	if k <= 0 {
		k = 6
	}

	out, err := s.Assembler.AnswerQuestion(r.Context(), q.Text, k)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var bullets []string
	for _, line := range strings.Split(out.Content, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line != "" {
			bullets = append(bullets, line)
		}
	}

	var cites []citation
	related := []string{}
	seen := make(map[string]bool)
	for i, src := range out.Sources {
		ref := src.Path
		if src.Heading != "" {
			ref += "#" + src.Heading
		}
		if i < 3 {
			cites = append(cites, citation{Ref: ref})
		} else if !seen[src.Path] {
			seen[src.Path] = true
			related = append(related, src.Path)
		}
	}
	writeJSON(w, answerResponse{
		Success: true, Answer: bullets, Citations: cites,
		Related: related, Confidence: out.Confidence,
	})
}

type facetsResponse struct {
	Success       bool                  `json:"success"`
	TopTags       []storage.TagCount    `json:"top_tags"`
	TimeHistogram []storage.MonthBucket `json:"time_histogram"`
}

func (s *Server) handleFacets(w http.ResponseWriter, r *http.Request) {
	vals := r.URL.Query()
	now := s.now()
	since, err := retrieve.ParseTimeArg(vals.Get("since"), now)
	if err != nil {
		s.writeError(w, err)
		return
	}
	until, err := retrieve.ParseTimeArg(vals.Get("until"), now)
	if err != nil {
		s.writeError(w, err)
		return
	}

	facets, err := s.Chunks.FetchFacets(r.Context(), since, until, vals.Get("path_prefix"))
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindDependency, "facet fetch", err))
		return
	}
	if facets.TopTags == nil {
		facets.TopTags = []storage.TagCount{}
	}
	if facets.Histogram == nil {
		facets.Histogram = []storage.MonthBucket{}
	}
	writeJSON(w, facetsResponse{Success: true, TopTags: facets.TopTags, TimeHistogram: facets.Histogram})
}

// Serve runs the server until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Log.WithField("addr", addr).Info("http api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
