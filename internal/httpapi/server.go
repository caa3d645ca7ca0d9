package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/imager/core-go/internal/logfetch"
	"github.com/example/imager/core-go/internal/model"
	"github.com/example/imager/core-go/internal/store"
	"github.com/example/imager/core-go/internal/templates"
)

const defaultPageSize = 30

type Server struct {
	Jobs               *store.SQLite
	Templates          templates.Dir
	Logs               *logfetch.Fetcher
	DefaultQueue       string
	DefaultDeviceGroup string
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.withIdentity)
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Post("/jobs/{id}/pin", s.handlePin)
		r.Delete("/jobs/{id}/pin", s.handleUnpin)
		r.Post("/jobs/{id}/tags", s.handleAddTags)
		r.Delete("/jobs/{id}/tags/{tag}", s.handleRemoveTag)
		r.Get("/tags", s.handleListTagNames)
		r.Get("/search", s.handleSearch)
		r.Get("/queues", s.handleListQueues)
		r.Get("/templates", s.handleListTemplates)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Imager-User, X-Imager-Email, X-Imager-Admin")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type identityKey struct{}

// withIdentity lifts the authenticated principal out of the trusted headers
// set by the fronting auth layer. The core never authenticates; it only
// requires that an identity is present.
func (s Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get("X-Imager-User"))
		if user == "" {
			writeErr(w, http.StatusUnauthorized, fmt.Errorf("missing X-Imager-User header"))
			return
		}
		ident := model.Identity{
			UserID: user,
			Email:  strings.TrimSpace(r.Header.Get("X-Imager-Email")),
		}
		switch strings.ToLower(r.Header.Get("X-Imager-Admin")) {
		case "1", "true", "yes":
			ident.Admin = true
		}
		ctx := context.WithValue(r.Context(), identityKey{}, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) model.Identity {
	ident, _ := r.Context().Value(identityKey{}).(model.Identity)
	return ident
}

func (s Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityFrom(r)

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}

	params := model.JobParams{
		ImageType:   strings.TrimSpace(r.FormValue("imagetype")),
		Overlay:     strings.TrimSpace(r.FormValue("overlay")),
		Release:     strings.TrimSpace(r.FormValue("release")),
		Arch:        strings.TrimSpace(r.FormValue("architecture")),
		DeviceGroup: strings.TrimSpace(r.FormValue("devicegroup")),
		TestImage:   formBool(r, "test_image"),
		Notify:      formBool(r, "notify"),
	}
	for _, field := range []struct{ name, value string }{
		{"imagetype", params.ImageType},
		{"overlay", params.Overlay},
		{"release", params.Release},
		{"architecture", params.Arch},
	} {
		if field.value == "" {
			writeErr(w, http.StatusBadRequest,
				fmt.Errorf("%w: %s is required", model.ErrValidation, field.name))
			return
		}
	}
	if params.DeviceGroup == "" {
		params.DeviceGroup = s.DefaultDeviceGroup
	}
	params.ExtraRepos = extraRepos(r)

	ksname, err := s.resolveKickstart(r, &params)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	params.Name = strings.TrimSuffix(ksname, ".ks")

	queueName := strings.TrimSpace(r.FormValue("queue"))
	if queueName == "" {
		queueName = s.DefaultQueue
	}

	email := strings.TrimSpace(r.FormValue("email"))
	if email == "" {
		email = ident.Email
	}

	job, err := s.Jobs.CreateJob(ctx, params, ident.UserID, email, queueName)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}

	if formBool(r, "pinned") {
		if err := s.Jobs.AddTag(ctx, job.ID, model.TagPinned); err != nil {
			writeErr(w, errStatus(err), err)
			return
		}
	}
	for _, tag := range splitTags(r.FormValue("tags")) {
		if err := s.Jobs.AddTag(ctx, job.ID, tag); err != nil {
			writeErr(w, errStatus(err), err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": job.ID})
}

// resolveKickstart applies the template-XOR-upload rule and returns the name
// the job is derived from.
func (s Server) resolveKickstart(r *http.Request, params *model.JobParams) (string, error) {
	templateName := strings.TrimSpace(r.FormValue("template"))
	file, header, err := r.FormFile("ksfile")
	hasFile := err == nil

	switch {
	case templateName != "" && hasFile:
		file.Close()
		return "", fmt.Errorf("%w: template and ksfile are mutually exclusive", model.ErrValidation)
	case templateName != "":
		content, err := s.Templates.Read(templateName)
		if err != nil {
			return "", err
		}
		params.Kickstart = content
		return templateName, nil
	case hasFile:
		defer file.Close()
		raw, err := io.ReadAll(file)
		if err != nil {
			return "", err
		}
		params.Kickstart = string(raw)
		return header.Filename, nil
	default:
		return "", fmt.Errorf("%w: either template or ksfile is required", model.ErrValidation)
	}
}

// extraRepos joins paired obs/repo form values into repo URLs, rewriting the
// OBS project separator the way the build backends expect.
func extraRepos(r *http.Request) []string {
	if r.MultipartForm == nil {
		return nil
	}
	obs := r.MultipartForm.Value["obs"]
	repos := r.MultipartForm.Value["repo"]
	var out []string
	for i, base := range obs {
		base = strings.TrimSpace(base)
		if base == "" || i >= len(repos) {
			continue
		}
		out = append(out, base+strings.ReplaceAll(repos[i], ":", ":/"))
	}
	return out
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityFrom(r)

	f := store.Filter{
		QueueName:   strings.TrimSpace(r.URL.Query().Get("queue")),
		TagContains: strings.TrimSpace(r.URL.Query().Get("tag")),
	}
	if queryBool(r, "mine") {
		f.Owner = ident.UserID
	}

	page := 1
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			page = v
		}
	}

	jobs, total, err := s.Jobs.ListJobs(ctx, f, page, defaultPageSize)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobsResponse(jobs),
		"total": total,
		"page":  page,
	})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}

	resp := jobResponse(job)
	switch {
	case job.Status == model.JobInQueue:
		resp["notice"] = "Job still in queue"
	case job.Terminal() && job.Error == "" && job.Log == "":
		// Log lives with the remote builder; ask for it and let a later
		// read pick it up.
		if s.Logs != nil {
			s.Logs.Request(job.ID)
		}
		resp["notice"] = "Log requested, check back shortly"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.Jobs.DeleteJob(ctx, id, identityFrom(r)); err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("Image %s deleted.", id)})
}

func (s Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := identityFrom(r)
	job, err := s.Jobs.RetryJob(ctx, chi.URLParam(r, "id"), ident.UserID, ident.Email)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      job.ID,
		"message": fmt.Sprintf("Image resubmitted with new id %s.", job.ID),
	})
}

func (s Server) handlePin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.Jobs.AddTag(ctx, id, model.TagPinned); err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("Image %s pinned.", id)})
}

func (s Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.Jobs.RemoveTag(ctx, id, model.TagPinned); err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("Image %s unpinned.", id)})
}

func (s Server) handleAddTags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	for _, tag := range body.Tags {
		if err := s.Jobs.AddTag(ctx, id, tag); err != nil {
			writeErr(w, errStatus(err), err)
			return
		}
	}
	job, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": job.Tags})
}

func (s Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	tag := chi.URLParam(r, "tag")
	if err := s.Jobs.RemoveTag(ctx, id, tag); err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("Tag %s removed.", tag)})
}

func (s Server) handleListTagNames(w http.ResponseWriter, r *http.Request) {
	tags, err := s.Jobs.ListAllTagNames(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("term"))
	if term == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("%w: term is required", model.ErrValidation))
		return
	}
	jobs, total, err := s.Jobs.ListJobs(r.Context(), store.Filter{TagContains: term}, 1, defaultPageSize)
	if err != nil {
		writeErr(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": jobsResponse(jobs),
		"total":   total,
	})
}

func (s Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.Jobs.ListQueues(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (s Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	names, err := s.Templates.List()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": names})
}

func jobsResponse(jobs []model.Job) []map[string]any {
	out := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse(job))
	}
	return out
}

func jobResponse(job model.Job) map[string]any {
	return map[string]any{
		"id":        job.ID,
		"owner":     job.Owner,
		"queue":     job.QueueName,
		"status":    job.Status,
		"error":     job.Error,
		"log":       job.Log,
		"tags":      job.Tags,
		"params":    job.Params,
		"createdAt": job.CreatedAt,
		"updatedAt": job.UpdatedAt,
	}
}

func formBool(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.FormValue(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func splitTags(raw string) []string {
	var out []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrProtected),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrDuplicateID):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
