package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/workspace-service/application"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// SubjectHeader carries the authenticated requester, set by the gateway in front
// of the service
const SubjectHeader = "X-Subject-Id"

// JobHandlers contains job HTTP handlers
type JobHandlers struct {
	submitJob    *application.SubmitJob
	getJob       *application.GetJob
	waitForJob   *application.WaitForJob
	listJobs     *application.ListJobs
	getJobEvents *application.GetJobEvents
	log          *logger.Logger
}

// NewJobHandlers creates new job handlers
func NewJobHandlers(
	submitJob *application.SubmitJob,
	getJob *application.GetJob,
	waitForJob *application.WaitForJob,
	listJobs *application.ListJobs,
	getJobEvents *application.GetJobEvents,
	log *logger.Logger,
) *JobHandlers {
	return &JobHandlers{
		submitJob:    submitJob,
		getJob:       getJob,
		waitForJob:   waitForJob,
		listJobs:     listJobs,
		getJobEvents: getJobEvents,
		log:          log,
	}
}

// SubmitJob handles job submission requests
func (h *JobHandlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}

	var cmd application.SubmitJobCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cmd.SubjectID = subjectID

	response, err := h.submitJob.Execute(r.Context(), &cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if response.Duplicate {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/jobs/"+response.Job.ID)
	writeJSON(w, status, response)
}

// GetJob handles job polling. With ?wait=<duration> it blocks until the job
// finishes or the wait passes, then answers with the current report.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}

	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		http.Error(w, "Invalid wait duration", http.StatusBadRequest)
		return
	}

	var report *application.JobReport
	if wait > 0 {
		report, err = h.waitForJob.Execute(r.Context(), &application.WaitForJobQuery{
			JobID:     jobID,
			SubjectID: subjectID,
			Timeout:   wait,
		})
		if errors.Is(err, application.ErrJobNotReady) {
			report, err = nil, nil
		}
	}
	if err == nil && report == nil {
		report, err = h.getJob.Execute(r.Context(), &application.GetJobQuery{JobID: jobID, SubjectID: subjectID})
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, report.StatusCode, report)
}

// ListJobs handles job enumeration requests
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}

	query := &application.ListJobsQuery{
		SubjectID:   subjectID,
		WorkspaceID: r.URL.Query().Get("workspace_id"),
	}
	var err error
	if query.Offset, err = intParam(r, "offset"); err != nil {
		http.Error(w, "Invalid offset", http.StatusBadRequest)
		return
	}
	if query.Limit, err = intParam(r, "limit"); err != nil {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	response, err := h.listJobs.Execute(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// GetJobEvents handles job audit trail requests
func (h *JobHandlers) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}

	response, err := h.getJobEvents.Execute(r.Context(), &application.GetJobQuery{
		JobID:     chi.URLParam(r, "jobId"),
		SubjectID: subjectID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// RegisterRoutes registers job routes
func (h *JobHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Get("/", h.ListJobs)
		r.Get("/{jobId}", h.GetJob)
		r.Get("/{jobId}/events", h.GetJobEvents)
	})
}

func (h *JobHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithContext(r.Context()).WithError(err).Errorf("job request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	var coder interface{ StatusCode() int }

	switch {
	case errors.Is(err, application.ErrSubjectRequired):
		return http.StatusUnauthorized
	case errors.Is(err, application.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, application.ErrJobForbidden):
		return http.StatusForbidden
	case errors.Is(err, application.ErrResourceLocked), errors.Is(err, application.ErrDuplicateJobID):
		return http.StatusConflict
	case domain.IsDomainError(err) && errors.As(err, &coder):
		return coder.StatusCode()
	case application.IsInvalidRequest(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func requireSubject(w http.ResponseWriter, r *http.Request) (string, bool) {
	subjectID := r.Header.Get(SubjectHeader)
	if subjectID == "" {
		http.Error(w, SubjectHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return subjectID, true
}

// parseWait accepts a Go duration or a number of seconds
func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
