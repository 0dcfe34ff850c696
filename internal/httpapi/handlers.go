package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"listen_report/internal/ingest"
	"listen_report/internal/notify"
	"listen_report/internal/scheduler"
	"listen_report/internal/store"
)

type uploadResult struct {
	Filename string         `json:"filename"`
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Result   *ingest.Result `json:"result,omitempty"`
}

func (r *Router) upload(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	defer req.MultipartForm.RemoveAll()
	files := req.MultipartForm.File["files[]"]
	if len(files) == 0 {
		files = req.MultipartForm.File["files"]
	}
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	results := make([]uploadResult, 0, len(files))
	ok := 0
	for _, fh := range files {
		res := uploadResult{Filename: fh.Filename}
		if !strings.EqualFold(filepath.Ext(fh.Filename), ".zip") {
			res.Message = "only .zip archives are accepted"
			results = append(results, res)
			continue
		}
		f, err := fh.Open()
		if err != nil {
			res.Message = err.Error()
			results = append(results, res)
			continue
		}
		path, err := r.deps.Orchestrator.SaveUpload(filepath.Base(fh.Filename), f)
		f.Close()
		if err != nil {
			res.Message = err.Error()
			results = append(results, res)
			continue
		}
		ar := r.deps.Orchestrator.ProcessArchive(req.Context(), path, ingest.ProcessOptions{Force: true})
		res.Result = &ar
		res.Success = ar.OK()
		res.Message = ar.State
		if ar.Reason != "" {
			res.Message = ar.State + ": " + ar.Reason
		}
		if res.Success {
			ok++
		}
		results = append(results, res)
	}
	status := http.StatusOK
	if ok == 0 {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, map[string]any{
		"success": ok > 0,
		"message": fmt.Sprintf("%d of %d archives processed", ok, len(files)),
		"results": results,
	})
}

func (r *Router) daily(w http.ResponseWriter, req *http.Request) {
	date := chi.URLParam(req, "date")
	if _, err := time.Parse(store.DateLayout, date); err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	rows, err := r.deps.Store.DailyWithMonthly(req.Context(), date)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(rows) == 0 {
		respondError(w, http.StatusNotFound, "no data for "+date)
		return
	}
	total := 0
	for _, row := range rows {
		total += row.DailyCount
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"date":             date,
		"total_operations": total,
		"people_count":     len(rows),
		"data":             rows,
	})
}

func (r *Router) monthly(w http.ResponseWriter, req *http.Request) {
	ym := chi.URLParam(req, "yearMonth")
	if _, err := time.Parse(store.YearMonthLayout, ym); err != nil {
		respondError(w, http.StatusBadRequest, "month must be YYYY-MM")
		return
	}
	rows, err := r.deps.Store.MonthlySummary(req.Context(), ym)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(rows) == 0 {
		respondError(w, http.StatusNotFound, "no data for "+ym)
		return
	}
	total := 0
	for _, row := range rows {
		total += row.TotalCount
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"year_month":       ym,
		"total_operations": total,
		"people_count":     len(rows),
		"data":             rows,
	})
}

func (r *Router) files(w http.ResponseWriter, req *http.Request) {
	list, err := r.deps.Orchestrator.ListFiles(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "files": list})
}

func (r *Router) deleteFile(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	err := r.deps.Orchestrator.DeleteFile(name)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "deleted " + name})
	case errors.Is(err, os.ErrNotExist):
		respondError(w, http.StatusNotFound, "file not found")
	default:
		respondError(w, statusFor(err), err.Error())
	}
}

type sendRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	Env  string `json:"env" validate:"omitempty,oneof=test prod"`
}

func (r *Router) send(w http.ResponseWriter, req *http.Request) {
	var body sendRequest
	if err := r.decode(req, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Env == "" {
		body.Env = notify.EnvTest
	}
	res, err := r.deps.Orchestrator.SendReport(req.Context(), body.Date, body.Env, ingest.TriggerManual)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError && res.Target != "" {
			status = http.StatusBadGateway
		}
		respondJSON(w, status, map[string]any{"success": false, "message": err.Error(), "result": res})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("report for %s sent to %s (%s)", res.Date, res.Environment, res.Target),
		"result":  res,
	})
}

func (r *Router) scheduleStatus(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	payload := map[string]any{
		"enabled": r.deps.Store.GetSetting(ctx, store.SettingScheduleEnabled, "false") == "true",
		"time":    r.deps.Store.GetSetting(ctx, store.SettingScheduleTime, r.deps.DefaultTime),
	}
	if r.deps.Scheduler != nil {
		st := r.deps.Scheduler.Status()
		payload["running"] = st.Running
		payload["tasks"] = st.Tasks
	}
	respondJSON(w, http.StatusOK, payload)
}

type scheduleRequest struct {
	Enabled bool   `json:"enabled"`
	Time    string `json:"time" validate:"required"`
}

func (r *Router) scheduleUpdate(w http.ResponseWriter, req *http.Request) {
	var body scheduleRequest
	if err := r.decode(req, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h, m, err := scheduler.ParseClock(body.Time)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	clock := fmt.Sprintf("%02d:%02d", h, m)
	ctx := req.Context()
	if err := r.deps.Store.SetSetting(ctx, store.SettingScheduleEnabled, strconv.FormatBool(body.Enabled)); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := r.deps.Store.SetSetting(ctx, store.SettingScheduleTime, clock); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": body.Enabled, "time": clock})
}

type leaderRequest struct {
	TeamName  string `json:"team_name" validate:"required"`
	AccountID string `json:"account_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
}

func (r *Router) listLeaders(w http.ResponseWriter, req *http.Request) {
	list, err := r.deps.Store.ListTeamLeaders(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "leaders": list})
}

func (r *Router) addLeader(w http.ResponseWriter, req *http.Request) {
	var body leaderRequest
	if err := r.decode(req, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, err := r.deps.Store.AddTeamLeader(req.Context(), strings.TrimSpace(body.TeamName), strings.TrimSpace(body.AccountID), strings.TrimSpace(body.Name))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"success": true, "leader": l})
}

func (r *Router) updateLeader(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var body leaderRequest
	if err := r.decode(req, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, err := r.deps.Store.UpdateTeamLeader(req.Context(), id, strings.TrimSpace(body.TeamName), strings.TrimSpace(body.AccountID), strings.TrimSpace(body.Name))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "leader": l})
}

func (r *Router) deleteLeader(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := r.deps.Store.DeleteTeamLeader(req.Context(), id); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
