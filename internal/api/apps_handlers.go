package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	logf "sigs.k8s.io/controller-runtime/pkg/log"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
	"github.com/migalsp/kubex-appswitch/internal/lifecycle"
	"github.com/migalsp/kubex-appswitch/internal/registry"
	"github.com/migalsp/kubex-appswitch/internal/sharing"
)

// writeError maps lifecycle and registry errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var shared *lifecycle.SharedResourceError
	switch {
	case errors.As(err, &shared):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error(), "sharedWith": shared.Apps})
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrAlreadyInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.Registry.Snapshot(r.Context())
	if err != nil {
		logf.FromContext(r.Context()).Error(err, "Failed to list applications")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.Registry.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// handleAppAction runs a start or stop. Every outcome, including FAILED,
// is a 200; only requests that never ran map to an error status.
func (s *Server) handleAppAction(action lifecycle.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		authz := s.Auth.Authorization(r)

		var out *lifecycle.Outcome
		var err error
		if action == lifecycle.ActionStart {
			out, err = s.Lifecycle.Start(r.Context(), authz, name)
		} else {
			out, err = s.Lifecycle.Stop(r.Context(), authz, name)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleAppCost(w http.ResponseWriter, r *http.Request) {
	if s.Cost == nil {
		http.Error(w, "Cost estimation not configured", http.StatusServiceUnavailable)
		return
	}
	app, err := s.Registry.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	est, err := s.Cost.Estimate(r.Context(), app)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

type scheduleRequest struct {
	Schedules []opsv1.ScalingSchedule `json:"schedules"`
	// Active overrides the schedules when set; null clears the override.
	Active *bool `json:"active"`
}

func (s *Server) handleAppSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateSchedules(req.Schedules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	app, err := s.Registry.UpdateSchedule(r.Context(), r.PathValue("name"), req.Schedules, req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func validateSchedules(schedules []opsv1.ScalingSchedule) error {
	for i, sc := range schedules {
		if len(sc.Days) == 0 || len(sc.Days) > 7 {
			return fmt.Errorf("schedule %d: between 1 and 7 days required", i)
		}
		for _, d := range sc.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("schedule %d: day %d out of range 0-6", i, d)
			}
		}
		for _, t := range []string{sc.StartTime, sc.EndTime} {
			if _, err := time.Parse("15:04", t); err != nil {
				return fmt.Errorf("schedule %d: invalid time %q", i, t)
			}
		}
		if sc.Timezone != "" {
			if _, err := time.LoadLocation(sc.Timezone); err != nil {
				return fmt.Errorf("schedule %d: unknown timezone %q", i, sc.Timezone)
			}
		}
	}
	return nil
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	out, ok := s.Lifecycle.Outcome(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not found"})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// databaseView is one entry of the sharing index.
type databaseView struct {
	Key    string               `json:"key"`
	ID     string               `json:"id"`
	Engine opsv1.DatabaseEngine `json:"engine"`
	Type   opsv1.DatabaseType   `json:"type"`
	Apps   []string             `json:"apps"`
	Shared bool                 `json:"shared"`
}

func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	apps, err := s.Registry.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	memberships := sharing.Build(apps).Sorted()
	views := make([]databaseView, 0, len(memberships))
	for _, m := range memberships {
		views = append(views, databaseView{
			Key:    m.Key,
			ID:     m.Ref.ID,
			Engine: m.Ref.Engine,
			Type:   m.Ref.Type,
			Apps:   m.Apps,
			Shared: m.IsShared(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleDatabaseAction serves /api/databases/{engine}/{id}/{stop|start}.
// StatefulSet ids carry a slash and must be sent escaped as %2F.
func (s *Server) handleDatabaseAction(w http.ResponseWriter, r *http.Request) {
	engine := opsv1.DatabaseEngine(r.PathValue("engine"))
	id := r.PathValue("id")
	authz := s.Auth.Authorization(r)

	var res *lifecycle.DatabaseResult
	var err error
	switch lifecycle.Action(r.PathValue("action")) {
	case lifecycle.ActionStop:
		res, err = s.Lifecycle.StopDatabase(r.Context(), authz, engine, id)
	case lifecycle.ActionStart:
		res, err = s.Lifecycle.StartDatabase(r.Context(), authz, engine, id)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
