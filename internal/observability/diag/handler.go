package diag

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"flexpower/internal/scheduling"
	"flexpower/internal/simulation"
	logx "flexpower/pkg/logx"
)

// SchedulingSource lists the live scheduling contexts.
type SchedulingSource interface {
	Snapshot() []scheduling.Snapshot
}

// SimulationControl is the part of the simulation controller exposed over HTTP.
type SimulationControl interface {
	Snapshot() simulation.Snapshot
	StartSimulation(start time.Time, speed float64) error
	StartSimulationUntil(start, end time.Time, speed float64) error
	StopSimulation() error
	Pause() error
	Unpause() error
	ChangeSpeedFactor(speed float64) error
}

// Deps are the components the routes read from. Nil members disable their routes.
type Deps struct {
	Scheduling SchedulingSource
	Simulation SimulationControl
	Metrics    http.Handler
}

// StartRequest is the body of POST /simulation/start.
type StartRequest struct {
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	SpeedFactor float64    `json:"speed_factor,omitempty"`
}

// SpeedRequest is the body of POST /simulation/speed.
type SpeedRequest struct {
	SpeedFactor float64 `json:"speed_factor"`
}

const maxBody = 1 << 16

// Handler exposes the routes of s without a listener.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.handler(cfg)
}

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	mux.HandleFunc("GET /debug/scheduling", s.handleScheduling)
	mux.HandleFunc("GET /simulation", s.handleSimulationGet)
	mux.HandleFunc("POST /simulation/{action}", s.handleSimulationPost)

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(cfg.Token, mux)
}

func (s *Service) handleScheduling(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduling == nil {
		writeJSON(w, http.StatusOK, []scheduling.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduling.Snapshot())
}

func (s *Service) handleSimulationGet(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Simulation == nil {
		writeError(w, http.StatusNotFound, errors.New("simulation disabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Simulation.Snapshot())
}

func (s *Service) handleSimulationPost(w http.ResponseWriter, r *http.Request) {
	sim := s.deps.Simulation
	if sim == nil {
		writeError(w, http.StatusNotFound, errors.New("simulation disabled"))
		return
	}

	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		var req StartRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Start.IsZero() {
			writeError(w, http.StatusBadRequest, errors.New("start is required"))
			return
		}
		if req.SpeedFactor == 0 {
			req.SpeedFactor = 1
		}
		if req.End != nil {
			err = sim.StartSimulationUntil(req.Start, *req.End, req.SpeedFactor)
		} else {
			err = sim.StartSimulation(req.Start, req.SpeedFactor)
		}
	case "stop":
		err = sim.StopSimulation()
	case "pause":
		err = sim.Pause()
	case "unpause":
		err = sim.Unpause()
	case "speed":
		var req SpeedRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		err = sim.ChangeSpeedFactor(req.SpeedFactor)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown action "+action))
		return
	}

	switch {
	case err == nil:
		s.log.Info("simulation control", logx.String("action", r.PathValue("action")))
		writeJSON(w, http.StatusOK, sim.Snapshot())
	case errors.Is(err, simulation.ErrIllegalState):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, simulation.ErrInvalidSpeed), errors.Is(err, simulation.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid body: " + strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
