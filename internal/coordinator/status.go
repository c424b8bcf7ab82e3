package coordinator

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dreamware/montepi/internal/cluster"
)

// WorkersResponse is the body of GET /workers.
type WorkersResponse struct {
	Workers   []cluster.WorkerInfo `json:"workers"`
	Capacity  int                  `json:"capacity"`
	Occupied  int                  `json:"occupied"`
	Stalled   []uint64             `json:"stalled"`
	GateFired bool                 `json:"gate_fired"`
}

// ResultResponse is the body of GET /result. Report is nil until the round
// completes.
type ResultResponse struct {
	Report        *cluster.Report        `json:"report,omitempty"`
	RoundID       string                 `json:"round_id"`
	Contributions []cluster.Contribution `json:"contributions"`
	Reported      int                    `json:"reported"`
	Expected      int                    `json:"expected"`
	Complete      bool                   `json:"complete"`
}

// StatusHandler returns the read-only HTTP API describing the round:
//
//	GET /health   200 while the process is up
//	GET /workers             registry snapshot with stall flags
//	GET /result              progress, contributions and the final report
//	GET /result?worker=<id>  one worker's contribution, 404 until it reports
func (s *Server) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.HandleFunc("/result", s.handleResult)
	return mux
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workers := s.registry.Snapshot()
	stalled := []uint64{}
	if m := s.stalls.Load(); m != nil {
		for i := range workers {
			workers[i].Stalled = m.IsStalled(workers[i].ID)
		}
		stalled = m.Stalled()
	}
	writeJSON(w, WorkersResponse{
		Workers:   workers,
		Capacity:  s.registry.Capacity(),
		Occupied:  len(workers),
		Stalled:   stalled,
		GateFired: s.gate.Fired(),
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if q := r.URL.Query().Get("worker"); q != "" {
		s.handleContribution(w, q)
		return
	}

	reported, expected := s.aggregator.Progress()
	resp := ResultResponse{
		RoundID:       s.aggregator.RoundID(),
		Reported:      reported,
		Expected:      expected,
		Contributions: s.aggregator.Contributions(),
	}
	if report, ok := s.aggregator.Result(); ok {
		resp.Report = &report
		resp.Complete = true
	}
	writeJSON(w, resp)
}

func (s *Server) handleContribution(w http.ResponseWriter, q string) {
	id, err := strconv.ParseUint(q, 10, 64)
	if err != nil {
		http.Error(w, "invalid worker id", http.StatusBadRequest)
		return
	}
	c, ok := s.aggregator.Contribution(id)
	if !ok {
		http.Error(w, "no contribution from worker "+q, http.StatusNotFound)
		return
	}
	writeJSON(w, c)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
