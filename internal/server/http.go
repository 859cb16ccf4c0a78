package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/morezero/backend-bridge/pkg/contract"
	"github.com/morezero/backend-bridge/pkg/envelope"
	"github.com/morezero/backend-bridge/pkg/proxy"
)

const httpLogPrefix = "server:http"

const maxCallBody = 1 << 20

// HealthOutput is the /health body.
type HealthOutput struct {
	Status   string `json:"status"`
	Online   bool   `json:"online"`
	Pending  int    `json:"pending"`
	Contract string `json:"contract"`
	Version  string `json:"version"`
	Clients  int    `json:"clients"`
}

// CallOutput is the /call body for accepted and rejected calls.
type CallOutput struct {
	Status string `json:"status"`
	Method string `json:"method"`
	Error  string `json:"error,omitempty"`
}

func (f *Frontend) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", f.handleHealth)
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("POST /call/{method}", f.handleCall)
	mux.Handle("GET /events", f.hub)
	return mux
}

func (f *Frontend) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := HealthOutput{
		Status:   "offline",
		Online:   f.proxy.Online(),
		Pending:  f.proxy.Pending(),
		Contract: f.contract.Name(),
		Version:  f.contract.Version(),
		Clients:  f.hub.Clients(),
	}
	status := http.StatusServiceUnavailable
	if h.Online {
		h.Status = "online"
		status = http.StatusOK
	}
	writeJSON(w, status, h)
}

func (f *Frontend) handleCall(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	if contract.IsReserved(method) {
		writeJSON(w, http.StatusForbidden, CallOutput{Status: "rejected", Method: method, Error: "reserved method"})
		return
	}

	args, err := decodeArgs(http.MaxBytesReader(w, r.Body, maxCallBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, CallOutput{Status: "rejected", Method: method, Error: err.Error()})
		return
	}

	if err := f.proxy.Call(method, args); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, proxy.ErrUnknownMethod), errors.Is(err, proxy.ErrMissingMethod):
			status = http.StatusNotFound
		case errors.Is(err, proxy.ErrStopped):
			status = http.StatusServiceUnavailable
		}
		f.log.Warn(fmt.Sprintf("%s - Call %s rejected: %v", httpLogPrefix, method, err))
		writeJSON(w, status, CallOutput{Status: "rejected", Method: method, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, CallOutput{Status: "queued", Method: method})
}

// decodeArgs reads a JSON object of named arguments. An empty body means none.
func decodeArgs(body io.Reader) (envelope.Args, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read body: %w", httpLogPrefix, err)
	}
	args := envelope.Args{}
	if len(bytes.TrimSpace(data)) == 0 {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("%s - arguments must be a JSON object: %w", httpLogPrefix, err)
	}
	if args == nil {
		args = envelope.Args{}
	}
	return args, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
