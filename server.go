package main

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"i4.energy/across/loragw/modem"
)

// Server handles incoming HTTP requests for interacting with the
// configured module instance
type Server struct {
	Logger *slog.Logger
	Modem  *modem.Modem
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /uplink", s.handleUplink)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// handleUplink processes incoming HTTP POST requests to transmit uplinks
func (s *Server) handleUplink(w http.ResponseWriter, r *http.Request) {
	type UplinkRequest struct {
		Port      uint8  `json:"port"`
		Payload   string `json:"payload"` // hex encoded
		Confirmed bool   `json:"confirmed"`
	}

	var req UplinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Payload == "" {
		s.sendError(w, "'payload' field is required", http.StatusBadRequest)
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		s.sendError(w, "'payload' must be hex encoded", http.StatusBadRequest)
		return
	}
	if req.Port == 0 {
		req.Port = 1
	}

	outcome, err := s.Modem.Send(r.Context(), payload, req.Port, req.Confirmed)
	if err != nil {
		s.Logger.Error("Failed to send uplink", "error", err, "port", req.Port)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type DownlinkResponse struct {
		Window  int     `json:"window"`
		Rssi    int     `json:"rssi"`
		Snr     float64 `json:"snr"`
		Port    int     `json:"port"`
		Payload string  `json:"payload"`
	}
	type UplinkResponse struct {
		Acked    bool              `json:"acked"`
		Downlink *DownlinkResponse `json:"downlink,omitempty"`
	}

	resp := UplinkResponse{Acked: outcome.Acked}
	if dl := outcome.Downlink; dl != nil {
		resp.Downlink = &DownlinkResponse{
			Window:  dl.Window,
			Rssi:    dl.Rssi,
			Snr:     dl.Snr,
			Port:    dl.Port,
			Payload: hex.EncodeToString(dl.Payload),
		}
	}

	s.Logger.Info("Uplink sent successfully",
		"port", req.Port, "confirmed", req.Confirmed, "acked", outcome.Acked)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
