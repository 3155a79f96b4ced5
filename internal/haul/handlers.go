package haul

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/haul-tracker/internal/pricing"
	"github.com/zombor/haul-tracker/internal/rates"
)

const (
	maxUploadSize = int64(50 << 20) // 50MB
	maxJSONSize   = int64(1 << 20)
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeServiceError maps service errors onto status codes
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrUserExists):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, "Invalid username or password", http.StatusUnauthorized)
	case errors.Is(err, ErrScanFailed), errors.Is(err, rates.ErrUnavailable):
		slog.Error("Upstream failure", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		slog.Error("Internal error", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// decodeJSON reads a size-limited JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONSize)).Decode(v); err != nil {
		writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// handleRegister creates an account
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if !decodeJSON(w, r, &reg) {
		return
	}

	user, err := s.service.Register(reg)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	slog.Info("Registered user", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Username: user.Username, Name: user.Name})
}

// handleLogin exchanges credentials for a bearer token
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &creds) {
		return
	}

	user, err := s.service.Authenticate(creds.Username, creds.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(s.tokens.TTL().Seconds()),
	})
}

// handleExchangeRates returns a live rate snapshot
func (s *Server) handleExchangeRates(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.service.ExchangeRates(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type totalsRequest struct {
	Items        []pricing.LineItem    `json:"items"`
	Rates        pricing.ExchangeRates `json:"rates"`
	ShippingUSD  float64               `json:"shipping_usd"`
	UseExemption *bool                 `json:"use_exemption"`
}

// handleTotals prices an unsaved list of items
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	var req totalsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	items, totals := s.service.Totals(Quote{
		Items:        req.Items,
		Rates:        req.Rates,
		ShippingUSD:  req.ShippingUSD,
		UseExemption: req.UseExemption == nil || *req.UseExemption,
	})
	if items == nil {
		items = []pricing.LineItem{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"totals": totals,
	})
}

// contentTypeFor guesses a content type from a file extension
func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleUploadScan extracts line items from an uploaded order screenshot
func (s *Server) handleUploadScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "File is too large. Maximum size is 50MB."
		}
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}

	scan, items, err := s.service.ProcessScan(r.Context(), userID(r), header.Filename, data, contentType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	slog.Info("Processed scan", "scan_id", scan.ID, "items", len(items))
	writeJSON(w, http.StatusCreated, map[string]any{
		"scan":  scan,
		"items": items,
	})
}

// handleGetScan returns a single scan
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scan, err := s.service.GetScan(userID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// handleGetScanFile returns the stored screenshot of a scan
func (s *Server) handleGetScanFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetScanFile(userID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleListHauls returns the caller's hauls
func (s *Server) handleListHauls(w http.ResponseWriter, r *http.Request) {
	hauls, err := s.service.ListHauls(userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hauls)
}

// handleCreateHaul saves a new haul
func (s *Server) handleCreateHaul(w http.ResponseWriter, r *http.Request) {
	var in HaulInput
	if !decodeJSON(w, r, &in) {
		return
	}

	haul, err := s.service.CreateHaul(userID(r), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, haul)
}

// handleGetHaul returns a single haul
func (s *Server) handleGetHaul(w http.ResponseWriter, r *http.Request) {
	haul, err := s.service.GetHaul(userID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, haul)
}

// handleHaulTotals prices a stored haul
func (s *Server) handleHaulTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.service.HaulTotals(userID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// handleUpdateHaul replaces a haul's contents
func (s *Server) handleUpdateHaul(w http.ResponseWriter, r *http.Request) {
	var in HaulInput
	if !decodeJSON(w, r, &in) {
		return
	}

	haul, err := s.service.UpdateHaul(userID(r), r.PathValue("id"), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, haul)
}

// handleDeleteHaul deletes a haul
func (s *Server) handleDeleteHaul(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteHaul(userID(r), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
