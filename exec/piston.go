package exec

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RunRequest mirrors the Piston execute API body.
type RunRequest struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Files    []File `json:"files"`
	Stdin    string `json:"stdin"`
}

type File struct {
	Content string `json:"content"`
}

// Proxy forwards run requests to the Piston API so execution quotas
// never reach the browser. The upstream response body, shaped
// {run:{stdout, stderr}}, is passed through verbatim.
type Proxy struct {
	url    string
	client *http.Client
}

func NewProxy(url string, timeout time.Duration) *Proxy {
	return &Proxy{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Language == "" {
		writeError(w, http.StatusBadRequest, "invalid run request")
		return
	}

	raw, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run request")
		return
	}

	upstream, err := p.client.Post(p.url, "application/json", bytes.NewReader(raw))
	if err != nil {
		slog.Error("execution upstream unreachable", "error", err)
		writeError(w, http.StatusBadGateway, "execution service unavailable")
		return
	}
	defer upstream.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(upstream.StatusCode)
	if _, err := io.Copy(w, upstream.Body); err != nil {
		slog.Warn("execution response copy", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
