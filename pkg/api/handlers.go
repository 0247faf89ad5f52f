package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/easzlab/ezproxy/pkg/config"
	"github.com/easzlab/ezproxy/pkg/proxy"
	"github.com/easzlab/ezproxy/pkg/txn"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// selfIP is the {ip} value that stands for the caller's own address.
const selfIP = "self"

// presetView is a preset server as shown to API clients.
type presetView struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Healthy *bool  `json:"healthy,omitempty"`
}

// configResponse is the body of GET /api/1/config. Targets that match a preset
// server URL are replaced by the preset object.
type configResponse struct {
	DefaultProxy any            `json:"default_proxy,omitempty"`
	IPProxyMap   map[string]any `json:"ip_proxy_map"`
	ClientIP     string         `json:"client_ip"`
	ServerList   []presetView   `json:"server_list"`
}

// proxyParams carries the optional url and name of a set request body.
type proxyParams struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// GetConfig returns the rules currently in the managed file.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.proxy.GetCurrentConfig()
	if err != nil {
		h.handleError(w, err)
		return
	}

	settings := h.settings()
	servers := make([]presetView, 0, len(settings.PresetServers))
	for _, server := range settings.PresetServers {
		servers = append(servers, h.view(server))
	}

	resp := configResponse{
		IPProxyMap: make(map[string]any, len(cfg.Rules)),
		ClientIP:   clientIP(r),
		ServerList: servers,
	}
	for ip, target := range cfg.Rules {
		resp.IPProxyMap[ip] = h.decorate(settings, target)
	}
	if cfg.DefaultTarget != "" {
		resp.DefaultProxy = h.decorate(settings, cfg.DefaultTarget)
	}

	respondJSON(w, http.StatusOK, resp)
}

// SetProxy routes the {ip} path parameter to url, or to the preset named name.
func (h *Handler) SetProxy(w http.ResponseWriter, r *http.Request) {
	ip := h.targetIP(r)
	params, err := readParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	target := params.URL
	if params.Name != "" {
		if server, ok := h.settings().FindPresetByName(params.Name); ok {
			target = server.URL
		}
	}

	result, err := h.proxy.SetProxy(ip, target)
	if err != nil {
		h.handleError(w, err)
		return
	}
	respondResult(w, result)
}

// ClearProxy removes the rule for the {ip} path parameter.
func (h *Handler) ClearProxy(w http.ResponseWriter, r *http.Request) {
	result, err := h.proxy.ClearProxy(h.targetIP(r))
	if err != nil {
		h.handleError(w, err)
		return
	}
	respondResult(w, result)
}

func (h *Handler) targetIP(r *http.Request) string {
	ip := chi.URLParam(r, "ip")
	if ip == selfIP {
		return clientIP(r)
	}
	return ip
}

func (h *Handler) decorate(settings *config.Config, target string) any {
	if server, ok := settings.FindPresetByURL(target); ok {
		return h.view(server)
	}
	return target
}

func (h *Handler) view(server config.PresetServer) presetView {
	v := presetView{Name: server.Name, URL: server.URL}
	if h.health != nil && h.health.Tracked(server.Name) {
		healthy := h.health.IsHealthy(server.Name)
		v.Healthy = &healthy
	}
	return v
}

// handleError converts operation errors to HTTP errors.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	switch outcome := proxy.Classify(err); outcome {
	case proxy.Conflict:
		respondStatus(w, http.StatusConflict)
	case proxy.BadRequest, proxy.BadState:
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", zap.Stringer("outcome", outcome), zap.Error(err))
		respondStatus(w, http.StatusInternalServerError)
	}
}

// readParams reads url and name from the query string, falling back to a
// JSON or form encoded body.
func readParams(r *http.Request) (proxyParams, error) {
	query := r.URL.Query()
	params := proxyParams{URL: query.Get("url"), Name: query.Get("name")}
	if params.URL != "" && params.Name != "" {
		return params, nil
	}

	var body proxyParams
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return params, fmt.Errorf("invalid request body: %w", err)
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		body.URL = r.PostFormValue("url")
		body.Name = r.PostFormValue("name")
	}

	if params.URL == "" {
		params.URL = body.URL
	}
	if params.Name == "" {
		params.Name = body.Name
	}
	return params, nil
}

// clientIP returns the caller address without port. An IPv4-mapped address
// is reduced to the part after its last colon.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[i+1:]
	}
	return host
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a plain text error response.
func respondError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

// respondStatus writes the status text as a plain text body.
func respondStatus(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}

func respondResult(w http.ResponseWriter, result *txn.Result) {
	w.Header().Set("X-Transaction-Id", result.ID)
	respondStatus(w, http.StatusOK)
}
