package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/overvox/overvox/internal/store"
	"github.com/overvox/overvox/pkg/provider/tts"
	"github.com/overvox/overvox/pkg/voices"
)

// maxBodyBytes caps admin request bodies.
const maxBodyBytes = 1 << 20

// Settings is the subset of the channel record the dashboard edits.
type Settings struct {
	Enabled          bool                  `json:"enabled"`
	ReadMode         store.ReadMode        `json:"readMode"`
	Permission       store.Permission      `json:"permission"`
	EventSpeech      bool                  `json:"eventSpeech"`
	Bits             store.BitsConfig      `json:"bits"`
	Voice            tts.VoiceParams       `json:"voice"`
	Reward           store.RewardConfig    `json:"reward"`
	HonorViewerPrefs bool                  `json:"honorViewerPrefs"`
	IgnoredUsers     []string              `json:"ignoredUsers"`
}

// Store is the state surface the admin API edits.
type Store interface {
	ChannelConfig(ctx context.Context, login string) (*store.ChannelConfig, error)
	SetChannelConfig(ctx context.Context, cfg *store.ChannelConfig) error
}

// Server serves the admin API.
type Server struct {
	store   Store
	auth    *Auth
	limiter *ipLimiter

	// corsOrigin is the fixed allowed origin for the dashboard.
	corsOrigin string
}

// NewServer creates a Server.
func NewServer(st Store, auth *Auth, corsOrigin string) *Server {
	return &Server{
		store:      st,
		auth:       auth,
		limiter:    newIPLimiter(),
		corsOrigin: corsOrigin,
	}
}

// Routes registers the admin endpoints on r.
func (s *Server) Routes(r *mux.Router) {
	r.Use(s.corsMiddleware, s.rateLimitMiddleware)

	r.HandleFunc("/api/voices", s.handleVoices).Methods(http.MethodGet, http.MethodOptions)

	ch := r.PathPrefix("/api/channel/{login}").Subrouter()
	ch.Use(s.authMiddleware)
	ch.HandleFunc("/tts/settings", s.handleGetSettings).Methods(http.MethodGet, http.MethodOptions)
	ch.HandleFunc("/tts/settings", s.handlePutSettings).Methods(http.MethodPut)
	ch.HandleFunc("/tts/ignore", s.handleAddIgnore).Methods(http.MethodPost)
	ch.HandleFunc("/tts/ignore", s.handleRemoveIgnore).Methods(http.MethodDelete)
}

// ─── Middleware ──────────────────────────────────────────────────────

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces the bearer token and its userLogin claim
// against the path login.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		login, err := s.auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !strings.EqualFold(login, mux.Vars(r)["login"]) {
			writeError(w, http.StatusForbidden, "token not valid for this channel")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Handlers ────────────────────────────────────────────────────────

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	all, err := voices.All()
	if err != nil {
		slog.Error("admin: voice catalog unavailable", "err", err)
		writeError(w, http.StatusInternalServerError, "voice catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"voices":  all,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(mux.Vars(r)["login"])

	cfg, err := s.store.ChannelConfig(r.Context(), login)
	if errors.Is(err, store.ErrNotFound) {
		cfg = store.DefaultChannelConfig(login)
	} else if err != nil {
		slog.Error("admin: load settings failed", "channel", login, "err", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"settings": toSettings(cfg),
	})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	login := strings.ToLower(mux.Vars(r)["login"])

	var settings Settings
	if !decodeBody(w, r, &settings) {
		return
	}
	if err := validateSettings(&settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := s.store.ChannelConfig(r.Context(), login)
	if errors.Is(err, store.ErrNotFound) {
		cfg = store.DefaultChannelConfig(login)
	} else if err != nil {
		slog.Error("admin: load settings failed", "channel", login, "err", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	cfg.Enabled = settings.Enabled
	cfg.ReadMode = settings.ReadMode
	cfg.Permission = settings.Permission
	cfg.EventSpeech = settings.EventSpeech
	cfg.Bits = settings.Bits
	cfg.Voice = settings.Voice
	cfg.Reward = settings.Reward
	cfg.HonorViewerPrefs = settings.HonorViewerPrefs
	cfg.IgnoredUsers = normalizeUsers(settings.IgnoredUsers)

	if err := s.store.SetChannelConfig(r.Context(), cfg); err != nil {
		slog.Error("admin: save settings failed", "channel", login, "err", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type ignoreRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleAddIgnore(w http.ResponseWriter, r *http.Request) {
	s.editIgnore(w, r, func(cfg *store.ChannelConfig, user string) {
		if !cfg.IsIgnored(user) {
			cfg.IgnoredUsers = append(cfg.IgnoredUsers, user)
		}
	})
}

func (s *Server) handleRemoveIgnore(w http.ResponseWriter, r *http.Request) {
	s.editIgnore(w, r, func(cfg *store.ChannelConfig, user string) {
		kept := cfg.IgnoredUsers[:0]
		for _, u := range cfg.IgnoredUsers {
			if !strings.EqualFold(u, user) {
				kept = append(kept, u)
			}
		}
		cfg.IgnoredUsers = kept
	})
}

func (s *Server) editIgnore(w http.ResponseWriter, r *http.Request, apply func(*store.ChannelConfig, string)) {
	login := strings.ToLower(mux.Vars(r)["login"])

	var req ignoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user := strings.ToLower(strings.TrimSpace(req.Username))
	if user == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	cfg, err := s.store.ChannelConfig(r.Context(), login)
	if errors.Is(err, store.ErrNotFound) {
		cfg = store.DefaultChannelConfig(login)
	} else if err != nil {
		slog.Error("admin: load settings failed", "channel", login, "err", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	apply(cfg, user)
	if err := s.store.SetChannelConfig(r.Context(), cfg); err != nil {
		slog.Error("admin: save ignore list failed", "channel", login, "err", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"ignoredUsers": cfg.IgnoredUsers,
	})
}

// ─── Helpers ─────────────────────────────────────────────────────────

// validateSettings rejects out-of-range values instead of clamping:
// the dashboard must show the user an error, not silently adjust.
func validateSettings(s *Settings) error {
	if s.ReadMode != store.ReadAll && s.ReadMode != store.ReadCommand {
		return fmt.Errorf("readMode must be %q or %q", store.ReadAll, store.ReadCommand)
	}
	if s.Permission != store.PermEveryone && s.Permission != store.PermMods {
		return fmt.Errorf("permission must be %q or %q", store.PermEveryone, store.PermMods)
	}
	if s.Voice.Pitch < tts.PitchMin || s.Voice.Pitch > tts.PitchMax {
		return fmt.Errorf("pitch must be between %d and %d", tts.PitchMin, tts.PitchMax)
	}
	if s.Voice.Speed < tts.SpeedMin || s.Voice.Speed > tts.SpeedMax {
		return fmt.Errorf("speed must be between %g and %g", tts.SpeedMin, tts.SpeedMax)
	}
	if s.Voice.VoiceID != "" && !voices.Exists(s.Voice.VoiceID) {
		return fmt.Errorf("unknown voice %q", s.Voice.VoiceID)
	}
	if s.Bits.Minimum < 0 {
		return errors.New("bits minimum must not be negative")
	}
	return nil
}

func toSettings(cfg *store.ChannelConfig) Settings {
	return Settings{
		Enabled:          cfg.Enabled,
		ReadMode:         cfg.ReadMode,
		Permission:       cfg.Permission,
		EventSpeech:      cfg.EventSpeech,
		Bits:             cfg.Bits,
		Voice:            cfg.Voice,
		Reward:           cfg.Reward,
		HonorViewerPrefs: cfg.HonorViewerPrefs,
		IgnoredUsers:     cfg.IgnoredUsers,
	}
}

func normalizeUsers(users []string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		u = strings.ToLower(strings.TrimSpace(u))
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

// decodeBody reads a capped JSON body. Oversize or malformed bodies are
// answered here; the caller just returns on false.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("admin: response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
