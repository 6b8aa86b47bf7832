package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/micropub-rocks/conformance/internal/authflow"
	"github.com/micropub-rocks/conformance/internal/blob"
	"github.com/micropub-rocks/conformance/internal/config"
	"github.com/micropub-rocks/conformance/internal/conformance"
	"github.com/micropub-rocks/conformance/internal/store"
)

// Store is the slice of persistence the handlers need.
type Store interface {
	GetSubjectByToken(token string) (*store.Subject, error)
	GetTestByNumber(group string, number int) (*store.Test, error)
	SetSubjectLastViewedTest(subjectID int64, number int) error
	UpsertTestResult(subjectID, testID int64, passed bool, response string) error
}

// Blobs serves uploaded images and cached post payloads.
type Blobs interface {
	PutPost(ctx context.Context, subjectToken string, testNumber int, key string, post *blob.Post) error
	GetPost(ctx context.Context, subjectToken string, testNumber int, key string) (*blob.Post, error)
	GetImage(ctx context.Context, subjectToken string, testNumber int, key string) ([]byte, error)
}

// Notifier pushes result payloads toward the dashboard.
type Notifier interface {
	Publish(channel string, payload map[string]interface{})
}

// FeatureRecorder receives feature-implemented signals.
type FeatureRecorder interface {
	Record(subjectID int64, featureNum int, implemented bool, sourceTestID int64) error
}

// Handler serves the conformance suite's protocol-facing endpoints for one
// test group. View rendering stays external: every response is structured
// JSON (or a redirect), never markup.
type Handler struct {
	cfg       config.Config
	store     Store
	blobs     Blobs
	flow      *authflow.Flow
	validator *conformance.Validator
	features  FeatureRecorder
	notify    Notifier
	logger    *zap.Logger
}

// New wires the handler.
func New(cfg config.Config, st Store, blobs Blobs, flow *authflow.Flow, validator *conformance.Validator, features FeatureRecorder, notify Notifier, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     st,
		blobs:     blobs,
		flow:      flow,
		validator: validator,
		features:  features,
		notify:    notify,
		logger:    logger,
	}
}

// Routes registers every endpoint on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /client/{token}/auth", h.Auth)
	mux.HandleFunc("POST /client/{token}/auth/confirm", h.AuthConfirm)
	mux.HandleFunc("POST /client/{token}/token", h.Token)
	mux.HandleFunc("POST /client/{token}/micropub", h.Micropub)
	mux.HandleFunc("GET /client/{token}/micropub", h.MicropubQuery)
	mux.HandleFunc("GET /client/{token}/{num}", h.ViewTest)
	mux.HandleFunc("GET /client/{token}/{num}/{key}", h.Post)
	mux.HandleFunc("GET /client/{token}/{num}/{key}/photo.jpg", h.Image)
}

// subject resolves the routing token from the path, writing a 404 and
// returning nil when it matches no registered subject.
func (h *Handler) subject(w http.ResponseWriter, r *http.Request) *store.Subject {
	token := r.PathValue("token")
	subject, err := h.store.GetSubjectByToken(token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("subject lookup failed", zap.Error(err))
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return nil
		}
		http.NotFound(w, r)
		return nil
	}
	return subject
}

func (h *Handler) record(subjectID int64, featureNum int, implemented bool, sourceTestID int64) {
	if err := h.features.Record(subjectID, featureNum, implemented, sourceTestID); err != nil {
		h.logger.Warn("failed to record feature result",
			zap.Int("feature", featureNum), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
