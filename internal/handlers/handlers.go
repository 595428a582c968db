package handlers

import (
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/hcr-api/internal/logging"
	"github.com/Brownie44l1/hcr-api/internal/model"
	"github.com/Brownie44l1/hcr-api/internal/pipeline"
)

type Handler struct {
	loader   *model.Loader
	pipeline *pipeline.Pipeline
	sessions *pipeline.Manager
	logger   *slog.Logger

	// MaxUpload caps multipart uploads in bytes.
	MaxUpload int64
}

func NewHandler(loader *model.Loader, p *pipeline.Pipeline, sessions *pipeline.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		loader:    loader,
		pipeline:  p,
		sessions:  sessions,
		logger:    logging.OrDiscard(logger),
		MaxUpload: 10 << 20,
	}
}

// ModelInfo describes the served artifact.
type ModelInfo struct {
	Artifact  string      `json:"artifact"`
	State     model.State `json:"state"`
	Format    string      `json:"format,omitempty"`
	InputSize int         `json:"input_size"`
	Classes   []string    `json:"classes,omitempty"`
	Polarity  string      `json:"ink_polarity,omitempty"`
	Output    string      `json:"output,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (h *Handler) artifact() string { return h.pipeline.Engine.Artifact() }

func (h *Handler) info() ModelInfo {
	id := h.artifact()
	info := ModelInfo{Artifact: id, State: h.loader.State(id), InputSize: h.pipeline.InputSize}
	if hd, ok := h.loader.Handle(id); ok {
		info.Format = hd.Metadata.Format
		info.Classes = hd.Labels
		info.Polarity = string(hd.Polarity())
		info.Output = string(hd.Output())
	}
	return info
}

// maxTensorBody bounds a JSON tensor of N·N floats.
func (h *Handler) maxTensorBody() int64 {
	n := int64(h.pipeline.InputSize)
	return n*n*32 + 1024
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"model":    h.loader.State(h.artifact()),
		"sessions": h.sessions.Len(),
	})
}

func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.info())
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.loader.Retry(r.Context(), h.artifact()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.info())
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxTensorBody()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := h.pipeline.Rank(r.Context(), req.Image)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Response())
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(h.MaxUpload); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG", http.StatusBadRequest)
		return
	}
	h.logger.Debug("image received",
		"file", header.Filename, "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	result, err := h.pipeline.Classify(r.Context(), img)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Response())
}

// statusFor maps model errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		shape *model.ShapeMismatchError
		load  *model.ResourceLoadError
	)
	switch {
	case errors.Is(err, model.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &shape):
		return http.StatusUnprocessableEntity
	case errors.As(err, &load):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	kind, reason := model.Reason(err)
	if errors.Is(err, model.ErrInvalidTransition) {
		kind = "invalid_transition"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	} else {
		h.logger.Debug("request rejected", "kind", kind, "reason", reason)
	}
	writeJSON(w, status, errorResponse{Error: kind, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
