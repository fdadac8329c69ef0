package expression

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"auralis_expression/authorization"
	"auralis_expression/logger"
	"github.com/gin-gonic/gin"
)

// ImageUploader stores an uploaded flat-image asset and returns its reference.
type ImageUploader interface {
	Upload(ctx context.Context, fileHeader *multipart.FileHeader, pathSegments ...string) (string, error)
}

// ModelInfo describes the model asset bound for weighted-preset rendering.
type ModelInfo struct {
	ID       uint64   `json:"id"`
	Name     string   `json:"name"`
	EntryURL string   `json:"entry_url"`
	Channels []string `json:"channels"`
}

// ModelResolver returns the bound model, or nil when none is bound.
type ModelResolver interface {
	BoundModel(ctx context.Context) (*ModelInfo, error)
}

type Module struct {
	store  *Store
	images ImageUploader
	models ModelResolver
	log    *logger.Logger
}

type entryDTO struct {
	ID          string  `json:"id"`
	Mode        Mode    `json:"mode"`
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	ImageURL    *string `json:"image_url,omitempty"`
	Weights     Weights `json:"weights,omitempty"`
	IsDefault   bool    `json:"is_default"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

type createPresetRequest struct {
	Name        string  `json:"name" binding:"required"`
	DisplayName string  `json:"display_name"`
	Weights     Weights `json:"weights"`
}

type createImageForm struct {
	Name        string `form:"name" binding:"required"`
	DisplayName string `form:"display_name"`
	AssetURL    string `form:"asset_url"`
}

type updateRequest struct {
	DisplayName *string `json:"display_name"`
	AssetURL    *string `json:"asset_url"`
	Weights     Weights `json:"weights"`
}

// RegisterRoutes mounts the state query, read endpoints and the guarded
// administrative mutations. None of these routes broadcast.
func RegisterRoutes(router gin.IRouter, guard *authorization.Guard, store *Store, images ImageUploader, models ModelResolver, log *logger.Logger) *Module {
	if log == nil {
		log = logger.Nop()
	}
	module := &Module{store: store, images: images, models: models, log: log.With("component", "ExpressionRoutes")}

	group := router.Group("/expressions")
	group.GET("/state", module.handleState)
	group.GET("/entries", module.handleList)
	group.GET("/entries/:id", module.handleGet)

	admin := group.Group("")
	if guard != nil {
		admin.Use(guard.RequireAuthenticated(), guard.RequireRole("admin"))
	} else {
		admin.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	admin.POST("/entries", module.handleCreate)
	admin.PATCH("/entries/:id", module.handleUpdate)
	admin.DELETE("/entries/:id", module.handleDelete)
	admin.PUT("/default", module.handleSetDefault)
	admin.PUT("/mode", module.handleSetMode)

	return module
}

func (m *Module) handleState(c *gin.Context) {
	ctx := c.Request.Context()
	state, err := m.store.Snapshot(ctx)
	if err != nil {
		m.log.Error("load state snapshot failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load expression state"})
		return
	}

	entries := make([]entryDTO, 0, len(state.Entries))
	for _, entry := range state.Entries {
		entries = append(entries, toDTO(entry, state.CurrentID))
	}

	var current *entryDTO
	if state.Current != nil {
		dto := toDTO(*state.Current, state.CurrentID)
		current = &dto
	}

	var model *ModelInfo
	if state.Mode == ModePreset && m.models != nil {
		bound, err := m.models.BoundModel(ctx)
		if err != nil {
			m.log.Warn("resolve bound model failed", "error", err)
		} else {
			model = bound
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"mode":       state.Mode,
		"entries":    entries,
		"current_id": state.CurrentID,
		"current":    current,
		"model":      model,
	})
}

func (m *Module) handleList(c *gin.Context) {
	state, err := m.store.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list expressions"})
		return
	}
	result := make([]entryDTO, 0, len(state.Entries))
	for _, entry := range state.Entries {
		result = append(result, toDTO(entry, state.CurrentID))
	}
	c.JSON(http.StatusOK, gin.H{"mode": state.Mode, "expressions": result})
}

func (m *Module) handleGet(c *gin.Context) {
	ctx := c.Request.Context()
	entry, err := m.store.Get(ctx, c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	current, _ := m.store.CurrentSelection(ctx)
	c.JSON(http.StatusOK, gin.H{"expression": toDTO(entry, current)})
}

func (m *Module) handleCreate(c *gin.Context) {
	ctx := c.Request.Context()
	mode, err := m.requestedMode(c)
	if err != nil {
		RespondError(c, err)
		return
	}

	var (
		entry    Entry
		uploaded string
	)
	switch mode {
	case ModePreset:
		var req createPresetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
		weights := req.Weights
		if weights == nil {
			weights = Weights{}
		}
		entry = Entry{
			Mode:        ModePreset,
			Name:        req.Name,
			DisplayName: req.DisplayName,
			Preset:      &PresetPayload{Weights: weights},
		}
	case ModeImage:
		var form createImageForm
		if err := c.ShouldBind(&form); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form payload"})
			return
		}
		asset, isUpload, err := m.resolveImage(c, form.AssetURL, form.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if isUpload {
			uploaded = asset
		}
		entry = Entry{
			Mode:        ModeImage,
			Name:        form.Name,
			DisplayName: form.DisplayName,
			Image:       &ImagePayload{AssetPath: asset},
		}
	}

	created, err := m.store.Put(ctx, entry)
	if err != nil {
		if uploaded != "" {
			m.store.removeAsset(ctx, uploaded)
		}
		RespondError(c, err)
		return
	}
	current, _ := m.store.CurrentSelection(ctx)
	c.JSON(http.StatusCreated, gin.H{"expression": toDTO(created, current)})
}

func (m *Module) handleUpdate(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		patch    Patch
		uploaded string
	)

	if isMultipart(c) {
		if name := c.PostForm("display_name"); name != "" {
			patch.DisplayName = &name
		}
		if hasImageFile(c) || strings.TrimSpace(c.PostForm("asset_url")) != "" {
			asset, isUpload, err := m.resolveImage(c, c.PostForm("asset_url"), c.Param("id"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if isUpload {
				uploaded = asset
			}
			patch.AssetPath = &asset
		}
	} else {
		var req updateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
		patch = Patch{DisplayName: req.DisplayName, AssetPath: req.AssetURL, Weights: req.Weights}
	}

	updated, err := m.store.Update(ctx, c.Param("id"), patch)
	if err != nil {
		if uploaded != "" {
			m.store.removeAsset(ctx, uploaded)
		}
		RespondError(c, err)
		return
	}
	current, _ := m.store.CurrentSelection(ctx)
	c.JSON(http.StatusOK, gin.H{"expression": toDTO(updated, current)})
}

func (m *Module) handleDelete(c *gin.Context) {
	if err := m.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (m *Module) handleSetDefault(c *gin.Context) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if err := m.store.SetCurrentSelection(c.Request.Context(), req.ID); err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current_id": strings.TrimSpace(req.ID)})
}

func (m *Module) handleSetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		RespondError(c, err)
		return
	}
	if err := m.store.SetMode(c.Request.Context(), mode); err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode})
}

// requestedMode uses the ?mode= query, then the active mode.
func (m *Module) requestedMode(c *gin.Context) (Mode, error) {
	if raw := strings.TrimSpace(c.Query("mode")); raw != "" {
		return ParseMode(raw)
	}
	if isMultipart(c) {
		return ModeImage, nil
	}
	return m.store.Mode(c.Request.Context())
}

// resolveImage prefers an uploaded "image" file over an external asset URL.
func (m *Module) resolveImage(c *gin.Context, assetURL, hint string) (string, bool, error) {
	var file *multipart.FileHeader
	if isMultipart(c) {
		var err error
		file, err = c.FormFile("image")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			return "", false, errors.New("invalid image file")
		}
	}
	assetURL = strings.TrimSpace(assetURL)
	if file != nil && assetURL != "" {
		return "", false, errors.New("provide either image or asset_url, not both")
	}
	if file == nil {
		if assetURL == "" {
			return "", false, errors.New("either image or asset_url is required")
		}
		return assetURL, false, nil
	}
	if m.images == nil {
		return "", false, errors.New("expression image storage is not configured")
	}
	ref, err := m.images.Upload(c.Request.Context(), file, slugSegment(hint))
	if err != nil {
		return "", false, err
	}
	return ref, true, nil
}

// RespondError writes the HTTP status matching an expression error.
func RespondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "expression not found"})
	case errors.Is(err, ErrUnknownExpression):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrDuplicateName):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidReference),
		errors.Is(err, ErrInvalidWeight),
		errors.Is(err, ErrInvalidEntry),
		errors.Is(err, ErrInvalidMode),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "expression operation failed"})
	}
}

func toDTO(entry Entry, currentID string) entryDTO {
	dto := entryDTO{
		ID:          entry.ID,
		Mode:        entry.Mode,
		Name:        entry.Name,
		DisplayName: entry.DisplayName,
		IsDefault:   entry.ID != "" && entry.ID == currentID,
		CreatedAt:   entry.CreatedAt.Unix(),
		UpdatedAt:   entry.UpdatedAt.Unix(),
	}
	switch entry.Mode {
	case ModeImage:
		if entry.Image != nil {
			url := entry.Image.AssetPath
			dto.ImageURL = &url
		}
	case ModePreset:
		if entry.Preset != nil {
			dto.Weights = entry.Preset.Weights.Clone()
		}
	}
	return dto
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(strings.ToLower(c.ContentType()), "multipart/form-data")
}

func hasImageFile(c *gin.Context) bool {
	file, err := c.FormFile("image")
	return err == nil && file != nil
}

func slugSegment(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
