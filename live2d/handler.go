package live2d

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"auralis_expression/authorization"
	"auralis_expression/expression"
	"auralis_expression/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrModelNotFound = errors.New("live2d: model not found")
	ErrModelBound    = errors.New("live2d: model is bound")
)

type Module struct {
	db      *gorm.DB
	storage *AssetStorage
	log     *logger.Logger
}

type createModelForm struct {
	Name               string `form:"name" binding:"required"`
	Description        string `form:"description"`
	EntryFile          string `form:"entry_file"`
	PreviewFile        string `form:"preview_file"`
	ExternalModelURL   string `form:"external_model_url"`
	ExternalPreviewURL string `form:"external_preview_url"`
	Channels           string `form:"channels"`
}

type modelDTO struct {
	ID          uint64   `json:"id"`
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	Format      string   `json:"format"`
	EntryURL    string   `json:"entry_url"`
	PreviewURL  *string  `json:"preview_url,omitempty"`
	StorageType string   `json:"storage_type"`
	Channels    []string `json:"channels"`
	Bound       bool     `json:"bound"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// RegisterRoutes migrates the model table and mounts the model asset routes.
func RegisterRoutes(router gin.IRouter, guard *authorization.Guard, db *gorm.DB, storage *AssetStorage, log *logger.Logger) (*Module, error) {
	if err := db.AutoMigrate(&ModelAsset{}, &modelBinding{}); err != nil {
		return nil, fmt.Errorf("live2d: migrate tables: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	module := &Module{db: db, storage: storage, log: log.With("component", "ModelAssets")}

	root := router.Group("/live2d")
	root.GET("/bound", module.handleGetBound)

	group := root.Group("/models")
	group.GET("", module.handleListModels)
	group.GET("/:id", module.handleGetModel)
	group.GET("/:id/files/*filepath", module.handleServeFile)

	admin := root.Group("")
	if guard != nil {
		admin.Use(guard.RequireAuthenticated(), guard.RequireRole(authorization.RoleAdmin))
	} else {
		admin.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	admin.POST("/models", module.handleCreateModel)
	admin.DELETE("/models/:id", module.handleDeleteModel)
	admin.POST("/models/:id/bind", module.handleBind)
	admin.DELETE("/bound", module.handleUnbind)

	return module, nil
}

// BoundModel returns the bound model, or nil when none is bound. A binding
// whose asset has since disappeared reads as none.
func (m *Module) BoundModel(ctx context.Context) (*expression.ModelInfo, error) {
	id, err := m.boundID(ctx)
	if err != nil || id == 0 {
		return nil, err
	}
	var model ModelAsset
	err = m.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &expression.ModelInfo{
		ID:       model.ID,
		Name:     model.Name,
		EntryURL: m.entryURL(&model),
		Channels: append([]string{}, model.Channels...),
	}, nil
}

// Bind makes id the single bound model. Concurrent binds resolve to the
// last writer of the binding row.
func (m *Module) Bind(ctx context.Context, id uint64) (*ModelAsset, error) {
	var bound ModelAsset
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&bound, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrModelNotFound
			}
			return err
		}
		binding := modelBinding{ID: bindingRowID, ModelID: bound.ID, UpdatedAt: time.Now()}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"model_id", "updated_at"}),
		}).Create(&binding).Error
	})
	if err != nil {
		return nil, err
	}
	return &bound, nil
}

// Unbind clears the binding. It is a no-op when nothing is bound.
func (m *Module) Unbind(ctx context.Context) error {
	return m.db.WithContext(ctx).Delete(&modelBinding{}, bindingRowID).Error
}

// Delete removes an unbound model. The bound check and the delete are one
// statement, so a bind cannot slip in between them.
func (m *Module) Delete(ctx context.Context, id uint64) error {
	db := m.db.WithContext(ctx)
	bindings := db.Model(&modelBinding{}).Select("1").Where("model_id = ?", id)
	res := db.Where("id = ? AND NOT EXISTS (?)", id, bindings).Delete(&ModelAsset{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := db.Model(&ModelAsset{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrModelNotFound
	}
	return ErrModelBound
}

func (m *Module) boundID(ctx context.Context) (uint64, error) {
	var binding modelBinding
	err := m.db.WithContext(ctx).First(&binding, bindingRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binding.ModelID, nil
}

func (m *Module) handleListModels(c *gin.Context) {
	var models []ModelAsset
	if err := m.db.Order("created_at desc").Find(&models).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list models"})
		return
	}
	boundID, err := m.boundID(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load bound model"})
		return
	}
	result := make([]modelDTO, 0, len(models))
	for i := range models {
		result = append(result, m.toDTO(&models[i], boundID))
	}
	c.JSON(http.StatusOK, gin.H{"models": result})
}

func (m *Module) handleGetModel(c *gin.Context) {
	model, ok := m.modelFromParam(c)
	if !ok {
		return
	}
	boundID, err := m.boundID(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load bound model"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": m.toDTO(model, boundID)})
}

func (m *Module) handleGetBound(c *gin.Context) {
	info, err := m.BoundModel(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load bound model"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": info})
}

func (m *Module) handleCreateModel(c *gin.Context) {
	var form createModelForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form payload"})
		return
	}
	name := strings.TrimSpace(form.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	externalModelURL := strings.TrimSpace(form.ExternalModelURL)
	externalPreviewURL := strings.TrimSpace(form.ExternalPreviewURL)

	archive, err := c.FormFile("archive")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid archive file"})
		return
	}
	if archive == nil && externalModelURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "either archive or external_model_url is required"})
		return
	}
	if archive != nil && externalModelURL != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide either archive or external_model_url, not both"})
		return
	}

	model := ModelAsset{Name: name, StorageType: storageExternal}
	if description := strings.TrimSpace(form.Description); description != "" {
		model.Description = &description
	}

	if archive != nil {
		if m.storage == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "model asset storage is not configured"})
			return
		}
		extracted, err := m.storage.SaveArchive(archive, form.EntryFile, form.PreviewFile)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		model.StorageType = storageLocal
		model.StoragePath = extracted.Folder
		model.EntryFile = extracted.Entry
		model.Format = extracted.Format
		model.PreviewFile = extracted.Preview
		model.Channels = m.discoverChannels(extracted)
	} else {
		if !isValidURL(externalModelURL) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "external_model_url must be a valid absolute URL or an absolute path"})
			return
		}
		model.Format = FormatForEntry(externalModelURL)
		if model.Format == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "external_model_url must point to a .model3.json, .vrm, .glb or .gltf file"})
			return
		}
		model.EntryFile = externalModelURL
		if externalPreviewURL != "" {
			if !isValidURL(externalPreviewURL) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "external_preview_url must be a valid absolute URL or an absolute path"})
				return
			}
			model.PreviewFile = &externalPreviewURL
		}
		channels := channelSet{}
		channels.add(strings.Split(form.Channels, ",")...)
		model.Channels = channels.sorted()
	}

	cleanup := func() {
		if model.StorageType == storageLocal {
			_ = m.storage.Remove(model.StoragePath)
		}
	}

	key, err := m.generateKey(name)
	if err != nil {
		cleanup()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate model key"})
		return
	}
	model.Key = key

	if err := m.db.Create(&model).Error; err != nil {
		cleanup()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create model"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"model": m.toDTO(&model, 0)})
}

// discoverChannels is best effort; a model without readable channels is
// still usable.
func (m *Module) discoverChannels(extracted *Extracted) []string {
	discoverer, ok := DiscovererFor(extracted.Format)
	if !ok {
		return []string{}
	}
	entryPath, err := m.storage.Path(extracted.Folder, extracted.Entry)
	if err != nil {
		return []string{}
	}
	channels, err := discoverer.Discover(entryPath)
	if err != nil {
		m.log.Warn("discover model channels failed", "entry", extracted.Entry, "error", err)
		return []string{}
	}
	return channels
}

func (m *Module) handleDeleteModel(c *gin.Context) {
	model, ok := m.modelFromParam(c)
	if !ok {
		return
	}
	if err := m.Delete(c.Request.Context(), model.ID); err != nil {
		switch {
		case errors.Is(err, ErrModelBound):
			c.JSON(http.StatusConflict, gin.H{"error": "model is bound; unbind it first"})
		case errors.Is(err, ErrModelNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete model"})
		}
		return
	}

	if model.StorageType == storageLocal && model.StoragePath != "" {
		if err := m.storage.Remove(model.StoragePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "model deleted but failed to remove files"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (m *Module) handleBind(c *gin.Context) {
	model, ok := m.modelFromParam(c)
	if !ok {
		return
	}
	bound, err := m.Bind(c.Request.Context(), model.ID)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to bind model"})
		return
	}
	m.log.Info("model bound", "modelID", bound.ID, "format", bound.Format)
	c.JSON(http.StatusOK, gin.H{"model": m.toDTO(bound, bound.ID)})
}

func (m *Module) handleUnbind(c *gin.Context) {
	if err := m.Unbind(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unbind model"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *Module) handleServeFile(c *gin.Context) {
	model, err := m.fetchModelByParam(c.Param("id"))
	if err != nil || model.StorageType != storageLocal || m.storage == nil {
		c.Status(http.StatusNotFound)
		return
	}

	rel := normalizeArchivePath(c.Param("filepath"))
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		c.Status(http.StatusNotFound)
		return
	}
	target, err := m.storage.Path(model.StoragePath, rel)
	if err != nil {
		c.Status(http.StatusForbidden)
		return
	}
	if _, err := os.Stat(target); err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
	c.Header("Access-Control-Expose-Headers", "Content-Type")
	c.File(target)
}

func (m *Module) modelFromParam(c *gin.Context) (*ModelAsset, bool) {
	model, err := m.fetchModelByParam(c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return model, true
}

func (m *Module) fetchModelByParam(param string) (*ModelAsset, error) {
	trimmed := strings.TrimSpace(param)
	if trimmed == "" {
		return nil, errors.New("missing id")
	}

	var model ModelAsset
	if id, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
		if err := m.db.First(&model, "id = ?", id).Error; err != nil {
			return nil, err
		}
		return &model, nil
	}
	if err := m.db.Where(&ModelAsset{Key: trimmed}).First(&model).Error; err != nil {
		return nil, err
	}
	return &model, nil
}

func (m *Module) toDTO(model *ModelAsset, boundID uint64) modelDTO {
	channels := []string(model.Channels)
	if channels == nil {
		channels = []string{}
	}
	dto := modelDTO{
		ID:          model.ID,
		Key:         model.Key,
		Name:        model.Name,
		Description: model.Description,
		Format:      model.Format,
		EntryURL:    m.entryURL(model),
		StorageType: model.StorageType,
		Channels:    channels,
		Bound:       boundID != 0 && model.ID == boundID,
		CreatedAt:   model.CreatedAt.Unix(),
		UpdatedAt:   model.UpdatedAt.Unix(),
	}
	if model.PreviewFile != nil {
		preview := strings.TrimSpace(*model.PreviewFile)
		if model.StorageType == storageLocal {
			preview = buildFileURL(model.ID, preview)
		}
		if preview != "" {
			dto.PreviewURL = &preview
		}
	}
	return dto
}

func (m *Module) entryURL(model *ModelAsset) string {
	if model.StorageType == storageLocal {
		return buildFileURL(model.ID, model.EntryFile)
	}
	return strings.TrimSpace(model.EntryFile)
}

func (m *Module) generateKey(name string) (string, error) {
	base := slugify(name)
	if base == "" {
		base = fmt.Sprintf("model-%s", uuidChunk())
	}
	key := base
	for i := 1; i < 50; i++ {
		var count int64
		if err := m.db.Model(&ModelAsset{}).Where(&ModelAsset{Key: key}).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return key, nil
		}
		key = fmt.Sprintf("%s-%d", base, i)
	}
	return fmt.Sprintf("%s-%s", base, uuidChunk()), nil
}

func slugify(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	prevHyphen := true
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			prevHyphen = false
			continue
		}
		if !prevHyphen {
			b.WriteRune('-')
			prevHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func uuidChunk() string {
	return uuid.NewString()[:8]
}

func buildFileURL(id uint64, relative string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(relative), "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return fmt.Sprintf("/live2d/models/%d/files/%s", id, strings.Join(parts, "/"))
}

func isValidURL(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "/") {
		return true
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return false
	}
	return parsed.Scheme != "" && parsed.Host != ""
}

func urlPath(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return parsed.Path, nil
}
