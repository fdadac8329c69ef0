package live2d

import (
	"time"

	"gorm.io/datatypes"
)

const (
	storageLocal    = "local"
	storageExternal = "external"
)

// Model formats recognised by entry-file detection.
const (
	FormatLive2D = "live2d"
	FormatVRM    = "vrm"
	FormatGLB    = "glb"
	FormatGLTF   = "gltf"
)

// ModelAsset is a registered renderable model.
type ModelAsset struct {
	ID          uint64                      `gorm:"primaryKey" json:"id"`
	Key         string                      `gorm:"size:64;uniqueIndex" json:"key"`
	Name        string                      `gorm:"size:100;not null" json:"name"`
	Description *string                     `gorm:"type:text" json:"description,omitempty"`
	Format      string                      `gorm:"size:16;not null" json:"format"`
	StorageType string                      `gorm:"size:16;not null;default:'local'" json:"storage_type"`
	StoragePath string                      `gorm:"size:255" json:"storage_path"`
	EntryFile   string                      `gorm:"size:255;not null" json:"entry_file"`
	PreviewFile *string                     `gorm:"size:255" json:"preview_file,omitempty"`
	Channels    datatypes.JSONSlice[string] `gorm:"type:json" json:"channels"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

func (ModelAsset) TableName() string {
	return "model_assets"
}

// bindingRowID is the primary key of the only modelBinding row.
const bindingRowID = 1

// modelBinding names the asset bound for weighted-preset rendering. The
// table holds at most one row, so at most one asset is ever bound.
type modelBinding struct {
	ID        uint8     `gorm:"primaryKey;autoIncrement:false"`
	ModelID   uint64    `gorm:"not null"`
	UpdatedAt time.Time
}

func (modelBinding) TableName() string {
	return "model_bindings"
}
