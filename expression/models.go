package expression

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// entryRecord is the persisted form of an Entry.
type entryRecord struct {
	ID          string         `gorm:"primaryKey;size:36"`
	Mode        string         `gorm:"size:16;not null;uniqueIndex:idx_expression_mode_name"`
	Name        string         `gorm:"size:100;not null;uniqueIndex:idx_expression_mode_name"`
	DisplayName string         `gorm:"size:100;not null"`
	AssetPath   *string        `gorm:"size:512"`
	Weights     datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time      `gorm:"autoCreateTime:false;index"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime:false"`
}

func (entryRecord) TableName() string {
	return "expression_entries"
}

// deploymentRecord is the single row holding the active mode and the
// per-mode default selection.
type deploymentRecord struct {
	ID              uint    `gorm:"primaryKey"`
	Mode            string  `gorm:"size:16;not null;default:'image'"`
	DefaultImageID  *string `gorm:"size:36"`
	DefaultPresetID *string `gorm:"size:36"`
	UpdatedAt       time.Time
}

func (deploymentRecord) TableName() string {
	return "expression_deployment"
}

const deploymentRowID = 1

func (d *deploymentRecord) defaultFor(mode Mode) string {
	var ref *string
	switch mode {
	case ModeImage:
		ref = d.DefaultImageID
	case ModePreset:
		ref = d.DefaultPresetID
	}
	if ref == nil {
		return ""
	}
	return strings.TrimSpace(*ref)
}

func (d *deploymentRecord) setDefault(mode Mode, id string) {
	var ref *string
	if id != "" {
		value := id
		ref = &value
	}
	switch mode {
	case ModeImage:
		d.DefaultImageID = ref
	case ModePreset:
		d.DefaultPresetID = ref
	}
}

func recordFromEntry(e Entry) (entryRecord, error) {
	rec := entryRecord{
		ID:          e.ID,
		Mode:        string(e.Mode),
		Name:        e.Name,
		DisplayName: e.DisplayName,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	switch e.Mode {
	case ModeImage:
		if e.Image != nil {
			path := e.Image.AssetPath
			rec.AssetPath = &path
		}
	case ModePreset:
		weights := Weights{}
		if e.Preset != nil && e.Preset.Weights != nil {
			weights = e.Preset.Weights
		}
		raw, err := json.Marshal(weights)
		if err != nil {
			return entryRecord{}, err
		}
		rec.Weights = datatypes.JSON(raw)
	}
	return rec, nil
}

func (r entryRecord) toEntry() (Entry, error) {
	e := Entry{
		ID:          r.ID,
		Mode:        Mode(r.Mode),
		Name:        r.Name,
		DisplayName: r.DisplayName,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	switch e.Mode {
	case ModeImage:
		path := ""
		if r.AssetPath != nil {
			path = *r.AssetPath
		}
		e.Image = &ImagePayload{AssetPath: path}
	case ModePreset:
		weights := Weights{}
		if len(r.Weights) > 0 {
			if err := json.Unmarshal(r.Weights, &weights); err != nil {
				return Entry{}, err
			}
		}
		e.Preset = &PresetPayload{Weights: weights}
	}
	return e, nil
}
