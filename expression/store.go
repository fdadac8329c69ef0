package expression

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"auralis_expression/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AssetRemover deletes the backing file of a flat-image entry.
type AssetRemover interface {
	Remove(ctx context.Context, ref string) error
}

// Store is the durable record of entries, the active mode and the default
// selection per mode. Mutations are serialized by mu and committed before
// returning; reads go straight to the database.
type Store struct {
	db     *gorm.DB
	mu     sync.Mutex
	assets AssetRemover
	cache  *SnapshotCache
	now    func() time.Time
	log    *logger.Logger
}

type StoreOption func(*Store)

func WithAssetRemover(r AssetRemover) StoreOption {
	return func(s *Store) { s.assets = r }
}

func WithSnapshotCache(c *SnapshotCache) StoreOption {
	return func(s *Store) { s.cache = c }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func WithLogger(log *logger.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// NewStore migrates the tables and makes sure the deployment row exists.
func NewStore(db *gorm.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("expression: database is required")
	}
	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
		log: logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "ExpressionStore")

	if err := db.AutoMigrate(&entryRecord{}, &deploymentRecord{}); err != nil {
		return nil, fmt.Errorf("expression: migrate tables: %w", err)
	}
	seed := deploymentRecord{ID: deploymentRowID, Mode: string(ModeImage)}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("expression: seed deployment row: %w", err)
	}
	return s, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	return getEntry(s.db.WithContext(ctx), id)
}

// Lookup resolves a symbolic name within one mode's namespace.
func (s *Store) Lookup(ctx context.Context, mode Mode, name string) (Entry, error) {
	var rec entryRecord
	err := s.db.WithContext(ctx).
		Where("mode = ? AND name = ?", string(mode), strings.TrimSpace(name)).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("expression: lookup %q: %w", name, err)
	}
	return rec.toEntry()
}

// List returns the entries of one mode, oldest first.
func (s *Store) List(ctx context.Context, mode Mode) ([]Entry, error) {
	return listEntries(s.db.WithContext(ctx), mode)
}

// Put registers a new entry. It assigns the id and timestamps, and promotes
// the entry to default when its mode has none yet.
func (s *Store) Put(ctx context.Context, entry Entry) (Entry, error) {
	entry.Name = strings.TrimSpace(entry.Name)
	entry.DisplayName = strings.TrimSpace(entry.DisplayName)
	if entry.DisplayName == "" {
		entry.DisplayName = entry.Name
	}
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry = entry.Clone()
	entry.ID = uuid.NewString()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	rec, err := recordFromEntry(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("expression: encode entry: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&entryRecord{}).
			Where("mode = ? AND name = ?", rec.Mode, rec.Name).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %q", ErrDuplicateName, rec.Name)
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}

		dep, err := loadDeployment(tx)
		if err != nil {
			return err
		}
		if dep.defaultFor(entry.Mode) == "" {
			dep.setDefault(entry.Mode, entry.ID)
			return saveDeployment(tx, dep, now)
		}
		return nil
	})
	if err != nil {
		return Entry{}, wrapStoreErr("create entry", err)
	}

	s.cache.invalidate(ctx)
	return entry.Clone(), nil
}

// Update applies a partial update and always refreshes UpdatedAt.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		updated  Entry
		oldAsset string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		next := current.Clone()

		if patch.DisplayName != nil {
			next.DisplayName = strings.TrimSpace(*patch.DisplayName)
			if next.DisplayName == "" {
				next.DisplayName = next.Name
			}
		}
		switch next.Mode {
		case ModeImage:
			if patch.Weights != nil {
				return fmt.Errorf("%w: image entries cannot carry weights", ErrInvalidEntry)
			}
			if patch.AssetPath != nil {
				oldAsset = next.Image.AssetPath
				next.Image.AssetPath = strings.TrimSpace(*patch.AssetPath)
			}
		case ModePreset:
			if patch.AssetPath != nil {
				return fmt.Errorf("%w: preset entries cannot carry an image", ErrInvalidEntry)
			}
			if patch.Weights != nil {
				next.Preset.Weights = patch.Weights.Clone()
			}
		}
		if err := next.Validate(); err != nil {
			return err
		}
		next.UpdatedAt = s.now()

		rec, err := recordFromEntry(next)
		if err != nil {
			return err
		}
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return Entry{}, wrapStoreErr("update entry", err)
	}

	if oldAsset != "" && oldAsset != updated.Image.AssetPath {
		s.removeAsset(ctx, oldAsset)
	}
	s.cache.invalidate(ctx)
	return updated.Clone(), nil
}

// Delete removes an entry and its backing asset. When the entry was its
// mode's default, the default moves to the oldest remaining entry of that
// mode, or is cleared when none remain.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(&entryRecord{}, "id = ?", entry.ID).Error; err != nil {
			return err
		}

		dep, err := loadDeployment(tx)
		if err != nil {
			return err
		}
		if dep.defaultFor(entry.Mode) == entry.ID {
			var next entryRecord
			replacement := ""
			err := tx.Where("mode = ?", string(entry.Mode)).
				Order("created_at asc").Order("name asc").
				First(&next).Error
			switch {
			case err == nil:
				replacement = next.ID
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
			dep.setDefault(entry.Mode, replacement)
			if err := saveDeployment(tx, dep, s.now()); err != nil {
				return err
			}
			s.log.Info("default selection reassigned after delete", "mode", entry.Mode, "deleted", entry.ID, "default", replacement)
		}
		removed = entry
		return nil
	})
	if err != nil {
		return wrapStoreErr("delete entry", err)
	}

	if removed.Mode == ModeImage && removed.Image != nil {
		s.removeAsset(ctx, removed.Image.AssetPath)
	}
	s.cache.invalidate(ctx)
	return nil
}

// Mode returns the active display mode.
func (s *Store) Mode(ctx context.Context) (Mode, error) {
	dep, err := loadDeployment(s.db.WithContext(ctx))
	if err != nil {
		return "", wrapStoreErr("load deployment", err)
	}
	return Mode(dep.Mode), nil
}

// SetMode switches the active display mode.
func (s *Store) SetMode(ctx context.Context, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dep, err := loadDeployment(tx)
		if err != nil {
			return err
		}
		dep.Mode = string(mode)
		return saveDeployment(tx, dep, s.now())
	})
	if err != nil {
		return wrapStoreErr("set mode", err)
	}
	s.cache.invalidate(ctx)
	return nil
}

// CurrentSelection returns the default entry id of the active mode, or "".
func (s *Store) CurrentSelection(ctx context.Context) (string, error) {
	dep, err := loadDeployment(s.db.WithContext(ctx))
	if err != nil {
		return "", wrapStoreErr("load deployment", err)
	}
	return dep.defaultFor(Mode(dep.Mode)), nil
}

// SetCurrentSelection marks id as the default of its mode. A missing id is
// an invariant violation and fails with ErrInvalidReference.
func (s *Store) SetCurrentSelection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := getEntry(tx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: %q", ErrInvalidReference, id)
			}
			return err
		}
		dep, err := loadDeployment(tx)
		if err != nil {
			return err
		}
		dep.setDefault(entry.Mode, entry.ID)
		return saveDeployment(tx, dep, s.now())
	})
	if err != nil {
		return wrapStoreErr("set selection", err)
	}
	s.cache.invalidate(ctx)
	return nil
}

// Select resolves name in the active mode and makes it the current
// selection in one serialized step.
func (s *Store) Select(ctx context.Context, name string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var selected Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dep, err := loadDeployment(tx)
		if err != nil {
			return err
		}
		var rec entryRecord
		err = tx.Where("mode = ? AND name = ?", dep.Mode, strings.TrimSpace(name)).First(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %q", ErrUnknownExpression, name)
			}
			return err
		}
		entry, err := rec.toEntry()
		if err != nil {
			return err
		}
		dep.setDefault(entry.Mode, entry.ID)
		if err := saveDeployment(tx, dep, s.now()); err != nil {
			return err
		}
		selected = entry
		return nil
	})
	if err != nil {
		return Entry{}, wrapStoreErr("select entry", err)
	}
	s.cache.invalidate(ctx)
	return selected.Clone(), nil
}

// Snapshot returns the full durable state of the active mode.
func (s *Store) Snapshot(ctx context.Context) (State, error) {
	if cached, ok := s.cache.get(ctx); ok {
		return cached, nil
	}
	gen, cacheable := s.cache.generation(ctx)

	var state State
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dep, err := loadDeployment(tx)
		if err != nil {
			return err
		}
		mode := Mode(dep.Mode)
		entries, err := listEntries(tx, mode)
		if err != nil {
			return err
		}
		state = State{Mode: mode, Entries: entries, CurrentID: dep.defaultFor(mode)}
		for i := range entries {
			if entries[i].ID == state.CurrentID {
				current := entries[i].Clone()
				state.Current = &current
				break
			}
		}
		return nil
	})
	if err != nil {
		return State{}, wrapStoreErr("snapshot", err)
	}

	if cacheable {
		s.cache.store(ctx, gen, state)
	}
	return state, nil
}

func (s *Store) removeAsset(ctx context.Context, ref string) {
	if s.assets == nil || strings.TrimSpace(ref) == "" {
		return
	}
	if err := s.assets.Remove(ctx, ref); err != nil {
		s.log.Warn("remove expression asset failed", "asset", ref, "error", err)
	}
}

func getEntry(db *gorm.DB, id string) (Entry, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return Entry{}, ErrNotFound
	}
	var rec entryRecord
	if err := db.First(&rec, "id = ?", trimmed).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return rec.toEntry()
}

func listEntries(db *gorm.DB, mode Mode) ([]Entry, error) {
	var records []entryRecord
	if err := db.Where("mode = ?", string(mode)).
		Order("created_at asc").Order("name asc").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("expression: list entries: %w", err)
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entry, err := rec.toEntry()
		if err != nil {
			return nil, fmt.Errorf("expression: decode entry %s: %w", rec.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func loadDeployment(db *gorm.DB) (*deploymentRecord, error) {
	var dep deploymentRecord
	if err := db.First(&dep, deploymentRowID).Error; err != nil {
		return nil, err
	}
	return &dep, nil
}

func saveDeployment(db *gorm.DB, dep *deploymentRecord, now time.Time) error {
	dep.UpdatedAt = now
	return db.Save(dep).Error
}

func wrapStoreErr(action string, err error) error {
	for _, sentinel := range []error{
		ErrNotFound, ErrInvalidReference, ErrUnknownExpression, ErrDuplicateName,
		ErrInvalidWeight, ErrInvalidMode, ErrInvalidEntry,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("expression: %s: %w", action, err)
}
