package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GORMConfig selects the SQL backend
type GORMConfig struct {
	Type        string
	SQLitePath  string
	PostgresDSN string
}

type profileRecord struct {
	ID        string         `gorm:"primaryKey;size:36"`
	Wiki      string         `gorm:"not null;size:255;uniqueIndex:idx_profiles_wiki_name"`
	FullName  string         `gorm:"not null;size:512;uniqueIndex:idx_profiles_wiki_name"`
	Objects   []objectRecord `gorm:"foreignKey:ProfileID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (profileRecord) TableName() string { return "profiles" }

type objectRecord struct {
	ID         uint             `gorm:"primaryKey;autoIncrement"`
	ProfileID  string           `gorm:"not null;size:36;index"`
	ClassName  string           `gorm:"not null;size:255;index"`
	Properties []propertyRecord `gorm:"foreignKey:ObjectID;constraint:OnDelete:CASCADE"`
}

func (objectRecord) TableName() string { return "profile_objects" }

type propertyRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ObjectID   uint   `gorm:"not null;index"`
	ProfileID  string `gorm:"not null;size:36;index"`
	ClassName  string `gorm:"not null;size:255;index:idx_properties_lookup"`
	Name       string `gorm:"not null;size:255;index:idx_properties_lookup"`
	Value      string `gorm:"type:text"`
	LowerValue string `gorm:"size:1024;index:idx_properties_lookup"`
}

func (propertyRecord) TableName() string { return "profile_properties" }

// GORMStore keeps profiles in SQLite or PostgreSQL
type GORMStore struct {
	db *gorm.DB
}

var _ Store = (*GORMStore)(nil)

// NewGORMStore opens the database and migrates the schema
func NewGORMStore(cfg *GORMConfig) (*GORMStore, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case TypeSQLite:
		dsn := cfg.SQLitePath
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		} else {
			dsn += "?_pragma=foreign_keys(1)"
		}
		dialector = sqlite.Open(dsn)
	case TypePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres DSN is required")
		}
		dialector = postgres.Open(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Type == TypeSQLite && cfg.SQLitePath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&profileRecord{}, &objectRecord{}, &propertyRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &GORMStore{db: db}, nil
}

func (s *GORMStore) Get(ctx context.Context, wiki, fullName string) (*models.UserProfile, error) {
	var rec profileRecord
	err := s.db.WithContext(ctx).
		Preload("Objects.Properties").
		Where("wiki = ? AND full_name = ?", wiki, fullName).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec.toModel(), nil
}

func (s *GORMStore) Exists(ctx context.Context, wiki, fullName string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&profileRecord{}).
		Where("wiki = ? AND full_name = ?", wiki, fullName).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GORMStore) Create(ctx context.Context, p *models.UserProfile) error {
	now := time.Now()
	rec := profileRecord{
		ID:        uuid.New().String(),
		Wiki:      p.Wiki,
		FullName:  p.FullName,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Objects").Create(&rec).Error; err != nil {
			return err
		}
		return insertObjects(tx, rec.ID, p)
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAlreadyExists
		}
		return err
	}

	p.CreatedAt = now
	p.UpdatedAt = now
	p.IsNew = false
	return nil
}

func (s *GORMStore) Save(ctx context.Context, p *models.UserProfile) error {
	now := time.Now()
	var createdAt time.Time

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec profileRecord
		err := tx.Where("wiki = ? AND full_name = ?", p.Wiki, p.FullName).First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec = profileRecord{
				ID:        uuid.New().String(),
				Wiki:      p.Wiki,
				FullName:  p.FullName,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Omit("Objects").Create(&rec).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&rec).Update("updated_at", now).Error; err != nil {
				return err
			}
			if err := tx.Where("profile_id = ?", rec.ID).Delete(&propertyRecord{}).Error; err != nil {
				return err
			}
			if err := tx.Where("profile_id = ?", rec.ID).Delete(&objectRecord{}).Error; err != nil {
				return err
			}
		}
		createdAt = rec.CreatedAt
		return insertObjects(tx, rec.ID, p)
	})
	if err != nil {
		return err
	}

	p.CreatedAt = createdAt
	p.UpdatedAt = now
	p.IsNew = false
	return nil
}

// insertObjects writes one object row per class and one property row per field
func insertObjects(tx *gorm.DB, profileID string, p *models.UserProfile) error {
	for className, obj := range p.Objects {
		objRec := objectRecord{ProfileID: profileID, ClassName: className}
		if err := tx.Omit("Properties").Create(&objRec).Error; err != nil {
			return err
		}

		if len(obj.Fields) == 0 {
			continue
		}
		props := make([]propertyRecord, 0, len(obj.Fields))
		for name, value := range obj.Fields {
			props = append(props, propertyRecord{
				ObjectID:   objRec.ID,
				ProfileID:  profileID,
				ClassName:  className,
				Name:       name,
				Value:      value,
				LowerValue: strings.ToLower(value),
			})
		}
		if err := tx.Create(&props).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *GORMStore) Search(ctx context.Context, wiki string, f Filter) ([]*models.UserProfile, error) {
	var sub *gorm.DB
	if f.Field == "" {
		sub = s.db.Model(&objectRecord{}).
			Select("profile_id").
			Where("class_name = ?", f.ClassName)
	} else {
		sub = s.db.Model(&propertyRecord{}).
			Select("profile_id").
			Where("class_name = ? AND name = ?", f.ClassName, f.Field)
		if f.IgnoreCase {
			sub = sub.Where("lower_value = ?", strings.ToLower(f.Value))
		} else {
			sub = sub.Where("value = ?", f.Value)
		}
	}

	var recs []profileRecord
	err := s.db.WithContext(ctx).
		Preload("Objects.Properties").
		Where("wiki = ? AND id IN (?)", wiki, sub).
		Order("full_name").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	results := make([]*models.UserProfile, 0, len(recs))
	for i := range recs {
		results = append(results, recs[i].toModel())
	}
	// byte order, matching the other stores regardless of database collation
	sortByFullName(results)
	return results, nil
}

func (s *GORMStore) Wikis(ctx context.Context) ([]string, error) {
	var wikis []string
	err := s.db.WithContext(ctx).
		Model(&profileRecord{}).
		Distinct("wiki").
		Order("wiki").
		Pluck("wiki", &wikis).Error
	if err != nil {
		return nil, err
	}
	return wikis, nil
}

func (s *GORMStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *profileRecord) toModel() *models.UserProfile {
	p := &models.UserProfile{
		Wiki:      r.Wiki,
		FullName:  r.FullName,
		Objects:   make(map[string]*models.Object, len(r.Objects)),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	for _, o := range r.Objects {
		obj := &models.Object{ClassName: o.ClassName, Fields: make(map[string]string, len(o.Properties))}
		for _, prop := range o.Properties {
			obj.Fields[prop.Name] = prop.Value
		}
		p.Objects[o.ClassName] = obj
	}
	return p
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint")
}
