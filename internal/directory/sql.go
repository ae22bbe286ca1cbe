package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vyrodovalexey/avapigw-identity/internal/config"
	"github.com/vyrodovalexey/avapigw-identity/internal/identity"
	"github.com/vyrodovalexey/avapigw-identity/internal/observability"
	"github.com/vyrodovalexey/avapigw-identity/internal/vault"
)

type userRecord struct {
	ID                 string `gorm:"primaryKey;size:36"`
	Username           string `gorm:"uniqueIndex;not null;size:255"`
	Email              string `gorm:"size:255"`
	FirstName          string `gorm:"size:255"`
	LastName           string `gorm:"size:255"`
	Organization       string `gorm:"index;size:255"`
	Roles              string `gorm:"type:text"`
	Telephone          string `gorm:"size:64"`
	Address            string
	Title              string `gorm:"size:255"`
	Notes              string
	LastUpdated        time.Time
	PasswordExpiryDays *int
	ExternalAuth       bool
	Provider           string `gorm:"size:255"`
	ProviderSubject    string `gorm:"size:255"`
}

func (userRecord) TableName() string { return "users" }

type orgRecord struct {
	ID          string `gorm:"primaryKey;size:36"`
	ShortName   string `gorm:"uniqueIndex;not null;size:255"`
	DisplayName string `gorm:"size:255"`
}

func (orgRecord) TableName() string { return "organizations" }

type memberRecord struct {
	Seq       uint   `gorm:"primaryKey;autoIncrement"`
	ShortName string `gorm:"uniqueIndex:idx_org_member;not null;size:255"`
	Username  string `gorm:"uniqueIndex:idx_org_member;not null;size:255"`
}

func (memberRecord) TableName() string { return "organization_members" }

type roleRecord struct {
	Name        string `gorm:"primaryKey;size:255"`
	Description string
}

func (roleRecord) TableName() string { return "roles" }

func allModels() []interface{} {
	return []interface{}{&userRecord{}, &orgRecord{}, &memberRecord{}, &roleRecord{}}
}

// SQLStore is a Store backed by SQLite or PostgreSQL through GORM. Unique
// indexes on username, short name and role name enforce uniqueness.
type SQLStore struct {
	db     *gorm.DB
	logger observability.Logger
}

// NewSQLStore wraps an open database and migrates the schema.
func NewSQLStore(db *gorm.DB, logger observability.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}
	return &SQLStore{
		db:     db,
		logger: logger.With(observability.String("component", "directory.sql")),
	}, nil
}

// OpenSQL opens the configured database, resolving the PostgreSQL password
// from Vault when a vault path is set.
func OpenSQL(
	ctx context.Context, cfg config.SQLDirectoryConfig, vaultClient vault.Client, logger observability.Logger,
) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.SQLDriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn := cfg.SQLitePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case config.SQLDriverPostgres:
		password := cfg.Password
		if cfg.PasswordVaultPath != "" {
			pw, err := vault.ReadPassword(ctx, vaultClient, cfg.PasswordVaultPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read database password from vault path %s: %w",
					cfg.PasswordVaultPath, err)
			}
			password = pw
		}
		dialector = postgres.Open(postgresDSN(cfg, password))

	default:
		return nil, fmt.Errorf("unsupported SQL driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == config.SQLDriverPostgres && cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return NewSQLStore(db, logger)
}

func postgresDSN(cfg config.SQLDirectoryConfig, password string) string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		cfg.Host, cfg.Port, cfg.User, password, cfg.Database)
	if cfg.SSLMode != "" {
		dsn += " sslmode=" + cfg.SSLMode
	}
	return dsn
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

// mapSQLError converts GORM errors into directory errors. Anything that is
// not a missing row or a uniqueness violation is treated as unavailability.
func mapSQLError(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storeError(op, key, ErrNotFound)
	case isUniqueConstraintError(err):
		return storeError(op, key, ErrAlreadyExists)
	default:
		return unavailable(op, key, err)
	}
}

func toUserRecord(u *identity.User) (*userRecord, error) {
	roles, err := json.Marshal(identity.NormalizeRoles(u.Roles))
	if err != nil {
		return nil, err
	}
	return &userRecord{
		ID:                 u.ID,
		Username:           u.Username,
		Email:              u.Email,
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		Organization:       u.Organization,
		Roles:              string(roles),
		Telephone:          u.Telephone,
		Address:            u.Address,
		Title:              u.Title,
		Notes:              u.Notes,
		LastUpdated:        u.LastUpdated,
		PasswordExpiryDays: u.PasswordExpiryDays,
		ExternalAuth:       u.ExternalAuth,
		Provider:           u.Provider,
		ProviderSubject:    u.ProviderSubject,
	}, nil
}

func (r *userRecord) toUser() (*identity.User, error) {
	var roles []string
	if r.Roles != "" {
		if err := json.Unmarshal([]byte(r.Roles), &roles); err != nil {
			return nil, err
		}
	}
	return &identity.User{
		ID:                 r.ID,
		Username:           r.Username,
		Email:              r.Email,
		FirstName:          r.FirstName,
		LastName:           r.LastName,
		Organization:       r.Organization,
		Roles:              identity.NormalizeRoles(roles),
		Telephone:          r.Telephone,
		Address:            r.Address,
		Title:              r.Title,
		Notes:              r.Notes,
		LastUpdated:        r.LastUpdated,
		PasswordExpiryDays: r.PasswordExpiryDays,
		ExternalAuth:       r.ExternalAuth,
		Provider:           r.Provider,
		ProviderSubject:    r.ProviderSubject,
	}, nil
}

func (s *SQLStore) FindUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	var rec userRecord
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&rec).Error; err != nil {
		return nil, mapSQLError("find_user", username, err)
	}
	u, err := rec.toUser()
	if err == nil {
		err = u.Validate()
	}
	if err != nil {
		s.logger.Warn("malformed directory entry",
			observability.String("username", username),
			observability.Error(err),
		)
		return nil, storeError("find_user", username, fmt.Errorf("%w: %w", ErrMalformedEntry, err))
	}
	return u, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *identity.User) error {
	if err := validateUser("create_user", user); err != nil {
		return err
	}
	rec, err := toUserRecord(user)
	if err != nil {
		return storeError("create_user", user.Username, err)
	}
	return mapSQLError("create_user", user.Username, s.db.WithContext(ctx).Create(rec).Error)
}

// UpdateUser replaces every attribute of the stored user except its id.
func (s *SQLStore) UpdateUser(ctx context.Context, user *identity.User) error {
	if err := validateUser("update_user", user); err != nil {
		return err
	}
	rec, err := toUserRecord(user)
	if err != nil {
		return storeError("update_user", user.Username, err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing userRecord
		if err := tx.Where("username = ?", user.Username).First(&existing).Error; err != nil {
			return err
		}
		rec.ID = existing.ID
		return tx.Save(rec).Error
	})
	return mapSQLError("update_user", user.Username, err)
}

func (s *SQLStore) FindOrgByShortName(ctx context.Context, shortName string) (*identity.Organization, error) {
	var rec orgRecord
	db := s.db.WithContext(ctx)
	if err := db.Where("short_name = ?", shortName).First(&rec).Error; err != nil {
		return nil, mapSQLError("find_org", shortName, err)
	}

	var members []memberRecord
	if err := db.Where("short_name = ?", shortName).Order("seq").Find(&members).Error; err != nil {
		return nil, mapSQLError("find_org", shortName, err)
	}

	org := &identity.Organization{
		ID:          rec.ID,
		ShortName:   rec.ShortName,
		DisplayName: rec.DisplayName,
		Members:     make([]string, 0, len(members)),
	}
	for _, m := range members {
		org.Members = append(org.Members, m.Username)
	}
	return org, nil
}

func (s *SQLStore) CreateOrg(ctx context.Context, org *identity.Organization) error {
	if err := validateOrg("create_org", org); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&orgRecord{ID: org.ID, ShortName: org.ShortName, DisplayName: org.DisplayName}).Error; err != nil {
			return err
		}
		for _, m := range org.Members {
			if err := insertMember(tx, org.ShortName, m); err != nil {
				return err
			}
		}
		return nil
	})
	return mapSQLError("create_org", org.ShortName, err)
}

func insertMember(tx *gorm.DB, shortName, username string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&memberRecord{ShortName: shortName, Username: username}).Error
}

func (s *SQLStore) AddMember(ctx context.Context, shortName, username string) error {
	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&orgRecord{}).Where("short_name = ?", shortName).Count(&count).Error; err != nil {
		return mapSQLError("add_member", shortName, err)
	}
	if count == 0 {
		return storeError("add_member", shortName, ErrNotFound)
	}
	return mapSQLError("add_member", shortName, insertMember(db, shortName, username))
}

func (s *SQLStore) FindRoleByName(ctx context.Context, name string) (*identity.Role, error) {
	var rec roleRecord
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error; err != nil {
		return nil, mapSQLError("find_role", name, err)
	}
	return &identity.Role{Name: rec.Name, Description: rec.Description}, nil
}

func (s *SQLStore) CreateRole(ctx context.Context, role *identity.Role) error {
	if err := validateRole("create_role", role); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Create(&roleRecord{Name: role.Name, Description: role.Description}).Error
	return mapSQLError("create_role", role.Name, err)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("ping", "", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*SQLStore)(nil)
