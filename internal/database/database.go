package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tomertec/sshmanager-sub001/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Setting keys for persisted pool configuration.
const (
	SettingPoolEnabled     = "pool_enabled"
	SettingPoolMaxPerKey   = "pool_max_per_key"
	SettingPoolIdleTimeout = "pool_idle_timeout_seconds"
)

// Init opens the database at the configured path.
func Init() error {
	return Open(config.Cfg.DatabaseFile())
}

// Open opens (or creates) the SQLite database at path, migrates it and seeds
// default settings. ":memory:" is accepted for tests.
func Open(path string) error {
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	level := logger.Warn
	if memory {
		level = logger.Silent
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if memory {
		// Every pooled connection would otherwise see its own empty database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Setting{}, &KnownHost{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}
	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		SettingPoolEnabled:     "true",
		SettingPoolMaxPerKey:   "3",
		SettingPoolIdleTimeout: "300",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// PoolSettings is the persisted shape of the connection pool configuration.
type PoolSettings struct {
	Enabled     bool          `json:"enabled"`
	MaxPerKey   int           `json:"max_per_key"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// LoadPoolSettings reads the pool configuration. Missing or malformed values
// fall back to the seeded defaults.
func LoadPoolSettings() PoolSettings {
	ps := PoolSettings{Enabled: true, MaxPerKey: 3, IdleTimeout: 300 * time.Second}

	if v, err := GetSetting(SettingPoolEnabled); err == nil {
		if b, err := strconv.ParseBool(v); err == nil {
			ps.Enabled = b
		}
	}
	if v, err := GetSetting(SettingPoolMaxPerKey); err == nil {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ps.MaxPerKey = n
		}
	}
	if v, err := GetSetting(SettingPoolIdleTimeout); err == nil {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ps.IdleTimeout = time.Duration(n) * time.Second
		}
	}
	return ps
}

var ErrInvalidPoolSettings = errors.New("invalid pool settings")

func SavePoolSettings(ps PoolSettings) error {
	if ps.MaxPerKey < 1 {
		return fmt.Errorf("%w: max_per_key must be at least 1", ErrInvalidPoolSettings)
	}
	if ps.IdleTimeout < time.Second {
		return fmt.Errorf("%w: idle timeout must be at least 1s", ErrInvalidPoolSettings)
	}
	return DB.Transaction(func(tx *gorm.DB) error {
		for key, value := range map[string]string{
			SettingPoolEnabled:     strconv.FormatBool(ps.Enabled),
			SettingPoolMaxPerKey:   strconv.Itoa(ps.MaxPerKey),
			SettingPoolIdleTimeout: strconv.Itoa(int(ps.IdleTimeout / time.Second)),
		} {
			if err := tx.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error; err != nil {
				return fmt.Errorf("save %s: %w", key, err)
			}
		}
		return nil
	})
}

// Known host helpers

// GetKnownHost returns the stored key for host and algorithm, or
// gorm.ErrRecordNotFound.
func GetKnownHost(host, algorithm string) (*KnownHost, error) {
	var kh KnownHost
	if err := DB.Where("host = ? AND algorithm = ?", host, algorithm).First(&kh).Error; err != nil {
		return nil, err
	}
	return &kh, nil
}

func SaveKnownHost(kh *KnownHost) error {
	if kh.LastSeenAt.IsZero() {
		kh.LastSeenAt = time.Now()
	}
	return DB.Create(kh).Error
}

func TouchKnownHost(id uint) error {
	return DB.Model(&KnownHost{}).Where("id = ?", id).Update("last_seen_at", time.Now()).Error
}

func ListKnownHosts() ([]KnownHost, error) {
	var hosts []KnownHost
	if err := DB.Order("host, algorithm").Find(&hosts).Error; err != nil {
		return nil, err
	}
	return hosts, nil
}

// DeleteKnownHosts forgets every key recorded for host, allowing the next
// contact to re-establish trust.
func DeleteKnownHosts(host string) error {
	return DB.Where("host = ?", host).Delete(&KnownHost{}).Error
}
