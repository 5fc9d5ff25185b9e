package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned by lookups of missing rows.
var ErrNotFound = errors.New("record not found")

func Init(dbPath string) error {
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if err := Migrate(db); err != nil {
		return err
	}
	DB = db
	return nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConnectionRecord{}, &SSHRecord{}, &Setting{}, &Secret{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
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

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", notFound(err)
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Connection records

func ListConnections() ([]ConnectionRecord, error) {
	var recs []ConnectionRecord
	if err := DB.Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// SaveConnection inserts rec or updates the record with the same address.
func SaveConnection(rec *ConnectionRecord) error {
	return DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "definition", "connect_on_startup", "updated_at"}),
	}).Create(rec).Error
}

func DeleteConnection(address string) error {
	return DB.Where("address = ?", address).Delete(&ConnectionRecord{}).Error
}

// SSH records

func ListSSH() ([]SSHRecord, error) {
	var recs []SSHRecord
	if err := DB.Order("name, id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func GetSSH(id string) (*SSHRecord, error) {
	var rec SSHRecord
	if err := DB.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// SaveSSH inserts or fully replaces the record with rec's id.
func SaveSSH(rec *SSHRecord) error {
	return DB.Save(rec).Error
}

func DeleteSSH(id string) error {
	return DB.Where("id = ?", id).Delete(&SSHRecord{}).Error
}

// Secrets hold already encrypted values.

func GetSecret(name string) (string, error) {
	var s Secret
	if err := DB.Where("name = ?", name).First(&s).Error; err != nil {
		return "", notFound(err)
	}
	return s.Value, nil
}

func SetSecret(name, value string) error {
	return DB.Save(&Secret{Name: name, Value: value}).Error
}

// DeleteSecret returns ErrNotFound when no secret was stored under name.
func DeleteSecret(name string) error {
	res := DB.Where("name = ?", name).Delete(&Secret{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
