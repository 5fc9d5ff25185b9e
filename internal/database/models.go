package database

import "time"

// ConnectionRecord persists a network connection setup. Definition carries
// the contact point together with its auto-retry attributes.
type ConnectionRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Address          string    `gorm:"uniqueIndex;not null" json:"address"` // host:port, unique like the setups
	Name             string    `gorm:"not null" json:"name"`
	Definition       string    `gorm:"not null" json:"definition"`
	ConnectOnStartup bool      `gorm:"not null;default:false" json:"connect_on_startup"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SSHRecord persists an SSH connection setup. Passphrases live in Secret.
type SSHRecord struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	Name               string    `gorm:"not null" json:"name"`
	Host               string    `gorm:"not null" json:"host"`
	Port               int       `gorm:"not null;default:22" json:"port"`
	User               string    `gorm:"not null" json:"user"`
	KeyFile            string    `json:"key_file"`
	UsePassphrase      bool      `gorm:"not null;default:false" json:"use_passphrase"`
	StorePassphrase    bool      `gorm:"not null;default:false" json:"store_passphrase"`
	ConnectOnStartup   bool      `gorm:"not null;default:false" json:"connect_on_startup"`
	AutoRetry          bool      `gorm:"not null;default:false" json:"auto_retry"`
	HostKeyFingerprint string    `json:"host_key_fingerprint"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Secret struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	Value     string    `gorm:"not null" json:"-"` // Fernet-encrypted
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
