package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// KnownHost is a trusted host key, recorded on first successful contact.
// Host is the logical address of the hop ("host:port"), not the local
// forwarded address the connection may actually travel through.
type KnownHost struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Host        string    `gorm:"uniqueIndex:idx_known_host_algo;not null" json:"host"`
	Algorithm   string    `gorm:"uniqueIndex:idx_known_host_algo;not null" json:"algorithm"`
	Fingerprint string    `gorm:"not null" json:"fingerprint"`
	PublicKey   string    `gorm:"type:text" json:"public_key"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
