package entities

import "time"

// CacheGeneration is one versioned cache, named by the worker's generation tag.
type CacheGeneration struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:191;not null;uniqueIndex" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (CacheGeneration) TableName() string {
	return "cache_generations"
}
