package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// CacheEntry is a stored response snapshot keyed by request identity
// (method + absolute URL) within one generation.
type CacheEntry struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Generation string    `gorm:"size:191;not null;uniqueIndex:idx_cache_entry_key,priority:1" json:"generation"`
	KeyHash    string    `gorm:"size:64;not null;uniqueIndex:idx_cache_entry_key,priority:2" json:"-"`
	Key        string    `gorm:"type:text;not null" json:"key"`
	Method     string    `gorm:"size:16;not null" json:"method"`
	URL        string    `gorm:"type:text;not null" json:"url"`
	Status     int       `gorm:"not null" json:"status"`
	Header     string    `gorm:"type:text" json:"header"`
	Body       []byte    `gorm:"type:longblob" json:"-"`
	StoredAt   time.Time `gorm:"not null" json:"stored_at"`
}

// TableName returns the table name for GORM.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// HashKey returns the fixed-width digest used for the unique index, since
// URLs can exceed index length limits.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// SetHTTPHeader stores h in its serialized form.
func (e *CacheEntry) SetHTTPHeader(h http.Header) error {
	if len(h) == 0 {
		e.Header = ""
		return nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	e.Header = string(b)
	return nil
}

// HTTPHeader decodes the stored header. An unreadable header yields an empty one.
func (e *CacheEntry) HTTPHeader() http.Header {
	h := http.Header{}
	if e.Header == "" {
		return h
	}
	if err := json.Unmarshal([]byte(e.Header), &h); err != nil {
		return http.Header{}
	}
	return h
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (e *CacheEntry) Clone() *CacheEntry {
	c := *e
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}
