package audit

import "time"

// Event is one recorded detection. Only derived metadata is stored;
// raw input text never reaches the audit trail.
type Event struct {
	ID          int64     `db:"id" json:"id" parquet:"id"`
	RequestID   string    `db:"request_id" json:"request_id" parquet:"request_id"`
	Language    string    `db:"language" json:"language" parquet:"language"`
	TextLength  int       `db:"text_length" json:"text_length" parquet:"text_length"`
	EntityCount int       `db:"entity_count" json:"entity_count" parquet:"entity_count"`
	EntityTypes string    `db:"entity_types" json:"entity_types" parquet:"entity_types"` // comma-joined
	RiskLevel   string    `db:"risk_level" json:"risk_level" parquet:"risk_level"`
	IsSafe      bool      `db:"is_safe" json:"is_safe" parquet:"is_safe"`
	Generation  int64     `db:"generation" json:"generation" parquet:"generation"`
	DurationMS  int64     `db:"duration_ms" json:"duration_ms" parquet:"duration_ms"`
	CreatedAt   time.Time `db:"created_at" json:"created_at" parquet:"created_at"`
}

// Config contains audit trail settings.
type Config struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	QueueSize       int           `yaml:"queue_size" mapstructure:"queue_size"`
}
