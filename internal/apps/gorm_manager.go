package apps

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
)

// AppRecord is the database row backing an App. Webhooks are stored as a
// JSON column so webhook targets can be edited without a migration.
type AppRecord struct {
	ID      string `gorm:"primaryKey;column:id"`
	Key     string `gorm:"uniqueIndex;column:key"`
	Secret  string `gorm:"column:secret"`
	Enabled bool   `gorm:"column:enabled;default:true"`

	MaxConnections               int `gorm:"column:max_connections"`
	MaxChannelNameLength         int `gorm:"column:max_channel_name_length"`
	MaxEventPayloadKB            int `gorm:"column:max_event_payload_kb"`
	MaxEventChannelsAtOnce       int `gorm:"column:max_event_channels_at_once"`
	MaxPresenceMembersPerChannel int `gorm:"column:max_presence_members_per_channel"`

	EnableClientMessages bool `gorm:"column:enable_client_messages"`

	Webhooks json.RawMessage `gorm:"column:webhooks;type:jsonb"`
}

func (AppRecord) TableName() string {
	return "apps"
}

func (r *AppRecord) toApp() *App {
	app := &App{
		ID:                           r.ID,
		Key:                          r.Key,
		Secret:                       r.Secret,
		Enabled:                      r.Enabled,
		MaxConnections:               r.MaxConnections,
		MaxChannelNameLength:         r.MaxChannelNameLength,
		MaxEventPayloadKB:            r.MaxEventPayloadKB,
		MaxEventChannelsAtOnce:       r.MaxEventChannelsAtOnce,
		MaxPresenceMembersPerChannel: r.MaxPresenceMembersPerChannel,
		EnableClientMessages:         r.EnableClientMessages,
	}
	if len(r.Webhooks) > 0 {
		// A malformed webhooks column disables webhooks for the app but
		// never fails the lookup.
		_ = json.Unmarshal(r.Webhooks, &app.Webhooks)
	}
	return app.withDefaults()
}

// GormAppManager looks apps up in postgres on every call so configuration
// changes take effect on the next connect without a restart.
type GormAppManager struct {
	db *gorm.DB
}

func NewGormAppManager(db *gorm.DB) *GormAppManager {
	return &GormAppManager{db}
}

// Migrate creates or updates the apps table.
func (m *GormAppManager) Migrate() error {
	return m.db.AutoMigrate(&AppRecord{})
}

func (m *GormAppManager) FindByID(ctx context.Context, id string) (*App, error) {
	var record AppRecord
	err := m.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAppNotFound
	}
	if err != nil {
		return nil, err
	}
	return record.toApp(), nil
}

func (m *GormAppManager) FindByKey(ctx context.Context, key string) (*App, error) {
	var record AppRecord
	err := m.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAppNotFound
	}
	if err != nil {
		return nil, err
	}
	return record.toApp(), nil
}
