package uistate

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/foundersbase/chatdock/internal/chat"
)

type Entry struct {
	Scope     string    `gorm:"type:varchar(128);primaryKey"`
	Name      string    `gorm:"type:varchar(64);primaryKey"`
	Value     string    `gorm:"type:varchar(255);not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Entry) TableName() string { return "ui_state" }

type GormStore struct {
	db    *gorm.DB
	scope string
}

// NewGormStore keeps one row per key, scoped by the signed-in user.
func NewGormStore(db *gorm.DB, self chat.Username) *GormStore {
	return &GormStore{db: db, scope: scopeOf(self)}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&Entry{})
}

func (s *GormStore) Load(ctx context.Context) (State, error) {
	var rows []Entry
	if err := s.db.WithContext(ctx).
		Where("scope = ? AND name IN ?", s.scope, []string{KeyOpen, KeyActive}).
		Find(&rows).Error; err != nil {
		return State{}, err
	}
	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Name] = r.Value
	}
	return decode(values), nil
}

func (s *GormStore) SaveOpen(ctx context.Context, open bool) error {
	return s.put(ctx, KeyOpen, encodeOpen(open))
}

func (s *GormStore) SaveActive(ctx context.Context, peer chat.Username) error {
	return s.put(ctx, KeyActive, string(peer))
}

func (s *GormStore) put(ctx context.Context, name, value string) error {
	e := Entry{Scope: s.scope, Name: name, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&e).Error
}
