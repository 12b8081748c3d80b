package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/estate_backend/utils"
	"gorm.io/gorm"
)

// Read models over tables owned by the identity, family and asset services.
// They are never migrated by this module outside tests.

type Participant struct {
	ID       string `gorm:"size:36;primaryKey" json:"id"`
	Name     string `gorm:"size:100" json:"name"`
	Email    string `gorm:"size:255" json:"email"`
	IcNumber string `gorm:"size:50" json:"-"`
}

func (Participant) TableName() string { return "users" }

type FamilyRelation struct {
	ID           string `gorm:"size:36;primaryKey" json:"id"`
	OwnerId      string `gorm:"size:36;index" json:"owner_id"`
	MemberId     string `gorm:"size:36;index" json:"member_id"`
	Relationship string `gorm:"size:50" json:"relationship"`
	IsHeir       bool   `json:"is_heir"`
}

func (FamilyRelation) TableName() string { return "family_relations" }

type Asset struct {
	ID          string `gorm:"size:36;primaryKey" json:"id"`
	OwnerId     string `gorm:"size:36;index" json:"owner_id"`
	Name        string `gorm:"size:255" json:"name"`
	Category    string `gorm:"size:100" json:"category"`
	Description string `gorm:"type:text" json:"description"`
}

func (Asset) TableName() string { return "assets" }

// GormDirectory reads participants, heirs and assets from the shared database.
type GormDirectory struct {
	DB *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{DB: db}
}

func (d *GormDirectory) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	var p Participant
	if err := d.DB.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetParticipants returns the participants in the order of ids; a missing id is ErrorRecordNotFound.
func (d *GormDirectory) GetParticipants(ctx context.Context, ids []string) ([]Participant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []Participant
	if err := d.DB.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byId := make(map[string]Participant, len(rows))
	for _, p := range rows {
		byId[p.ID] = p
	}
	out := make([]Participant, 0, len(ids))
	for _, id := range ids {
		p, ok := byId[id]
		if !ok {
			return nil, utils.ErrorRecordNotFound
		}
		out = append(out, p)
	}
	return out, nil
}

// ListHeirs returns the owner's statutory heirs, ordered by member id for a stable signer order.
func (d *GormDirectory) ListHeirs(ctx context.Context, ownerId string) ([]Participant, error) {
	var out []Participant
	err := d.DB.WithContext(ctx).
		Table("users").
		Select("users.*").
		Joins("JOIN family_relations ON family_relations.member_id = users.id").
		Where("family_relations.owner_id = ? AND family_relations.is_heir = ?", ownerId, true).
		Order("users.id ASC").
		Find(&out).Error
	return out, err
}

func (d *GormDirectory) GetAsset(ctx context.Context, id string) (*Asset, error) {
	var a Asset
	if err := d.DB.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &a, nil
}
