package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/estate_backend/models"
	"gorm.io/gorm"
)

type participantReader struct {
	db *gorm.DB
}

func (r *participantReader) getParticipants(ctx context.Context, ids []string) []*dataloader.Result[*models.Participant] {
	var results []models.Participant
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.Participant](len(ids), err)
	}
	return generateLoaderResults(results, func(p models.Participant) string { return p.ID }, ids)
}

func GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	loaders := For(ctx)
	return loaders.ParticipantLoader.Load(ctx, id)()
}

func GetParticipants(ctx context.Context, ids []string) ([]*models.Participant, []error) {
	loaders := For(ctx)
	return loaders.ParticipantLoader.LoadMany(ctx, ids)()
}

type assetReader struct {
	db *gorm.DB
}

func (r *assetReader) getAssets(ctx context.Context, ids []string) []*dataloader.Result[*models.Asset] {
	var results []models.Asset
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error
	if err != nil {
		return handleError[*models.Asset](len(ids), err)
	}
	return generateLoaderResults(results, func(a models.Asset) string { return a.ID }, ids)
}

func GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	loaders := For(ctx)
	return loaders.AssetLoader.Load(ctx, id)()
}
