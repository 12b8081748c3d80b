package middlewares

import (
	"context"

	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/utils"
)

// LoaderDirectory serves participant and asset reads through the request's dataloaders so
// that rendering a notification fan-out costs one query per table. Heirs are not batched.
type LoaderDirectory struct {
	Heirs interface {
		ListHeirs(ctx context.Context, ownerId string) ([]models.Participant, error)
	}
}

func NewLoaderDirectory(fallback *models.GormDirectory) *LoaderDirectory {
	return &LoaderDirectory{Heirs: fallback}
}

func (d *LoaderDirectory) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	p, err := GetParticipant(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, utils.ErrorRecordNotFound
	}
	return p, nil
}

func (d *LoaderDirectory) GetParticipants(ctx context.Context, ids []string) ([]models.Participant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, errs := GetParticipants(ctx, ids)
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	out := make([]models.Participant, 0, len(rows))
	for _, p := range rows {
		if p == nil {
			return nil, utils.ErrorRecordNotFound
		}
		out = append(out, *p)
	}
	return out, nil
}

func (d *LoaderDirectory) ListHeirs(ctx context.Context, ownerId string) ([]models.Participant, error) {
	return d.Heirs.ListHeirs(ctx, ownerId)
}

func (d *LoaderDirectory) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	a, err := GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, utils.ErrorRecordNotFound
	}
	return a, nil
}
