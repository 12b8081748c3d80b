package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/estate_backend/config"
	"github.com/mmdatafocus/estate_backend/models"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders batch the directory reads that response rendering fans out to.
type Loaders struct {
	ParticipantLoader *dataloader.Loader[string, *models.Participant]
	AssetLoader       *dataloader.Loader[string, *models.Asset]
}

// NewLoaders instantiates data loaders for the middleware
func NewLoaders(conn *gorm.DB) *Loaders {
	participantReader := &participantReader{db: conn}
	assetReader := &assetReader{db: conn}

	return &Loaders{
		ParticipantLoader: dataloader.NewBatchedLoader(participantReader.getParticipants, dataloader.WithWait[string, *models.Participant](time.Millisecond)),
		AssetLoader:       dataloader.NewBatchedLoader(assetReader.getAssets, dataloader.WithWait[string, *models.Asset](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// For returns the request's loaders, or fresh ones over the global DB outside a request.
func For(ctx context.Context) *Loaders {
	if loaders, ok := ctx.Value(loadersKey).(*Loaders); ok {
		return loaders
	}
	return NewLoaders(config.GetDB())
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}

// generateLoaderResults orders rows by the requested keys; a missing key yields a nil entry.
func generateLoaderResults[T any](results []T, keyOf func(T) string, keys []string) []*dataloader.Result[*T] {
	resultMap := make(map[string]*T, len(results))
	for i := range results {
		resultMap[keyOf(results[i])] = &results[i]
	}
	loaderResults := make([]*dataloader.Result[*T], 0, len(keys))
	for _, key := range keys {
		loaderResults = append(loaderResults, &dataloader.Result[*T]{Data: resultMap[key]})
	}
	return loaderResults
}
