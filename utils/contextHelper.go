package utils

import (
	"context"

	"github.com/mmdatafocus/estate_backend/appctx"
)

const (
	RoleOwner         = "owner"
	RoleBeneficiary   = "beneficiary"
	RoleAdministrator = "administrator"
)

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyActorId       = appctx.ContextKeyActorId
	ContextKeyActorName     = appctx.ContextKeyActorName
	ContextKeyActorRole     = appctx.ContextKeyActorRole
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

// Actor is the authenticated caller supplied by the identity collaborator.
type Actor struct {
	Id   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

func (a Actor) IsAdministrator() bool {
	return a.Role == RoleAdministrator
}

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func GetActorFromContext(ctx context.Context) (Actor, bool) {
	id, ok := appctx.GetString(ctx, ContextKeyActorId)
	if !ok || id == "" {
		return Actor{}, false
	}
	name, _ := appctx.GetString(ctx, ContextKeyActorName)
	role, _ := appctx.GetString(ctx, ContextKeyActorRole)
	return Actor{Id: id, Name: name, Role: role}, true
}

func SetActorInContext(ctx context.Context, actor Actor) context.Context {
	ctx = appctx.Set(ctx, ContextKeyActorId, actor.Id)
	ctx = appctx.Set(ctx, ContextKeyActorName, actor.Name)
	return appctx.Set(ctx, ContextKeyActorRole, actor.Role)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
