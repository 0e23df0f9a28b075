package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/grantor/internal/orgcontext"
)

type ActorType string

const (
	ActorAPIKey ActorType = "api_key"
	ActorSystem ActorType = "system"
)

type Actor struct {
	Type   ActorType
	OrgID  snowflake.ID
	ID     string
	Scopes []string
}

// authorizeOrgAction gates a route on the RBAC policy for the actor's
// organization. It runs after APIKeyRequired, so the actor and org are
// already on the request context.
func (s *Server) authorizeOrgAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeOrgActionWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeOrgActionWithContext(c *gin.Context, object string, action string) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	if actor.OrgID == 0 {
		return ErrUnauthorized
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(c.Request.Context(), actor.subject(), actor.OrgID.String(), strings.TrimSpace(object), strings.TrimSpace(action))
}

func actorFromContext(c *gin.Context) (Actor, bool) {
	if c == nil {
		return Actor{}, false
	}

	ctx := c.Request.Context()
	orgID := orgIDFromContext(ctx)

	authType, ok := ctx.Value(contextAuthTypeKey).(string)
	if !ok {
		return Actor{}, false
	}

	switch strings.TrimSpace(authType) {
	case string(ActorAPIKey):
		apiKeyID, ok := apiKeyIDFromContext(ctx)
		if !ok {
			return Actor{}, false
		}
		return Actor{
			Type:   ActorAPIKey,
			OrgID:  orgID,
			ID:     apiKeyID.String(),
			Scopes: apiKeyScopesFromContext(ctx),
		}, true
	case string(ActorSystem):
		return Actor{
			Type:  ActorSystem,
			OrgID: orgID,
			ID:    "system",
		}, true
	default:
		return Actor{}, false
	}
}

func orgIDFromContext(ctx context.Context) snowflake.ID {
	if ctx == nil {
		return 0
	}
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0
	}
	return orgID
}

func (a Actor) subject() string {
	switch a.Type {
	case ActorAPIKey:
		return fmt.Sprintf("api_key:%s", a.ID)
	case ActorSystem:
		return "system"
	default:
		return ""
	}
}

func apiKeyIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	raw := ctx.Value(contextAPIKeyIDKey)
	switch value := raw.(type) {
	case int64:
		if value == 0 {
			return 0, false
		}
		return snowflake.ID(value), true
	case snowflake.ID:
		if value == 0 {
			return 0, false
		}
		return value, true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(value))
		if err != nil || parsed == 0 {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func apiKeyScopesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	value := ctx.Value(contextAPIKeyScopesKey)
	scopes, ok := value.([]string)
	if !ok {
		return nil
	}
	return scopes
}
