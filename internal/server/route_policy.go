package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/grantor/internal/config"
	enforcementdomain "github.com/smallbiznis/grantor/internal/enforcement/domain"
	"github.com/smallbiznis/grantor/internal/observability/logger"
	"go.uber.org/zap"
)

const contextPolicyResultsKey = "enforcement_policy_results"

// RoutePolicyEnforcement evaluates declarative route policies from
// enforcement.yml before the handler runs. A blocking policy rejects the
// request when any feature is over its limit; a non-blocking one records
// the decision and lets the request through.
func (s *Server) RoutePolicyEnforcement() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.enforcementCfg == nil {
			c.Next()
			return
		}

		cfg := s.enforcementCfg.Get()
		policy, ok := matchRoutePolicy(cfg, c.Request.Method, c.FullPath())
		if !ok {
			c.Next()
			return
		}

		ctx := c.Request.Context()

		body, err := readAndRestoreBody(c)
		if err != nil {
			logger.FromContext(ctx).Warn("route policy body read failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}

		decision, err := enforcementdomain.Evaluate(ctx, s.enforcementsvc, policyRule(cfg, policy), policyRequest(c, body))
		if err != nil {
			if errors.Is(err, enforcementdomain.ErrInvalidCustomer) {
				AbortWithError(c, newValidationError("customer_id", "invalid_customer", "customer id is required"))
				return
			}
			AbortWithError(c, err)
			return
		}

		if decision.Blocked {
			exceeded := enforcementdomain.Exceeded(decision.Results)
			logger.FromContext(ctx).Info("route policy denied request",
				zap.String("policy", policy.Name),
				zap.Int("exceeded", len(exceeded)),
			)
			if s.obsMetrics != nil {
				for _, result := range exceeded {
					s.obsMetrics.RecordEnforceRequest(ctx, result.FeatureKey, "denied")
				}
			}
			AbortWithError(c, enforcementdomain.ErrLimitExceeded)
			return
		}

		c.Set(contextPolicyResultsKey, decision.Results)
		c.Next()
	}
}

func matchRoutePolicy(cfg config.EnforcementConfig, method, path string) (config.RoutePolicy, bool) {
	if path == "" {
		return config.RoutePolicy{}, false
	}
	for _, policy := range cfg.Policies {
		if strings.EqualFold(strings.TrimSpace(policy.Method), method) &&
			strings.TrimSpace(policy.Path) == path &&
			len(policy.Features) > 0 {
			return policy, true
		}
	}
	return config.RoutePolicy{}, false
}

// policyRule maps a configured route policy onto the evaluator's rule,
// folding in the config-level default increment and customer path.
func policyRule(cfg config.EnforcementConfig, policy config.RoutePolicy) enforcementdomain.Policy {
	incrementBy := policy.IncrementBy
	if incrementBy <= 0 {
		incrementBy = cfg.DefaultIncrementBy
	}
	path := strings.TrimSpace(policy.CustomerIDPath)
	if path == "" {
		path = "customer_id"
	}
	return enforcementdomain.Policy{
		Features:          policy.Features,
		Block:             policy.Block,
		IncrementBy:       incrementBy,
		IncrementFromBody: policy.IncrementFromBody,
		CustomerIDPath:    path,
		ErrorMessage:      policy.ErrorMessage,
	}
}

func policyRequest(c *gin.Context, body map[string]any) enforcementdomain.PolicyRequest {
	params := make(map[string]string, len(c.Params))
	for _, param := range c.Params {
		params[param.Key] = param.Value
	}
	return enforcementdomain.PolicyRequest{
		CustomerID: c.Param("customer_id"),
		Params:     params,
		Body:       body,
	}
}

func readAndRestoreBody(c *gin.Context) (map[string]any, error) {
	if c.Request == nil || c.Request.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
	if len(raw) == 0 {
		return nil, nil
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil
	}
	return body, nil
}
