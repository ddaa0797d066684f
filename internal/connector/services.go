package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bastion-project/bastion/internal/auth"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/match"
)

// AuthService exchanges connection tokens for identities.
type AuthService struct {
	client *Client
}

// NewAuthService wraps client.
func NewAuthService(client *Client) *AuthService {
	return &AuthService{client: client}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
	auth.Identity
}

// Verify implements auth.Verifier.
func (s *AuthService) Verify(ctx context.Context, token string) (auth.Identity, error) {
	var resp verifyResponse
	err := s.client.do(ctx, http.MethodPost, "/v1/tokens/verify", verifyRequest{Token: token}, &resp)
	if IsStatus(err, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound) {
		return auth.Identity{}, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	if err != nil {
		return auth.Identity{}, err
	}
	if !resp.Valid {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return resp.Identity, nil
}

// DataService reads persistent tower and item ownership.
type DataService struct {
	client *Client
}

// NewDataService wraps client.
func NewDataService(client *Client) *DataService {
	return &DataService{client: client}
}

// LoadLoadout implements match.LoadoutLoader. A character unknown to the
// data service has an empty loadout.
func (s *DataService) LoadLoadout(ctx context.Context, userID, characterID string) (match.Loadout, error) {
	path := fmt.Sprintf("/v1/users/%s/characters/%s/loadout", url.PathEscape(userID), url.PathEscape(characterID))

	var loadout match.Loadout
	err := s.client.do(ctx, http.MethodGet, path, nil, &loadout)
	if IsStatus(err, http.StatusNotFound) {
		return match.Loadout{}, nil
	}
	if err != nil {
		return match.Loadout{}, err
	}
	return loadout, nil
}

// BonusService reads equipment-derived tower bonuses.
type BonusService struct {
	client *Client
}

// NewBonusService wraps client.
func NewBonusService(client *Client) *BonusService {
	return &BonusService{client: client}
}

// FetchBonus returns the bonus a user's equipment grants a tower type.
// No bonus on record is a zero bonus, not an error.
func (s *BonusService) FetchBonus(ctx context.Context, userID, towerType string) (match.Bonus, error) {
	path := fmt.Sprintf("/v1/users/%s/tower-bonuses/%s", url.PathEscape(userID), url.PathEscape(towerType))

	var bonus match.Bonus
	err := s.client.do(ctx, http.MethodGet, path, nil, &bonus)
	if IsStatus(err, http.StatusNotFound) {
		return match.Bonus{}, nil
	}
	if err != nil {
		return match.Bonus{}, err
	}
	return bonus, nil
}

// OrchestratorClient reports liveness and session results.
type OrchestratorClient struct {
	client *Client
}

// NewOrchestratorClient wraps client.
func NewOrchestratorClient(client *Client) *OrchestratorClient {
	return &OrchestratorClient{client: client}
}

// Enabled reports whether an orchestrator URL is configured.
func (o *OrchestratorClient) Enabled() bool {
	return o != nil && o.client.Configured()
}

// Heartbeat posts host liveness and capacity.
func (o *OrchestratorClient) Heartbeat(ctx context.Context, hb events.HeartbeatPayload) error {
	return o.client.do(ctx, http.MethodPost, "/v1/servers/heartbeat", hb, nil)
}

// SessionClosed tells the orchestrator a session has been torn down so its
// slot can be reassigned.
func (o *OrchestratorClient) SessionClosed(ctx context.Context, p events.SessionPayload) error {
	err := o.client.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(p.MatchID)+"/closed", p, nil)
	if errors.Is(err, ErrNotConfigured) {
		return nil
	}
	return err
}
