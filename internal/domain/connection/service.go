// Package connection links a user to a partner registry through a token
// handshake, and reads the user's record back through that link.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oncocompanion/companion/internal/domain/careaccess"
	"github.com/oncocompanion/companion/internal/platform/auth"
	"github.com/oncocompanion/companion/internal/platform/caderneta"
	"github.com/oncocompanion/companion/internal/platform/messaging"
	"github.com/oncocompanion/companion/internal/platform/telemetry"
)

// Partner is the remote side of the handshake. *caderneta.Client implements
// it.
type Partner interface {
	AuthorizeURL(userID, state string) string
	IssueToken(ctx context.Context, requesterUserID string) (*caderneta.TokenResponse, error)
	FetchData(ctx context.Context, token string) (map[string]any, error)
	Disconnect(ctx context.Context, token string) error
}

// AccessAuthorizer is satisfied by careaccess.Service.
type AccessAuthorizer interface {
	Authorize(ctx context.Context, doctorID, patientID uuid.UUID) (careaccess.Grant, error)
}

type Service struct {
	store    Store
	states   *StateIssuer
	partners map[Provider]Partner
	access   AccessAuthorizer
	granted  GrantedReader
	events   messaging.EventPublisher
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, states *StateIssuer, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		states:   states,
		partners: make(map[Provider]Partner),
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) RegisterPartner(p Provider, partner Partner) { s.partners[p] = partner }

// SetCareAccess enables physician syncs. Without it only own connections can
// be synced.
func (s *Service) SetCareAccess(access AccessAuthorizer, granted GrantedReader) {
	s.access = access
	s.granted = granted
}

func (s *Service) SetPublisher(p messaging.EventPublisher) { s.events = p }
func (s *Service) SetMetrics(m *telemetry.Metrics)         { s.metrics = m }

func (s *Service) partner(p Provider) (Provider, Partner, error) {
	if p == "" {
		p = DefaultProvider
	}
	if !p.Valid() {
		return "", nil, fmt.Errorf("%w: unsupported provider %q", ErrInvalidInput, p)
	}
	partner, ok := s.partners[p]
	if !ok {
		return "", nil, fmt.Errorf("%w: provider %q is not configured", ErrInvalidInput, p)
	}
	return p, partner, nil
}

// Initiate returns where to send the user and a state token to bring back.
// Nothing is persisted.
func (s *Service) Initiate(ctx context.Context, caller auth.Identity, req InitiateRequest) (*InitiateResult, error) {
	if caller.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	provider, partner, err := s.partner(req.Provider)
	if err != nil {
		return nil, err
	}
	state, exp, err := s.states.Issue(caller.UserID, provider)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordHandshake(ctx, string(provider), "initiate", "ok")
	return &InitiateResult{
		Provider:     provider,
		AuthorizeURL: partner.AuthorizeURL(caller.UserID.String(), state),
		State:        state,
		ExpiresAt:    exp,
	}, nil
}

// Complete redeems the pending authorization at the provider and stores the
// resulting token. Running it again for an active connection refreshes the
// token and connected_at.
func (s *Service) Complete(ctx context.Context, caller auth.Identity, req CompleteRequest) (conn *ExternalConnection, err error) {
	if caller.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	provider, partner, err := s.partner(req.Provider)
	if err != nil {
		return nil, err
	}
	defer func() { s.metrics.RecordHandshake(ctx, string(provider), "complete", outcome(err)) }()

	if req.UserID != caller.UserID.String() {
		return nil, ErrIdentityMismatch
	}
	if req.State != "" {
		if err := s.states.Verify(req.State, caller.UserID, provider); err != nil {
			return nil, err
		}
	}

	tok, err := partner.IssueToken(ctx, req.UserID)
	if err != nil {
		return nil, classifyIssueError(err)
	}

	conn = &ExternalConnection{
		UserID:      caller.UserID,
		Provider:    provider,
		Token:       tok.ConnectionToken,
		Status:      StatusActive,
		ConnectedAt: s.now().UTC(),
		Metadata:    tok.Metadata,
	}
	if conn.Metadata == nil {
		conn.Metadata = map[string]any{}
	}
	if err := s.store.Upsert(ctx, conn); err != nil {
		return nil, err
	}

	s.publish(ctx, messaging.EventConnectionEstablished, conn, caller.UserID)
	return conn, nil
}

func classifyIssueError(err error) error {
	var statusErr *caderneta.StatusError
	switch {
	case errors.As(err, &statusErr):
		return fmt.Errorf("%w: %v", ErrNoPendingAuthorization, err)
	case errors.Is(err, caderneta.ErrMissingToken):
		return fmt.Errorf("%w: %v", ErrMalformedTokenResponse, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
}

// Sync reads the record of the caller, or of req.PatientID when a physician
// with active care access asks. Only that cross-user read and its
// last_sync_at update go through the granted reader.
func (s *Service) Sync(ctx context.Context, caller auth.Identity, req SyncRequest) (summary *VaccinationSummary, err error) {
	if caller.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	provider, partner, err := s.partner(req.Provider)
	if err != nil {
		return nil, err
	}
	defer func() { s.metrics.RecordHandshake(ctx, string(provider), "sync", outcome(err)) }()

	patientID := caller.UserID
	if req.PatientID != nil && *req.PatientID != uuid.Nil {
		patientID = *req.PatientID
	}

	var (
		conn  *ExternalConnection
		grant careaccess.Grant
	)
	if patientID == caller.UserID {
		conn, err = s.store.FindActive(ctx, patientID, provider)
	} else {
		grant, err = s.authorizePhysician(ctx, caller, patientID)
		if err != nil {
			return nil, err
		}
		conn, err = s.granted.FindActiveFor(ctx, grant, provider)
	}
	if err != nil {
		return nil, err
	}

	data, err := partner.FetchData(ctx, conn.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}

	now := s.now().UTC()
	summary = Normalize(provider, patientID, data, now)

	if grant.Valid() {
		err = s.granted.MarkSyncedFor(ctx, grant, conn.ID, now)
	} else {
		err = s.store.MarkSynced(ctx, conn.ID, now)
	}
	if err != nil {
		return nil, fmt.Errorf("mark synced: %w", err)
	}
	conn.LastSyncAt = &now

	s.publish(ctx, messaging.EventConnectionSynced, conn, caller.UserID)
	return summary, nil
}

func (s *Service) authorizePhysician(ctx context.Context, caller auth.Identity, patientID uuid.UUID) (careaccess.Grant, error) {
	if !caller.HasRole(auth.RolePhysician) || s.access == nil || s.granted == nil {
		return careaccess.Grant{}, careaccess.ErrNoAccess
	}
	return s.access.Authorize(ctx, caller.UserID, patientID)
}

// Disconnect revokes the caller's active connection. The provider is told on
// a best-effort basis; local revocation does not depend on it.
func (s *Service) Disconnect(ctx context.Context, caller auth.Identity, req DisconnectRequest) (err error) {
	if caller.UserID == uuid.Nil {
		return ErrUnauthenticated
	}
	provider, partner, err := s.partner(req.Provider)
	if err != nil {
		return err
	}
	defer func() { s.metrics.RecordHandshake(ctx, string(provider), "disconnect", outcome(err)) }()

	conn, err := s.store.FindActive(ctx, caller.UserID, provider)
	if err != nil {
		return err
	}

	if perr := partner.Disconnect(ctx, conn.Token); perr != nil {
		s.logger.Warn().Err(perr).
			Str("provider", string(provider)).
			Str("user_id", caller.UserID.String()).
			Msg("provider disconnect failed, revoking locally")
	}

	now := s.now().UTC()
	if err := s.store.Revoke(ctx, conn.ID, now); err != nil {
		return err
	}
	conn.Status = StatusRevoked
	conn.RevokedAt = &now

	s.publish(ctx, messaging.EventConnectionRevoked, conn, caller.UserID)
	return nil
}

// Status returns the caller's active connection, or nil when there is none.
func (s *Service) Status(ctx context.Context, caller auth.Identity, provider Provider) (*ExternalConnection, error) {
	if caller.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	if provider == "" {
		provider = DefaultProvider
	}
	if !provider.Valid() {
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrInvalidInput, provider)
	}
	conn, err := s.store.FindActive(ctx, caller.UserID, provider)
	if errors.Is(err, ErrNotConnected) {
		return nil, nil
	}
	return conn, err
}

func (s *Service) publish(ctx context.Context, key string, c *ExternalConnection, actor uuid.UUID) {
	if s.events == nil {
		return
	}
	data := messaging.ConnectionEventData{
		ConnectionID: c.ID.String(),
		UserID:       c.UserID.String(),
		Provider:     string(c.Provider),
		Status:       string(c.Status),
		ActorID:      actor.String(),
		LastSyncAt:   c.LastSyncAt,
	}
	if err := s.events.Publish(ctx, key, messaging.NewEvent(key, data)); err != nil {
		s.logger.Warn().Err(err).Str("routing_key", key).Msg("publish event failed")
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoPendingAuthorization):
		return "no_pending_authorization"
	case errors.Is(err, ErrMalformedTokenResponse):
		return "malformed_token_response"
	case errors.Is(err, ErrUpstreamFailure):
		return "upstream_failure"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrIdentityMismatch), errors.Is(err, careaccess.ErrNoAccess):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidState):
		return "invalid"
	default:
		return "error"
	}
}
