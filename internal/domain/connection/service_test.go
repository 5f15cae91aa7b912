package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oncocompanion/companion/internal/domain/careaccess"
	"github.com/oncocompanion/companion/internal/platform/auth"
	"github.com/oncocompanion/companion/internal/platform/caderneta"
	"github.com/oncocompanion/companion/internal/platform/messaging"
)

// -- Mocks --

type connKey struct {
	user     uuid.UUID
	provider Provider
}

type mockStore struct {
	rows    map[connKey]*ExternalConnection
	upserts int
}

func newMockStore() *mockStore {
	return &mockStore{rows: make(map[connKey]*ExternalConnection)}
}

func (m *mockStore) Upsert(_ context.Context, c *ExternalConnection) error {
	m.upserts++
	k := connKey{c.UserID, c.Provider}
	if existing, ok := m.rows[k]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		c.LastSyncAt = existing.LastSyncAt
	} else {
		c.ID = uuid.New()
		c.CreatedAt = time.Now()
	}
	c.Status = StatusActive
	c.RevokedAt = nil
	c.UpdatedAt = time.Now()
	cp := *c
	m.rows[k] = &cp
	return nil
}

func (m *mockStore) FindActive(_ context.Context, userID uuid.UUID, provider Provider) (*ExternalConnection, error) {
	c, ok := m.rows[connKey{userID, provider}]
	if !ok || c.Status != StatusActive {
		return nil, ErrNotConnected
	}
	cp := *c
	return &cp, nil
}

func (m *mockStore) byID(id uuid.UUID) *ExternalConnection {
	for _, c := range m.rows {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *mockStore) MarkSynced(_ context.Context, id uuid.UUID, at time.Time) error {
	if c := m.byID(id); c != nil {
		c.LastSyncAt = &at
	}
	return nil
}

func (m *mockStore) Revoke(_ context.Context, id uuid.UUID, at time.Time) error {
	c := m.byID(id)
	if c == nil || c.Status != StatusActive {
		return ErrNotConnected
	}
	c.Status = StatusRevoked
	c.RevokedAt = &at
	return nil
}

// mockGranted reads the same rows as the store, as the service role would.
type mockGranted struct {
	store *mockStore
	calls int
}

func (m *mockGranted) FindActiveFor(ctx context.Context, grant careaccess.Grant, provider Provider) (*ExternalConnection, error) {
	m.calls++
	if !grant.Valid() {
		return nil, careaccess.ErrNoAccess
	}
	return m.store.FindActive(ctx, grant.PatientID(), provider)
}

func (m *mockGranted) MarkSyncedFor(ctx context.Context, grant careaccess.Grant, id uuid.UUID, at time.Time) error {
	if !grant.Valid() {
		return careaccess.ErrNoAccess
	}
	return m.store.MarkSynced(ctx, id, at)
}

type mockAccessRepo struct {
	pairs map[[2]uuid.UUID]bool
}

func (m *mockAccessRepo) HasActiveAccess(_ context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	return m.pairs[[2]uuid.UUID{doctorID, patientID}], nil
}

func (m *mockAccessRepo) ListPatients(context.Context, uuid.UUID, int, int) ([]*careaccess.Access, int, error) {
	return nil, 0, nil
}

type fakePartner struct {
	pending       map[string]bool
	token         string
	metadata      map[string]any
	issueErr      error
	data          map[string]any
	fetchErr      error
	disconnectErr error
	disconnected  []string
	issued        int
}

func (f *fakePartner) AuthorizeURL(userID, state string) string {
	return "https://caderneta.example/authorize?requester_user_id=" + userID + "&state=" + state
}

func (f *fakePartner) IssueToken(_ context.Context, uid string) (*caderneta.TokenResponse, error) {
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	if !f.pending[uid] {
		return nil, &caderneta.StatusError{Op: "get-token", Code: 404, Body: "no pending request"}
	}
	f.issued++
	return &caderneta.TokenResponse{ConnectionToken: f.token, Metadata: f.metadata}, nil
}

func (f *fakePartner) FetchData(context.Context, string) (map[string]any, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.data, nil
}

func (f *fakePartner) Disconnect(_ context.Context, token string) error {
	f.disconnected = append(f.disconnected, token)
	return f.disconnectErr
}

type recordingPublisher struct {
	keys []string
}

func (r *recordingPublisher) Publish(_ context.Context, key string, _ messaging.Event) error {
	r.keys = append(r.keys, key)
	return nil
}

type fixture struct {
	svc     *Service
	store   *mockStore
	granted *mockGranted
	access  *mockAccessRepo
	partner *fakePartner
	events  *recordingPublisher
}

func newFixture() *fixture {
	f := &fixture{
		store:  newMockStore(),
		access: &mockAccessRepo{pairs: map[[2]uuid.UUID]bool{}},
		partner: &fakePartner{
			pending: map[string]bool{},
			token:   "tok-1",
			data: map[string]any{
				"vaccines": []any{
					map[string]any{"name": "Influenza", "date": "2024-04-01", "dose": "1", "status": "applied"},
					map[string]any{"name": "Hepatitis B", "dose": "3", "status": "overdue"},
				},
			},
		},
		events: &recordingPublisher{},
	}
	f.granted = &mockGranted{store: f.store}
	f.svc = NewService(f.store, NewStateIssuer([]byte("test-state-secret-test-state-secret"), time.Minute), zerolog.Nop())
	f.svc.RegisterPartner(ProviderMinhaCaderneta, f.partner)
	f.svc.SetCareAccess(careaccess.NewService(f.access), f.granted)
	f.svc.SetPublisher(f.events)
	return f
}

func patient() auth.Identity {
	return auth.Identity{UserID: uuid.New(), Roles: []string{auth.RolePatient}}
}

func physician() auth.Identity {
	return auth.Identity{UserID: uuid.New(), Roles: []string{auth.RolePhysician}}
}

func (f *fixture) connect(t *testing.T, who auth.Identity) *ExternalConnection {
	t.Helper()
	f.partner.pending[who.UserID.String()] = true
	c, err := f.svc.Complete(context.Background(), who, CompleteRequest{UserID: who.UserID.String(), Provider: ProviderMinhaCaderneta})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return c
}

// -- Tests --

func TestInitiate_ReturnsURLAndState(t *testing.T) {
	f := newFixture()
	me := patient()

	res, err := f.svc.Initiate(context.Background(), me, InitiateRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != ProviderMinhaCaderneta {
		t.Errorf("expected default provider, got %s", res.Provider)
	}
	if res.State == "" || res.AuthorizeURL == "" {
		t.Fatalf("expected url and state, got %+v", res)
	}
	if err := f.svc.states.Verify(res.State, me.UserID, ProviderMinhaCaderneta); err != nil {
		t.Errorf("state should verify for caller: %v", err)
	}
	if len(f.store.rows) != 0 {
		t.Error("initiate must not persist anything")
	}
}

func TestInitiate_UnknownProvider(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Initiate(context.Background(), patient(), InitiateRequest{Provider: "other_registry"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestComplete_CreatesActiveConnection(t *testing.T) {
	f := newFixture()
	me := patient()
	f.partner.metadata = map[string]any{"registry_id": "abc"}

	c := f.connect(t, me)
	if c.Status != StatusActive || c.Token != "tok-1" || c.UserID != me.UserID {
		t.Errorf("unexpected connection %+v", c)
	}
	if c.Metadata["registry_id"] != "abc" {
		t.Errorf("expected provider metadata to be stored")
	}
	if len(f.events.keys) != 1 || f.events.keys[0] != messaging.EventConnectionEstablished {
		t.Errorf("expected connection.established, got %v", f.events.keys)
	}
}

func TestComplete_DefaultsMetadata(t *testing.T) {
	f := newFixture()
	c := f.connect(t, patient())
	if c.Metadata == nil {
		t.Error("expected empty metadata map, got nil")
	}
}

func TestComplete_Idempotent(t *testing.T) {
	f := newFixture()
	me := patient()
	first := f.connect(t, me)
	firstAt := first.ConnectedAt

	f.svc.now = func() time.Time { return firstAt.Add(time.Hour) }
	f.partner.token = "tok-2"
	second := f.connect(t, me)

	if len(f.store.rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(f.store.rows))
	}
	if second.ID != first.ID {
		t.Error("expected the same row to be refreshed")
	}
	row := f.store.rows[connKey{me.UserID, ProviderMinhaCaderneta}]
	if row.Token != "tok-2" || !row.ConnectedAt.After(firstAt) || row.Status != StatusActive {
		t.Errorf("expected refreshed token and timestamp, got %+v", row)
	}
}

func TestComplete_Unauthenticated(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Complete(context.Background(), auth.Identity{}, CompleteRequest{UserID: uuid.NewString()})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
	if f.store.upserts != 0 || f.partner.issued != 0 {
		t.Error("no side effects expected")
	}
}

func TestComplete_IdentityMismatch(t *testing.T) {
	f := newFixture()
	me := patient()
	victim := patient()
	f.partner.pending[victim.UserID.String()] = true
	existing := f.connect(t, victim)
	upserts := f.store.upserts

	for _, target := range []string{victim.UserID.String(), "not-a-uuid", " " + me.UserID.String()} {
		_, err := f.svc.Complete(context.Background(), me, CompleteRequest{UserID: target})
		if !errors.Is(err, ErrIdentityMismatch) {
			t.Errorf("target %q: expected ErrIdentityMismatch, got %v", target, err)
		}
	}
	if f.store.upserts != upserts {
		t.Error("mismatch must not write any connection row")
	}
	row := f.store.rows[connKey{victim.UserID, ProviderMinhaCaderneta}]
	if row.Token != existing.Token || !row.ConnectedAt.Equal(existing.ConnectedAt) {
		t.Error("victim's row must be unchanged")
	}
	if _, ok := f.store.rows[connKey{me.UserID, ProviderMinhaCaderneta}]; ok {
		t.Error("caller's row must not be created")
	}
}

func TestComplete_MissingUserID(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Complete(context.Background(), patient(), CompleteRequest{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestComplete_NoPendingAuthorization(t *testing.T) {
	f := newFixture()
	me := patient()
	_, err := f.svc.Complete(context.Background(), me, CompleteRequest{UserID: me.UserID.String()})
	if !errors.Is(err, ErrNoPendingAuthorization) {
		t.Fatalf("expected ErrNoPendingAuthorization, got %v", err)
	}
	if f.store.upserts != 0 {
		t.Error("nothing should be stored")
	}
}

func TestComplete_MalformedTokenResponse(t *testing.T) {
	f := newFixture()
	me := patient()
	f.partner.issueErr = caderneta.ErrMissingToken
	_, err := f.svc.Complete(context.Background(), me, CompleteRequest{UserID: me.UserID.String()})
	if !errors.Is(err, ErrMalformedTokenResponse) {
		t.Errorf("expected ErrMalformedTokenResponse, got %v", err)
	}
}

func TestComplete_PartnerUnreachable(t *testing.T) {
	f := newFixture()
	me := patient()
	f.partner.issueErr = errors.New("dial tcp: connection refused")
	_, err := f.svc.Complete(context.Background(), me, CompleteRequest{UserID: me.UserID.String()})
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Errorf("expected ErrUpstreamFailure, got %v", err)
	}
}

func TestComplete_State(t *testing.T) {
	f := newFixture()
	me := patient()
	f.partner.pending[me.UserID.String()] = true

	res, _ := f.svc.Initiate(context.Background(), me, InitiateRequest{})
	if _, err := f.svc.Complete(context.Background(), me, CompleteRequest{UserID: me.UserID.String(), State: res.State}); err != nil {
		t.Fatalf("expected valid state to pass, got %v", err)
	}

	other := patient()
	f.partner.pending[other.UserID.String()] = true
	_, err := f.svc.Complete(context.Background(), other, CompleteRequest{UserID: other.UserID.String(), State: res.State})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for another user's state, got %v", err)
	}
}

func TestSync_OwnConnection(t *testing.T) {
	f := newFixture()
	me := patient()
	f.connect(t, me)

	summary, err := f.svc.Sync(context.Background(), me, SyncRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Total != 2 || summary.UpToDate != 1 || summary.Overdue != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if f.granted.calls != 0 {
		t.Error("own sync must not use the granted reader")
	}
	row := f.store.rows[connKey{me.UserID, ProviderMinhaCaderneta}]
	if row.LastSyncAt == nil {
		t.Error("expected last_sync_at to be set")
	}
	if f.events.keys[len(f.events.keys)-1] != messaging.EventConnectionSynced {
		t.Errorf("expected connection.synced, got %v", f.events.keys)
	}
}

func TestSync_NotConnected(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Sync(context.Background(), patient(), SyncRequest{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSync_UpstreamFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture()
	me := patient()
	f.connect(t, me)
	f.partner.fetchErr = &caderneta.StatusError{Op: "get-data", Code: 500}

	_, err := f.svc.Sync(context.Background(), me, SyncRequest{})
	if !errors.Is(err, ErrUpstreamFailure) {
		t.Fatalf("expected ErrUpstreamFailure, got %v", err)
	}
	if f.store.rows[connKey{me.UserID, ProviderMinhaCaderneta}].LastSyncAt != nil {
		t.Error("last_sync_at must not change on failure")
	}
}

func TestSync_PhysicianWithAccess(t *testing.T) {
	f := newFixture()
	p := patient()
	doc := physician()
	f.connect(t, p)
	f.access.pairs[[2]uuid.UUID{doc.UserID, p.UserID}] = true

	summary, err := f.svc.Sync(context.Background(), doc, SyncRequest{PatientID: &p.UserID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.PatientID != p.UserID || summary.Total != 2 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if f.granted.calls != 1 {
		t.Errorf("expected one granted read, got %d", f.granted.calls)
	}
	if f.store.rows[connKey{p.UserID, ProviderMinhaCaderneta}].LastSyncAt == nil {
		t.Error("expected patient's last_sync_at to be set")
	}
}

func TestSync_PhysicianWithoutAccess(t *testing.T) {
	f := newFixture()
	p := patient()
	f.connect(t, p)

	_, err := f.svc.Sync(context.Background(), physician(), SyncRequest{PatientID: &p.UserID})
	if !errors.Is(err, careaccess.ErrNoAccess) {
		t.Fatalf("expected ErrNoAccess, got %v", err)
	}
	if f.granted.calls != 0 {
		t.Error("no data may be read without access")
	}
}

func TestSync_PatientCannotReadOthers(t *testing.T) {
	f := newFixture()
	p := patient()
	f.connect(t, p)

	other := patient()
	f.access.pairs[[2]uuid.UUID{other.UserID, p.UserID}] = true
	_, err := f.svc.Sync(context.Background(), other, SyncRequest{PatientID: &p.UserID})
	if !errors.Is(err, careaccess.ErrNoAccess) {
		t.Errorf("expected ErrNoAccess, got %v", err)
	}
}

func TestDisconnect_ThenSyncNotConnected(t *testing.T) {
	for _, partnerFails := range []bool{false, true} {
		f := newFixture()
		me := patient()
		f.connect(t, me)
		if partnerFails {
			f.partner.disconnectErr = errors.New("provider down")
		}

		if err := f.svc.Disconnect(context.Background(), me, DisconnectRequest{}); err != nil {
			t.Fatalf("partnerFails=%v: unexpected error: %v", partnerFails, err)
		}
		if len(f.partner.disconnected) != 1 || f.partner.disconnected[0] != "tok-1" {
			t.Errorf("partnerFails=%v: expected provider to be told, got %v", partnerFails, f.partner.disconnected)
		}
		row := f.store.rows[connKey{me.UserID, ProviderMinhaCaderneta}]
		if row.Status != StatusRevoked || row.RevokedAt == nil {
			t.Errorf("partnerFails=%v: expected revoked row, got %+v", partnerFails, row)
		}

		_, err := f.svc.Sync(context.Background(), me, SyncRequest{})
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("partnerFails=%v: expected ErrNotConnected after disconnect, got %v", partnerFails, err)
		}
	}
}

func TestDisconnect_NotConnected(t *testing.T) {
	f := newFixture()
	err := f.svc.Disconnect(context.Background(), patient(), DisconnectRequest{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnect_ReconnectReactivates(t *testing.T) {
	f := newFixture()
	me := patient()
	first := f.connect(t, me)
	_ = f.svc.Disconnect(context.Background(), me, DisconnectRequest{})

	second := f.connect(t, me)
	if second.ID != first.ID || second.Status != StatusActive {
		t.Errorf("expected the same row reactivated, got %+v", second)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture()
	me := patient()

	conn, err := f.svc.Status(context.Background(), me, "")
	if err != nil || conn != nil {
		t.Fatalf("expected no connection, got %v, %v", conn, err)
	}

	f.connect(t, me)
	conn, err = f.svc.Status(context.Background(), me, ProviderMinhaCaderneta)
	if err != nil || conn == nil {
		t.Fatalf("expected connection, got %v, %v", conn, err)
	}
}
