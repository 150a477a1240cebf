package inbound

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/model"
	"relay/internal/store"
)

const tenant = "t1"

type emitted struct {
	tenant, event string
	data          any
}

type fakeEmitter struct {
	mu  sync.Mutex
	got []emitted
	err error
}

func (f *fakeEmitter) Dispatch(ctx context.Context, tenantID, event string, data any) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, emitted{tenantID, event, data})
	return nil, f.err
}

func newBilling(t *testing.T) (*Billing, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.SetInboundSecret(context.Background(), tenant, ProviderBilling, "sk_tenant"))
	log, _ := logtest.NewNullLogger()
	b := NewBilling(StoreSecrets{Store: st}, st, log)
	b.Now = func() time.Time { return fixedNow }
	return b, st
}

func billingHeaders(t *testing.T, body []byte, secret string) http.Header {
	t.Helper()
	sig, err := BillingScheme.Sign("", fixedNow, body, secret)
	require.NoError(t, err)
	h := http.Header{}
	h.Set("Stripe-Signature", sig)
	return h
}

func TestBillingSubscriptionUpdated(t *testing.T) {
	b, st := newBilling(t)
	body := []byte(`{"id":"evt_1","type":"customer.subscription.updated","created":1700000000,"data":{"object":{"customer":"cus_9","status":"trialing"}}}`)

	res, err := b.Process(context.Background(), tenant, billingHeaders(t, body, "sk_tenant"), body)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, "evt_1", res.EventID)

	bs, err := st.GetBillingStatus(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, "cus_9", bs.CustomerID)
	assert.Equal(t, "trialing", bs.Status)
	assert.Equal(t, fixedNow.UTC(), bs.UpdatedAt)
}

func TestBillingDuplicateEventHandledOnce(t *testing.T) {
	b, _ := newBilling(t)
	calls := 0
	b.Handle("invoice.paid", func(ctx context.Context, tenantID string, evt BillingEvent) error {
		calls++
		return nil
	})
	body := []byte(`{"id":"evt_2","type":"invoice.paid","data":{"object":{}}}`)
	h := billingHeaders(t, body, "sk_tenant")

	first, err := b.Process(context.Background(), tenant, h, body)
	require.NoError(t, err)
	second, err := b.Process(context.Background(), tenant, h, body)
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, first.Status)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, 1, calls)
}

func TestBillingHandlerFailureReleasesEvent(t *testing.T) {
	b, _ := newBilling(t)
	fail := true
	b.Handle("invoice.paid", func(ctx context.Context, tenantID string, evt BillingEvent) error {
		if fail {
			return errors.New("db down")
		}
		return nil
	})
	body := []byte(`{"id":"evt_3","type":"invoice.paid","data":{"object":{}}}`)
	h := billingHeaders(t, body, "sk_tenant")

	_, err := b.Process(context.Background(), tenant, h, body)
	require.Error(t, err)

	fail = false
	res, err := b.Process(context.Background(), tenant, h, body)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
}

func TestBillingRejectsBadSignature(t *testing.T) {
	b, st := newBilling(t)
	body := []byte(`{"id":"evt_4","type":"invoice.paid","data":{"object":{"customer":"cus_1"}}}`)

	_, err := b.Process(context.Background(), tenant, billingHeaders(t, body, "sk_wrong"), body)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = st.GetBillingStatus(context.Background(), tenant)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBillingUnknownTenantHasNoSecret(t *testing.T) {
	b, _ := newBilling(t)
	body := []byte(`{"id":"evt_5","type":"invoice.paid"}`)
	_, err := b.Process(context.Background(), "other", billingHeaders(t, body, "sk_tenant"), body)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestBillingIgnoresUnhandledTypes(t *testing.T) {
	b, _ := newBilling(t)
	body := []byte(`{"id":"evt_6","type":"charge.refunded"}`)
	res, err := b.Process(context.Background(), tenant, billingHeaders(t, body, "sk_tenant"), body)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
}

func TestBillingMalformedBody(t *testing.T) {
	b, _ := newBilling(t)
	body := []byte(`{"type":"invoice.paid"}`)
	_, err := b.Process(context.Background(), tenant, billingHeaders(t, body, "sk_tenant"), body)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func newIssues(t *testing.T) (*Issues, *store.Memory, *fakeEmitter) {
	t.Helper()
	st := store.NewMemory()
	log, _ := logtest.NewNullLogger()
	em := &fakeEmitter{}
	p := NewIssues(StoreSecrets{Configured: map[TenantProvider]string{{Tenant: tenant, Provider: ProviderIssues}: "whsec_aXNzdWVz"}}, st, em, log)
	p.Now = func() time.Time { return fixedNow }
	return p, st, em
}

func signedIssue(t *testing.T, id string, body []byte) http.Header {
	t.Helper()
	sig, err := IssueScheme.Sign(id, fixedNow, body, "whsec_aXNzdWVz")
	require.NoError(t, err)
	return issueHeaders(id, fixedNow, sig)
}

func TestIssuesStateSyncEmitsResolved(t *testing.T) {
	p, st, em := newIssues(t)
	ctx := context.Background()
	require.NoError(t, st.LinkIssue(ctx, tenant, "ISS-1", "int_42"))

	body := []byte(`{"action":"update","type":"Issue","data":{"id":"ISS-1","state":{"type":"completed","name":"Done"}}}`)
	res, err := p.Process(ctx, tenant, signedIssue(t, "msg_1", body), body)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	link, err := st.GetIssueLink(ctx, tenant, "ISS-1")
	require.NoError(t, err)
	assert.Equal(t, model.IssueResolved, link.Status)

	require.Len(t, em.got, 1)
	assert.Equal(t, model.EventInteractionResolved, em.got[0].event)
	assert.Equal(t, tenant, em.got[0].tenant)
	assert.Equal(t, "int_42", em.got[0].data.(map[string]any)["id"])
}

func TestIssuesInProgressEmitsUpdated(t *testing.T) {
	p, st, em := newIssues(t)
	ctx := context.Background()
	require.NoError(t, st.LinkIssue(ctx, tenant, "ISS-2", "int_7"))

	body := []byte(`{"action":"update","type":"Issue","data":{"id":"ISS-2","state":{"type":"started"}}}`)
	_, err := p.Process(ctx, tenant, signedIssue(t, "msg_2", body), body)
	require.NoError(t, err)

	require.Len(t, em.got, 1)
	assert.Equal(t, model.EventInteractionUpdated, em.got[0].event)
}

func TestIssuesUnlinkedOrUnknownStateIgnored(t *testing.T) {
	p, _, em := newIssues(t)

	unlinked := []byte(`{"action":"update","type":"Issue","data":{"id":"ISS-9","state":{"type":"completed"}}}`)
	res, err := p.Process(context.Background(), tenant, signedIssue(t, "msg_3", unlinked), unlinked)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)

	unknown := []byte(`{"action":"update","type":"Issue","data":{"id":"ISS-9","state":{"type":"triage"}}}`)
	res, err = p.Process(context.Background(), tenant, signedIssue(t, "msg_4", unknown), unknown)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Empty(t, em.got)
}

func TestIssuesDuplicateDelivery(t *testing.T) {
	p, st, em := newIssues(t)
	ctx := context.Background()
	require.NoError(t, st.LinkIssue(ctx, tenant, "ISS-3", "int_1"))
	body := []byte(`{"action":"update","type":"Issue","data":{"id":"ISS-3","state":{"type":"canceled"}}}`)
	h := signedIssue(t, "msg_5", body)

	_, err := p.Process(ctx, tenant, h, body)
	require.NoError(t, err)
	res, err := p.Process(ctx, tenant, h, body)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Len(t, em.got, 1)
}

func TestMapIssueState(t *testing.T) {
	for state, want := range map[string]string{
		"backlog":   model.IssueOpen,
		"unstarted": model.IssueOpen,
		"started":   model.IssueInProgress,
		"completed": model.IssueResolved,
		"canceled":  model.IssueClosed,
	} {
		got, ok := MapIssueState(state)
		assert.True(t, ok, state)
		assert.Equal(t, want, got, state)
	}
	_, ok := MapIssueState("triage")
	assert.False(t, ok)
}

func TestStoreSecretsArePerTenant(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	s := StoreSecrets{Store: st, Configured: map[TenantProvider]string{{Tenant: tenant, Provider: ProviderBilling}: "configured"}}

	got, err := s.Secret(ctx, tenant, ProviderBilling)
	require.NoError(t, err)
	assert.Equal(t, "configured", got)

	require.NoError(t, st.SetInboundSecret(ctx, tenant, ProviderBilling, "stored"))
	got, err = s.Secret(ctx, tenant, ProviderBilling)
	require.NoError(t, err)
	assert.Equal(t, "stored", got)

	_, err = s.Secret(ctx, "other", ProviderBilling)
	assert.ErrorIs(t, err, store.ErrNotFound, "another tenant's secret is never used")

	_, err = s.Secret(ctx, tenant, ProviderIssues)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
