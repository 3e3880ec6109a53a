package identity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown/internal/identity"
	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/store"
)

func TestResolver_RealAccountFromHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(identity.AccountHeader, "acct-42")

	id, err := identity.Resolver{}.Resolve(r, false)
	require.NoError(t, err)
	assert.Equal(t, model.Real("acct-42"), id)

	_, err = identity.Resolver{}.Resolve(r, true)
	assert.ErrorIs(t, err, identity.ErrUnauthenticated, "a real account is not a demo session")
}

func TestResolver_DemoSessionSources(t *testing.T) {
	header := httptest.NewRequest(http.MethodGet, "/", nil)
	header.Header.Set(identity.DemoHeader, "s-header")

	query := httptest.NewRequest(http.MethodGet, "/?demo_session=s-query", nil)

	cookie := httptest.NewRequest(http.MethodGet, "/", nil)
	cookie.AddCookie(&http.Cookie{Name: identity.DemoParam, Value: "s-cookie"})

	for want, r := range map[string]*http.Request{"s-header": header, "s-query": query, "s-cookie": cookie} {
		id, err := identity.Resolver{}.Resolve(r, true)
		require.NoError(t, err)
		assert.Equal(t, model.Demo(want), id)
	}
}

func TestResolver_ResolveAnyAnonymous(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, identity.Resolver{}.ResolveAny(r).IsZero())

	r.Header.Set(identity.DemoHeader, "g1")
	assert.Equal(t, model.Demo("g1"), identity.Resolver{}.ResolveAny(r))
}

func TestDemoIssuer_IssueCapsAndRateLimits(t *testing.T) {
	ms := store.NewMemoryStore()
	issuer := identity.NewDemoIssuer(ms, identity.DemoConfig{
		InitialBalance: decimal.NewFromInt(5000),
		MaxBalance:     decimal.NewFromInt(1000),
		PerMinute:      1,
		Burst:          2,
	})
	ctx := context.Background()

	acct, err := issuer.Issue(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, acct.Bettor.IsDemo())
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1000)), "opening balance is capped")

	stored, err := ms.GetAccount(ctx, acct.Bettor)
	require.NoError(t, err)
	require.NotNil(t, stored.MaxBalance)

	_, err = issuer.Issue(ctx, "10.0.0.1")
	require.NoError(t, err)
	_, err = issuer.Issue(ctx, "10.0.0.1")
	assert.ErrorIs(t, err, identity.ErrRateLimited)

	_, err = issuer.Issue(ctx, "10.0.0.2")
	assert.NoError(t, err, "limits are per origin")
}
