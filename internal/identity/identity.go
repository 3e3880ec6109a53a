// Package identity maps an incoming connection to the bettor it acts for and
// issues guest demo sessions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/store"
)

const (
	// AccountHeader carries the authenticated account id set by the gateway.
	AccountHeader = "X-Account-ID"
	// DemoHeader carries a demo session id.
	DemoHeader = "X-Demo-Session"
	// DemoParam is the query parameter and cookie name for a demo session id.
	DemoParam = "demo_session"
)

var (
	// ErrUnauthenticated is returned when the request carries no usable identity.
	ErrUnauthenticated = errors.New("identity: no bettor identity on request")
	// ErrRateLimited is returned when an origin requests demo sessions too fast.
	ErrRateLimited = errors.New("identity: too many demo sessions from this origin")
)

// Resolver extracts bettor identities from HTTP requests. Real accounts are
// authenticated upstream; the resolver trusts the gateway header.
type Resolver struct{}

// Resolve returns the demo session identity when demo is set and the real
// account identity otherwise.
func (Resolver) Resolve(r *http.Request, demo bool) (model.BettorID, error) {
	if demo {
		if id := demoSession(r); id != "" {
			return model.Demo(id), nil
		}
		return model.BettorID{}, fmt.Errorf("%w: missing demo session", ErrUnauthenticated)
	}
	if id := strings.TrimSpace(r.Header.Get(AccountHeader)); id != "" {
		return model.Real(id), nil
	}
	return model.BettorID{}, fmt.Errorf("%w: missing %s", ErrUnauthenticated, AccountHeader)
}

// ResolveAny prefers the real account and falls back to a demo session.
// Observers without either are anonymous and get the zero BettorID.
func (r Resolver) ResolveAny(req *http.Request) model.BettorID {
	if id, err := r.Resolve(req, false); err == nil {
		return id
	}
	if id, err := r.Resolve(req, true); err == nil {
		return id
	}
	return model.BettorID{}
}

func demoSession(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(DemoHeader)); v != "" {
		return v
	}
	if v := r.URL.Query().Get(DemoParam); v != "" {
		return v
	}
	if c, err := r.Cookie(DemoParam); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// DemoConfig holds the demo session parameters.
type DemoConfig struct {
	InitialBalance decimal.Decimal
	MaxBalance     decimal.Decimal
	PerMinute      float64
	Burst          int
}

// maxOrigins bounds the limiter table; it is reset when full.
const maxOrigins = 10000

// DemoIssuer creates demo session accounts, rate limited per origin.
type DemoIssuer struct {
	store store.Store
	cfg   DemoConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDemoIssuer creates an issuer writing sessions to st.
func NewDemoIssuer(st store.Store, cfg DemoConfig) *DemoIssuer {
	return &DemoIssuer{
		store:    st,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Issue creates a new demo session for origin with the configured starting
// balance, capped at the configured maximum.
func (i *DemoIssuer) Issue(ctx context.Context, origin string) (*model.Account, error) {
	if !i.limiter(origin).Allow() {
		return nil, ErrRateLimited
	}

	ceiling := i.cfg.MaxBalance
	acct := &model.Account{
		Bettor:     model.Demo(uuid.New().String()),
		Type:       model.AccountDemo,
		Balance:    decimal.Min(i.cfg.InitialBalance, ceiling),
		MaxBalance: &ceiling,
		Origin:     origin,
		CreatedAt:  time.Now().UTC(),
	}
	if err := i.store.CreateAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("create demo session: %w", err)
	}
	return acct, nil
}

func (i *DemoIssuer) limiter(origin string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	l, ok := i.limiters[origin]
	if !ok {
		if len(i.limiters) >= maxOrigins {
			i.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rate.Limit(i.cfg.PerMinute/60), i.cfg.Burst)
		i.limiters[origin] = l
	}
	return l
}
