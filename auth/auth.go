// Package auth implements DSN authentication and event throttling for
// the ingest path: parsing the sentry_key from the request, resolving
// project/organization auth info with a single database round-trip,
// and short-circuiting repeat offenders through a block cache.
//
// The algorithm is grounded in GlitchTip's
// apps/event_ingest/authentication.py: a block-cache check happens
// before any database call, a stored procedure resolves project and
// organization state in one round trip, and throttle decisions are a
// weighted coin flip re-derived on every accepted request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/glitchtip/ingest/cache"
	"github.com/glitchtip/ingest/db"
)

var (
	// ErrInvalidDSN means the sentry_key did not resolve to a project.
	ErrInvalidDSN = errors.New("auth: invalid dsn")
	// ErrMaintenanceFreeze means the service is not currently accepting events.
	ErrMaintenanceFreeze = errors.New("auth: maintenance freeze")
)

// ThrottleError carries the Retry-After seconds clients should wait.
type ThrottleError struct {
	RetryAfter int
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("auth: throttled, retry after %ds", e.RetryAfter)
}

const blockCacheKeyPrefix = "event_block:"
const rejectionWait = 30 * time.Second

// ProjectAuth is the resolved, authenticated project context for an
// ingest request.
type ProjectAuth struct {
	ProjectID             int64
	ProjectScrubIP        bool
	ProjectThrottleRate   int
	OrganizationID        int64
	OrgAcceptingEvents    bool
	OrgThrottleRate       int
	OrgScrubIP            bool
	FirstEvent            *time.Time
}

// ShouldScrubIPAddresses mirrors should_scrub_ip_addresses: the
// organization setting overrides the project one.
func (p *ProjectAuth) ShouldScrubIPAddresses() bool {
	return p.ProjectScrubIP || p.OrgScrubIP
}

// Gate resolves and throttles ingest requests.
type Gate struct {
	store               *db.Store
	cache               *cache.Store
	rejectionWait        time.Duration
	billingEnabled       bool
	throttleCheckEvery   int
	maintenanceFreeze    bool
}

func NewGate(store *db.Store, c *cache.Store, billingEnabled, maintenanceFreeze bool, throttleCheckEvery int) *Gate {
	if throttleCheckEvery <= 0 {
		throttleCheckEvery = 1000
	}
	return &Gate{
		store:              store,
		cache:              c,
		rejectionWait:      rejectionWait,
		billingEnabled:      billingEnabled,
		throttleCheckEvery:  throttleCheckEvery,
		maintenanceFreeze:   maintenanceFreeze,
	}
}

// ExtractKey pulls the sentry_key (DSN) out of a request: query string
// first, then the X-Sentry-Auth or Authorization header.
func ExtractKey(r *http.Request) (string, error) {
	q := r.URL.Query()
	if v := q.Get("sentry_key"); v != "" {
		return v, nil
	}
	if v := q.Get("glitchtip_key"); v != "" {
		return v, nil
	}

	header := r.Header.Get("X-Sentry-Auth")
	if header == "" {
		header = r.Header.Get("Authorization")
	}
	if header == "" {
		return "", errors.New("auth: no authentication information found")
	}
	return parseAuthHeader(header), nil
}

// parseAuthHeader extracts sentry_key=... or glitchtip_key=... from a
// "Sentry key1=val1, key2=val2" style header, and from "Bearer <key>".
func parseAuthHeader(header string) string {
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	parts := strings.Split(header, ",")
	for _, p := range parts {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		key = strings.TrimPrefix(key, "Sentry ")
		key = strings.TrimSpace(key)
		if key == "sentry_key" || key == "glitchtip_key" {
			return strings.TrimSpace(kv[1])
		}
	}
	return ""
}

// Authenticate resolves and throttles a single ingest request for
// projectID, using sentryKey as the DSN credential.
func (g *Gate) Authenticate(ctx context.Context, projectID int64, sentryKey string) (*ProjectAuth, error) {
	if g.maintenanceFreeze {
		return nil, ErrMaintenanceFreeze
	}

	blockKey := blockCacheKeyPrefix + strconv.FormatInt(projectID, 10)
	if cached, ok := g.cache.Get(ctx, blockKey); ok {
		if err := rejectionFromCache(cached); err != nil {
			return nil, err
		}
	}

	info, err := g.store.GetProjectAuthInfo(ctx, projectID, sentryKey)
	if err != nil {
		return nil, err
	}
	if info == nil {
		_ = g.cache.Set(ctx, blockKey, "v", g.rejectionWait)
		return nil, ErrInvalidDSN
	}

	auth := &ProjectAuth{
		ProjectID:           info.ProjectID,
		ProjectScrubIP:      info.ProjectScrubIP,
		ProjectThrottleRate: info.ProjectThrottleRate,
		OrganizationID:      info.OrganizationID,
		OrgAcceptingEvents:  info.OrgAcceptingEvents,
		OrgThrottleRate:     info.OrgThrottleRate,
		OrgScrubIP:          info.OrgScrubIP,
		FirstEvent:          info.FirstEvent,
	}

	if !auth.OrgAcceptingEvents || auth.OrgThrottleRate == 100 || auth.ProjectThrottleRate == 100 {
		_ = g.cache.Set(ctx, blockKey, "t", g.rejectionWait)
		return nil, &ThrottleError{RetryAfter: 600}
	}

	if auth.OrgThrottleRate > 0 || auth.ProjectThrottleRate > 0 {
		_ = g.cache.Set(ctx, blockKey, serializeThrottle(auth.OrgThrottleRate, auth.ProjectThrottleRate), g.rejectionWait)
		if !isAcceptingEvents(auth.OrgThrottleRate) || !isAcceptingEvents(auth.ProjectThrottleRate) {
			return nil, &ThrottleError{RetryAfter: calculateRetryAfter(maxInt(auth.OrgThrottleRate, auth.ProjectThrottleRate))}
		}
	}

	if g.billingEnabled && rand.Float64() < 1.0/float64(g.throttleCheckEvery) {
		// Fire-and-forget: a full re-evaluation of the org's accepted
		// event quota happens out of band. Errors here never affect
		// the current request.
		go g.store.EnqueueOrganizationThrottleCheck(context.Background(), auth.OrganizationID)
	}

	return auth, nil
}

func rejectionFromCache(value string) error {
	if value == "v" {
		return ErrInvalidDSN
	}
	if value == "t" {
		return &ThrottleError{RetryAfter: 600}
	}
	if strings.HasPrefix(value, "t:") {
		orgRate, projRate, ok := deserializeThrottle(value)
		if !ok {
			return nil
		}
		if !isAcceptingEvents(orgRate) || !isAcceptingEvents(projRate) {
			return &ThrottleError{RetryAfter: calculateRetryAfter(maxInt(orgRate, projRate))}
		}
	}
	return nil
}

// serializeThrottle formats "t:orgRate:projectRate", e.g. "t:30:0".
func serializeThrottle(orgRate, projectRate int) string {
	return fmt.Sprintf("t:%d:%d", orgRate, projectRate)
}

func deserializeThrottle(s string) (org, project int, ok bool) {
	if s == "t" {
		return 0, 0, true
	}
	if !strings.HasPrefix(s, "t:") {
		return 0, 0, false
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0, 0, false
	}
	o, err1 := strconv.Atoi(parts[1])
	p, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return o, p, true
}

// isAcceptingEvents rolls the dice: a throttle of 0 always accepts; a
// throttle of N rejects roughly N% of requests.
func isAcceptingEvents(throttleRate int) bool {
	if throttleRate == 0 {
		return true
	}
	return rand.Intn(101) > throttleRate
}

// calculateRetryAfter scales Retry-After with the throttle severity
// using the same power curve as the original implementation.
func calculateRetryAfter(throttle int) int {
	return int(math.Ceil(0.02 * math.Pow(float64(throttle), 2.3)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
