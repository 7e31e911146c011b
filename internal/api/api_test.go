package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/activities"
	"github.com/jmerrifield20/clubsync/internal/api"
	"github.com/jmerrifield20/clubsync/internal/auth"
	"github.com/jmerrifield20/clubsync/internal/clock"
	"github.com/jmerrifield20/clubsync/internal/leaderboard"
	"github.com/jmerrifield20/clubsync/internal/memstore"
	"github.com/jmerrifield20/clubsync/internal/privacy"
	"github.com/jmerrifield20/clubsync/internal/runs"
	"github.com/jmerrifield20/clubsync/internal/scheduler"
	"github.com/jmerrifield20/clubsync/internal/strava"
	"github.com/jmerrifield20/clubsync/internal/syncer"
	"github.com/jmerrifield20/clubsync/internal/users"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubOrch struct {
	mu        sync.Mutex
	triggered []int64
	result    scheduler.TriggerResult
	busy      bool
	full      bool
}

func (s *stubOrch) TriggerUser(id int64) scheduler.TriggerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered = append(s.triggered, id)
	if s.result == "" {
		return scheduler.TriggerAccepted
	}
	return s.result
}

func (s *stubOrch) State(scheduler.CycleKind) scheduler.State { return scheduler.StateIdle }

func (s *stubOrch) RunSyncCycle(_ context.Context, opts syncer.Options) *scheduler.CycleReport {
	s.full = opts.Full
	return s.report(scheduler.CycleSync)
}

func (s *stubOrch) RunTrophies(context.Context) *scheduler.CycleReport {
	return s.report(scheduler.CycleTrophy)
}

func (s *stubOrch) RunEnrichment(context.Context) *scheduler.CycleReport {
	return s.report(scheduler.CycleEnrich)
}

func (s *stubOrch) report(kind scheduler.CycleKind) *scheduler.CycleReport {
	if s.busy {
		return &scheduler.CycleReport{Kind: kind, State: scheduler.StateRunning}
	}
	return &scheduler.CycleReport{ID: [16]byte{1}, Kind: kind, State: scheduler.StateCompleted}
}

type stubAthletes struct {
	athlete strava.Athlete
	token   string
}

func (s *stubAthletes) GetAthlete(_ context.Context, token string) (*strava.Athlete, error) {
	s.token = token
	a := s.athlete
	return &a, nil
}

// ── Fixture ──────────────────────────────────────────────────────────────

type fixture struct {
	router   *gin.Engine
	store    *memstore.Store
	tokens   *auth.Issuer
	orch     *stubOrch
	athletes *stubAthletes
	trigger  []int64
}

func newFixture(t *testing.T, oauthCfg api.OAuthConfig) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	f := &fixture{
		store:    memstore.New(),
		tokens:   auth.NewIssuer("s3cret", "clubsync-web", time.Hour),
		orch:     &stubOrch{},
		athletes: &stubAthletes{athlete: strava.Athlete{ID: 777, Firstname: "Ana", Lastname: "Silva"}},
	}
	engine := leaderboard.NewEngine(f.store, leaderboard.Config{}, clock.NewFake(monday.Add(50*time.Hour)), logger)
	svc := users.NewService(f.store, f.athletes, func(id int64) { f.trigger = append(f.trigger, id) }, logger)

	f.router = api.NewRouter(api.RouterConfig{
		Tokens:       f.tokens,
		OAuth:        api.NewOAuthHandler(svc, f.tokens, oauthCfg, logger),
		Leaderboards: api.NewLeaderboardHandler(engine, logger),
		Me:           api.NewMeHandler(svc, engine, logger),
		Sync:         api.NewSyncHandler(f.orch, f.store, logger),
		Health:       func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) },
		Logger:       logger,
	})
	return f
}

func (f *fixture) user(t *testing.T, name string, tier privacy.Tier) int64 {
	t.Helper()
	u := &users.User{AthleteID: int64(len(name)) * 1000, Firstname: name, PrivacyTier: tier, Active: true}
	if err := f.store.Insert(context.Background(), u); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return u.ID
}

func (f *fixture) activity(t *testing.T, userID, id int64, start time.Time, distance float64, vis privacy.Visibility) {
	t.Helper()
	a := activities.Activity{UserID: userID, ActivityID: id, Type: "Run", StartDate: start, Distance: distance, Visibility: vis, KudosCount: int(id)}
	if _, err := f.store.Upsert(context.Background(), a); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func (f *fixture) userToken(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := f.tokens.Issue(userID, 1)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	tok, err := f.tokens.IssueAdmin(0)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type boardResponse struct {
	Board   string                 `json:"board"`
	Entries []leaderboard.Standing `json:"entries"`
}

// ── Trigger ──────────────────────────────────────────────────────────────

func TestTrigger_RequiresToken(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	if w := f.do(http.MethodPost, "/api/v1/sync/trigger", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/v1/sync/trigger", "garbage", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
}

func TestTrigger_UserSyncsSelf(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	w := f.do(http.MethodPost, "/api/v1/sync/trigger?user_id=99", f.userToken(t, 7), "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.orch.triggered) != 1 || f.orch.triggered[0] != 7 {
		t.Errorf("triggered = %v, want [7]", f.orch.triggered)
	}
}

func TestTrigger_AlreadyRunning(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	f.orch.result = scheduler.TriggerAlreadyRunning
	w := f.do(http.MethodPost, "/api/v1/sync/trigger", f.userToken(t, 7), "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "already_running" {
		t.Errorf("status = %v", resp["status"])
	}
}

func TestTrigger_Admin(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	admin := f.adminToken(t)
	if w := f.do(http.MethodPost, "/api/v1/sync/trigger", admin, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_id, got %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/v1/sync/trigger?user_id=42", admin, ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(f.orch.triggered) != 1 || f.orch.triggered[0] != 42 {
		t.Errorf("triggered = %v, want [42]", f.orch.triggered)
	}
}

// ── Admin ────────────────────────────────────────────────────────────────

func TestAdmin_RequiresAdminToken(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	if w := f.do(http.MethodGet, "/api/v1/admin/runs", f.userToken(t, 1), ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestAdmin_RunCycles(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	admin := f.adminToken(t)

	w := f.do(http.MethodPost, "/api/v1/admin/cycles/sync?full=true", admin, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !f.orch.full {
		t.Error("full refresh flag not passed")
	}
	var rep scheduler.CycleReport
	json.Unmarshal(w.Body.Bytes(), &rep)
	if rep.Kind != scheduler.CycleSync || rep.State != scheduler.StateCompleted {
		t.Errorf("report = %+v", rep)
	}

	f.orch.busy = true
	if w := f.do(http.MethodPost, "/api/v1/admin/cycles/trophies", admin, ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d", w.Code)
	}
}

func TestAdmin_Runs(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	f.store.Record(context.Background(), runs.Run{ID: [16]byte{9}, Kind: "sync", State: "completed", StartedAt: monday, FinishedAt: monday.Add(time.Minute), Succeeded: 3})

	w := f.do(http.MethodGet, "/api/v1/admin/runs?limit=5", f.adminToken(t), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Runs []runs.Run `json:"runs"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Runs) != 1 || resp.Runs[0].Succeeded != 3 {
		t.Errorf("runs = %+v", resp.Runs)
	}
}

// ── Leaderboards ─────────────────────────────────────────────────────────

func TestLeaderboard_AllTimeFiltersPrivacy(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	pub := f.user(t, "Ana", privacy.TierPublic)
	priv := f.user(t, "Benedict", privacy.TierPrivate)
	f.activity(t, pub, 1, monday.Add(10*time.Hour), 5000, privacy.VisibilityEveryone)
	f.activity(t, pub, 2, monday.Add(20*time.Hour), 9000, privacy.VisibilityOnlyMe)
	f.activity(t, priv, 3, monday.Add(30*time.Hour), 20000, privacy.VisibilityEveryone)

	w := f.do(http.MethodGet, "/api/v1/leaderboards/alltime", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp boardResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Entries) != 1 || resp.Entries[0].UserID != pub || resp.Entries[0].Distance != 5000 {
		t.Errorf("entries = %+v", resp.Entries)
	}
}

func TestLeaderboard_WeekByDate(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	u := f.user(t, "Ana", privacy.TierPublic)
	f.activity(t, u, 1, monday.Add(-2*time.Hour), 3000, privacy.VisibilityEveryone)
	f.activity(t, u, 2, monday.Add(2*time.Hour), 4000, privacy.VisibilityEveryone)

	w := f.do(http.MethodGet, "/api/v1/leaderboards/week?week=2026-02-26", "", "")
	var resp boardResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusOK || len(resp.Entries) != 1 || resp.Entries[0].Distance != 3000 {
		t.Fatalf("previous week: code %d entries %+v", w.Code, resp.Entries)
	}

	w = f.do(http.MethodGet, "/api/v1/leaderboards/week", "", "")
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Entries) != 1 || resp.Entries[0].Distance != 4000 {
		t.Errorf("current week entries = %+v", resp.Entries)
	}
}

func TestLeaderboard_BadParams(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	for _, path := range []string{
		"/api/v1/leaderboards/alltime?limit=0",
		"/api/v1/leaderboards/alltime?limit=abc",
		"/api/v1/leaderboards/week?week=March",
		"/api/v1/leaderboards/kudos?from=2026-03-09&to=2026-03-02",
	} {
		if w := f.do(http.MethodGet, path, "", ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestLeaderboard_Kudos(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	u := f.user(t, "Ana", privacy.TierPublic)
	f.activity(t, u, 4, monday.Add(time.Hour), 1000, privacy.VisibilityEveryone)
	f.activity(t, u, 6, monday.Add(-48*time.Hour), 1000, privacy.VisibilityEveryone)

	w := f.do(http.MethodGet, "/api/v1/leaderboards/kudos?from=2026-03-02", "", "")
	var resp struct {
		Entries []leaderboard.KudosStanding `json:"entries"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Entries) != 1 || resp.Entries[0].TotalKudos != 4 {
		t.Errorf("entries = %+v", resp.Entries)
	}
}

// ── Me ───────────────────────────────────────────────────────────────────

func TestMe_TotalsAreUnfiltered(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	u := f.user(t, "Ana", privacy.TierPrivate)
	f.activity(t, u, 1, monday.Add(time.Hour), 5000, privacy.VisibilityOnlyMe)
	f.activity(t, u, 2, monday.Add(2*time.Hour), 2500, privacy.VisibilityEveryone)

	w := f.do(http.MethodGet, "/api/v1/me/totals", f.userToken(t, u), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var tot leaderboard.Totals
	json.Unmarshal(w.Body.Bytes(), &tot)
	if tot.Distance != 7500 || tot.ActivityCount != 2 {
		t.Errorf("totals = %+v", tot)
	}
}

func TestMe_AdminTokenHasNoProfile(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	if w := f.do(http.MethodGet, "/api/v1/me", f.adminToken(t), ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestMe_UpdatePrivacy(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	u := f.user(t, "Ana", privacy.TierPublic)
	tok := f.userToken(t, u)

	if w := f.do(http.MethodPatch, "/api/v1/me/privacy", tok, `{"tier":"secret"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", w.Code)
	}
	if w := f.do(http.MethodPatch, "/api/v1/me/privacy", tok, `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing tier, got %d", w.Code)
	}
	if w := f.do(http.MethodPatch, "/api/v1/me/privacy", tok, `{"tier":"club_only"}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w := f.do(http.MethodGet, "/api/v1/me", tok, "")
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["privacy_tier"] != "club_only" {
		t.Errorf("privacy_tier = %v", resp["privacy_tier"])
	}
}

func TestMe_UnknownUser(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	if w := f.do(http.MethodGet, "/api/v1/me", f.userToken(t, 404), ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// ── OAuth ────────────────────────────────────────────────────────────────

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code") != "good-code" || r.Form.Get("client_id") != "cid" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":21600,"token_type":"Bearer"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthConfig(tokenURL string) api.OAuthConfig {
	return api.OAuthConfig{
		ClientID:       "cid",
		ClientSecret:   "csecret",
		AuthURL:        "https://remote.example/oauth/authorize",
		TokenURL:       tokenURL,
		RedirectURL:    "http://localhost:8080/api/v1/auth/strava/callback",
		RequiredScopes: []string{"activity:read_all"},
		FrontendURL:    "http://localhost:3000/",
	}
}

func TestOAuth_Redirect(t *testing.T) {
	f := newFixture(t, oauthConfig("http://unused"))
	w := f.do(http.MethodGet, "/api/v1/auth/strava", "", "")
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	q := loc.Query()
	if loc.Host != "remote.example" || q.Get("client_id") != "cid" || q.Get("scope") != "read,activity:read_all" {
		t.Errorf("redirect = %s", loc)
	}
	if err := f.tokens.VerifyOAuthState(q.Get("state")); err != nil {
		t.Errorf("state: %v", err)
	}
}

func TestOAuth_CallbackRejectsBadState(t *testing.T) {
	f := newFixture(t, oauthConfig("http://unused"))
	if w := f.do(http.MethodGet, "/api/v1/auth/strava/callback?state=forged&code=x", "", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestOAuth_CallbackCreatesUserAndTriggers(t *testing.T) {
	srv := newTokenServer(t)
	f := newFixture(t, oauthConfig(srv.URL))
	state, _ := f.tokens.IssueOAuthState()

	path := "/api/v1/auth/strava/callback?" + url.Values{
		"state": {state},
		"code":  {"good-code"},
		"scope": {"read,activity:read_all"},
	}.Encode()
	w := f.do(http.MethodGet, path, "", "")
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", w.Code, w.Body.String())
	}

	loc := w.Header().Get("Location")
	prefix := "http://localhost:3000/oauth/callback#"
	if !strings.HasPrefix(loc, prefix) {
		t.Fatalf("redirect = %s", loc)
	}
	frag, _ := url.ParseQuery(strings.TrimPrefix(loc, prefix))
	claims, err := f.tokens.Verify(frag.Get("token"))
	if err != nil {
		t.Fatalf("session token: %v", err)
	}
	if claims.AthleteID != 777 || frag.Get("welcome") != "1" {
		t.Errorf("claims = %+v, fragment = %v", claims, frag)
	}

	u, err := f.store.GetByAthleteID(context.Background(), 777)
	if err != nil {
		t.Fatalf("user not stored: %v", err)
	}
	if u.AccessToken != "at-1" || u.RefreshToken != "rt-1" || f.athletes.token != "at-1" {
		t.Errorf("stored user = %+v", u)
	}
	if len(f.trigger) != 1 || f.trigger[0] != u.ID {
		t.Errorf("trigger = %v, want [%d]", f.trigger, u.ID)
	}
}

func TestOAuth_CallbackInsufficientScope(t *testing.T) {
	srv := newTokenServer(t)
	f := newFixture(t, oauthConfig(srv.URL))
	state, _ := f.tokens.IssueOAuthState()

	w := f.do(http.MethodGet, "/api/v1/auth/strava/callback?state="+url.QueryEscape(state)+"&code=good-code&scope=read", "", "")
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "http://localhost:3000/reauthorize?reason=scope_insufficient" {
		t.Errorf("redirect = %s", loc)
	}
	if _, err := f.store.GetByAthleteID(context.Background(), 777); err == nil {
		t.Error("user stored despite missing scope")
	}
}

func TestOAuth_CallbackDenied(t *testing.T) {
	f := newFixture(t, oauthConfig("http://unused"))
	state, _ := f.tokens.IssueOAuthState()
	w := f.do(http.MethodGet, "/api/v1/auth/strava/callback?state="+url.QueryEscape(state)+"&error=access_denied", "", "")
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "access_denied") {
		t.Fatalf("expected 400 access_denied, got %d: %s", w.Code, w.Body.String())
	}
}

// ── Middleware ───────────────────────────────────────────────────────────

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(api.RateLimiter(1, 1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for range 2 {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other ip limited: %d", w.Code)
	}
}

func TestHealthAndMetricsMounted(t *testing.T) {
	f := newFixture(t, api.OAuthConfig{})
	if w := f.do(http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthz: %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/metrics", "", ""); w.Code != http.StatusOK {
		t.Errorf("metrics: %d", w.Code)
	}
}
