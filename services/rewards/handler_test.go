package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"smallbiznis-rewards/pkg/errutil"
	"smallbiznis-rewards/pkg/middleware"
	"smallbiznis-rewards/pkg/taskname"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	ids   map[string]bool
}

func (q *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := ""
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id = o.Value().(string)
		}
	}
	if q.ids == nil {
		q.ids = map[string]bool{}
	}
	if id != "" && q.ids[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	q.ids[id] = true
	q.tasks = append(q.tasks, t)
	return &asynq.TaskInfo{ID: id, Type: t.Type()}, nil
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Identity(), middleware.Error())
	h.Register(r)
	return r
}

func do(r http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, w, &body)
	return body.Error.Code
}

func TestHandlerMe(t *testing.T) {
	f := newFixture(t, Seed{TotalPoints: 850, LifetimePoints: 1250})
	r := newTestRouter(NewHandler(HandlerParams{Service: f.svc}))

	w := do(r, http.MethodGet, "/v1/rewards/me", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var anon Snapshot
	decode(t, w, &anon)
	require.Equal(t, SourceAnonymous, anon.Source)

	w = do(r, http.MethodGet, "/v1/rewards/me", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap Snapshot
	decode(t, w, &snap)
	require.Equal(t, SourceSeeded, snap.Source)
	require.Equal(t, int64(850), snap.TotalPoints)
	require.Equal(t, TierSilver, snap.Tier)
}

func TestHandlerMeDegraded(t *testing.T) {
	f := newFixture(t, Seed{TotalPoints: 850, LifetimePoints: 1250})
	r := newTestRouter(NewHandler(HandlerParams{Service: f.svc}))

	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := do(r, http.MethodGet, "/v1/rewards/me", "u1", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Error    map[string]any `json:"error"`
		Snapshot Snapshot       `json:"snapshot"`
	}
	decode(t, w, &body)
	require.Equal(t, "service_unavailable", body.Error["code"])
	require.True(t, body.Snapshot.Degraded)
	require.Equal(t, int64(850), body.Snapshot.TotalPoints)
}

func TestHandlerEarnAndRedeem(t *testing.T) {
	f := newFixture(t, Seed{TotalPoints: 850, LifetimePoints: 1250})
	r := newTestRouter(NewHandler(HandlerParams{Service: f.svc}))

	w := do(r, http.MethodPost, "/v1/rewards/me/redeem", "u1", map[string]any{"reward_id": "r1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var red RedeemResult
	decode(t, w, &red)
	require.Equal(t, int64(650), red.Snapshot.TotalPoints)
	require.NotEmpty(t, red.Redemption.Code)

	w = do(r, http.MethodPost, "/v1/rewards/me/earn", "u1", map[string]any{"points": 300, "idempotency_key": "visit-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var earn EarnResult
	decode(t, w, &earn)
	require.Equal(t, int64(950), earn.Snapshot.TotalPoints)
	require.Equal(t, TierGold, earn.Snapshot.Tier)

	w = do(r, http.MethodPost, "/v1/rewards/me/earn", "u1", map[string]any{"points": 300, "idempotency_key": "visit-1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/v1/rewards/me/redemptions/"+red.Redemption.ID+"/use", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodPost, "/v1/rewards/me/redemptions/"+red.Redemption.ID+"/use", "u1", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodGet, "/v1/rewards/me/redemptions", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reds struct {
		Data  []RedeemedReward `json:"data"`
		Total int64            `json:"total"`
	}
	decode(t, w, &reds)
	require.Len(t, reds.Data, 1)
	require.Equal(t, int64(1), reds.Total)

	w = do(r, http.MethodGet, "/v1/rewards/me/redemptions?status=active&sort_by=points_cost&order_by=asc", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &reds)
	require.Empty(t, reds.Data)
	require.Zero(t, reds.Total)

	w = do(r, http.MethodGet, "/v1/rewards/me/transactions?limit=1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data     []PointsTransaction `json:"data"`
		PageInfo struct {
			HasMore bool `json:"has_more"`
		} `json:"page_info"`
	}
	decode(t, w, &page)
	require.Len(t, page.Data, 1)
	require.True(t, page.PageInfo.HasMore)

	w = do(r, http.MethodGet, "/v1/rewards/me/reconcile", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec Reconciliation
	decode(t, w, &rec)
	require.True(t, rec.Consistent)
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t, Seed{TotalPoints: 100, LifetimePoints: 100})
	r := newTestRouter(NewHandler(HandlerParams{Service: f.svc}))

	w := do(r, http.MethodPost, "/v1/rewards/me/earn", "", map[string]any{"points": 10})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "unauthorized", errorCode(t, w))

	w = do(r, http.MethodPost, "/v1/rewards/me/earn", "u1", map[string]any{"points": 0})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/rewards/me/redeem", "u1", map[string]any{"reward_id": "r1"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "unprocessable_entity", errorCode(t, w))

	w = do(r, http.MethodGet, "/v1/rewards/me/transactions?limit=500", "u1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/v1/rewards/me/transactions?cursor=e30", "u1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "bad_request", errorCode(t, w))

	w = do(r, http.MethodGet, "/v1/rewards/me/redemptions?sort_by=code", "u1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/v1/rewards/me/redemptions?order_by=sideways", "u1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerEarnRejectsGrantTypes(t *testing.T) {
	f := newFixture(t, Seed{TotalPoints: 100, LifetimePoints: 100})
	r := newTestRouter(NewHandler(HandlerParams{Service: f.svc}))

	for _, typ := range []TransactionType{TransactionBonus, TransactionReferral, TransactionRedeem} {
		w := do(r, http.MethodPost, "/v1/rewards/me/earn", "u1", map[string]any{"points": 500, "type": typ})
		require.Equal(t, http.StatusBadRequest, w.Code, typ)
	}

	w := do(r, http.MethodPost, "/v1/rewards/me/earn", "u1", map[string]any{"points": 5, "type": TransactionEarn})
	require.Equal(t, http.StatusCreated, w.Code)

	snap, err := f.svc.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(105), snap.TotalPoints)
}

func TestErrorBody(t *testing.T) {
	body := errorBody(errors.New("dial tcp: connection refused"))
	require.Equal(t, map[string]any{"code": errutil.StatusInternal, "message": "internal error"}, body["error"])

	body = errorBody(persistenceFailure(errors.New("boom")))
	inner := body["error"].(map[string]any)
	require.Equal(t, errutil.StatusServiceUnavailable, inner["code"])
}

func TestHandlerCatalog(t *testing.T) {
	f := newFixture(t, Seed{TotalPoints: 900, LifetimePoints: 1550})
	r := newTestRouter(NewHandler(HandlerParams{Service: f.svc}))

	w := do(r, http.MethodGet, "/v1/rewards/catalog", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data []CatalogItem `json:"data"`
	}
	decode(t, w, &body)
	require.Len(t, body.Data, 3)
	require.True(t, body.Data[1].Eligible)
	require.True(t, body.Data[1].Affordable)
	require.False(t, body.Data[2].Eligible)

	w = do(r, http.MethodGet, "/v1/rewards/catalog", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &body)
	require.False(t, body.Data[0].Eligible)
}

func TestHandlerReferral(t *testing.T) {
	f := newFixture(t, Seed{})
	q := &fakeEnqueuer{}
	r := newTestRouter(NewHandler(HandlerParams{Service: f.svc, Queue: q}))

	w := do(r, http.MethodPost, "/v1/rewards/me/enroll", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap Snapshot
	decode(t, w, &snap)

	w = do(r, http.MethodPost, "/v1/rewards/referrals", "bob", map[string]any{"referral_code": snap.ReferralCode})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, q.tasks, 1)
	require.Equal(t, taskname.RewardsReferralAward, q.tasks[0].Type())

	// a repeat signup is deduplicated by task id
	w = do(r, http.MethodPost, "/v1/rewards/referrals", "bob", map[string]any{"referral_code": snap.ReferralCode})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, q.tasks, 1)

	w = do(r, http.MethodPost, "/v1/rewards/referrals", "alice", map[string]any{"referral_code": snap.ReferralCode})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/rewards/referrals", "bob", map[string]any{"referral_code": "AUTONOPE0000"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/v1/rewards/referrals", "", map[string]any{"referral_code": snap.ReferralCode})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// the queued task credits the referrer
	th := NewTaskHandler(f.svc)
	require.NoError(t, th.HandleReferralAward(context.Background(), q.tasks[0]))
	loaded, err := f.svc.Load(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(250), loaded.TotalPoints)
	require.Equal(t, int64(1), loaded.ReferralCount)
}

func TestHandlerReferralInline(t *testing.T) {
	f := newFixture(t, Seed{})
	r := newTestRouter(NewHandler(HandlerParams{Service: f.svc}))

	w := do(r, http.MethodPost, "/v1/rewards/me/enroll", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap Snapshot
	decode(t, w, &snap)

	w = do(r, http.MethodPost, "/v1/rewards/referrals", "bob", map[string]any{"referral_code": snap.ReferralCode})
	require.Equal(t, http.StatusOK, w.Code)

	loaded, err := f.svc.Load(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(250), loaded.TotalPoints)
}
