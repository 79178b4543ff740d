package rewards

import (
	"net/http"
	"strings"

	"smallbiznis-rewards/pkg/db/pagination"
	"smallbiznis-rewards/pkg/errutil"
	"smallbiznis-rewards/pkg/middleware"
	"smallbiznis-rewards/pkg/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	svc   *Service
	queue task.Enqueuer
}

type HandlerParams struct {
	fx.In
	Service *Service
	Queue   task.Enqueuer `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{svc: p.Service, queue: p.Queue}
}

func (h *Handler) Register(r *gin.Engine) {
	g := r.Group("/v1/rewards")
	g.GET("/catalog", h.Catalog)
	g.POST("/referrals", h.Referral)

	me := g.Group("/me")
	me.GET("", h.Me)
	me.POST("/enroll", h.Enroll)
	me.GET("/transactions", h.Transactions)
	me.GET("/redemptions", h.Redemptions)
	me.POST("/earn", h.Earn)
	me.POST("/redeem", h.Redeem)
	me.POST("/redemptions/:id/use", h.Use)
	me.GET("/reconcile", h.Reconcile)
}

func badBody(err error) error {
	return errutil.BadRequest("invalid request body", err)
}

// errorBody renders err the way middleware.Error does, hiding causes that
// carry no BaseError.
func errorBody(err error) map[string]any {
	if be, ok := errutil.As(err); ok {
		return be.Body()
	}
	return errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}.Body()
}

func idempotencyKey(c *gin.Context, body string) string {
	if h := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)); h != "" {
		return h
	}
	return body
}

func (h *Handler) Catalog(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(ctx)

	snap, err := h.svc.Load(ctx, userID)
	if err != nil {
		zap.L().Warn("catalog served without ledger state", zap.String("user_id", userID), zap.Error(err))
	}
	if snap == nil || snap.Degraded {
		snap = anonymousSnapshot()
	}

	c.JSON(http.StatusOK, gin.H{"data": h.svc.Catalog().ListFor(snap)})
}

// Me returns the ledger view. A degraded view is still returned, next to the
// error, with the error's status.
func (h *Handler) Me(c *gin.Context) {
	ctx := c.Request.Context()

	snap, err := h.svc.Load(ctx, middleware.UserID(ctx))
	if err != nil {
		body := errorBody(err)
		body["snapshot"] = snap
		c.JSON(errutil.StatusOf(err).HTTPStatus(), body)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) Enroll(c *gin.Context) {
	ctx := c.Request.Context()

	snap, err := h.svc.Enroll(ctx, middleware.UserID(ctx))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) Transactions(c *gin.Context) {
	ctx := c.Request.Context()

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	list, info, err := h.svc.ListTransactions(ctx, middleware.UserID(ctx), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "page_info": info})
}

func (h *Handler) Redemptions(c *gin.Context) {
	ctx := c.Request.Context()

	var q RedemptionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	list, total, err := h.svc.ListRedemptions(ctx, middleware.UserID(ctx), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": total})
}

func (h *Handler) Earn(c *gin.Context) {
	ctx := c.Request.Context()

	var req EarnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badBody(err))
		return
	}
	// bonus and referral credits are granted by the worker only
	if req.Type != "" && req.Type != TransactionEarn {
		_ = c.Error(errutil.BadRequest("only earn credits can be posted", ErrInvalidType,
			errutil.WithDetails(errutil.Detail{Field: "type", Message: string(req.Type)})))
		return
	}
	req.UserID = middleware.UserID(ctx)
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)

	res, err := h.svc.Earn(ctx, req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, res)
}

func (h *Handler) Redeem(c *gin.Context) {
	ctx := c.Request.Context()

	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badBody(err))
		return
	}
	req.UserID = middleware.UserID(ctx)
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)

	res, err := h.svc.Redeem(ctx, req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, res)
}

func (h *Handler) Use(c *gin.Context) {
	ctx := c.Request.Context()

	red, err := h.svc.MarkUsed(ctx, middleware.UserID(ctx), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, red)
}

func (h *Handler) Reconcile(c *gin.Context) {
	ctx := c.Request.Context()

	rec, err := h.svc.Reconcile(ctx, middleware.UserID(ctx), c.Query("repair") == "true")
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type referralRequest struct {
	ReferralCode string `json:"referral_code" binding:"required"`
}

// Referral records that the caller signed up with someone's referral code.
// The referrer's bonus is queued when a task queue is wired, otherwise it is
// credited inline.
func (h *Handler) Referral(c *gin.Context) {
	ctx := c.Request.Context()

	refereeID := middleware.UserID(ctx)
	if refereeID == "" {
		_ = c.Error(unauthenticated())
		return
	}

	var req referralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badBody(err))
		return
	}

	referrerID, err := h.svc.ResolveReferral(ctx, req.ReferralCode)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if referrerID == refereeID {
		_ = c.Error(errutil.BadRequest("cannot use own referral code", ErrSelfReferral))
		return
	}

	payload := ReferralAwardPayload{ReferrerID: referrerID, RefereeID: refereeID}
	if h.queue == nil {
		if _, err := h.svc.AwardReferral(ctx, payload.ReferrerID, payload.RefereeID); err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "awarded"})
		return
	}

	t, opts, err := NewReferralAwardTask(payload)
	if err == nil {
		err = enqueue(ctx, h.queue, t, opts)
	}
	if err != nil {
		_ = c.Error(errutil.ServiceUnavailable("failed to queue referral award", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
