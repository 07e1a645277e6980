package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/service"
	"cashledger/backend/internal/store"
	"cashledger/backend/internal/tax"
)

type Options struct {
	Logger         *zap.Logger
	Verifier       *TokenVerifier // nil disables bearer auth
	AllowedOrigins []string
	RateLimitRPS   float64 // <= 0 disables rate limiting
	RateLimitBurst int
}

type API struct {
	service  *service.Service
	verifier *TokenVerifier
	logger   *zap.Logger
	opts     Options
}

func New(svc *service.Service, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:  svc,
		verifier: opts.Verifier,
		logger:   logger,
		opts:     opts,
	}
}

func (a *API) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.logger), securityHeaders(), corsMiddleware(a.opts.AllowedOrigins), limitBody(maxBodyBytes))
	if a.opts.RateLimitRPS > 0 {
		router.Use(newClientRateLimiter(a.opts.RateLimitRPS, a.opts.RateLimitBurst).middleware())
	}

	router.GET("/healthz", a.handleHealth)

	api := router.Group("/", a.requireActor())

	api.POST("/sessions", a.handleOpenSession)
	api.GET("/sessions/open", a.handleFindOpenSession)
	api.GET("/sessions/:id", a.handleGetSession)
	api.POST("/sessions/:id/reconcile", a.handleBeginReconciliation)
	api.POST("/sessions/:id/close", a.handleCloseSession)
	api.GET("/sessions/:id/summary", a.handleSessionSummary)

	api.POST("/sales", a.handleCreateSale)
	api.GET("/sales", a.handleListSales)
	api.GET("/sales/:id", a.handleGetSale)
	api.POST("/sales/:id/settle", a.handleSettleSale)
	api.POST("/sales/:id/void", a.handleVoidSale)
	api.POST("/sales/:id/payments", a.handleCollectReceivable)
	api.GET("/receivables", a.handleListReceivables)

	api.POST("/purchases", a.handleCreatePurchase)
	api.GET("/purchases/:id", a.handleGetPurchase)
	api.GET("/purchases/:id/payments", a.handleListPurchasePayments)
	api.POST("/purchases/:id/payments", a.handlePayPurchase)
	api.GET("/payables", a.handleListPayables)
	api.POST("/payables/:id/payments", a.handlePayPayable)

	api.GET("/products", a.handleListProducts)
	api.PUT("/products/:id", a.handleUpsertProduct)
	api.GET("/products/:id/movements", a.handleListMovements)
	api.POST("/products/:id/adjustments", a.handleAdjustStock)
	api.GET("/stock/audit", a.handleAuditStock)
	api.GET("/stock/low", a.handleLowStock)

	api.GET("/tax/decompose", a.handleTaxDecompose)

	return router
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Sessions

func (a *API) handleOpenSession(c *gin.Context) {
	var req domain.SessionOpenRequest
	if !a.bind(c, &req) {
		return
	}
	session, err := a.service.OpenSession(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (a *API) handleFindOpenSession(c *gin.Context) {
	drawer := strings.TrimSpace(c.Query("drawer"))
	if drawer == "" {
		a.fail(c, domain.Invalid(domain.ErrInvalidInput, "drawer", "query parameter is required"))
		return
	}
	session, err := a.service.FindOpenFor(c.Request.Context(), drawer)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *API) handleGetSession(c *gin.Context) {
	session, err := a.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *API) handleBeginReconciliation(c *gin.Context) {
	session, err := a.service.BeginReconciliation(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *API) handleCloseSession(c *gin.Context) {
	var req domain.SessionCloseRequest
	if !a.bind(c, &req) {
		return
	}
	session, err := a.service.CloseSession(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *API) handleSessionSummary(c *gin.Context) {
	summary, err := a.service.SessionSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Sales

func (a *API) handleCreateSale(c *gin.Context) {
	var req domain.SaleCreateRequest
	if !a.bind(c, &req) {
		return
	}
	sale, err := a.service.CreateSale(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sale)
}

func (a *API) handleListSales(c *gin.Context) {
	filter := domain.SaleFilter{
		SessionID:     strings.TrimSpace(c.Query("session_id")),
		Status:        domain.SaleStatus(strings.TrimSpace(c.Query("status"))),
		PaymentStatus: domain.PaymentStatus(strings.TrimSpace(c.Query("payment_status"))),
		Limit:         parsePositiveLimit(c.Query("limit"), 50, 500),
	}
	sales, err := a.service.ListSales(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": sales})
}

func (a *API) handleGetSale(c *gin.Context) {
	sale, err := a.service.GetSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sale)
}

func (a *API) handleSettleSale(c *gin.Context) {
	var req domain.SettleSaleRequest
	if !a.bind(c, &req) {
		return
	}
	resp, err := a.service.SettleSale(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleVoidSale(c *gin.Context) {
	var req domain.VoidSaleRequest
	if !a.bindOptional(c, &req) {
		return
	}
	sale, err := a.service.VoidSale(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sale)
}

func (a *API) handleCollectReceivable(c *gin.Context) {
	var req domain.SettleSaleRequest
	if !a.bind(c, &req) {
		return
	}
	resp, err := a.service.CollectReceivable(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleListReceivables(c *gin.Context) {
	items, err := a.service.ListReceivables(c.Request.Context(), domain.BalanceState(strings.TrimSpace(c.Query("state"))))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Purchases

func (a *API) handleCreatePurchase(c *gin.Context) {
	var req domain.PurchaseCreateRequest
	if !a.bind(c, &req) {
		return
	}
	purchase, err := a.service.CreatePurchase(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, purchase)
}

func (a *API) handleGetPurchase(c *gin.Context) {
	purchase, err := a.service.GetPurchase(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, purchase)
}

func (a *API) handleListPurchasePayments(c *gin.Context) {
	payments, err := a.service.ListPurchasePayments(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": payments})
}

func (a *API) handlePayPurchase(c *gin.Context) {
	var req domain.PayPurchaseRequest
	if !a.bind(c, &req) {
		return
	}
	resp, err := a.service.PayPurchase(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleListPayables(c *gin.Context) {
	items, err := a.service.ListPayables(c.Request.Context(), domain.BalanceState(strings.TrimSpace(c.Query("state"))))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (a *API) handlePayPayable(c *gin.Context) {
	var req domain.PayPurchaseRequest
	if !a.bind(c, &req) {
		return
	}
	resp, err := a.service.PayPayable(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Stock

func (a *API) handleListProducts(c *gin.Context) {
	products, err := a.service.ListProducts(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": products})
}

func (a *API) handleUpsertProduct(c *gin.Context) {
	var req domain.ProductUpsertRequest
	if !a.bind(c, &req) {
		return
	}
	product, err := a.service.UpsertProduct(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (a *API) handleListMovements(c *gin.Context) {
	movements, err := a.service.ListMovements(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": movements})
}

func (a *API) handleAdjustStock(c *gin.Context) {
	var req domain.StockAdjustmentRequest
	if !a.bind(c, &req) {
		return
	}
	movement, err := a.service.AdjustStock(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, movement)
}

func (a *API) handleAuditStock(c *gin.Context) {
	found, err := a.service.AuditStock(c.Request.Context())
	if err != nil && !errors.Is(err, domain.ErrLedgerMismatch) {
		a.fail(c, err)
		return
	}
	if found == nil {
		found = []domain.StockDiscrepancy{}
	}
	c.JSON(http.StatusOK, gin.H{"consistent": len(found) == 0, "discrepancies": found})
}

func (a *API) handleLowStock(c *gin.Context) {
	products, err := a.service.LowStock(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": products})
}

func (a *API) handleTaxDecompose(c *gin.Context) {
	amount, err := strconv.ParseInt(strings.TrimSpace(c.Query("amount")), 10, 64)
	if err != nil {
		a.fail(c, domain.Invalid(domain.ErrInvalidAmount, "amount", "must be an integer amount in minor units"))
		return
	}
	split, err := tax.Decompose(amount, domain.TaxClass(strings.TrimSpace(c.Query("class"))))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, split)
}

// Helpers

func (a *API) bind(c *gin.Context, dest any) bool {
	if err := decodeJSON(c.Request, dest); err != nil {
		a.rejectBody(c, err)
		return false
	}
	return true
}

func (a *API) rejectBody(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		a.abort(c, http.StatusRequestEntityTooLarge, "body_too_large", err)
		return
	}
	a.abort(c, http.StatusBadRequest, "invalid_json", err)
}

// bindOptional accepts an empty body.
func (a *API) bindOptional(c *gin.Context, dest any) bool {
	if err := decodeJSON(c.Request, dest); err != nil && !errors.Is(err, io.EOF) {
		a.rejectBody(c, err)
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable is checked in order; the first errors.Is match wins.
var errorTable = []errorMapping{
	{store.ErrNotFound, http.StatusNotFound, "not_found"},

	{domain.ErrDrawerAlreadyOpen, http.StatusConflict, "drawer_already_open"},
	{domain.ErrSessionNotOpen, http.StatusConflict, "session_not_open"},
	{domain.ErrSessionClosedCannotAdjust, http.StatusConflict, "session_closed"},
	{domain.ErrAlreadySettled, http.StatusConflict, "already_settled"},
	{domain.ErrAlreadyVoided, http.StatusConflict, "already_voided"},
	{domain.ErrAlreadyReversed, http.StatusConflict, "already_reversed"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrInvoiceRangeExhausted, http.StatusConflict, "invoice_range_exhausted"},
	{store.ErrConflict, http.StatusConflict, "conflict"},

	{domain.ErrInsufficientStock, http.StatusUnprocessableEntity, "insufficient_stock"},
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{domain.ErrPaymentInsufficient, http.StatusUnprocessableEntity, "payment_insufficient"},
	{domain.ErrOverpayment, http.StatusUnprocessableEntity, "overpayment"},
	{domain.ErrNoTendersProvided, http.StatusUnprocessableEntity, "no_tenders_provided"},

	{domain.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
	{domain.ErrAmountMustBePositive, http.StatusBadRequest, "amount_must_be_positive"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{domain.ErrUnknownTaxClass, http.StatusBadRequest, "unknown_tax_class"},
	{domain.ErrUnknownTenderMethod, http.StatusBadRequest, "unknown_tender_method"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
}

func classify(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (a *API) fail(c *gin.Context, err error) {
	status, code := classify(err)
	a.abort(c, status, code, err)
}

func (a *API) abort(c *gin.Context, status int, code string, err error) {
	// 5xx bodies stay generic; the real error only goes to the log.
	body := gin.H{"error": code, "message": err.Error()}
	if status >= 500 {
		a.logger.Error("request failed",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		body["message"] = "internal server error"
	}
	var verr *domain.ValidationError
	if status < 500 && errors.As(err, &verr) && len(verr.Details) > 0 {
		body["details"] = verr.Details
	}
	c.AbortWithStatusJSON(status, body)
}
