/*
handlers.go - HTTP API handlers for the token engine

PURPOSE:
  Exposes the ledger, the pricing engine and the promotion admin via REST.
  Handles HTTP request/response, JSON serialization and validation, and
  delegates to domain logic.

ENDPOINTS:
  Accounts:
    GET    /api/accounts/{id}/balance        Current balance (zero if new)
    GET    /api/accounts/{id}/movements      History (?type=PURCHASED,BONUS&limit=50)
    POST   /api/accounts/{id}/quotes         Price a purchase, no writes
    POST   /api/accounts/{id}/purchases      Price and commit a purchase
    POST   /api/accounts/{id}/bonus          Grant bonus tokens
    POST   /api/accounts/{id}/consumptions   Spend tokens
    POST   /api/accounts/{id}/refunds        Remove refunded tokens
    POST   /api/accounts/{id}/adjustments    Signed correction of one bucket
    POST   /api/accounts/{id}/close          Soft-close the balance
    GET    /api/movements/{uid}              One movement

  Discount codes:
    GET    /api/discount-codes               List codes
    POST   /api/discount-codes               Create from factory JSON
    GET    /api/discount-codes/{code}        Get one code
    GET    /api/discount-codes/{code}/usages Redemption log
    POST   /api/discount-codes/{code}/enable|disable

  Bulk discounts:
    GET    /api/bulk-discounts               List schedules
    POST   /api/bulk-discounts               Create from factory JSON
    POST   /api/bulk-discounts/resolve       Which tier a purchase gets
    GET    /api/bulk-discounts/{id}          Get one schedule
    POST   /api/bulk-discounts/{id}/default  Make it the only default
    POST   /api/bulk-discounts/{id}/enable|disable

  Admin:
    POST   /api/admin/reconcile              Run the balance audit now
    GET    /api/admin/reconcile/last         Last audit report

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error class:
  - 400: Validation errors, malformed body
  - 404: Entity not found
  - 409: Concurrency conflict (lost a race); carries Retry-After
  - 422: Business rule rejection; "reason" holds the machine-readable cause
  - 503: Store failure

SECURITY NOTE:
  No authentication or authorization. The service is meant to sit behind
  the receipt/invoice layer, which owns both.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/factory"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/metrics"
	"github.com/warp/token-engine/pricing"
	"go.uber.org/zap"
)

const maxMovementsPage = 500

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API reads and resets. Every store package
// (memory, sqlite, gormstore) satisfies it.
type Store interface {
	ledger.Store
	ledger.ReportStore
	discount.Store
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store           Store
	Engine          *pricing.Engine
	Admin           *discount.Admin
	DiscountFactory *factory.DiscountFactory
	Reconciliation  *ReconciliationScheduler
	Logger          *zap.Logger
	Metrics         *metrics.Metrics

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires a handler around an engine and admin built on store.
func NewHandler(store Store, engine *pricing.Engine, admin *discount.Admin, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:           store,
		Engine:          engine,
		Admin:           admin,
		DiscountFactory: factory.NewDiscountFactory().WithCreatedBy("api"),
		Reconciliation:  NewReconciliationScheduler(ledger.NewReconciler(store, 0, logger), store, logger),
		Logger:          logger,
		validate:        newValidator(),
	}
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) ledger() *ledger.Ledger { return h.Engine.Ledger() }

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// GetBalance returns the account balance. Accounts without movements get
// the zero balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	bal, err := h.ledger().GetByAccountID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// ListMovements returns the account's history, oldest first.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	filter, err := parseMovementFilter(r)
	if err != nil {
		h.writeDomainError(w, "Invalid query", err)
		return
	}
	ms, err := h.ledger().Movements(r.Context(), id, filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list movements", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(ms))
}

func parseMovementFilter(r *http.Request) (ledger.MovementFilter, error) {
	var f ledger.MovementFilter
	if raw := r.URL.Query().Get("type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t := ledger.MovementType(strings.ToUpper(strings.TrimSpace(part)))
			if !t.Valid() {
				return f, ledger.InvalidEnum("type", part)
			}
			f.Types = append(f.Types, t)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, ledger.Invalid("limit", "must be a non-negative integer")
		}
		f.Limit = n
	}
	if f.Limit == 0 || f.Limit > maxMovementsPage {
		f.Limit = maxMovementsPage
	}
	return f, nil
}

func (h *Handler) GetMovement(w http.ResponseWriter, r *http.Request) {
	mv, err := h.ledger().Movement(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.writeDomainError(w, "Movement not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(mv))
}

// CloseAccount soft-closes the account balance.
func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	if err := h.ledger().CloseAccount(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to close account", err)
		return
	}
	bal, err := h.ledger().GetByAccountID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// =============================================================================
// PRICING HANDLERS
// =============================================================================

// Quote prices a purchase without writing anything.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := h.Engine.Quote(r.Context(), req.toDomain(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Quote rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// Purchase prices and commits a purchase. A rejected discount code fails
// the whole purchase.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.PriceTokenPurchase(r.Context(), req.toDomain(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Purchase rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseDTO(res))
}

func (h *Handler) AddBonus(w http.ResponseWriter, r *http.Request) {
	var req BonusRequest
	if !h.decode(w, r, &req) {
		return
	}
	grant, err := h.Engine.AddBonusTokens(r.Context(), pricing.BonusRequest{
		AccountID:   ledger.AccountID(chi.URLParam(r, "id")),
		Amount:      req.Amount,
		Description: req.Description,
		Actor:       req.Actor.toDomain(),
	})
	if err != nil {
		h.writeDomainError(w, "Bonus rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, MovementResultDTO{
		Movement: toMovementDTO(grant.Movement),
		Balance:  toBalanceDTO(grant.Balance),
	})
}

func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	h.debit(w, r, "Consumption rejected", h.Engine.ConsumeTokens)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.debit(w, r, "Refund rejected", h.Engine.RefundTokens)
}

type debitFunc func(context.Context, pricing.LedgerRequest) (ledger.Movement, ledger.Balance, error)

func (h *Handler) debit(w http.ResponseWriter, r *http.Request, message string, fn debitFunc) {
	var req LedgerRequest
	if !h.decode(w, r, &req) {
		return
	}
	mv, bal, err := fn(r.Context(), pricing.LedgerRequest{
		AccountID:   ledger.AccountID(chi.URLParam(r, "id")),
		Amount:      req.Amount,
		Description: req.Description,
		Reference:   req.Reference,
		Actor:       req.Actor.toDomain(),
	})
	if err != nil {
		h.writeDomainError(w, message, err)
		return
	}
	writeJSON(w, http.StatusCreated, MovementResultDTO{Movement: toMovementDTO(mv), Balance: toBalanceDTO(bal)})
}

// Adjust appends a compensating ADJUSTMENT movement.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	mv, bal, err := h.Engine.AdjustTokens(r.Context(), pricing.AdjustRequest{
		AccountID:   ledger.AccountID(chi.URLParam(r, "id")),
		Delta:       req.Delta,
		Bucket:      ledger.Bucket(req.Bucket),
		Description: req.Description,
		Reference:   req.Reference,
		Actor:       req.Actor.toDomain(),
	})
	if err != nil {
		h.writeDomainError(w, "Adjustment rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, MovementResultDTO{Movement: toMovementDTO(mv), Balance: toBalanceDTO(bal)})
}

// =============================================================================
// DISCOUNT CODE HANDLERS
// =============================================================================

func (h *Handler) ListDiscountCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.Admin.ListDiscountCodes(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list discount codes", err)
		return
	}
	dtos := make([]DiscountCodeDTO, len(codes))
	for i, c := range codes {
		dtos[i] = toDiscountCodeDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateDiscountCode accepts the same document as a catalog entry.
func (h *Handler) CreateDiscountCode(w http.ResponseWriter, r *http.Request) {
	var body factory.DiscountCodeJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	code, err := h.DiscountFactory.CodeFromJSON(body)
	if err != nil {
		h.writeDomainError(w, "Invalid discount code", err)
		return
	}
	created, err := h.Admin.CreateDiscountCode(r.Context(), code)
	if err != nil {
		h.writeDomainError(w, "Failed to create discount code", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDiscountCodeDTO(created))
}

func (h *Handler) GetDiscountCode(w http.ResponseWriter, r *http.Request) {
	c, err := h.Admin.GetDiscountCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(w, "Discount code not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountCodeDTO(c))
}

func (h *Handler) ListCodeUsages(w http.ResponseWriter, r *http.Request) {
	us, err := h.Admin.CodeUsages(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(w, "Failed to list code usages", err)
		return
	}
	dtos := make([]CodeUsageDTO, len(us))
	for i, u := range us {
		dtos[i] = toCodeUsageDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) EnableDiscountCode(w http.ResponseWriter, r *http.Request) {
	h.toggleDiscountCode(w, r, true)
}

func (h *Handler) DisableDiscountCode(w http.ResponseWriter, r *http.Request) {
	h.toggleDiscountCode(w, r, false)
}

func (h *Handler) toggleDiscountCode(w http.ResponseWriter, r *http.Request, enabled bool) {
	c, err := h.Admin.SetDiscountCodeEnabled(r.Context(), chi.URLParam(r, "code"), enabled)
	if err != nil {
		h.writeDomainError(w, "Failed to update discount code", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountCodeDTO(c))
}

// =============================================================================
// BULK DISCOUNT HANDLERS
// =============================================================================

func (h *Handler) ListBulkDiscounts(w http.ResponseWriter, r *http.Request) {
	bs, err := h.Admin.ListBulkDiscounts(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list bulk discounts", err)
		return
	}
	dtos := make([]BulkDiscountDTO, len(bs))
	for i, b := range bs {
		dtos[i] = toBulkDiscountDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateBulkDiscount(w http.ResponseWriter, r *http.Request) {
	var body factory.BulkDiscountJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	b, err := h.DiscountFactory.BulkFromJSON(body)
	if err != nil {
		h.writeDomainError(w, "Invalid bulk discount", err)
		return
	}
	created, err := h.Admin.CreateBulkDiscount(r.Context(), b)
	if err != nil {
		h.writeDomainError(w, "Failed to create bulk discount", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBulkDiscountDTO(created))
}

func (h *Handler) GetBulkDiscount(w http.ResponseWriter, r *http.Request) {
	b, err := h.Admin.GetBulkDiscount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Bulk discount not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toBulkDiscountDTO(b))
}

// SetDefaultBulkDiscount moves the default flag to the schedule.
func (h *Handler) SetDefaultBulkDiscount(w http.ResponseWriter, r *http.Request) {
	b, err := h.Admin.SetAsDefault(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to set default bulk discount", err)
		return
	}
	writeJSON(w, http.StatusOK, toBulkDiscountDTO(b))
}

func (h *Handler) EnableBulkDiscount(w http.ResponseWriter, r *http.Request) {
	h.toggleBulkDiscount(w, r, true)
}

func (h *Handler) DisableBulkDiscount(w http.ResponseWriter, r *http.Request) {
	h.toggleBulkDiscount(w, r, false)
}

func (h *Handler) toggleBulkDiscount(w http.ResponseWriter, r *http.Request, enabled bool) {
	b, err := h.Admin.SetBulkDiscountEnabled(r.Context(), chi.URLParam(r, "id"), enabled)
	if err != nil {
		h.writeDomainError(w, "Failed to update bulk discount", err)
		return
	}
	writeJSON(w, http.StatusOK, toBulkDiscountDTO(b))
}

// ResolveBulkDiscount reports the tier a purchase would get, without
// pricing it.
func (h *Handler) ResolveBulkDiscount(w http.ResponseWriter, r *http.Request) {
	var req ResolveBulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	applied, err := discount.NewBulkResolver(h.Store, nil).ResolveBest(r.Context(), discount.BulkRequest{
		TokenQuantity:  req.TokenQuantity,
		Currency:       strings.ToUpper(req.Currency),
		Country:        strings.ToUpper(req.Country),
		Verified:       req.Verified,
		AccountAgeDays: req.AccountAgeDays,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to resolve bulk discount", err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveBulkDTO{TokenQuantity: req.TokenQuantity, Applied: toAppliedTierDTO(applied)})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// TriggerReconcile runs the balance audit synchronously.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciliation.RunOnce(r.Context())
	if err != nil {
		h.writeDomainError(w, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(report))
}

func (h *Handler) LastReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Store.LastReconcileReport(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to load reconciliation report", ledger.External("last reconcile report", err))
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "No reconciliation has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileReportDTO(*report))
}

// Healthz answers once the store can be read.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Store.ListDiscountCodes(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body into dst. On failure it writes the
// 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Validation failed",
			Fields: processValidationErrors(verrs),
		})
		return false
	}
	return true
}

func processValidationErrors(verrs validator.ValidationErrors) map[string]string {
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		key := fe.Namespace()
		if i := strings.Index(key, "."); i >= 0 {
			key = key[i+1:]
		}
		fields[key] = fe.Tag()
	}
	return fields
}

// writeDomainError maps the engine's error classes to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Reason: string(ledger.ReasonOf(err)), Details: err.Error()}

	var ve *ledger.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		resp.Fields = map[string]string{ve.Field: ve.Message}
	}
	if status == http.StatusConflict {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.String("message", message), zap.Error(err))
		resp.Details = ""
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConstraintViolation):
		return http.StatusUnprocessableEntity
	case ledger.IsRetryable(err):
		return http.StatusConflict
	case ledger.IsExternal(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
