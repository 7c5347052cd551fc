/*
Package pricing prices token purchases and issues the resulting movements.

PURPOSE:
  The Engine is the single entry point the receipt/invoice layer calls. It
  combines the bulk discount and discount code resolvers into one price
  breakdown, then writes the purchase through the ledger.

ORDER OF APPLICATION:
  subtotal         = quantity × unit price
  bulk discount    = tier% of subtotal                  (automatic)
  post-bulk        = subtotal - bulk discount
  code discount    = code applied to post-bulk          (if a code is given)
  total            = max(post-bulk - code discount, floor)

  Both discounts are reported separately. A total clamped to the floor is
  flagged in the quote and in the PURCHASED movement metadata.

ATOMICITY:
  Both resolvers run before any write. The commit is one store unit of
  work containing:
    1. the code claim (conditional increment of current_uses)
    2. the PURCHASED movement and its balance delta
    3. the BONUS movement for BONUS_TOKENS codes
    4. the code usage log entry
  A purchase that fails leaves no movement and no counter change.

EXAMPLE:
  subtotal 10000 ARS, bulk tier 10%, FIXED_AMOUNT code 500
    bulk discount  1000
    post-bulk      9000
    code discount   500
    total          8500
*/
package pricing

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/discount"
	"github.com/warp/token-engine/events"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/lock"
	"github.com/warp/token-engine/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/warp/token-engine/pricing"

// =============================================================================
// INPUTS
// =============================================================================

// AccountSnapshot is the read-only view of an account supplied by the
// caller. The engine never fetches it.
type AccountSnapshot struct {
	AccountID       ledger.AccountID
	Currency        string
	Country         string
	Verified        bool
	AccountAgeDays  int
	IsFirstPurchase bool
}

type PurchaseRequest struct {
	Account       AccountSnapshot
	TokenQuantity int64
	UnitPrice     decimal.Decimal
	Currency      string // Account.Currency when empty
	DiscountCode  string // optional
	Description   string
	Actor         ledger.Actor
}

func (r PurchaseRequest) currency() string {
	c := r.Currency
	if c == "" {
		c = r.Account.Currency
	}
	return strings.ToUpper(strings.TrimSpace(c))
}

func (r PurchaseRequest) Validate() error {
	if strings.TrimSpace(string(r.Account.AccountID)) == "" {
		return ledger.MissingField("account_id")
	}
	if r.TokenQuantity <= 0 {
		return ledger.InvalidAmount("token_quantity", r.TokenQuantity)
	}
	if !r.UnitPrice.IsPositive() {
		return &ledger.ValidationError{Field: "unit_price", Message: "must be greater than zero", Kind: ledger.ErrInvalidAmount}
	}
	if len(r.currency()) != 3 {
		return ledger.Invalid("currency", "%q is not an ISO 4217 code", r.currency())
	}
	if r.Account.AccountAgeDays < 0 {
		return ledger.Invalid("account_age_days", "must not be negative")
	}
	return nil
}

// =============================================================================
// OUTPUTS
// =============================================================================

// Quote is the price breakdown of a purchase.
type Quote struct {
	AccountID     ledger.AccountID
	TokenQuantity int64
	Currency      string
	UnitPrice     decimal.Decimal

	Subtotal         decimal.Decimal
	BulkDiscount     decimal.Decimal
	BulkTier         *discount.AppliedTier
	PostBulkSubtotal decimal.Decimal
	CodeDiscount     decimal.Decimal
	Code             *discount.DiscountCode
	BonusTokens      int64

	UnclampedTotal decimal.Decimal
	Floor          decimal.Decimal
	FloorClamped   bool
	Total          decimal.Decimal
}

// PurchaseResult is a committed purchase.
type PurchaseResult struct {
	Quote       Quote
	PurchaseRef string
	Purchase    ledger.Movement
	Bonus       *ledger.Movement
	CodeUsage   *ledger.CodeUsage
	Balance     ledger.Balance
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	ledger    *ledger.Ledger
	codes     *discount.CodeResolver
	bulk      *discount.BulkResolver
	locker    lock.Locker
	publisher events.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
	floor     decimal.Decimal
	now       func() time.Time
	refs      *snowflake.Node
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPriceFloor sets the minimum chargeable total.
func WithPriceFloor(floor decimal.Decimal) Option {
	return func(e *Engine) { e.floor = floor }
}

func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNode sets the snowflake node generating purchase references.
func WithNode(n *snowflake.Node) Option {
	return func(e *Engine) { e.refs = n }
}

// New builds an engine. The resolvers read promotions from promos and
// usage counts from the ledger's store.
func New(l *ledger.Ledger, promos discount.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		ledger:    l,
		locker:    lock.Nop{},
		publisher: events.Nop{},
		tracer:    otel.Tracer(tracerName),
		logger:    zap.NewNop(),
		floor:     decimal.Zero,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.refs == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			return nil, err
		}
		e.refs = node
	}
	if e.floor.IsNegative() {
		return nil, ledger.Invalid("price_floor", "must not be negative")
	}
	e.codes = discount.NewCodeResolver(promos, l.Store(), e.now)
	e.bulk = discount.NewBulkResolver(promos, e.now)
	return e, nil
}

// Ledger returns the ledger the engine writes through.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// =============================================================================
// QUOTE
// =============================================================================

// Quote prices a purchase without writing anything. A code that does not
// apply is returned as a ConstraintViolation naming the failed check.
func (e *Engine) Quote(ctx context.Context, req PurchaseRequest) (Quote, error) {
	ctx, span := e.tracer.Start(ctx, "pricing.Quote")
	defer span.End()
	defer e.metrics.Since("quote", time.Now())

	q, err := e.quote(ctx, req)
	if err != nil {
		e.fail(span, "quote", req.Account.AccountID, err)
		return Quote{}, err
	}
	return q, nil
}

func (e *Engine) quote(ctx context.Context, req PurchaseRequest) (Quote, error) {
	if err := req.Validate(); err != nil {
		return Quote{}, err
	}
	currency := req.currency()

	q := Quote{
		AccountID:     req.Account.AccountID,
		TokenQuantity: req.TokenQuantity,
		Currency:      currency,
		UnitPrice:     req.UnitPrice,
		Floor:         e.floor,
	}
	q.Subtotal = req.UnitPrice.Mul(decimal.NewFromInt(req.TokenQuantity)).Round(discount.MoneyPlaces)

	tier, err := e.bulk.ResolveBest(ctx, discount.BulkRequest{
		TokenQuantity:  req.TokenQuantity,
		Currency:       currency,
		Country:        req.Account.Country,
		Verified:       req.Account.Verified,
		AccountAgeDays: req.Account.AccountAgeDays,
	})
	if err != nil {
		return Quote{}, err
	}
	q.BulkDiscount = decimal.Zero
	if tier != nil {
		q.BulkTier = tier
		q.BulkDiscount = tier.DiscountOn(q.Subtotal)
	}
	q.PostBulkSubtotal = q.Subtotal.Sub(q.BulkDiscount)

	q.CodeDiscount = decimal.Zero
	if strings.TrimSpace(req.DiscountCode) != "" {
		base := q.PostBulkSubtotal
		res, err := e.codes.Resolve(ctx, discount.CodeRequest{
			Code:            req.DiscountCode,
			AccountID:       req.Account.AccountID,
			TokenQuantity:   req.TokenQuantity,
			UnitPrice:       req.UnitPrice,
			Currency:        currency,
			IsFirstPurchase: req.Account.IsFirstPurchase,
			Verified:        req.Account.Verified,
			Base:            &base,
		})
		if err != nil {
			return Quote{}, err
		}
		if err := res.Err(); err != nil {
			return Quote{}, err
		}
		q.Code = res.Code
		q.CodeDiscount = res.DiscountAmount
		q.BonusTokens = res.BonusTokens
	}

	q.UnclampedTotal = q.PostBulkSubtotal.Sub(q.CodeDiscount)
	q.Total = q.UnclampedTotal
	if q.Total.LessThan(e.floor) {
		q.Total = e.floor
		q.FloorClamped = true
	}
	return q, nil
}

// =============================================================================
// PURCHASE
// =============================================================================

// PriceTokenPurchase prices and commits a purchase.
func (e *Engine) PriceTokenPurchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	ctx, span := e.tracer.Start(ctx, "pricing.PriceTokenPurchase",
		trace.WithAttributes(
			attribute.String("account_id", string(req.Account.AccountID)),
			attribute.Int64("token_quantity", req.TokenQuantity)))
	defer span.End()
	defer e.metrics.Since("purchase", time.Now())

	res, err := e.purchase(ctx, req)
	if err != nil {
		e.fail(span, "purchase", req.Account.AccountID, err)
		return PurchaseResult{}, err
	}
	span.SetAttributes(attribute.String("purchase_ref", res.PurchaseRef))
	return res, nil
}

func (e *Engine) purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	q, err := e.quote(ctx, req)
	if err != nil {
		return PurchaseResult{}, err
	}

	held, err := e.locker.Obtain(ctx, lock.AccountKey(q.AccountID))
	if err != nil {
		return PurchaseResult{}, err
	}
	defer func() {
		if err := held.Release(ctx); err != nil {
			e.logger.Warn("release account lock", zap.String("account_id", string(q.AccountID)), zap.Error(err))
		}
	}()

	res := PurchaseResult{Quote: q, PurchaseRef: e.refs.Generate().String()}
	err = e.ledger.Store().WithTx(ctx, func(tx ledger.Tx) error {
		if q.Code != nil {
			if err := tx.ClaimCodeUse(ctx, q.Code.Claim(q.AccountID, e.now())); err != nil {
				return err
			}
		}

		mv, bal, err := e.ledger.AppendTx(ctx, tx, ledger.AppendRequest{
			AccountID: q.AccountID,
			Type:      ledger.MovementPurchased,
			Amount:    q.TokenQuantity,
			Metadata:  purchaseMetadata(q, res.PurchaseRef, req.Description),
			Actor:     req.Actor,
		})
		if err != nil {
			return err
		}
		res.Purchase, res.Balance = mv, bal

		if q.BonusTokens > 0 {
			bonus, bal, err := e.ledger.AppendTx(ctx, tx, ledger.AppendRequest{
				AccountID: q.AccountID,
				Type:      ledger.MovementBonus,
				Amount:    q.BonusTokens,
				Metadata: ledger.Metadata{
					Description:        "Bonus tokens from discount code " + q.Code.Code,
					PurchaseRef:        res.PurchaseRef,
					DiscountCodeID:     q.Code.ID,
					DiscountCode:       q.Code.Code,
					RelatedMovementUID: mv.UID,
				},
				Actor: ledger.SystemActor,
			})
			if err != nil {
				return err
			}
			res.Bonus, res.Balance = &bonus, bal
		}

		if q.Code != nil {
			usage := &ledger.CodeUsage{
				CodeID:          q.Code.ID,
				AccountID:       q.AccountID,
				UsedAt:          mv.CreatedAt,
				TokensAmount:    q.TokenQuantity,
				DiscountApplied: q.CodeDiscount,
				BonusTokens:     q.BonusTokens,
				Currency:        q.Currency,
				PurchaseRef:     res.PurchaseRef,
				MovementUID:     mv.UID,
			}
			if err := tx.AppendCodeUsage(ctx, usage); err != nil {
				return err
			}
			res.CodeUsage = usage
		}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, ledger.External("commit purchase", err)
	}

	committed := []ledger.Movement{res.Purchase}
	if res.Bonus != nil {
		committed = append(committed, *res.Bonus)
	}
	e.ledger.Notify(committed...)

	codeType := ""
	if q.Code != nil {
		codeType = string(q.Code.Type)
	}
	e.metrics.Purchase(q.Currency, codeType)
	total := q.Total
	e.publish(ctx, events.Event{
		Type:         events.PurchaseCommitted,
		AccountID:    string(q.AccountID),
		MovementUIDs: uids(committed),
		PurchaseRef:  res.PurchaseRef,
		Tokens:       q.TokenQuantity + q.BonusTokens,
		Total:        &total,
		Currency:     q.Currency,
	})
	e.logger.Info("purchase committed",
		zap.String("account_id", string(q.AccountID)),
		zap.String("purchase_ref", res.PurchaseRef),
		zap.Int64("tokens", q.TokenQuantity),
		zap.String("total", q.Total.String()),
		zap.Bool("floor_clamped", q.FloorClamped))
	return res, nil
}

func purchaseMetadata(q Quote, ref, description string) ledger.Metadata {
	md := ledger.Metadata{
		Description:    strings.TrimSpace(description),
		TokenAmount:    q.TokenQuantity,
		PurchaseRef:    ref,
		Currency:       q.Currency,
		UnitPrice:      decPtr(q.UnitPrice),
		Subtotal:       decPtr(q.Subtotal),
		BulkDiscount:   decPtr(q.BulkDiscount),
		CodeDiscount:   decPtr(q.CodeDiscount),
		Total:          decPtr(q.Total),
		UnclampedTotal: decPtr(q.UnclampedTotal),
		FloorClamped:   q.FloorClamped,
	}
	if md.Description == "" {
		md.Description = "Token purchase"
	}
	if q.FloorClamped {
		md.Floor = decPtr(q.Floor)
	}
	if q.BulkTier != nil {
		md.BulkDiscountID = q.BulkTier.Schedule.ID
		md.BulkDiscountTier = q.BulkTier.Tier.Label
		if md.BulkDiscountTier == "" {
			md.BulkDiscountTier = q.BulkTier.Tier.String()
		}
	}
	if q.Code != nil {
		md.DiscountCodeID = q.Code.ID
		md.DiscountCode = q.Code.Code
	}
	return md
}

// =============================================================================
// BONUS, CONSUMPTION, REFUND, ADJUSTMENT
// =============================================================================

type BonusRequest struct {
	AccountID   ledger.AccountID
	Amount      int64
	Description string
	Actor       ledger.Actor
}

// AddBonusTokens grants tokens. Not idempotent: each call grants again.
func (e *Engine) AddBonusTokens(ctx context.Context, req BonusRequest) (ledger.BonusGrant, error) {
	ctx, span := e.tracer.Start(ctx, "pricing.AddBonusTokens")
	defer span.End()

	grant, err := e.ledger.AddBonusTokens(ctx, req.AccountID, req.Amount, req.Description, req.Actor)
	if err != nil {
		e.fail(span, "bonus", req.AccountID, err)
		return ledger.BonusGrant{}, err
	}
	e.publish(ctx, events.Event{
		Type:         events.BonusGranted,
		AccountID:    string(req.AccountID),
		MovementUIDs: []string{grant.Movement.UID},
		Tokens:       grant.Movement.Amount,
	})
	return grant, nil
}

// LedgerRequest debits tokens from an account.
type LedgerRequest struct {
	AccountID   ledger.AccountID
	Amount      int64
	Description string
	Reference   string // related movement UID, e.g. the purchase being refunded
	Actor       ledger.Actor
}

// ConsumeTokens spends tokens. Fails with ReasonInsufficientBalance when the
// account cannot cover amount.
func (e *Engine) ConsumeTokens(ctx context.Context, req LedgerRequest) (ledger.Movement, ledger.Balance, error) {
	return e.debit(ctx, "consume", ledger.MovementConsumed, req)
}

// RefundTokens removes refunded tokens from the account.
func (e *Engine) RefundTokens(ctx context.Context, req LedgerRequest) (ledger.Movement, ledger.Balance, error) {
	return e.debit(ctx, "refund", ledger.MovementRefunded, req)
}

func (e *Engine) debit(ctx context.Context, op string, typ ledger.MovementType, req LedgerRequest) (ledger.Movement, ledger.Balance, error) {
	ctx, span := e.tracer.Start(ctx, "pricing."+op)
	defer span.End()

	mv, bal, err := e.ledger.Append(ctx, ledger.AppendRequest{
		AccountID: req.AccountID,
		Type:      typ,
		Amount:    req.Amount,
		Metadata: ledger.Metadata{
			Description:        req.Description,
			RelatedMovementUID: req.Reference,
		},
		Actor: req.Actor,
	})
	if err != nil {
		e.fail(span, op, req.AccountID, err)
		return ledger.Movement{}, ledger.Balance{}, err
	}
	e.publishMovement(ctx, mv)
	return mv, bal, nil
}

type AdjustRequest struct {
	AccountID   ledger.AccountID
	Delta       int64
	Bucket      ledger.Bucket // bonus when empty
	Description string
	Reference   string
	Actor       ledger.Actor
}

// AdjustTokens appends a compensating ADJUSTMENT of a signed delta on one
// bucket. Movements are never edited; this is how mistakes are corrected.
func (e *Engine) AdjustTokens(ctx context.Context, req AdjustRequest) (ledger.Movement, ledger.Balance, error) {
	ctx, span := e.tracer.Start(ctx, "pricing.adjust")
	defer span.End()

	mv, bal, err := e.ledger.Append(ctx, ledger.AppendRequest{
		AccountID: req.AccountID,
		Type:      ledger.MovementAdjustment,
		Metadata: ledger.Metadata{
			Description:        req.Description,
			Delta:              req.Delta,
			Bucket:             req.Bucket,
			RelatedMovementUID: req.Reference,
		},
		Actor: req.Actor,
	})
	if err != nil {
		e.fail(span, "adjust", req.AccountID, err)
		return ledger.Movement{}, ledger.Balance{}, err
	}
	e.publishMovement(ctx, mv)
	return mv, bal, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) publishMovement(ctx context.Context, mv ledger.Movement) {
	e.publish(ctx, events.Event{
		Type:         events.MovementAppended,
		AccountID:    string(mv.AccountID),
		MovementUIDs: []string{mv.UID},
		Tokens:       mv.SignedAmount(),
	})
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	ev.OccurredAt = e.now()
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Error("publish event",
			zap.String("event_type", string(ev.Type)),
			zap.String("account_id", ev.AccountID),
			zap.Error(err))
	}
}

func (e *Engine) fail(span trace.Span, op string, accountID ledger.AccountID, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	reason := ledger.ReasonOf(err)
	if ledger.IsRetryable(err) {
		e.metrics.Conflict()
	}
	e.metrics.Rejected(op, string(reason))

	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("account_id", string(accountID)),
		zap.String("reason", string(reason)),
		zap.Error(err),
	}
	if ledger.IsExternal(err) {
		e.logger.Error("operation failed", fields...)
	} else {
		e.logger.Info("operation rejected", fields...)
	}
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func uids(ms []ledger.Movement) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.UID
	}
	return out
}
