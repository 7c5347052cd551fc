package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/ledger"
)

// =============================================================================
// CODE RESOLVER
// =============================================================================

// CodeReader looks up discount codes.
type CodeReader interface {
	GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error)
}

// UsageCounter counts an account's prior redemptions of a code.
// ledger.Store satisfies it.
type UsageCounter interface {
	CountCodeUses(ctx context.Context, codeID string, accountID ledger.AccountID) (int, error)
}

// CodeRequest is a candidate purchase a code is checked against.
type CodeRequest struct {
	Code            string
	AccountID       ledger.AccountID
	TokenQuantity   int64
	UnitPrice       decimal.Decimal
	Currency        string
	IsFirstPurchase bool
	Verified        bool

	// Base is the amount the discount is computed on (the post-bulk
	// subtotal). Nil means TokenQuantity × UnitPrice.
	Base *decimal.Decimal
}

// Gross returns TokenQuantity × UnitPrice.
func (r CodeRequest) Gross() decimal.Decimal {
	return r.UnitPrice.Mul(decimal.NewFromInt(r.TokenQuantity))
}

// Resolution is the outcome of checking a code. When Applicable is false,
// Reason names the first failed check.
type Resolution struct {
	Applicable     bool
	Code           *DiscountCode
	DiscountAmount decimal.Decimal
	BonusTokens    int64
	Reason         ledger.Reason
	Message        string
}

// Err returns the rejection as a ConstraintViolation, or nil.
func (r Resolution) Err() error {
	if r.Applicable {
		return nil
	}
	return &ledger.ConstraintViolation{Reason: r.Reason, Message: r.Message}
}

func reject(reason ledger.Reason, code *DiscountCode, format string, args ...any) Resolution {
	return Resolution{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

type CodeResolver struct {
	codes  CodeReader
	usages UsageCounter
	now    func() time.Time
}

func NewCodeResolver(codes CodeReader, usages UsageCounter, now func() time.Time) *CodeResolver {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CodeResolver{codes: codes, usages: usages, now: now}
}

// Resolve runs the checks in order and stops at the first failure:
//
//  1. code exists and is enabled
//  2. now within [ValidFrom, ValidUntil]
//  3. currency is applicable
//  4. TokenQuantity × UnitPrice ≥ MinimumPurchase
//  5. CurrentUses < MaxUses
//  6. account's prior uses < MaxUsesPerAccount
//  7. FirstPurchaseOnly requires IsFirstPurchase
//  8. RequiresVerification requires Verified
//
// A rejected code is not an error; the returned error is reserved for
// store failures. Resolve never changes counters.
func (r *CodeResolver) Resolve(ctx context.Context, req CodeRequest) (Resolution, error) {
	normalized := NormalizeCode(req.Code)
	if normalized == "" {
		return Resolution{}, ledger.MissingField("discount_code")
	}
	if req.TokenQuantity <= 0 {
		return Resolution{}, ledger.InvalidAmount("token_quantity", req.TokenQuantity)
	}

	code, err := r.codes.GetDiscountCode(ctx, normalized)
	if err != nil {
		return Resolution{}, ledger.External("get discount code", err)
	}
	if code == nil {
		return reject(ledger.ReasonCodeNotFound, nil, "discount code %s does not exist", normalized), nil
	}
	if !code.IsEnabled {
		return reject(ledger.ReasonCodeDisabled, code, "discount code %s is disabled", normalized), nil
	}

	now := r.now()
	w := code.Window()
	if w.NotYet(now) {
		return reject(ledger.ReasonCodeNotYetValid, code, "discount code %s is valid from %s", normalized, w.From.Format(time.RFC3339)), nil
	}
	if w.Over(now) {
		return reject(ledger.ReasonCodeExpired, code, "discount code %s expired at %s", normalized, w.Until.Format(time.RFC3339)), nil
	}

	if !allows(code.ApplicableCurrencies, req.Currency) {
		return reject(ledger.ReasonCurrencyNotApplicable, code, "discount code %s does not apply to %s", normalized, req.Currency), nil
	}

	gross := req.Gross()
	if code.MinimumPurchase != nil && gross.LessThan(*code.MinimumPurchase) {
		return reject(ledger.ReasonBelowMinimumPurchase, code, "purchase of %s is below the minimum %s", gross, code.MinimumPurchase), nil
	}

	if code.MaxUses != nil && code.CurrentUses >= *code.MaxUses {
		return reject(ledger.ReasonCodeExhausted, code, "discount code %s has been used %d/%d times", normalized, code.CurrentUses, *code.MaxUses), nil
	}

	if code.MaxUsesPerAccount != nil {
		used, err := r.usages.CountCodeUses(ctx, code.ID, req.AccountID)
		if err != nil {
			return Resolution{}, ledger.External("count code uses", err)
		}
		if used >= *code.MaxUsesPerAccount {
			return reject(ledger.ReasonAccountLimitReached, code, "account %s already used %s %d times", req.AccountID, normalized, used), nil
		}
	}

	if code.FirstPurchaseOnly && !req.IsFirstPurchase {
		return reject(ledger.ReasonFirstPurchaseOnly, code, "discount code %s is only valid on a first purchase", normalized), nil
	}
	if code.RequiresVerification && !req.Verified {
		return reject(ledger.ReasonVerificationRequired, code, "discount code %s requires a verified account", normalized), nil
	}

	base := gross
	if req.Base != nil {
		base = *req.Base
	}
	return Resolution{
		Applicable:     true,
		Code:           code,
		DiscountAmount: code.DiscountFor(base),
		BonusTokens:    code.BonusTokens(),
	}, nil
}
