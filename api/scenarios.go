/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with promotions and
	account activity for the admin console and for demos. Each scenario
	seeds a promotion catalog and then drives purchases, bonus grants and
	consumptions through the pricing engine, so every movement in a
	scenario went through the same path as production traffic.

AVAILABLE SCENARIOS:

	launch-promo:     Default volume schedule + first-purchase WELCOME10 code
	regional-pricing: ARS schedule beating the default, FIXED_AMOUNT code
	bonus-campaign:   BONUS_TOKENS code granting extra tokens per purchase
	limited-code:     Code with a single global use, already redeemed

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Parse the scenario catalog via factory
 3. Seed codes and schedules through discount.Admin
 4. Run purchases, bonus grants, consumptions through pricing.Engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "regional-pricing"}

ADDING NEW SCENARIOS:
 1. Add an entry to 'scenarios' with its catalog YAML
 2. Write the activity function: func(ctx, h) error

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - factory/discount.go: Catalog format
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/token-engine/ledger"
	"github.com/warp/token-engine/pricing"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	catalog  string
	activity func(ctx context.Context, h *Handler) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "launch-promo",
			Name:        "Launch Promo",
			Description: "Default volume schedule and a first-purchase WELCOME10 code",
			Category:    "promotions",
		},
		catalog:  standardCatalog,
		activity: loadLaunchPromoActivity,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "regional-pricing",
			Name:        "Regional Pricing",
			Description: "ARS schedule with higher priority than the default, plus a fixed 500 ARS code",
			Category:    "promotions",
		},
		catalog:  standardCatalog + regionalCatalog,
		activity: loadRegionalPricingActivity,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "bonus-campaign",
			Name:        "Bonus Campaign",
			Description: "BONUS200 grants 200 extra tokens on purchases of 500 ARS or more",
			Category:    "promotions",
		},
		catalog:  standardCatalog + bonusCatalog,
		activity: loadBonusCampaignActivity,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "limited-code",
			Name:        "Limited Code",
			Description: "A code with one global use, redeemed once; further attempts are rejected",
			Category:    "ledger",
		},
		catalog:  standardCatalog + limitedCatalog,
		activity: loadLimitedCodeActivity,
	},
}

const standardCatalog = `
discount_codes:
  - code: WELCOME10
    description: 10% off the first purchase
    type: PERCENTAGE
    value: 10
    maximum_discount: 2000
    max_uses_per_account: 1
    first_purchase_only: true
bulk_discounts:
  - name: Standard volume
    description: Applies to every purchase without a better schedule
    is_default: true
    tiers:
      - {min_tokens: 0, max_tokens: 99, discount_percentage: 0}
      - {min_tokens: 100, max_tokens: 999, discount_percentage: 5}
      - {min_tokens: 1000, discount_percentage: 15}
`

// Appended to standardCatalog, so the lists continue.
const regionalCatalog = `
  - name: Argentina volume
    priority: 10
    applicable_currencies: [ARS]
    tiers:
      - {min_tokens: 0, max_tokens: 499, discount_percentage: 0}
      - {min_tokens: 500, discount_percentage: 10}
`

const bonusCatalog = `
  - name: Verified volume
    priority: 5
    requires_verification: true
    tiers:
      - {min_tokens: 200, discount_percentage: 8}
`

const limitedCatalog = `
  - name: Launch week
    priority: 1
    tiers:
      - {min_tokens: 50, discount_percentage: 2}
`

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		h.writeDomainError(w, "Failed to reset store", ledger.External("reset", err))
		return
	}
	if err := h.loadScenario(ctx, s); err != nil {
		h.writeDomainError(w, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
		return
	}
	h.currentScenario = s.ID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// ResetDatabase clears every account, movement and promotion.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, "Failed to reset store", ledger.External("reset", err))
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	catalog, err := h.DiscountFactory.ParseCatalog([]byte(s.catalog))
	if err != nil {
		return err
	}
	report, err := catalog.Seed(ctx, h.Admin)
	if err != nil {
		return err
	}
	h.Logger.Info("scenario catalog seeded",
		zap.String("scenario", s.ID),
		zap.Int("codes", report.CodesCreated),
		zap.Int("schedules", report.SchedulesCreated))
	return s.activity(ctx, h)
}

// =============================================================================
// SCENARIO ACTIVITY
// =============================================================================

var (
	alice = pricing.AccountSnapshot{AccountID: "acct-alice", Currency: "USD", Country: "US", Verified: true, AccountAgeDays: 3, IsFirstPurchase: true}
	bruno = pricing.AccountSnapshot{AccountID: "acct-bruno", Currency: "ARS", Country: "AR", Verified: true, AccountAgeDays: 120}
	chen  = pricing.AccountSnapshot{AccountID: "acct-chen", Currency: "USD", Country: "SG", Verified: false, AccountAgeDays: 40}
)

func (h *Handler) buy(ctx context.Context, account pricing.AccountSnapshot, qty int64, unitPrice, code string) (pricing.PurchaseResult, error) {
	return h.Engine.PriceTokenPurchase(ctx, pricing.PurchaseRequest{
		Account:       account,
		TokenQuantity: qty,
		UnitPrice:     decimal.RequireFromString(unitPrice),
		DiscountCode:  code,
		Description:   "Demo purchase",
		Actor:         ledger.Actor{ID: string(account.AccountID), Kind: ledger.ActorUser},
	})
}

func (h *Handler) consume(ctx context.Context, account ledger.AccountID, amount int64, description string) error {
	_, _, err := h.Engine.ConsumeTokens(ctx, pricing.LedgerRequest{
		AccountID:   account,
		Amount:      amount,
		Description: description,
		Actor:       ledger.SystemActor,
	})
	return err
}

func loadLaunchPromoActivity(ctx context.Context, h *Handler) error {
	// 150 tokens at 1.00: 5% volume tier, then 10% WELCOME10
	if _, err := h.buy(ctx, alice, 150, "1.00", "WELCOME10"); err != nil {
		return err
	}
	if err := h.consume(ctx, alice.AccountID, 40, "Report generation"); err != nil {
		return err
	}
	// Second purchase without a code
	next := alice
	next.IsFirstPurchase = false
	_, err := h.buy(ctx, next, 1000, "0.90", "")
	return err
}

func loadRegionalPricingActivity(ctx context.Context, h *Handler) error {
	if err := h.createCode(ctx, `{"code": "FIX500", "type": "FIXED_AMOUNT", "value": 500, "applicable_currencies": ["ARS"]}`); err != nil {
		return err
	}
	// subtotal 10000 ARS, Argentina tier 10%, FIX500: total 8500
	if _, err := h.buy(ctx, bruno, 1000, "10", "FIX500"); err != nil {
		return err
	}
	// USD buyers fall back to the default schedule
	_, err := h.buy(ctx, chen, 120, "1.00", "")
	return err
}

func loadBonusCampaignActivity(ctx context.Context, h *Handler) error {
	if err := h.createCode(ctx, `{"code": "BONUS200", "type": "BONUS_TOKENS", "value": 200, "minimum_purchase": 500, "max_uses_per_account": 2}`); err != nil {
		return err
	}
	if _, err := h.buy(ctx, bruno, 100, "6", "BONUS200"); err != nil {
		return err
	}
	if _, err := h.Engine.AddBonusTokens(ctx, pricing.BonusRequest{
		AccountID:   chen.AccountID,
		Amount:      50,
		Description: "Support goodwill",
		Actor:       ledger.Admin("ops"),
	}); err != nil {
		return err
	}
	return h.consume(ctx, bruno.AccountID, 250, "Bulk export")
}

func loadLimitedCodeActivity(ctx context.Context, h *Handler) error {
	if err := h.createCode(ctx, `{"code": "ONEOFF", "type": "PERCENTAGE", "value": 50, "max_uses": 1}`); err != nil {
		return err
	}
	res, err := h.buy(ctx, alice, 60, "1.00", "ONEOFF")
	if err != nil {
		return err
	}
	// The code is exhausted now; this attempt must leave no trace.
	if _, err := h.buy(ctx, chen, 60, "1.00", "ONEOFF"); ledger.ReasonOf(err) != ledger.ReasonCodeExhausted {
		return fmt.Errorf("expected ONEOFF to be exhausted, got %v", err)
	}
	// Half of the purchase is refunded, then corrected by an adjustment.
	if _, _, err := h.Engine.RefundTokens(ctx, pricing.LedgerRequest{
		AccountID:   alice.AccountID,
		Amount:      30,
		Description: "Partial refund",
		Reference:   res.Purchase.UID,
		Actor:       ledger.Admin("ops"),
	}); err != nil {
		return err
	}
	_, _, err = h.Engine.AdjustTokens(ctx, pricing.AdjustRequest{
		AccountID:   alice.AccountID,
		Delta:       5,
		Bucket:      ledger.BucketBonus,
		Description: "Goodwill after refund",
		Reference:   res.Purchase.UID,
		Actor:       ledger.Admin("ops"),
	})
	return err
}

func (h *Handler) createCode(ctx context.Context, doc string) error {
	c, err := h.DiscountFactory.ParseDiscountCode(doc)
	if err != nil {
		return err
	}
	_, err = h.Admin.CreateDiscountCode(ctx, c)
	return err
}
