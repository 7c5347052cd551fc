package api

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenario(t *testing.T, router http.Handler, id string) {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenarios_AllLoadAndReconcileClean(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			router, _ := newTestRouter(t)

			loadScenario(t, router, s.ID)

			rec := do(t, router, http.MethodGet, "/api/scenarios/current", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, s.ID, decodeBody[ScenarioDTO](t, rec).ID)

			rec = do(t, router, http.MethodPost, "/api/admin/reconcile", nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			report := decodeBody[ReconcileReportDTO](t, rec)
			assert.True(t, report.Clean)
			assert.Positive(t, report.Accounts)
		})
	}
}

func TestScenarios_LoadingTwiceStartsFresh(t *testing.T) {
	// GIVEN: a scenario already loaded
	router, _ := newTestRouter(t)
	loadScenario(t, router, "launch-promo")

	// WHEN: loading it again
	loadScenario(t, router, "launch-promo")

	// THEN: alice has exactly the scenario's three movements
	rec := do(t, router, http.MethodGet, "/api/accounts/acct-alice/movements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]MovementDTO](t, rec), 3)
}

func TestScenario_RegionalPricing(t *testing.T) {
	router, _ := newTestRouter(t)
	loadScenario(t, router, "regional-pricing")

	rec := do(t, router, http.MethodGet, "/api/accounts/acct-bruno/movements?type=PURCHASED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ms := decodeBody[[]MovementDTO](t, rec)
	require.Len(t, ms, 1)

	md := ms[0].Metadata
	require.NotNil(t, md.Total)
	assert.True(t, md.Total.Equal(decimal.NewFromInt(8500)), md.Total.String())
	assert.Equal(t, "FIX500", md.DiscountCode)
	assert.NotEmpty(t, md.BulkDiscountID)
}

func TestScenario_BonusCampaign(t *testing.T) {
	router, _ := newTestRouter(t)
	loadScenario(t, router, "bonus-campaign")

	rec := do(t, router, http.MethodGet, "/api/accounts/acct-bruno/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, int64(100), bal.TotalPurchased)
	assert.Equal(t, int64(200), bal.TotalBonus)
	assert.Equal(t, int64(250), bal.TotalConsumed)
	assert.Equal(t, int64(50), bal.TotalAvailable)

	// The PURCHASED and BONUS movements share one purchase reference.
	rec = do(t, router, http.MethodGet, "/api/accounts/acct-bruno/movements?type=PURCHASED,BONUS", nil)
	ms := decodeBody[[]MovementDTO](t, rec)
	require.Len(t, ms, 2)
	assert.Equal(t, ms[0].Metadata.PurchaseRef, ms[1].Metadata.PurchaseRef)
	assert.Equal(t, ms[0].UID, ms[1].Metadata.RelatedMovementUID)
}

func TestScenario_LimitedCode(t *testing.T) {
	router, _ := newTestRouter(t)
	loadScenario(t, router, "limited-code")

	rec := do(t, router, http.MethodGet, "/api/discount-codes/ONEOFF", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[DiscountCodeDTO](t, rec).CurrentUses)

	// chen's rejected attempt left nothing behind
	rec = do(t, router, http.MethodGet, "/api/accounts/acct-chen/movements", nil)
	assert.Empty(t, decodeBody[[]MovementDTO](t, rec))

	rec = do(t, router, http.MethodGet, "/api/accounts/acct-alice/balance", nil)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, int64(60+5-30), bal.TotalAvailable)
}

func TestLoadScenario_Unknown(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/scenarios/load", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListScenarios(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))
}

func TestResetDatabase(t *testing.T) {
	router, _ := newTestRouter(t)
	loadScenario(t, router, "launch-promo")

	rec := do(t, router, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/discount-codes", nil)
	assert.Empty(t, decodeBody[[]DiscountCodeDTO](t, rec))
	rec = do(t, router, http.MethodGet, "/api/accounts/acct-alice/balance", nil)
	assert.Zero(t, decodeBody[BalanceDTO](t, rec).TotalAvailable)
}
