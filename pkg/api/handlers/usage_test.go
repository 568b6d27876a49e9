package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/plans"
	"github.com/jordanlanch/docvault/pkg/testdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordQuestion_FreeLimit(t *testing.T) {
	h := newUsageHarness(t)
	handler := NewUsageHandler(h.enforcer, h.manager)

	for i := 1; i <= 3; i++ {
		c, rec := newContext(http.MethodPost, "/api/v1/usage/question", "", "u1")
		require.NoError(t, handler.RecordQuestion(c))
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[models.UsageResponse](t, rec)
		assert.Equal(t, i, resp.Used)
		assert.Equal(t, 3, resp.Limit)
	}

	c, rec := newContext(http.MethodPost, "/api/v1/usage/question", "", "u1")
	require.NoError(t, handler.RecordQuestion(c))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	resp := decode[models.ErrorResponse](t, rec)
	assert.Equal(t, "quota_exceeded", resp.Error)
	assert.Equal(t, "ai_question quota exceeded: 3/3 used. Please upgrade your plan.", resp.Message)
}

func TestRecordUpload_DocumentLimit(t *testing.T) {
	h := newUsageHarness(t)
	h.seed(t, "u1", nil)
	testdata.SeedDocuments(h.docs, "u1", 3, testdata.Epoch)
	handler := NewUsageHandler(h.enforcer, h.manager)

	c, rec := newContext(http.MethodPost, "/api/v1/usage/upload", "", "u1")
	require.NoError(t, handler.RecordUpload(c))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	c, rec = newContext(http.MethodGet, "/api/v1/usage/can-upload", "", "u1")
	require.NoError(t, handler.CanUpload(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[models.PermissionResponse](t, rec).Allowed)
}

func TestPermissions(t *testing.T) {
	tests := []struct {
		name   string
		edit   func(r *models.EntitlementRecord)
		upload bool
		ask    bool
	}{
		{
			name:   "new free user",
			upload: true,
			ask:    true,
		},
		{
			name: "free user out of questions",
			edit: func(r *models.EntitlementRecord) {
				r.AIQuestionsUsed = 3
			},
			upload: true,
			ask:    false,
		},
		{
			name: "restricted account",
			edit: func(r *models.EntitlementRecord) {
				require.NoError(t, plans.ApplyLimits(r, models.PlanStarter))
				r.PaymentStatus = models.PaymentRestricted
				r.DunningStep = 3
				r.PaymentFailedAt = models.TimePtr(testdata.Epoch.Add(-240 * time.Hour))
				r.RestrictedAt = models.TimePtr(testdata.Epoch.Add(-72 * time.Hour))
			},
			upload: false,
			ask:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newUsageHarness(t)
			if tt.edit != nil {
				h.seed(t, "u1", tt.edit)
			}
			handler := NewUsageHandler(h.enforcer, h.manager)

			c, rec := newContext(http.MethodGet, "/api/v1/usage/can-upload", "", "u1")
			require.NoError(t, handler.CanUpload(c))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.upload, decode[models.PermissionResponse](t, rec).Allowed)

			c, rec = newContext(http.MethodGet, "/api/v1/usage/can-ask", "", "u1")
			require.NoError(t, handler.CanAsk(c))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.ask, decode[models.PermissionResponse](t, rec).Allowed)
		})
	}
}

func TestUsage_Unauthorized(t *testing.T) {
	h := newUsageHarness(t)
	handler := NewUsageHandler(h.enforcer, h.manager)

	c, rec := newContext(http.MethodPost, "/api/v1/usage/upload", "", "")
	require.NoError(t, handler.RecordUpload(c))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
