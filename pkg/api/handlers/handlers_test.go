package handlers

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	apimw "github.com/jordanlanch/docvault/pkg/api/middleware"
	"github.com/jordanlanch/docvault/pkg/documents"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/jordanlanch/docvault/pkg/quota"
	"github.com/jordanlanch/docvault/pkg/testdata"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

// newContext builds an echo context for a request made by userID. An empty
// userID is an anonymous request.
func newContext(method, path, body, userID string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != "" {
		c.Set(apimw.ContextUserID, userID)
	}
	return c, rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

type usageHarness struct {
	manager  *entitlement.Manager
	store    *entitlement.SQLStore
	docs     *documents.MemoryStore
	enforcer *quota.Enforcer
	clock    *testdata.Clock
}

func newUsageHarness(t *testing.T) *usageHarness {
	t.Helper()
	clock := testdata.NewClock(testdata.Epoch)
	manager, store := testdata.NewManager(t, clock)
	docs := documents.NewMemoryStore()
	return &usageHarness{
		manager:  manager,
		store:    store,
		docs:     docs,
		enforcer: quota.NewEnforcer(manager, docs, logger.Discard()),
		clock:    clock,
	}
}

func (h *usageHarness) seed(t *testing.T, userID string, edit func(r *models.EntitlementRecord)) {
	t.Helper()
	testdata.SeedUser(t, h.store, userID, h.clock.Now(), edit)
}
