package webhook

import (
	"fmt"
	"testing"
	"time"

	"github.com/jordanlanch/docvault/pkg/billing"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
)

const testSecret = "whsec_test"

func newDecoder(t *testing.T) *StripeDecoder {
	t.Helper()
	gw, err := billing.NewStripeGateway(&billing.StripeConfig{
		SecretKey:    "sk_test_123",
		PriceStarter: "price_starter",
		PricePro:     "price_pro",
	}, logger.Discard())
	require.NoError(t, err)
	return NewStripeDecoder(testSecret, gw)
}

func stripeEvent(id, eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1773144000,"api_version":"2023-10-16","data":{"object":%s}}`,
		id, eventType, object))
}

func sign(payload []byte) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload,
		Secret:  testSecret,
	}).Header
}

func TestDecodeStripeEvents(t *testing.T) {
	created := time.Unix(1773144000, 0).UTC()

	tests := []struct {
		name      string
		eventType string
		object    string
		check     func(t *testing.T, ev *Event)
	}{
		{
			name:      "checkout completed",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_1","object":"checkout.session","mode":"subscription","customer":"cus_1","subscription":"sub_1","client_reference_id":"user-1","metadata":{"plan":"starter"}}`,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, TypeCheckoutCompleted, ev.Type)
				assert.Equal(t, "user-1", ev.UserID)
				assert.Equal(t, "cus_1", ev.CustomerID)
				assert.Equal(t, "sub_1", ev.SubscriptionID)
				assert.Equal(t, models.PlanStarter, ev.Plan)
			},
		},
		{
			name:      "payment mode checkout is not ours",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_2","object":"checkout.session","mode":"payment","customer":"cus_1"}`,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, TypeUnhandled, ev.Type)
			},
		},
		{
			name:      "subscription updated",
			eventType: "customer.subscription.updated",
			object: `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","current_period_end":1775822400,` +
				`"cancel_at_period_end":true,"metadata":{"user_id":"user-1"},"items":{"object":"list","data":[{"id":"si_1","price":{"id":"price_pro"}}]}}`,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, TypeSubscriptionUpdated, ev.Type)
				require.NotNil(t, ev.Snapshot)
				assert.Equal(t, models.PlanPro, ev.Snapshot.Plan)
				assert.True(t, ev.Snapshot.CancelAtPeriodEnd)
				assert.Equal(t, time.Unix(1775822400, 0).UTC(), ev.Snapshot.CurrentPeriodEnd)
				assert.Equal(t, "user-1", ev.UserID)
				assert.Equal(t, "sub_1", ev.SubscriptionID)
			},
		},
		{
			name:      "subscription deleted",
			eventType: "customer.subscription.deleted",
			object:    `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled","metadata":{"user_id":"user-1"}}`,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, TypeSubscriptionDeleted, ev.Type)
				assert.Equal(t, "sub_1", ev.SubscriptionID)
				assert.Equal(t, "cus_1", ev.CustomerID)
			},
		},
		{
			name:      "payment failed",
			eventType: "invoice.payment_failed",
			object:    `{"id":"in_1","object":"invoice","customer":"cus_1","subscription":"sub_1"}`,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, TypePaymentFailed, ev.Type)
				assert.Equal(t, "sub_1", ev.SubscriptionID)
			},
		},
		{
			name:      "invoice paid",
			eventType: "invoice.paid",
			object:    `{"id":"in_1","object":"invoice","customer":"cus_1","subscription":"sub_1"}`,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, TypePaymentSucceeded, ev.Type)
			},
		},
		{
			name:      "one-off invoice",
			eventType: "invoice.paid",
			object:    `{"id":"in_2","object":"invoice","customer":"cus_1"}`,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, TypeUnhandled, ev.Type)
			},
		},
		{
			name:      "unknown type",
			eventType: "charge.refunded",
			object:    `{"id":"ch_1","object":"charge"}`,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, TypeUnhandled, ev.Type)
				assert.Equal(t, "charge.refunded", ev.ProviderType)
			},
		},
	}

	d := newDecoder(t)
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := stripeEvent(fmt.Sprintf("evt_%d", i), tt.eventType, tt.object)
			ev, err := d.Decode(payload, sign(payload))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("evt_%d", i), ev.ID)
			assert.Equal(t, created, ev.Created)
			tt.check(t, ev)
		})
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	d := newDecoder(t)
	payload := stripeEvent("evt_1", "invoice.paid", `{"id":"in_1","object":"invoice"}`)

	_, err := d.Decode(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-3] = ' '
	_, err = d.Decode(tampered, sign(payload))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDecodeUnknownPrice(t *testing.T) {
	d := newDecoder(t)
	payload := stripeEvent("evt_1", "customer.subscription.updated",
		`{"id":"sub_1","object":"subscription","status":"active","items":{"object":"list","data":[{"id":"si_1","price":{"id":"price_legacy"}}]}}`)

	ev, err := d.Decode(payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, TypeUnknownPrice, ev.Type)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Nil(t, ev.Snapshot)
	assert.ErrorIs(t, ev.Err, billing.ErrUnknownPrice)
	assert.Contains(t, ev.Err.Error(), "price_legacy")
}
