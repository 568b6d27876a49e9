package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const (
	prorationAlwaysInvoice   = "always_invoice"
	prorationNone            = "none"
	paymentErrorIfIncomplete = "error_if_incomplete"
)

// Observer receives the duration of every provider call
type Observer interface {
	ObserveGateway(op, result string, d time.Duration)
}

// StripeConfig holds Stripe configuration
type StripeConfig struct {
	SecretKey       string
	WebhookSecret   string
	PriceStarter    string
	PricePro        string
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string

	// BackendURL points the API client somewhere other than api.stripe.com
	BackendURL string
}

// StripeGateway implements Gateway on the Stripe API
type StripeGateway struct {
	sc          *client.API
	config      *StripeConfig
	prices      map[models.Plan]string
	planByPrice map[string]models.Plan
	observer    Observer
	log         logger.Logger
	now         func() time.Time
}

// NewStripeGateway creates a Stripe-backed gateway
func NewStripeGateway(config *StripeConfig, log logger.Logger) (*StripeGateway, error) {
	if config == nil || config.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if log == nil {
		log = logger.Default()
	}

	prices := map[models.Plan]string{
		models.PlanStarter: config.PriceStarter,
		models.PlanPro:     config.PricePro,
	}
	planByPrice := make(map[string]models.Plan, len(prices))
	for plan, id := range prices {
		if id == "" {
			return nil, fmt.Errorf("stripe price id for plan %s is required", plan)
		}
		planByPrice[id] = plan
	}

	var backends *stripe.Backends
	if config.BackendURL != "" {
		b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(config.BackendURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
		backends = &stripe.Backends{API: b, Connect: b, Uploads: b}
	}

	return &StripeGateway{
		sc:          client.New(config.SecretKey, backends),
		config:      config,
		prices:      prices,
		planByPrice: planByPrice,
		log:         log,
		now:         time.Now,
	}, nil
}

// SetObserver sets the call duration observer
func (g *StripeGateway) SetObserver(o Observer) {
	g.observer = o
}

// PriceID returns the Stripe price for a paid plan
func (g *StripeGateway) PriceID(plan models.Plan) (string, error) {
	id, ok := g.prices[plan]
	if !ok {
		return "", fmt.Errorf("plan %q has no price", plan)
	}
	return id, nil
}

// PlanForPrice maps a Stripe price back to a plan
func (g *StripeGateway) PlanForPrice(priceID string) (models.Plan, error) {
	plan, ok := g.planByPrice[priceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
	}
	return plan, nil
}

// CreateCheckoutSession creates a Stripe checkout session for a new subscription
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, acct Account, plan models.Plan, idempotencyKey string) (*CheckoutSession, error) {
	priceID, err := g.PriceID(plan)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"user_id": acct.UserID,
		"plan":    string(plan),
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(g.config.SuccessURL),
		CancelURL:         stripe.String(g.config.CancelURL),
		ClientReferenceID: stripe.String(acct.UserID),
		Metadata:          metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": acct.UserID},
		},
	}
	if acct.CustomerID != "" {
		params.Customer = stripe.String(acct.CustomerID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	var sess *stripe.CheckoutSession
	err = g.observe("checkout", func() error {
		var err error
		sess, err = g.sc.CheckoutSessions.New(params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		ExpiresAt: time.Unix(sess.ExpiresAt, 0).UTC(),
	}, nil
}

// CreatePortalSession creates a Stripe customer portal session
func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", ErrNoSubscription
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(g.config.PortalReturnURL),
	}
	params.Context = ctx

	var sess *stripe.BillingPortalSession
	err := g.observe("portal", func() error {
		var err error
		sess, err = g.sc.BillingPortalSessions.New(params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return sess.URL, nil
}

// PreviewUpgrade asks Stripe for the upcoming invoice as if the
// subscription switched to plan now. The proration date is returned so the
// confirmed upgrade is charged exactly what was shown.
func (g *StripeGateway) PreviewUpgrade(ctx context.Context, acct Account, plan models.Plan) (*ProrationPreview, error) {
	if acct.SubscriptionID == "" {
		return nil, ErrNoSubscription
	}
	priceID, err := g.PriceID(plan)
	if err != nil {
		return nil, err
	}

	sub, err := g.fetch(ctx, acct.SubscriptionID)
	if err != nil {
		return nil, err
	}
	item, err := firstItem(sub)
	if err != nil {
		return nil, err
	}

	prorationDate := g.now().UTC().Truncate(time.Second)
	params := &stripe.InvoiceUpcomingParams{
		Subscription: stripe.String(sub.ID),
		SubscriptionItems: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(item.ID),
				Price: stripe.String(priceID),
			},
		},
		SubscriptionProrationBehavior: stripe.String(prorationAlwaysInvoice),
		SubscriptionProrationDate:     stripe.Int64(prorationDate.Unix()),
	}
	if sub.Customer != nil {
		params.Customer = stripe.String(sub.Customer.ID)
	}
	params.Context = ctx

	var inv *stripe.Invoice
	err = g.observe("preview_upgrade", func() error {
		var err error
		inv, err = g.sc.Invoices.Upcoming(params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to preview upgrade: %w", err)
	}

	amount, currency := prorationAmount(inv)
	return &ProrationPreview{
		Plan:          plan,
		Amount:        amount,
		Currency:      currency,
		ProrationDate: prorationDate,
		Display:       FormatAmount(amount, currency),
	}, nil
}

// ApplyUpgrade switches the subscription item to the plan's price and
// invoices the proration immediately. A failed charge fails the call.
func (g *StripeGateway) ApplyUpgrade(ctx context.Context, acct Account, plan models.Plan, prorationDate time.Time, idempotencyKey string) (*SubscriptionSnapshot, error) {
	if acct.SubscriptionID == "" {
		return nil, ErrNoSubscription
	}

	params, err := g.switchPriceParams(ctx, acct.SubscriptionID, plan)
	if err != nil {
		return nil, err
	}
	params.ProrationBehavior = stripe.String(prorationAlwaysInvoice)
	params.PaymentBehavior = stripe.String(paymentErrorIfIncomplete)
	if !prorationDate.IsZero() {
		params.ProrationDate = stripe.Int64(prorationDate.Unix())
	}
	params.SetIdempotencyKey(idempotencyKey)

	var sub *stripe.Subscription
	err = g.observe("apply_upgrade", func() error {
		var err error
		sub, err = g.sc.Subscriptions.Update(acct.SubscriptionID, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply upgrade: %w", err)
	}
	return g.snapshot(sub)
}

// ScheduleDowngrade moves the subscription to a cheaper plan without
// proration, so the new price takes effect at the next renewal. A
// downgrade to free cancels at period end instead.
func (g *StripeGateway) ScheduleDowngrade(ctx context.Context, acct Account, plan models.Plan, idempotencyKey string) error {
	if acct.SubscriptionID == "" {
		return ErrNoSubscription
	}
	if plan == models.PlanFree {
		return g.CancelAtPeriodEnd(ctx, acct, idempotencyKey)
	}

	params, err := g.switchPriceParams(ctx, acct.SubscriptionID, plan)
	if err != nil {
		return err
	}
	params.ProrationBehavior = stripe.String(prorationNone)
	params.SetIdempotencyKey(idempotencyKey)

	err = g.observe("schedule_downgrade", func() error {
		_, err := g.sc.Subscriptions.Update(acct.SubscriptionID, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to schedule downgrade: %w", err)
	}
	return nil
}

// CancelAtPeriodEnd stops renewal; the subscription runs until period end
func (g *StripeGateway) CancelAtPeriodEnd(ctx context.Context, acct Account, idempotencyKey string) error {
	return g.setCancelAtPeriodEnd(ctx, acct, true, idempotencyKey)
}

// Reactivate undoes a pending cancellation and, when plan differs from the
// subscription's current price, restores plan's price.
func (g *StripeGateway) Reactivate(ctx context.Context, acct Account, plan models.Plan, idempotencyKey string) error {
	if acct.SubscriptionID == "" {
		return ErrNoSubscription
	}

	sub, err := g.fetch(ctx, acct.SubscriptionID)
	if err != nil {
		return err
	}
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	if plan != models.PlanFree {
		item, err := firstItem(sub)
		if err != nil {
			return err
		}
		priceID, err := g.PriceID(plan)
		if err != nil {
			return err
		}
		if item.Price == nil || item.Price.ID != priceID {
			params.Items = []*stripe.SubscriptionItemsParams{
				{ID: stripe.String(item.ID), Price: stripe.String(priceID)},
			}
			params.ProrationBehavior = stripe.String(prorationNone)
		}
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	err = g.observe("reactivate", func() error {
		_, err := g.sc.Subscriptions.Update(acct.SubscriptionID, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to reactivate subscription: %w", err)
	}
	return nil
}

// Resubscribe starts a new subscription for an existing customer on their
// saved payment method. Used after a subscription was deleted and when a
// free user with a billing account upgrades.
func (g *StripeGateway) Resubscribe(ctx context.Context, acct Account, plan models.Plan, idempotencyKey string) (*SubscriptionSnapshot, error) {
	if acct.CustomerID == "" {
		return nil, ErrNoSubscription
	}
	priceID, err := g.PriceID(plan)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(acct.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		PaymentBehavior: stripe.String(paymentErrorIfIncomplete),
	}
	params.AddMetadata("user_id", acct.UserID)
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	var sub *stripe.Subscription
	err = g.observe("resubscribe", func() error {
		var err error
		sub, err = g.sc.Subscriptions.New(params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return g.snapshot(sub)
}

// GetSubscription fetches the canonical subscription object
func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	sub, err := g.fetch(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return g.snapshot(sub)
}

// PlanPrice fetches the recurring price of a paid plan
func (g *StripeGateway) PlanPrice(ctx context.Context, plan models.Plan) (*Price, error) {
	priceID, err := g.PriceID(plan)
	if err != nil {
		return nil, err
	}

	params := &stripe.PriceParams{}
	params.Context = ctx

	var p *stripe.Price
	err = g.observe("get_price", func() error {
		var err error
		p, err = g.sc.Prices.Get(priceID, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", plan, err)
	}
	return &Price{Plan: plan, Amount: p.UnitAmount, Currency: string(p.Currency)}, nil
}

// Contact returns the email and name on the Stripe customer
func (g *StripeGateway) Contact(ctx context.Context, customerID string) (string, string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	var c *stripe.Customer
	err := g.observe("get_customer", func() error {
		var err error
		c, err = g.sc.Customers.Get(customerID, params)
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to get customer %s: %w", customerID, err)
	}
	if c.Deleted {
		return "", "", nil
	}
	return c.Email, c.Name, nil
}

// SnapshotFromSubscription converts a Stripe subscription, for example one
// decoded from a webhook payload.
func (g *StripeGateway) SnapshotFromSubscription(sub *stripe.Subscription) (*SubscriptionSnapshot, error) {
	return g.snapshot(sub)
}

func (g *StripeGateway) setCancelAtPeriodEnd(ctx context.Context, acct Account, cancel bool, idempotencyKey string) error {
	if acct.SubscriptionID == "" {
		return ErrNoSubscription
	}

	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	err := g.observe("cancel_at_period_end", func() error {
		_, err := g.sc.Subscriptions.Update(acct.SubscriptionID, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update cancellation: %w", err)
	}
	return nil
}

func (g *StripeGateway) switchPriceParams(ctx context.Context, subscriptionID string, plan models.Plan) (*stripe.SubscriptionParams, error) {
	priceID, err := g.PriceID(plan)
	if err != nil {
		return nil, err
	}
	sub, err := g.fetch(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	item, err := firstItem(sub)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(item.ID), Price: stripe.String(priceID)},
		},
	}
	params.Context = ctx
	return params, nil
}

func (g *StripeGateway) fetch(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	var sub *stripe.Subscription
	err := g.observe("get_subscription", func() error {
		var err error
		sub, err = g.sc.Subscriptions.Get(subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

func (g *StripeGateway) snapshot(sub *stripe.Subscription) (*SubscriptionSnapshot, error) {
	snap := &SubscriptionSnapshot{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CurrentPeriodEnd:  time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		UserID:            sub.Metadata["user_id"],
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}

	item, err := firstItem(sub)
	if err != nil {
		return nil, err
	}
	if item.Price == nil {
		return nil, fmt.Errorf("subscription %s item has no price", sub.ID)
	}
	plan, err := g.PlanForPrice(item.Price.ID)
	if err != nil {
		return nil, err
	}
	snap.Plan = plan
	return snap, nil
}

func (g *StripeGateway) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if g.observer != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		g.observer.ObserveGateway(op, result, time.Since(start))
	}
	if err != nil {
		g.log.Warn("stripe call failed", "op", op, "error", err)
	}
	return err
}

func firstItem(sub *stripe.Subscription) (*stripe.SubscriptionItem, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no items", sub.ID)
	}
	return sub.Items.Data[0], nil
}

// prorationAmount sums the proration lines of an upcoming invoice. Without
// proration lines the whole amount due is used.
func prorationAmount(inv *stripe.Invoice) (int64, string) {
	currency := string(inv.Currency)
	if inv.Lines == nil {
		return inv.AmountDue, currency
	}

	var total int64
	found := false
	for _, line := range inv.Lines.Data {
		if line.Proration {
			total += line.Amount
			found = true
		}
	}
	if !found {
		return inv.AmountDue, currency
	}
	return total, currency
}
