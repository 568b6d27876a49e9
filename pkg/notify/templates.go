package notify

import (
	"fmt"
	"time"
)

const dateLayout = "January 2, 2006"

func buildPaymentFailedEmail(userName, baseURL string) (subject, html, plainText string) {
	subject = "Action required: Your DocVault payment failed"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Payment Failed</h2>
			<p>Hi %s,</p>
			<p>We were unable to process your latest payment for your DocVault subscription.</p>
			<p>Please update your payment method to keep uploading documents and asking questions:</p>
			<p><a href="%s/settings/billing" style="background-color: #E74C3C; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Update Payment Method</a></p>
			<p>We will retry the charge over the next few days. If it keeps failing, uploads and AI questions will be paused.</p>
			<p>Thanks,<br>The DocVault Team</p>
		</body>
		</html>
	`, userName, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

We were unable to process your latest payment for your DocVault subscription.

Please update your payment method to keep uploading documents and asking questions:
%s/settings/billing

We will retry the charge over the next few days. If it keeps failing, uploads and AI questions will be paused.

Thanks,
The DocVault Team
`, userName, baseURL)

	return
}

func buildRestrictedEmail(userName, baseURL string) (subject, html, plainText string) {
	subject = "Your DocVault account is restricted"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Account Restricted</h2>
			<p>Hi %s,</p>
			<p>We still could not collect your payment, so uploads and AI questions are paused. Your documents are safe and you can still view them.</p>
			<p><a href="%s/settings/billing" style="background-color: #E74C3C; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Update Payment Method</a></p>
			<p>If the balance stays unpaid your plan will be moved to the free tier.</p>
			<p>Thanks,<br>The DocVault Team</p>
		</body>
		</html>
	`, userName, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

We still could not collect your payment, so uploads and AI questions are paused. Your documents are safe and you can still view them.

Update your payment method: %s/settings/billing

If the balance stays unpaid your plan will be moved to the free tier.

Thanks,
The DocVault Team
`, userName, baseURL)

	return
}

func buildDowngradedEmail(userName, previousPlan, baseURL string) (subject, html, plainText string) {
	subject = "Your DocVault plan was moved to Free"

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Plan Downgraded</h2>
			<p>Hi %s,</p>
			<p>Because your payment could not be collected, your <strong>%s</strong> plan has been moved to the Free tier.</p>
			<p>Documents beyond the Free limit will be scheduled for deletion unless you resubscribe.</p>
			<p><a href="%s/pricing" style="background-color: #2196F3; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Resubscribe</a></p>
			<p>Thanks,<br>The DocVault Team</p>
		</body>
		</html>
	`, userName, previousPlan, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

Because your payment could not be collected, your %s plan has been moved to the Free tier.

Documents beyond the Free limit will be scheduled for deletion unless you resubscribe.

Resubscribe: %s/pricing

Thanks,
The DocVault Team
`, userName, previousPlan, baseURL)

	return
}

func buildDeletionScheduledEmail(userName string, deletionDate time.Time, baseURL string) (subject, html, plainText string) {
	subject = "Final notice: DocVault documents scheduled for deletion"
	date := deletionDate.Format(dateLayout)

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Documents Scheduled for Deletion</h2>
			<p>Hi %s,</p>
			<p>Documents beyond your Free plan limit will be <strong>permanently deleted on %s</strong>.</p>
			<p>Paying the outstanding balance before then cancels the deletion.</p>
			<p><a href="%s/settings/billing" style="background-color: #E74C3C; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Pay Now</a></p>
			<p>Thanks,<br>The DocVault Team</p>
		</body>
		</html>
	`, userName, date, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

Documents beyond your Free plan limit will be permanently deleted on %s.

Paying the outstanding balance before then cancels the deletion.

Pay now: %s/settings/billing

Thanks,
The DocVault Team
`, userName, date, baseURL)

	return
}

func buildCancellationEmail(userName, plan string, periodEnd *time.Time, baseURL string) (subject, html, plainText string) {
	subject = "Your DocVault subscription has been cancelled"
	until := "the end of your billing period"
	if periodEnd != nil {
		until = periodEnd.Format(dateLayout)
	}

	html = fmt.Sprintf(`
		<html>
		<body>
			<h2>Subscription Cancelled</h2>
			<p>Hi %s,</p>
			<p>We're sorry to see you go. Your <strong>%s</strong> plan stays active until %s, then your account moves to the Free tier.</p>
			<p>You can reactivate your subscription at any time before then:</p>
			<p><a href="%s/settings/billing" style="background-color: #2196F3; color: white; padding: 14px 20px; text-decoration: none; border-radius: 4px; display: inline-block;">Reactivate Subscription</a></p>
			<p>Thanks,<br>The DocVault Team</p>
		</body>
		</html>
	`, userName, plan, until, baseURL)

	plainText = fmt.Sprintf(`Hi %s,

We're sorry to see you go. Your %s plan stays active until %s, then your account moves to the Free tier.

You can reactivate your subscription at any time before then:
%s/settings/billing

Thanks,
The DocVault Team
`, userName, plan, until, baseURL)

	return
}
