package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the arbitration assistant.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Get an escrow payment: parties, amounts in MXN, custody split and period, "+
			"business status and automation state, and the escrow record once funded. "+
			"Start here before judging a dispute."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("Payment ID (e.g. 'pay_...')")),
)

var ToolListPaymentEvents = mcp.NewTool("list_payment_events",
	mcp.WithDescription(
		"List a payment's audit trail in order: deposit, conversion, escrow creation, "+
			"approvals, releases, refunds. Use this to check whether funds actually arrived "+
			"and when custody started."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("Payment ID (e.g. 'pay_...')")),
)

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List every dispute raised on a payment with its status and reason. "+
			"At most one dispute per payment is pending at a time."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("Payment ID (e.g. 'pay_...')")),
)

var ToolGetDisputeTimeline = mcp.NewTool("get_dispute_timeline",
	mcp.WithDescription(
		"Get a dispute's timeline: when it was raised, evidence attached by either party, "+
			"and any resolution."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID (e.g. 'dsp_...')")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Decide a pending dispute. Approving refunds the custody amount to the payer's refund account; "+
			"rejecting lets the escrow release to the payee at the end of custody. "+
			"This moves money and cannot be undone: only call it after reviewing the payment, "+
			"its events and the dispute timeline."),
	mcp.WithBoolean("approved",
		mcp.Required(),
		mcp.Description("true to refund the payer, false to reject the dispute")),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID (e.g. 'dsp_...')")),
	mcp.WithString("admin_notes",
		mcp.Required(),
		mcp.Description("Reasoning for the decision, shown to both parties")),
	mcp.WithBoolean("can_reapply",
		mcp.Description("When rejecting, whether the payer may raise a new dispute (default false)")),
)
