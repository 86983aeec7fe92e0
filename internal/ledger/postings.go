package ledger

import "github.com/0xHoneyJar/loa-finn-sub009/internal/money"

// Posting rule builders. Each returns the balanced posting vector for one
// billing event; the billing engine wraps these in an Entry and appends.

// ReservePostings moves a hold from available to held.
//
//	user:u:available -a, user:u:held +a
func ReservePostings(userID string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.UserAvailable(userID), Delta: amount.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.UserHeld(userID), Delta: amount, Denom: money.DenomMicroUSD},
	}
}

// CommitPostings settles a reservation: the full estimate leaves held,
// actual lands in revenue, and the overage (if any) returns to available.
//
//	user:u:held -est, system:revenue +act, user:u:available +(est-act)
func CommitPostings(userID string, estimated, actual money.MicroUSD) []Posting {
	postings := []Posting{
		{Account: money.UserHeld(userID), Delta: estimated.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.SystemRevenue, Delta: actual, Denom: money.DenomMicroUSD},
	}
	if overage := estimated.Sub(actual); !overage.IsZero() {
		postings = append(postings, Posting{
			Account: money.UserAvailable(userID), Delta: overage, Denom: money.DenomMicroUSD,
		})
	}
	return postings
}

// ReleasePostings returns the full held amount to available.
func ReleasePostings(userID string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.UserHeld(userID), Delta: amount.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.UserAvailable(userID), Delta: amount, Denom: money.DenomMicroUSD},
	}
}

// VoidPostings reverses a committed charge back out of revenue.
func VoidPostings(userID string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.SystemRevenue, Delta: amount.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.UserAvailable(userID), Delta: amount, Denom: money.DenomMicroUSD},
	}
}

// CreditMintPostings records an on-chain deposit turning into spendable
// credit.
func CreditMintPostings(userID string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.TreasuryUSDCReceived, Delta: amount.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.UserAvailable(userID), Delta: amount, Denom: money.DenomMicroUSD},
	}
}

// CreditNotePostings issues an off-chain credit note against the
// system:credit_notes contra account.
func CreditNotePostings(userID string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.SystemCreditNotes, Delta: amount.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.UserAvailable(userID), Delta: amount, Denom: money.DenomMicroUSD},
	}
}

// CorrectionPostings captures a reconciliation overwrite as a balanced pair
// against system:reserves, preserving the zero-sum invariant for audit
// entries as well.
func CorrectionPostings(account money.AccountID, delta money.MicroUSD) []Posting {
	return []Posting{
		{Account: account, Delta: delta, Denom: money.DenomMicroUSD},
		{Account: money.SystemReserves, Delta: delta.Neg(), Denom: money.DenomMicroUSD},
	}
}
