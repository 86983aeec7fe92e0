package money

import (
	"fmt"
	"strings"
)

// AccountID is an opaque ledger account identifier: non-empty, no whitespace.
type AccountID string

// ParseAccountID validates the identifier form.
func ParseAccountID(s string) (AccountID, error) {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return "", fmt.Errorf("%w: %q", ErrBadAccountID, s)
	}
	return AccountID(s), nil
}

func (a AccountID) String() string { return string(a) }

// Reserved system accounts.
const (
	SystemRevenue        AccountID = "system:revenue"
	SystemReserves       AccountID = "system:reserves"
	SystemCreditNotes    AccountID = "system:credit_notes"
	TreasuryUSDCReceived AccountID = "treasury:usdc_received"
)

// UserAvailable names the spendable balance account for a user.
func UserAvailable(userID string) AccountID {
	return AccountID("user:" + userID + ":available")
}

// UserHeld names the in-flight reservation account for a user.
func UserHeld(userID string) AccountID {
	return AccountID("user:" + userID + ":held")
}
