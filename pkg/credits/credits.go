// Package credits prices queries by the number of blocks they span.
package credits

// BlocksPerCredit is how many blocks of a range one extra credit buys.
const BlocksPerCredit = 10000

// ForBlockInterval returns the credit cost of a query spanning blocks. Single block queries
// cost one credit.
func ForBlockInterval(blocks uint64) uint64 {
	if blocks <= 1 {
		return 1
	}
	return 1 + (blocks+BlocksPerCredit-1)/BlocksPerCredit
}
