package quota

import "fmt"

// NewAccount returns an empty account ready for its opening grant.
func NewAccount(userID UserID, nowUnixUTC int64) Account {
	return Account{
		UserID:         userID,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
}

func (account Account) reserve(units Units) (Account, error) {
	if account.Available() < units {
		return account, fmt.Errorf("%w: need %d, available %d", ErrInsufficientCapacity, units, account.Available())
	}
	account.Reserved += units
	return account, nil
}

func (account Account) commit(units Units) (Account, error) {
	if account.Balance < units {
		return account, fmt.Errorf("%w: commit %d exceeds balance %d", ErrInsufficientCapacity, units, account.Balance)
	}
	account.Reserved = clampedSubtract(account.Reserved, units)
	account.Balance -= units
	account.Spent += units
	if account.Reserved > account.Balance {
		return account, fmt.Errorf("%w: reserved %d exceeds balance %d", ErrInsufficientCapacity, account.Reserved, account.Balance)
	}
	return account, nil
}

func (account Account) release(units Units) Account {
	account.Reserved = clampedSubtract(account.Reserved, units)
	return account
}

// credit applies a grant-side delta. Negative deltas are admin corrections and
// reduce both the lifetime total and the balance.
func (account Account) credit(delta SignedUnits) (Account, error) {
	if delta >= 0 {
		account.Total += Units(delta)
		account.Balance += Units(delta)
		return account, nil
	}
	debit := Units(-delta)
	if account.Balance < debit || account.Total < debit {
		return account, fmt.Errorf("%w: adjustment %d exceeds balance %d", ErrInsufficientCapacity, delta, account.Balance)
	}
	account.Total -= debit
	account.Balance -= debit
	if account.Reserved > account.Balance {
		return account, fmt.Errorf("%w: adjustment leaves reserved %d above balance %d", ErrInsufficientCapacity, account.Reserved, account.Balance)
	}
	return account, nil
}

func clampedSubtract(value Units, amount Units) Units {
	if amount >= value {
		return 0
	}
	return value - amount
}
