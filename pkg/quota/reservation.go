package quota

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReservationManager owns every change to an account's reserved and spent
// counters. Callers pass the transaction store that holds the account lock.
type ReservationManager struct {
	nowFn func() int64
}

// NewReservationManager wires a ReservationManager.
func NewReservationManager(now func() int64) (*ReservationManager, error) {
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &ReservationManager{nowFn: now}, nil
}

// Reserve holds units for a pending upload. No ledger entry is written.
func (manager *ReservationManager) Reserve(ctx context.Context, txStore Store, userID UserID, units Units) (Account, error) {
	account, err := txStore.LockAccount(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	updated, err := account.reserve(units)
	if err != nil {
		return account, err
	}
	updated.UpdatedUnixUTC = manager.nowFn()
	if err := txStore.UpdateAccount(ctx, updated); err != nil {
		return account, err
	}
	return updated, nil
}

// Commit converts a reservation into spend and appends the charge entry.
func (manager *ReservationManager) Commit(ctx context.Context, txStore Store, userID UserID, uploadID UploadID, units Units) (Account, error) {
	account, err := txStore.LockAccount(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	updated, err := account.commit(units)
	if err != nil {
		return account, err
	}
	nowUnixUTC := manager.nowFn()
	updated.UpdatedUnixUTC = nowUnixUTC
	if err := txStore.UpdateAccount(ctx, updated); err != nil {
		return account, err
	}
	metadata, err := reservationMetadata(map[string]any{"units": units.Int64()})
	if err != nil {
		return account, err
	}
	uploadRef := uploadID
	entry, err := NewEntryInput(userID, EntryCharge, units.Negated(), &uploadRef, nil, metadata, nowUnixUTC)
	if err != nil {
		return account, err
	}
	if _, err := txStore.InsertEntry(ctx, entry); err != nil {
		return account, err
	}
	return updated, nil
}

// Release returns reserved units to the available pool and appends a
// zero-delta refund entry recording the reason.
func (manager *ReservationManager) Release(ctx context.Context, txStore Store, userID UserID, uploadID UploadID, units Units, reason string) (Account, error) {
	account, err := txStore.LockAccount(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	updated := account.release(units)
	nowUnixUTC := manager.nowFn()
	updated.UpdatedUnixUTC = nowUnixUTC
	if err := txStore.UpdateAccount(ctx, updated); err != nil {
		return account, err
	}
	metadata, err := reservationMetadata(map[string]any{"units": units.Int64(), "reason": reason})
	if err != nil {
		return account, err
	}
	uploadRef := uploadID
	entry, err := NewEntryInput(userID, EntryRefund, 0, &uploadRef, nil, metadata, nowUnixUTC)
	if err != nil {
		return account, err
	}
	if _, err := txStore.InsertEntry(ctx, entry); err != nil {
		return account, err
	}
	return updated, nil
}

func reservationMetadata(fields map[string]any) (MetadataJSON, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, WrapError("reservation", "metadata", "encode", err)
	}
	return NewMetadataJSON(string(encoded))
}
