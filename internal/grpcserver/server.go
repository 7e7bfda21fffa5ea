// Package grpcserver exposes the operator-facing QuotaAdmin service over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/mediaquota/internal/sweeper"
	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorAccountNotFound = "account_not_found"
	errorSweepInProgress = "sweep_in_progress"
	errorInvalidSource   = "invalid_source"
)

// AdminService is the part of *quota.Service the admin API calls.
type AdminService interface {
	Grant(ctx context.Context, userID quota.UserID, delta quota.SignedUnits, source quota.EntryType, reference *quota.ExternalReference, metadata quota.MetadataJSON) (quota.GrantResult, error)
	Reconcile(ctx context.Context, userID quota.UserID) (quota.Reconciliation, error)
	Account(ctx context.Context, userID quota.UserID) (quota.Account, error)
}

// SweepRunner runs one sweep. *sweeper.Scheduler satisfies it.
type SweepRunner interface {
	RunOnce(ctx context.Context) (quota.SweepResult, error)
}

// QuotaAdmin implements QuotaAdminServer.
type QuotaAdmin struct {
	service AdminService
	sweeps  SweepRunner
	logger  *zap.Logger
}

// NewQuotaAdmin constructs the admin server.
func NewQuotaAdmin(service AdminService, sweeps SweepRunner, logger *zap.Logger) *QuotaAdmin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaAdmin{service: service, sweeps: sweeps, logger: logger}
}

func (admin *QuotaAdmin) Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error) {
	userID, err := quota.NewUserID(request.UserID)
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	source, err := quota.ParseGrantSource(request.Source)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidSource)
	}
	delta, err := quota.NewSignedUnits(request.Units)
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	reference, err := quota.NewOptionalExternalReference(request.Reference)
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	metadata, err := quota.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	result, err := admin.service.Grant(ctx, userID, delta, source, reference, metadata)
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	return &GrantResponse{NewBalance: result.NewBalance.Int64(), Replayed: result.Replayed}, nil
}

func (admin *QuotaAdmin) Sweep(ctx context.Context, _ *SweepRequest) (*SweepResponse, error) {
	if admin.sweeps == nil {
		return nil, status.Error(codes.Unimplemented, "sweeper not configured")
	}
	result, err := admin.sweeps.RunOnce(ctx)
	if errors.Is(err, sweeper.ErrLockHeld) {
		return nil, status.Error(codes.Aborted, errorSweepInProgress)
	}
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	response := &SweepResponse{
		CutoffUnixUTC: result.CutoffUnixUTC,
		Examined:      int64(result.Examined),
		Reclaimed:     int64(result.Reclaimed),
		Skipped:       int64(result.Skipped),
		Failed:        int64(result.Failed),
	}
	if result.LastError != nil {
		response.LastError = quota.KindOf(result.LastError).String()
	}
	return response, nil
}

func (admin *QuotaAdmin) Reconcile(ctx context.Context, request *AccountRequest) (*ReconcileResponse, error) {
	userID, err := quota.NewUserID(request.UserID)
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	report, err := admin.service.Reconcile(ctx, userID)
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	return &ReconcileResponse{
		Account:   newAccountResponse(report.Account),
		LedgerSum: report.LedgerSum.Int64(),
		Drift:     report.Drift.Int64(),
		Balanced:  report.Balanced,
	}, nil
}

func (admin *QuotaAdmin) GetAccount(ctx context.Context, request *AccountRequest) (*AccountResponse, error) {
	userID, err := quota.NewUserID(request.UserID)
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	account, err := admin.service.Account(ctx, userID)
	if err != nil {
		return nil, admin.mapToGRPCError(err)
	}
	response := newAccountResponse(account)
	return &response, nil
}

func newAccountResponse(account quota.Account) AccountResponse {
	return AccountResponse{
		UserID:         account.UserID.String(),
		Total:          account.Total.Int64(),
		Spent:          account.Spent.Int64(),
		Balance:        account.Balance.Int64(),
		Reserved:       account.Reserved.Int64(),
		Available:      account.Available().Int64(),
		CreatedUnixUTC: account.CreatedUnixUTC,
		UpdatedUnixUTC: account.UpdatedUnixUTC,
	}
}

func (admin *QuotaAdmin) mapToGRPCError(source error) error {
	if errors.Is(source, quota.ErrAccountNotFound) {
		return status.Error(codes.NotFound, errorAccountNotFound)
	}
	if errors.Is(source, context.Canceled) || errors.Is(source, context.DeadlineExceeded) {
		return status.FromContextError(source).Err()
	}
	kind := quota.KindOf(source)
	switch kind {
	case quota.KindInvalidRequest:
		return status.Error(codes.InvalidArgument, kind.String())
	case quota.KindUnauthorized:
		return status.Error(codes.Unauthenticated, kind.String())
	case quota.KindUploadNotFound:
		return status.Error(codes.NotFound, kind.String())
	case quota.KindStorageLimitReached, quota.KindUploadAlreadyFailed, quota.KindUploadAlreadyComplete:
		return status.Error(codes.FailedPrecondition, kind.String())
	default:
		admin.logger.Error("admin operation failed", zap.Error(source))
		return status.Error(codes.Internal, kind.String())
	}
}
