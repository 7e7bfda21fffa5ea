// Package oplog writes quota operation records to a zap logger.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/mediaquota/pkg/quota"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const message = "quota operation"

// ZapLogger implements quota.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger. A nil logger discards records.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("quota")}
}

// LogOperation emits one record. Failures log at error level unless the
// failure is a client-side kind, which logs at warn.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry quota.OperationLog) {
	fields := make([]zap.Field, 0, 10)
	fields = append(fields,
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
	)
	if entry.UploadID != nil {
		fields = append(fields, zap.String("upload_id", entry.UploadID.String()))
	}
	if entry.Units > 0 {
		fields = append(fields, zap.Int64("units", entry.Units.Int64()))
	}
	if entry.IdempotencyKey != nil {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Reference != nil {
		fields = append(fields, zap.String("reference", entry.Reference.String()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Account != nil {
		fields = append(fields, zap.Object("account", accountMarshaler(*entry.Account)))
	}
	if entry.Error == nil {
		zapLogger.logger.Info(message, fields...)
		return
	}
	kind := quota.KindOf(entry.Error)
	fields = append(fields, zap.String("error_kind", kind.String()), zap.Error(entry.Error))
	if kind == quota.KindInternal {
		zapLogger.logger.Error(message, fields...)
		return
	}
	zapLogger.logger.Warn(message, fields...)
}

type accountMarshaler quota.Account

func (account accountMarshaler) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddInt64("total", account.Total.Int64())
	encoder.AddInt64("spent", account.Spent.Int64())
	encoder.AddInt64("balance", account.Balance.Int64())
	encoder.AddInt64("reserved", account.Reserved.Int64())
	return nil
}
