package quota

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing quota operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	UploadID       *UploadID
	Units          Units
	IdempotencyKey *IdempotencyKey
	Reference      *ExternalReference
	Reason         string
	Account        *Account
	Status         string
	Error          error
}

// WithOperationLogger adds a logger that receives callbacks for every operation.
// Multiple loggers are called in registration order.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger == nil {
			return
		}
		service.loggers = append(service.loggers, logger)
	}
}

// WithFreeGrant overrides the units granted when an account is opened.
func WithFreeGrant(units Units) ServiceOption {
	return func(service *Service) {
		service.freeGrant = units
	}
}

// WithUploadIDGenerator replaces the default uuid upload ids.
func WithUploadIDGenerator(generator func() (UploadID, error)) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newUploadID = generator
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}
