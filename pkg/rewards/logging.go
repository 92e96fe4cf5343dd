package rewards

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// ActivityLogger receives best-effort notifications of engine operations.
// Implementations must never fail the calling operation; the engine ignores
// whatever the sink does with the record.
type ActivityLogger interface {
	LogActivity(ctx context.Context, record ActivityRecord)
}

// ActivityRecord describes a state-changing engine operation.
type ActivityRecord struct {
	Operation string
	Acting    ActingUser
	UserID    UserID
	ProductID ProductID
	VoucherID VoucherID
	Amount    float64
	Status    string
	Error     error
}

// WithActivityLogger wires a sink that receives callbacks for every
// operation.
func WithActivityLogger(logger ActivityLogger) ServiceOption {
	return func(service *Service) {
		service.activity = logger
	}
}

// WithExpirationPolicy overrides the default validity window applied to
// newly accrued entries.
func WithExpirationPolicy(days int) ServiceOption {
	return func(service *Service) {
		if days > 0 {
			service.expirationDays = days
		}
	}
}

// WithCodeGenerator overrides voucher code generation.
func WithCodeGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.codeFn = generate
		}
	}
}
