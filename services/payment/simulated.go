package paymentsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/shuletrack/shuletrack/core"
	"github.com/shuletrack/shuletrack/core/billing"
)

// simulatedService approves every push after a short delay; used in DEV|TEST
// mode where no Daraja credentials exist.
type simulatedService struct {
	logger core.Logger
	delay  time.Duration
}

var _ billing.Gateway = (*simulatedService)(nil)

func NewSimulatedService(logger core.Logger) *simulatedService {
	return &simulatedService{logger: logger, delay: 300 * time.Millisecond}
}

func (svc *simulatedService) STKPush(ctx context.Context, phone string, amount int, reference string) (billing.GatewayResult, error) {
	svc.logger.Info(fmt.Sprintf("simulated STK push: phone=%s amount=%d ref=%s", phone, amount, reference))

	select {
	case <-time.After(svc.delay):
	case <-ctx.Done():
		return billing.GatewayResult{}, ctx.Err()
	}
	return billing.GatewayResult{Success: true, Message: "Simulated STK pushed"}, nil
}
