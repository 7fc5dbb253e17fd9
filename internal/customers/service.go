// Package customers creates customer records on sign-in.
package customers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/notify"
)

type Service struct {
	store      ledger.Store
	dispatcher notify.Dispatcher
	log        *zap.Logger
}

func NewService(store ledger.Store, dispatcher notify.Dispatcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, dispatcher: dispatcher, log: log}
}

// SignIn makes sure a customer row exists for the signed-in user. The welcome
// message goes out only for the request that created the row.
func (s *Service) SignIn(ctx context.Context, userID, email string, name *string) (*ledger.Customer, bool, error) {
	c, created, err := s.store.UpsertCustomer(ctx, ledger.AsUser(userID), userID, email, name)
	if err != nil {
		return nil, false, fmt.Errorf("upsert customer %s: %w", userID, err)
	}
	if created && s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, notify.Welcome(*c)); err != nil {
			s.log.Warn("dispatch welcome", zap.String("customer_id", userID), zap.Error(err))
		}
	}
	return c, created, nil
}
