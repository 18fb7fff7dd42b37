package service

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	"gorm.io/gorm"
)

var validate = validator.New()

// AddMethod stores a gateway token. The first method of a customer becomes the default.
func (s *Service) AddMethod(ctx context.Context, req paymentdomain.AddMethodRequest) (paymentdomain.PaymentMethod, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Token = strings.TrimSpace(req.Token)
	if req.CustomerID == "" {
		return paymentdomain.PaymentMethod{}, paymentdomain.ErrInvalidRequest
	}
	if err := validate.Struct(req); err != nil {
		return paymentdomain.PaymentMethod{}, paymentdomain.ErrInvalidRequest
	}

	now := s.clock.Now()
	method := paymentdomain.PaymentMethod{
		ID:         s.genID.Generate(),
		CustomerID: req.CustomerID,
		Gateway:    s.gateway.Name(),
		Token:      req.Token,
		Brand:      strings.ToLower(strings.TrimSpace(req.Brand)),
		Last4:      strings.TrimSpace(req.Last4),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.ListMethods(ctx, tx, req.CustomerID)
		if err != nil {
			return err
		}
		if err := s.repo.InsertMethod(ctx, tx, &method); err != nil {
			return err
		}
		if len(existing) == 0 || req.MakeDefault {
			method.IsDefault = true
			return s.repo.SetDefaultMethod(ctx, tx, req.CustomerID, method.ID, now)
		}
		return nil
	})
	if err != nil {
		return paymentdomain.PaymentMethod{}, err
	}
	return method, nil
}

func (s *Service) ListMethods(ctx context.Context, customerID string) ([]paymentdomain.PaymentMethod, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, paymentdomain.ErrInvalidRequest
	}
	methods, err := s.repo.ListMethods(ctx, s.db, customerID)
	if err != nil {
		return nil, err
	}
	if methods == nil {
		methods = []paymentdomain.PaymentMethod{}
	}
	return methods, nil
}

// RemoveMethod deletes a stored method and promotes the newest remaining one when the
// default was removed.
func (s *Service) RemoveMethod(ctx context.Context, customerID, id string) error {
	customerID = strings.TrimSpace(customerID)
	methodID, err := parseID(id, paymentdomain.ErrPaymentMethodNotFound)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		method, err := s.repo.FindMethod(ctx, tx, customerID, methodID)
		if err != nil {
			return err
		}
		if method == nil {
			return paymentdomain.ErrPaymentMethodNotFound
		}
		if _, err := s.repo.DeleteMethod(ctx, tx, customerID, methodID); err != nil {
			return err
		}
		if !method.IsDefault {
			return nil
		}
		next, err := s.repo.FindDefaultMethod(ctx, tx, customerID)
		if err != nil || next == nil {
			return err
		}
		return s.repo.SetDefaultMethod(ctx, tx, customerID, next.ID, now)
	})
}

func (s *Service) SetDefaultMethod(ctx context.Context, customerID, id string) (paymentdomain.PaymentMethod, error) {
	customerID = strings.TrimSpace(customerID)
	methodID, err := parseID(id, paymentdomain.ErrPaymentMethodNotFound)
	if err != nil {
		return paymentdomain.PaymentMethod{}, err
	}
	var method *paymentdomain.PaymentMethod
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.FindMethod(ctx, tx, customerID, methodID)
		if err != nil {
			return err
		}
		if found == nil {
			return paymentdomain.ErrPaymentMethodNotFound
		}
		if err := s.repo.SetDefaultMethod(ctx, tx, customerID, methodID, s.clock.Now()); err != nil {
			return err
		}
		method, err = s.repo.FindMethod(ctx, tx, customerID, methodID)
		return err
	})
	if err != nil {
		return paymentdomain.PaymentMethod{}, err
	}
	return *method, nil
}
