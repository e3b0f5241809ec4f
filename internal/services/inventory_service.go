package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/repositories"
)

const (
	eventInventoryLocked   = "inventory.locked"
	eventInventoryRestored = "inventory.restored"
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryInsufficientStock indicates a requested quantity exceeds availability.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryOrderNotFound indicates the order could not be located.
	ErrInventoryOrderNotFound = errors.New("inventory: order not found")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Orders     repositories.OrderRepository
	Products   repositories.ProductRepository
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Orders == nil {
		return nil, errors.New("inventory service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("inventory service: product repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		orders:     deps.Orders,
		products:   deps.Products,
		unitOfWork: unit,
		clock:      clock,
		logger:     logger,
	}, nil
}

// LockForOrder decrements stock for every order item exactly once. The order
// row lock serialises concurrent calls and the stock_locked flag makes the
// second caller a no-op.
func (s *inventoryService) LockForOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInventoryInvalidInput)
	}

	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.StockLocked {
			return nil
		}

		items := sortedByProduct(order.Items)
		for _, item := range items {
			if item.Quantity <= 0 {
				return fmt.Errorf("%w: item %s has non-positive quantity", ErrInventoryInvalidInput, item.ProductID)
			}
			if err := s.products.AdjustStock(txCtx, item.ProductID, -item.Quantity); err != nil {
				if repositories.IsConflict(err) {
					return fmt.Errorf("%w: product %s", ErrInventoryInsufficientStock, item.ProductID)
				}
				return s.mapRepositoryError(err)
			}
		}

		order.StockLocked = true
		order.UpdatedAt = s.clock().UTC()
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}

		s.logger(txCtx, eventInventoryLocked, map[string]any{
			"order": orderID,
			"items": len(items),
		})
		return nil
	})
}

// RestoreForOrder returns previously locked stock exactly once. Nothing
// happens unless the stock was locked and not yet restored.
func (s *inventoryService) RestoreForOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInventoryInvalidInput)
	}

	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByIDForUpdate(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !order.StockLocked || order.StockRestored {
			return nil
		}

		items := sortedByProduct(order.Items)
		for _, item := range items {
			if err := s.products.AdjustStock(txCtx, item.ProductID, item.Quantity); err != nil {
				return s.mapRepositoryError(err)
			}
		}

		order.StockRestored = true
		order.UpdatedAt = s.clock().UTC()
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}

		s.logger(txCtx, eventInventoryRestored, map[string]any{
			"order": orderID,
			"items": len(items),
		})
		return nil
	})
}

// sortedByProduct fixes the product visit order so concurrent multi-item
// orders acquire row locks in the same sequence and cannot deadlock.
func sortedByProduct(items []domain.OrderItem) []domain.OrderItem {
	sorted := make([]domain.OrderItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ProductID < sorted[j].ProductID
	})
	return sorted
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrInventoryOrderNotFound, err)
	}
	return err
}
