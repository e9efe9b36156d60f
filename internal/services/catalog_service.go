package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// CatalogSource fetches the remote catalogs.
type CatalogSource interface {
	FetchProducts(ctx context.Context) ([]models.Product, error)
	FetchCustomers(ctx context.Context) ([]models.Customer, error)
}

// CatalogService keeps the product and customer caches for offline lookup.
type CatalogService struct {
	store   Store
	source  CatalogSource
	timeout time.Duration

	mu          sync.Mutex
	lastRefresh time.Time
}

// NewCatalogService creates a CatalogService. timeout bounds one refresh.
func NewCatalogService(store Store, source CatalogSource, timeout time.Duration) *CatalogService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CatalogService{store: store, source: source, timeout: timeout}
}

// Refresh fetches both catalogs and replaces the caches. A cache is only
// replaced when its fetch succeeded, so a failed refresh keeps the old data.
func (s *CatalogService) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		products  []models.Product
		customers []models.Customer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = s.source.FetchProducts(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		customers, err = s.source.FetchCustomers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		logging.Warn("Catalog refresh failed, keeping cached data", map[string]interface{}{"error": err.Error()})
		return apperrors.Wrap(apperrors.ErrInternal, "fetch catalog", err)
	}

	if err := s.CacheProducts(ctx, products); err != nil {
		return err
	}
	if err := s.CacheCustomers(ctx, customers); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.mu.Unlock()

	logging.Info("Catalog cache refreshed", map[string]interface{}{
		"products":  len(products),
		"customers": len(customers),
	})
	return nil
}

// LastRefresh returns when the caches were last replaced.
func (s *CatalogService) LastRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh
}

// CacheProducts replaces the product cache atomically.
func (s *CatalogService) CacheProducts(ctx context.Context, products []models.Product) error {
	recs := make([]*models.Record, 0, len(products))
	for _, p := range products {
		rec, err := models.NewRecord(p.ID, p)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode product", err)
		}
		recs = append(recs, rec)
	}
	return s.store.ReplaceAll(ctx, models.CollectionProducts, recs)
}

// CacheCustomers replaces the customer cache atomically.
func (s *CatalogService) CacheCustomers(ctx context.Context, customers []models.Customer) error {
	recs := make([]*models.Record, 0, len(customers))
	for _, c := range customers {
		rec, err := models.NewRecord(c.ID, c)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode customer", err)
		}
		recs = append(recs, rec)
	}
	return s.store.ReplaceAll(ctx, models.CollectionCustomers, recs)
}

// GetCachedProducts returns every cached product.
func (s *CatalogService) GetCachedProducts(ctx context.Context) ([]models.Product, error) {
	recs, err := s.store.GetAll(ctx, models.CollectionProducts, nil)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Product](recs)
}

// GetCachedProductsByCategory returns cached products of one category.
func (s *CatalogService) GetCachedProductsByCategory(ctx context.Context, category string) ([]models.Product, error) {
	recs, err := s.store.FindByIndex(ctx, models.CollectionProducts, "category", category)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Product](recs)
}

// GetCachedCustomers returns every cached customer.
func (s *CatalogService) GetCachedCustomers(ctx context.Context) ([]models.Customer, error) {
	recs, err := s.store.GetAll(ctx, models.CollectionCustomers, nil)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Customer](recs)
}

// FindCustomerByPhone looks a cached customer up by phone number.
func (s *CatalogService) FindCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "phone is required")
	}
	recs, err := s.store.FindByIndex(ctx, models.CollectionCustomers, "phone", phone)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperrors.NotFound(string(models.CollectionCustomers), phone)
	}
	customers, err := decodeAll[models.Customer](recs[:1])
	if err != nil {
		return nil, err
	}
	return &customers[0], nil
}

func decodeAll[T any](recs []*models.Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := rec.Decode(&v); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "decode cached record", err)
		}
		out = append(out, v)
	}
	return out, nil
}
