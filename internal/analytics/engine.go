package analytics

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"kasirinaja/terminal/internal/domain"
)

// SummaryCache holds disposable computed summaries.
type SummaryCache interface {
	PutTemp(ctx context.Context, key string, value any) error
	GetTemp(ctx context.Context, key string, dest any, maxAge time.Duration) bool
}

type noopCache struct{}

func (noopCache) PutTemp(context.Context, string, any) error               { return nil }
func (noopCache) GetTemp(context.Context, string, any, time.Duration) bool { return false }

type Engine struct {
	cache    SummaryCache
	cacheTTL time.Duration
	location *time.Location
}

func NewEngine(cacheStore SummaryCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = noopCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		location: time.UTC,
	}
}

func (e *Engine) dayStart(t time.Time) time.Time {
	t = t.In(e.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.location)
}

// Daily summarizes the sales of storeID on the calendar day containing day.
// An empty storeID covers every store.
func (e *Engine) Daily(ctx context.Context, sales []domain.Sale, storeID string, day time.Time) domain.SalesSummary {
	from := e.dayStart(day)
	to := from.AddDate(0, 0, 1)

	key := buildCacheKey("daily", storeID, from, sales)
	var cached domain.SalesSummary
	if e.cache.GetTemp(ctx, key, &cached, e.cacheTTL) {
		return cached
	}
	summary := summarize(sales, storeID, from, to)
	_ = e.cache.PutTemp(ctx, key, summary)
	return summary
}

// Weekly summarizes the seven days ending on the day containing day.
func (e *Engine) Weekly(ctx context.Context, sales []domain.Sale, storeID string, day time.Time) domain.WeeklySummary {
	to := e.dayStart(day).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -7)

	key := buildCacheKey("weekly", storeID, from, sales)
	var cached domain.WeeklySummary
	if e.cache.GetTemp(ctx, key, &cached, e.cacheTTL) {
		return cached
	}
	weekly := domain.WeeklySummary{
		StoreID: storeID,
		Days:    make([]domain.SalesSummary, 0, 7),
		Week:    summarize(sales, storeID, from, to),
	}
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		weekly.Days = append(weekly.Days, summarize(sales, storeID, d, d.AddDate(0, 0, 1)))
	}
	_ = e.cache.PutTemp(ctx, key, weekly)
	return weekly
}

// Summarize covers sales of storeID in [from, to).
func (e *Engine) Summarize(sales []domain.Sale, storeID string, from time.Time, to time.Time) domain.SalesSummary {
	return summarize(sales, storeID, from, to)
}

// TopProducts ranks products by quantity sold in [from, to).
func (e *Engine) TopProducts(sales []domain.Sale, storeID string, from time.Time, to time.Time, limit int) []domain.ProductSales {
	byProduct := make(map[string]*domain.ProductSales)
	seen := make(map[string]bool, len(sales))
	for _, sale := range sales {
		if seen[sale.ID] || !counts(sale, storeID, from, to) {
			continue
		}
		seen[sale.ID] = true
		for _, line := range sale.Items {
			ps, ok := byProduct[line.ProductID]
			if !ok {
				ps = &domain.ProductSales{ProductID: line.ProductID, Name: line.Name}
				byProduct[line.ProductID] = ps
			}
			ps.Quantity += line.Quantity
			ps.Revenue += domain.LineTotal(line.UnitPrice, line.Quantity)
		}
	}

	result := make([]domain.ProductSales, 0, len(byProduct))
	for _, ps := range byProduct {
		result = append(result, *ps)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Quantity != result[j].Quantity {
			return result[i].Quantity > result[j].Quantity
		}
		if result[i].Revenue != result[j].Revenue {
			return result[i].Revenue > result[j].Revenue
		}
		return result[i].ProductID < result[j].ProductID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// ReorderSuggestions lists products below their minimum stock with the
// quantity that brings them back to their maximum, most urgent first.
func (e *Engine) ReorderSuggestions(products []domain.Product, storeID string) []domain.ReorderSuggestion {
	result := make([]domain.ReorderSuggestion, 0)
	for _, p := range products {
		if p.Archived || p.MinStock <= 0 || p.Stock >= p.MinStock {
			continue
		}
		if storeID != "" && p.StoreID != storeID {
			continue
		}
		target := p.MaxStock
		if target <= p.MinStock {
			target = p.MinStock * 2
		}
		qty := target - p.Stock
		result = append(result, domain.ReorderSuggestion{
			ProductID:      p.ID,
			Name:           p.Name,
			StoreID:        p.StoreID,
			CurrentStock:   p.Stock,
			MinStock:       p.MinStock,
			RecommendedQty: qty,
			EstimatedCost:  int64(qty) * p.CostPrice,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		ri := float64(result[i].CurrentStock) / float64(result[i].MinStock)
		rj := float64(result[j].CurrentStock) / float64(result[j].MinStock)
		if ri != rj {
			return ri < rj
		}
		return result[i].Name < result[j].Name
	})
	return result
}

func counts(sale domain.Sale, storeID string, from time.Time, to time.Time) bool {
	if sale.Status == domain.SaleRefunded {
		return false
	}
	if storeID != "" && sale.StoreID != storeID {
		return false
	}
	return !sale.CreatedAt.Before(from) && sale.CreatedAt.Before(to)
}

func summarize(sales []domain.Sale, storeID string, from time.Time, to time.Time) domain.SalesSummary {
	summary := domain.SalesSummary{
		StoreID:  storeID,
		From:     from,
		To:       to,
		ByMethod: make(map[domain.PaymentMethod]domain.MethodTotal),
	}
	seen := make(map[string]bool, len(sales))
	for _, sale := range sales {
		if seen[sale.ID] || !counts(sale, storeID, from, to) {
			continue
		}
		seen[sale.ID] = true
		summary.SalesCount++
		summary.Subtotal += sale.Subtotal
		summary.Tax += sale.Tax
		summary.Total += sale.Total
		for _, line := range sale.Items {
			summary.ItemsSold += line.Quantity
		}
		mt := summary.ByMethod[sale.PaymentMethod]
		mt.Count++
		mt.Total += sale.Total
		summary.ByMethod[sale.PaymentMethod] = mt
	}
	if summary.SalesCount > 0 {
		summary.AverageTicket = summary.Total / int64(summary.SalesCount)
	}
	return summary
}

// buildCacheKey fingerprints the input so a changed history never hits a
// stale summary.
func buildCacheKey(kind string, storeID string, from time.Time, sales []domain.Sale) string {
	d := xxhash.New()
	_, _ = d.WriteString(storeID)
	_, _ = d.WriteString(from.Format(time.DateOnly))
	for _, sale := range sales {
		_, _ = d.WriteString(sale.ID)
		_, _ = d.WriteString(string(sale.Status))
		_, _ = d.WriteString(strconv.FormatInt(sale.Total, 10))
	}
	return fmt.Sprintf("analytics.%s.%016x", kind, d.Sum64())
}
