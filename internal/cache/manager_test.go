package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/resilience"
)

type recorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *recorder) Report(_ context.Context, err error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) last() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestManager(t *testing.T, backend Backend) (*Manager, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewManager(backend, Config{
		Namespace:  "t",
		MaxBackups: 5,
		Backoff:    time.Millisecond,
		Reporter:   rec,
		Now:        c.Now,
	}), rec
}

func sampleProducts(n int) []domain.Product {
	products := make([]domain.Product, n)
	for i := range products {
		products[i] = domain.Product{
			ID:      "p" + string(rune('a'+i%26)),
			Name:    "Product",
			SKU:     "SKU",
			Price:   int64(1000 + i),
			Stock:   i,
			StoreID: "main-store",
		}
	}
	return products
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemory(0))
	products := sampleProducts(3)

	require.NoError(t, m.Put(ctx, KeyProducts, products, DefaultPut))

	var got []domain.Product
	require.True(t, m.Get(ctx, KeyProducts, &got, DefaultGet))
	assert.Equal(t, products, got)
}

func TestPutGetRoundTripCompressed(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemory(0))
	sales := []domain.Sale{{
		ID:            "s1",
		Items:         []domain.SaleLine{{ProductID: "a", UnitPrice: 500, Quantity: 2, LineTotal: 1000}},
		Total:         1180,
		PaymentMethod: domain.PaymentCash,
		CreatedAt:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}}

	require.NoError(t, m.Put(ctx, KeySales, sales, Options{Validate: true, Compress: true}))

	var got []domain.Sale
	require.True(t, m.Get(ctx, KeySales, &got, DefaultGet))
	assert.Equal(t, sales, got)
}

func TestGetMissLeavesDefault(t *testing.T) {
	m, _ := newTestManager(t, NewMemory(0))

	got := GetOr(context.Background(), m, KeyCustomers, []domain.Customer{{ID: "walk-in", Name: "Walk-in"}}, DefaultGet)

	require.Len(t, got, 1)
	assert.Equal(t, "walk-in", got[0].ID)
}

func TestTamperedValueFallsBackToNewestBackup(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(0)
	m, rec := newTestManager(t, backend)

	first := sampleProducts(1)
	second := sampleProducts(2)
	require.NoError(t, m.Put(ctx, KeyProducts, first, DefaultPut))
	require.NoError(t, m.Put(ctx, KeyProducts, second, DefaultPut))

	raw, err := backend.Get(ctx, "t:products")
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"price":1000`, `"price":1`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, backend.Set(ctx, "t:products", []byte(tampered)))

	var got []domain.Product
	require.True(t, m.Get(ctx, KeyProducts, &got, DefaultGet))
	assert.Equal(t, first, got)
	assert.True(t, errors.Is(rec.last(), ErrCorrupted))

	// The primary was restored from the backup.
	var again []domain.Product
	require.True(t, m.Get(ctx, KeyProducts, &again, GetOptions{Validate: true}))
	assert.Equal(t, first, again)
}

func TestTamperedValueWithoutBackupReturnsDefault(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(0)
	m, _ := newTestManager(t, backend)

	require.NoError(t, m.Put(ctx, KeyCredits, []domain.Credit{{ID: "c1", CustomerID: "x", OriginalAmount: 10}}, Options{Validate: true}))
	require.NoError(t, backend.Set(ctx, "t:credits", []byte(`{"v":1,"data":[`)))

	got := GetOr(ctx, m, KeyCredits, []domain.Credit(nil), DefaultGet)
	assert.Nil(t, got)
}

func TestOversizedWriteIsRejectedAndPriorValueKept(t *testing.T) {
	ctx := context.Background()
	m, rec := newTestManager(t, NewMemory(0))
	small := sampleProducts(2)
	require.NoError(t, m.Put(ctx, KeyProducts, small, DefaultPut))

	huge := sampleProducts(2)
	huge[0].Name = strings.Repeat("x", 1<<20)
	err := m.Put(ctx, KeyProducts, huge, DefaultPut)

	require.ErrorIs(t, err, ErrItemTooLarge)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
	assert.ErrorIs(t, rec.last(), ErrItemTooLarge)

	var got []domain.Product
	require.True(t, m.Get(ctx, KeyProducts, &got, DefaultGet))
	assert.Equal(t, small, got)
}

func TestSchemaValidationRejectsWrongShapes(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemory(0))

	err := m.Put(ctx, KeyProducts, map[string]int{"a": 1}, DefaultPut)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	bad := sampleProducts(1)
	bad[0].Stock = -1
	err = m.Put(ctx, KeyProducts, bad, DefaultPut)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))

	err = m.Put(ctx, KeyCashSession, []int{1}, DefaultPut)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestNilSequenceIsStoredAsEmpty(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemory(0))

	require.NoError(t, m.Put(ctx, KeyCart, []domain.CartLine(nil), DefaultPut))

	var got []domain.CartLine
	require.True(t, m.Get(ctx, KeyCart, &got, DefaultGet))
	assert.Empty(t, got)
}

func TestBackupRetentionKeepsNewestFive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemory(0))

	for i := 1; i <= 8; i++ {
		require.NoError(t, m.Put(ctx, KeyProducts, sampleProducts(i), DefaultPut))
	}

	backups, err := m.Backups(ctx, KeyProducts)
	require.NoError(t, err)
	require.Len(t, backups, 5)

	var newest []domain.Product
	require.True(t, m.Get(ctx, KeyProducts, &newest, DefaultGet))
	assert.Len(t, newest, 8)
}

func TestTransientWriteFailuresAreRetried(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(0)
	m, _ := newTestManager(t, backend)

	backend.FailWrites(2, errors.New("i/o timeout"))
	require.NoError(t, m.Put(ctx, KeyStores, []domain.Store{{ID: "main-store"}}, Options{Validate: true}))

	backend.FailWrites(3, errors.New("i/o timeout"))
	err := m.Put(ctx, KeyStores, []domain.Store{{ID: "north"}}, Options{Validate: true})
	require.Error(t, err)
	assert.Equal(t, resilience.KindStorage, resilience.KindOf(err))
}

func TestQuotaExceededTriggersEmergencyCleanupAndRetry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(0)
	m, _ := newTestManager(t, backend)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Put(ctx, KeyProducts, sampleProducts(10), DefaultPut))
	}
	require.NoError(t, m.PutTemp(ctx, "report.daily", map[string]int{"total": 1}))
	used, err := backend.Size(ctx, "")
	require.NoError(t, err)
	backend.quota = used + 10

	bigger := sampleProducts(12)
	require.NoError(t, m.Put(ctx, KeyProducts, bigger, DefaultPut))

	var got []domain.Product
	require.True(t, m.Get(ctx, KeyProducts, &got, DefaultGet))
	assert.Equal(t, bigger, got)

	backups, err := m.Backups(ctx, KeyProducts)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestQuotaExceededWithNothingToFreeFails(t *testing.T) {
	ctx := context.Background()
	m, rec := newTestManager(t, NewMemory(64))

	err := m.Put(ctx, KeyProducts, sampleProducts(5), DefaultPut)

	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, resilience.KindStorage, resilience.KindOf(rec.last()))
}

func TestPurgeCorruptedRemovesUnreadableKeys(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(0)
	m, rec := newTestManager(t, backend)

	require.NoError(t, m.Put(ctx, KeyProducts, sampleProducts(1), DefaultPut))
	require.NoError(t, backend.Set(ctx, "t:customers", []byte("not json")))
	require.NoError(t, backend.Set(ctx, "other:customers", []byte("not ours")))

	purged, err := m.PurgeCorrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = backend.Get(ctx, "t:customers")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = backend.Get(ctx, "other:customers")
	assert.NoError(t, err)
	assert.Equal(t, resilience.SeverityLow, resilience.SeverityOf(rec.last()))
}

func TestAutoCleanupDropsTempThenOldestBackups(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(0)
	m, _ := newTestManager(t, backend)

	for i := 0; i < 6; i++ {
		require.NoError(t, m.Put(ctx, KeyProducts, sampleProducts(20), DefaultPut))
	}
	require.NoError(t, m.PutTemp(ctx, "weekly", map[string]int{"x": 1}))

	removed, err := m.AutoCleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "no quota means nothing to clean")

	used, err := backend.Size(ctx, "")
	require.NoError(t, err)
	m.cfg.Quota = used

	removed, err = m.AutoCleanup(ctx)
	require.NoError(t, err)
	assert.Positive(t, removed)

	usage, err := m.EstimateUsage(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, usage.Ratio, 0.8)

	var tmp map[string]int
	assert.False(t, m.GetTemp(ctx, "weekly", &tmp, 0))

	var products []domain.Product
	assert.True(t, m.Get(ctx, KeyProducts, &products, DefaultGet))
}

func TestRemediateKeepsNewestBackupPerKey(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemory(0))

	for i := 1; i <= 4; i++ {
		require.NoError(t, m.Put(ctx, KeyProducts, sampleProducts(i), DefaultPut))
		require.NoError(t, m.Put(ctx, KeyCustomers, []domain.Customer{{ID: "c", Name: "C"}}, DefaultPut))
	}
	require.NoError(t, m.PutTemp(ctx, "daily", 1))

	require.NoError(t, m.Remediate(ctx, resilience.Record{Kind: resilience.KindStorage}))

	products, err := m.Backups(ctx, KeyProducts)
	require.NoError(t, err)
	assert.Len(t, products, 1)
	customers, err := m.Backups(ctx, KeyCustomers)
	require.NoError(t, err)
	assert.Len(t, customers, 1)

	var v int
	assert.False(t, m.GetTemp(ctx, "daily", &v, 0))
}

func TestGetTempHonoursMaxAge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(NewMemory(0), Config{Namespace: "t", Now: func() time.Time { return now }})

	require.NoError(t, m.PutTemp(ctx, "summary", map[string]int{"total": 5}))

	var got map[string]int
	require.True(t, m.GetTemp(ctx, "summary", &got, time.Minute))
	assert.Equal(t, 5, got["total"])

	now = now.Add(2 * time.Minute)
	assert.False(t, m.GetTemp(ctx, "summary", &got, time.Minute))
}

func TestAppendTrimsToLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemory(0))

	for i := 0; i < 5; i++ {
		require.NoError(t, Append(ctx, m, KeyCashReports, domain.ClosingReport{
			Session:    domain.CashSession{ID: "cs", Status: domain.SessionClosed},
			SalesCount: i,
		}, 3))
	}

	reports := GetOr(ctx, m, KeyCashReports, []domain.ClosingReport{}, DefaultGet)
	require.Len(t, reports, 3)
	assert.Equal(t, 4, reports[2].SalesCount)
}

func TestAppendBacksUpPreviousSequence(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemory(0))
	key := KeyCashReports + ".2026-03"

	for i := 0; i < 2; i++ {
		require.NoError(t, Append(ctx, m, key, domain.ClosingReport{
			Session:    domain.CashSession{ID: "cs", Status: domain.SessionClosed},
			SalesCount: i,
		}, 0))
	}
	backups, err := m.Backups(ctx, key)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	require.NoError(t, m.Put(ctx, KeyCashReports, []domain.ClosingReport{}, DefaultPut))
	require.NoError(t, m.Put(ctx, KeyCashReportOps+".cs", []domain.SessionOperation{}, DefaultPut))
	keys, err := m.Keys(ctx, KeyCashReports)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyCashReports, key}, keys)
}

func TestMirrorErrorsPersistsRecords(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemory(0))

	records := []resilience.Record{{Message: "offline", Kind: resilience.KindNetwork, Severity: resilience.SeverityMedium}}
	require.NoError(t, m.MirrorErrors(ctx, records))

	got := m.ErrorLog(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, "offline", got[0].Message)
}
