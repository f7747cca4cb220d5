package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	retry "github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/resilience"
)

// Reporter receives every failure the manager absorbs.
type Reporter interface {
	Report(ctx context.Context, err error, fields map[string]any)
}

type Config struct {
	Namespace        string
	MaxItemBytes     int
	MaxBackups       int
	Quota            int64
	CleanupThreshold float64
	Attempts         int
	Backoff          time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Sync
	Reporter         Reporter
	Now              func() time.Time
}

type Options struct {
	Backup   bool
	Validate bool
	Compress bool
}

type GetOptions struct {
	Validate         bool
	FallbackToBackup bool
}

var (
	DefaultPut = Options{Backup: true, Validate: true}
	DefaultGet = GetOptions{Validate: true, FallbackToBackup: true}
)

type Usage struct {
	Used  int64   `json:"used"`
	Quota int64   `json:"quota"`
	Ratio float64 `json:"ratio"`
}

// Manager is the durable cache: enveloped, validated values with bounded
// backup generations on top of a raw Backend.
type Manager struct {
	backend  Backend
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Sync
	reporter Reporter
	seq      atomic.Uint64
}

func NewManager(backend Backend, cfg Config) *Manager {
	if cfg.Namespace == "" {
		cfg.Namespace = "kasir"
	}
	if cfg.MaxItemBytes < 1 {
		cfg.MaxItemBytes = 1 << 20
	}
	if cfg.MaxBackups < 0 {
		cfg.MaxBackups = 0
	}
	if cfg.CleanupThreshold <= 0 || cfg.CleanupThreshold > 1 {
		cfg.CleanupThreshold = 0.8
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		backend:  backend,
		cfg:      cfg,
		logger:   cfg.Logger.Named("cache"),
		metrics:  cfg.Metrics,
		reporter: cfg.Reporter,
	}
}

func (m *Manager) Backend() Backend {
	return m.backend
}

func (m *Manager) primaryKey(key string) string {
	return m.cfg.Namespace + ":" + key
}

func (m *Manager) backupPrefix(key string) string {
	return m.cfg.Namespace + ":backup:" + key + ":"
}

func (m *Manager) tempKey(key string) string {
	return m.cfg.Namespace + ":tmp:" + key
}

func (m *Manager) report(ctx context.Context, err error, key string, op string) {
	if m.reporter == nil {
		m.logger.Warn("cache failure", zap.String("key", key), zap.String("op", op), zap.Error(err))
		return
	}
	m.reporter.Report(ctx, err, map[string]any{"key": key, "op": op})
}

// Put stores value under key. A returned error has already been reported;
// the caller must treat the value as held in memory only.
func (m *Manager) Put(ctx context.Context, key string, value any, opts Options) error {
	payload, err := m.encode(key, value, opts)
	if err != nil {
		m.metrics.CacheOp("put", "rejected")
		m.report(ctx, err, key, "put")
		return err
	}

	sealed, err := seal(key, payload, opts.Compress, m.cfg.Now())
	if err != nil {
		err = resilience.Wrap(resilience.KindSystem, err, "seal cache envelope")
		m.metrics.CacheOp("put", "error")
		m.report(ctx, err, key, "put")
		return err
	}

	if opts.Backup && m.cfg.MaxBackups > 0 {
		if err := m.backup(ctx, key); err != nil {
			m.logger.Warn("backup before write failed", zap.String("key", key), zap.Error(err))
		}
	}

	if err := m.write(ctx, m.primaryKey(key), sealed); err != nil {
		err = resilience.Wrap(resilience.KindStorage, err, fmt.Sprintf("persist %s", key))
		m.metrics.CacheOp("put", "error")
		m.report(ctx, err, key, "put")
		return err
	}
	m.metrics.CacheOp("put", "ok")
	return nil
}

func (m *Manager) encode(key string, value any, opts Options) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, resilience.Wrap(resilience.KindValidation, err, fmt.Sprintf("encode %s", key))
	}
	if shapeFor(key) == shapeSequence && string(payload) == "null" {
		payload = []byte("[]")
	}
	if len(payload) > m.cfg.MaxItemBytes {
		return nil, resilience.Wrap(resilience.KindValidation, ErrItemTooLarge,
			fmt.Sprintf("%s is %d bytes, limit is %d", key, len(payload), m.cfg.MaxItemBytes)).
			WithSeverity(resilience.SeverityMedium)
	}
	if opts.Validate {
		if err := checkShape(key, payload); err != nil {
			return nil, resilience.Wrap(resilience.KindValidation, err, "")
		}
		if err := checkValue(value); err != nil {
			return nil, resilience.Wrap(resilience.KindValidation, fmt.Errorf("%w: %v", ErrSchemaMismatch, err), "")
		}
	}
	return payload, nil
}

// write retries transient failures. A full backend gets one emergency
// cleanup and a single further attempt.
func (m *Manager) write(ctx context.Context, fullKey string, sealed []byte) error {
	backoff := retry.WithMaxRetries(uint64(m.cfg.Attempts-1), retry.NewExponential(m.cfg.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := m.backend.Set(ctx, fullKey, sealed)
		if err == nil || errors.Is(err, ErrQuotaExceeded) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}

	freed, cleanupErr := m.emergencyCleanup(ctx)
	m.logger.Warn("quota exceeded, emergency cleanup",
		zap.String("key", fullKey), zap.Int("removed", freed), zap.Error(cleanupErr))
	return m.backend.Set(ctx, fullKey, sealed)
}

func (m *Manager) backup(ctx context.Context, key string) error {
	raw, err := m.backend.Get(ctx, m.primaryKey(key))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, _, err := unseal(raw); err != nil {
		// Never back up a corrupted value over good generations.
		return nil
	}
	stamp := fmt.Sprintf("%020d.%06d", m.cfg.Now().UnixNano(), m.seq.Add(1)%1_000_000)
	if err := m.backend.Set(ctx, m.backupPrefix(key)+stamp, raw); err != nil {
		return err
	}
	return m.pruneBackups(ctx, key, m.cfg.MaxBackups)
}

func (m *Manager) pruneBackups(ctx context.Context, key string, keep int) error {
	backups, err := m.Backups(ctx, key)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	return m.backend.Delete(ctx, backups[:len(backups)-keep]...)
}

// Backups lists the backup keys of key, oldest first.
func (m *Manager) Backups(ctx context.Context, key string) ([]string, error) {
	keys, err := m.backend.Keys(ctx, m.backupPrefix(key))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Get decodes the value stored under key into dest and reports whether it
// did. A corrupted value is replaced by the newest readable backup when
// allowed; otherwise dest is left untouched.
func (m *Manager) Get(ctx context.Context, key string, dest any, opts GetOptions) bool {
	raw, err := m.backend.Get(ctx, m.primaryKey(key))
	if errors.Is(err, ErrNotFound) {
		m.metrics.CacheOp("get", "miss")
		return false
	}
	if err != nil {
		m.metrics.CacheOp("get", "error")
		m.report(ctx, resilience.Wrap(resilience.KindStorage, err, fmt.Sprintf("read %s", key)).
			WithSeverity(resilience.SeverityMedium), key, "get")
		return false
	}

	err = m.decodeInto(key, raw, dest, opts.Validate)
	if err == nil {
		m.metrics.CacheOp("get", "hit")
		return true
	}
	m.metrics.CacheOp("get", "corrupt")
	m.report(ctx, resilience.Wrap(resilience.KindStorage, err, fmt.Sprintf("corrupted value for %s", key)).
		WithSeverity(resilience.SeverityMedium), key, "get")

	if !opts.FallbackToBackup {
		return false
	}
	backups, err := m.Backups(ctx, key)
	if err != nil {
		return false
	}
	for i := len(backups) - 1; i >= 0; i-- {
		braw, err := m.backend.Get(ctx, backups[i])
		if err != nil {
			continue
		}
		if err := m.decodeInto(key, braw, dest, opts.Validate); err != nil {
			continue
		}
		if err := m.backend.Set(ctx, m.primaryKey(key), braw); err != nil {
			m.logger.Warn("restore from backup failed", zap.String("key", key), zap.Error(err))
		}
		m.metrics.CacheOp("get", "restored")
		m.logger.Info("restored value from backup", zap.String("key", key), zap.String("backup", backups[i]))
		return true
	}
	return false
}

func (m *Manager) decodeInto(key string, raw []byte, dest any, validateValue bool) error {
	_, payload, err := unseal(raw)
	if err != nil {
		return err
	}
	if validateValue {
		if err := checkShape(key, payload); err != nil {
			return err
		}
	}

	target := reflect.ValueOf(dest)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("cache: destination for %s must be a non-nil pointer", key)
	}
	fresh := reflect.New(target.Elem().Type())
	if err := json.Unmarshal(payload, fresh.Interface()); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if validateValue {
		if err := checkValue(fresh.Interface()); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
	}
	target.Elem().Set(fresh.Elem())
	return nil
}

// GetOr returns the cached value for key or def.
func GetOr[T any](ctx context.Context, m *Manager, key string, def T, opts GetOptions) T {
	var out T
	if m.Get(ctx, key, &out, opts) {
		return out
	}
	return def
}

// Append adds item to the sequence stored under key. A positive limit keeps
// only the newest limit items. The previous sequence is kept as a backup.
func Append[T any](ctx context.Context, m *Manager, key string, item T, limit int) error {
	items := GetOr(ctx, m, key, []T{}, DefaultGet)
	items = append(items, item)
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return m.Put(ctx, key, items, DefaultPut)
}

// Keys lists the managed keys equal to key or starting with key followed by
// a dot, sorted. Backups and temporary entries are not included.
func (m *Manager) Keys(ctx context.Context, key string) ([]string, error) {
	raw, err := m.backend.Keys(ctx, m.primaryKey(key))
	if err != nil {
		return nil, resilience.Wrap(resilience.KindStorage, err, fmt.Sprintf("list %s", key))
	}
	prefix := m.cfg.Namespace + ":"
	out := make([]string, 0, len(raw))
	for _, full := range raw {
		logical := strings.TrimPrefix(full, prefix)
		if logical == key || strings.HasPrefix(logical, key+".") {
			out = append(out, logical)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) Remove(ctx context.Context, key string, backup bool) error {
	if backup && m.cfg.MaxBackups > 0 {
		if err := m.backup(ctx, key); err != nil {
			m.logger.Warn("backup before remove failed", zap.String("key", key), zap.Error(err))
		}
	}
	if err := m.backend.Delete(ctx, m.primaryKey(key)); err != nil {
		err = resilience.Wrap(resilience.KindStorage, err, fmt.Sprintf("remove %s", key))
		m.report(ctx, err, key, "remove")
		return err
	}
	return nil
}

// PurgeCorrupted deletes every managed key whose envelope does not verify.
func (m *Manager) PurgeCorrupted(ctx context.Context) (int, error) {
	keys, err := m.backend.Keys(ctx, m.cfg.Namespace+":")
	if err != nil {
		return 0, err
	}
	var (
		purged []string
		errs   error
	)
	for _, key := range keys {
		raw, err := m.backend.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read %s: %w", key, err))
			continue
		}
		if _, _, err := unseal(raw); err != nil {
			purged = append(purged, key)
		}
	}
	if len(purged) > 0 {
		if err := m.backend.Delete(ctx, purged...); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			m.report(ctx, resilience.Newf(resilience.KindStorage, "purged %d corrupted cache entries", len(purged)).
				WithSeverity(resilience.SeverityLow).
				WithContext("keys", purged), "", "purge")
		}
	}
	return len(purged), errs
}

func (m *Manager) EstimateUsage(ctx context.Context) (Usage, error) {
	var usage Usage
	prefix := m.cfg.Namespace + ":"
	if sizer, ok := m.backend.(Sizer); ok {
		used, err := sizer.Size(ctx, prefix)
		if err != nil {
			return Usage{}, err
		}
		usage.Used = used
	} else {
		keys, err := m.backend.Keys(ctx, prefix)
		if err != nil {
			return Usage{}, err
		}
		for _, key := range keys {
			raw, err := m.backend.Get(ctx, key)
			if err != nil {
				continue
			}
			usage.Used += int64(len(key) + len(raw))
		}
	}

	usage.Quota = m.cfg.Quota
	if usage.Quota <= 0 {
		if qr, ok := m.backend.(QuotaReporter); ok {
			if quota, err := qr.Quota(ctx); err == nil {
				usage.Quota = quota
			}
		}
	}
	if usage.Quota > 0 {
		usage.Ratio = float64(usage.Used) / float64(usage.Quota)
	}
	return usage, nil
}

// AutoCleanup removes temporary entries and then the oldest backups until
// usage falls under the cleanup threshold.
func (m *Manager) AutoCleanup(ctx context.Context) (int, error) {
	usage, err := m.EstimateUsage(ctx)
	if err != nil {
		return 0, err
	}
	if usage.Ratio <= m.cfg.CleanupThreshold {
		return 0, nil
	}

	candidates, err := m.disposableKeys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range candidates {
		if err := m.backend.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
		usage, err = m.EstimateUsage(ctx)
		if err != nil {
			return removed, err
		}
		if usage.Ratio <= m.cfg.CleanupThreshold {
			break
		}
	}
	m.logger.Info("cache cleanup", zap.Int("removed", removed), zap.Float64("ratio", usage.Ratio))
	return removed, nil
}

// disposableKeys returns temporary keys followed by backups, oldest first.
func (m *Manager) disposableKeys(ctx context.Context) ([]string, error) {
	temps, err := m.backend.Keys(ctx, m.cfg.Namespace+":tmp:")
	if err != nil {
		return nil, err
	}
	backups, err := m.backend.Keys(ctx, m.cfg.Namespace+":backup:")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(backups, func(i, j int) bool {
		return backupStamp(backups[i]) < backupStamp(backups[j])
	})
	return append(temps, backups...), nil
}

func backupStamp(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}

func (m *Manager) emergencyCleanup(ctx context.Context) (int, error) {
	keys, err := m.disposableKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return len(keys), m.backend.Delete(ctx, keys...)
}

// Remediate is the storage remediation hook: it drops temporary entries and
// all but the newest backup of every key.
func (m *Manager) Remediate(ctx context.Context, _ resilience.Record) error {
	temps, err := m.backend.Keys(ctx, m.cfg.Namespace+":tmp:")
	if err != nil {
		return err
	}
	errs := m.backend.Delete(ctx, temps...)

	backups, err := m.backend.Keys(ctx, m.cfg.Namespace+":backup:")
	if err != nil {
		return multierr.Append(errs, err)
	}
	sort.Strings(backups)
	newest := make(map[string]string)
	for _, key := range backups {
		newest[strings.TrimSuffix(key, backupStamp(key))] = key
	}
	var stale []string
	for _, key := range backups {
		if newest[strings.TrimSuffix(key, backupStamp(key))] != key {
			stale = append(stale, key)
		}
	}
	errs = multierr.Append(errs, m.backend.Delete(ctx, stale...))
	m.logger.Info("storage remediation", zap.Int("temp", len(temps)), zap.Int("backups", len(stale)))
	return errs
}

// MirrorErrors keeps the latest error records for diagnostics export.
func (m *Manager) MirrorErrors(ctx context.Context, records []resilience.Record) error {
	return m.Put(ctx, KeyErrorLog, records, Options{Validate: true})
}

func (m *Manager) ErrorLog(ctx context.Context) []resilience.Record {
	return GetOr(ctx, m, KeyErrorLog, []resilience.Record{}, GetOptions{Validate: true})
}

// PutTemp stores a disposable value; cleanup removes these first.
func (m *Manager) PutTemp(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if len(payload) > m.cfg.MaxItemBytes {
		return ErrItemTooLarge
	}
	sealed, err := seal(key, payload, false, m.cfg.Now())
	if err != nil {
		return err
	}
	return m.backend.Set(ctx, m.tempKey(key), sealed)
}

// GetTemp reads a value stored with PutTemp that is younger than maxAge.
func (m *Manager) GetTemp(ctx context.Context, key string, dest any, maxAge time.Duration) bool {
	raw, err := m.backend.Get(ctx, m.tempKey(key))
	if err != nil {
		return false
	}
	env, payload, err := unseal(raw)
	if err != nil {
		_ = m.backend.Delete(ctx, m.tempKey(key))
		return false
	}
	if maxAge > 0 && m.cfg.Now().Sub(env.StoredAt) > maxAge {
		return false
	}
	return json.Unmarshal(payload, dest) == nil
}
