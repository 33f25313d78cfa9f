// Package backup implements the portal's snapshot and recovery engine. A
// backup gathers the persisted documents of one domain, serializes them,
// optionally compresses and encrypts the result (in that order), and writes
// the archive to one or more storage backends. Restore reverses the pipeline
// and rewrites the original store keys.
//
// Only one backup or restore runs at a time. A second Execute while one is in
// flight fails fast with ErrBackupRunning instead of queuing.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domestica-portal/domestica-portal/internal/audit"
	"github.com/domestica-portal/domestica-portal/internal/kvstore"
	"github.com/domestica-portal/domestica-portal/internal/storage"
	"github.com/domestica-portal/domestica-portal/internal/telemetry"
	"github.com/domestica-portal/domestica-portal/internal/webhook"
	"github.com/domestica-portal/domestica-portal/pkg/checksum"
)

// Persisted store keys.
const (
	KeyConfig  = "backup:config"
	KeyItems   = "backup:itens"
	KeyNextRun = "backup:proxima_execucao"
)

// Portal document keys snapshotted by the domain gatherers. The certificate
// and proxy documents are written by the portal's configuration screens; the
// engine only reads and restores them.
const (
	keyESocialEvents = "esocial:eventos"
	keyCertConfig    = "certificado:config"
	keyProxyConfig   = "proxy:config"
)

// Backup domains.
const (
	TypeEvents       = "eventos"
	TypeConfigs      = "configuracoes"
	TypeCertificates = "certificados"
	TypeLogs         = "logs"
	TypeFull         = "completo"
)

// Item statuses. Transitions are strictly processando -> sucesso | erro.
const (
	StatusProcessing = "processando"
	StatusSuccess    = "sucesso"
	StatusError      = "erro"
)

// ErrBackupRunning is returned by Execute when another backup or restore
// holds the single-flight lock.
var ErrBackupRunning = errors.New("backup: another backup is already running")

// archivePrefix is the blob path prefix inside the storage backends.
const archivePrefix = "backups/"

// Config is the singleton backup configuration. JSON field names are the
// portal's persisted contract.
type Config struct {
	Frequency     string `json:"frequencia"`    // diario | semanal | mensal
	Time          string `json:"horario"`       // HH:MM, portal-local
	RetentionDays int    `json:"retencao"`
	Compress      bool   `json:"compressao"`
	Encrypt       bool   `json:"criptografia"`
	Destination   string `json:"destino"` // local | cloud | ambos
}

// Item is one backup attempt. A record stuck in processando marks a run that
// crashed mid-flight.
type Item struct {
	ID         string    `json:"id"`
	Type       string    `json:"tipo"`
	CreatedAt  time.Time `json:"data"`
	Size       int64     `json:"tamanho"`
	Status     string    `json:"status"`
	File       string    `json:"arquivo"`
	Checksum   string    `json:"checksum"`
	Compressed bool      `json:"compressao"`
	Encrypted  bool      `json:"criptografia"`
	Error      string    `json:"erro,omitempty"`
}

// Stats summarizes the backup list.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"porStatus"`
	TotalBytes int64          `json:"tamanhoTotal"`
	NextRun    *time.Time     `json:"proximaExecucao,omitempty"`
}

// snapshot is the serialized archive payload.
type snapshot struct {
	Type      string                     `json:"tipo"`
	CreatedAt time.Time                  `json:"data"`
	Documents map[string]json.RawMessage `json:"documentos"`
	Metadata  map[string]string          `json:"metadata,omitempty"`
}

// Service is the backup engine.
type Service struct {
	store    kvstore.Store
	backends []storage.Storage
	cipher   Cipher
	auditor  *audit.Service

	runMu sync.Mutex // single-flight for Execute and Restore

	mu     sync.RWMutex
	config Config
	items  []Item // most-recent-first

	rescheduleFn func()
	restoreHooks []func(context.Context) error
}

// Cipher is the minimal sealing surface the engine needs. Narrowing the
// dependency keeps tests free of key management.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// New creates the engine, loading the persisted config and backup list. The
// persisted config wins over defaults. cipher may be nil when no master key is
// configured; Execute then rejects encrypted runs.
func New(ctx context.Context, store kvstore.Store, backends []storage.Storage, cipher Cipher, auditor *audit.Service, defaults Config) (*Service, error) {
	if len(backends) == 0 {
		return nil, errors.New("backup: at least one storage backend is required")
	}
	s := &Service{
		store:    store,
		backends: backends,
		cipher:   cipher,
		auditor:  auditor,
		config:   defaults,
	}

	switch err := store.Get(ctx, KeyConfig, &s.config); err {
	case nil, kvstore.ErrNotFound:
	default:
		return nil, err
	}
	switch err := store.Get(ctx, KeyItems, &s.items); err {
	case nil, kvstore.ErrNotFound:
	default:
		return nil, err
	}
	return s, nil
}

// SetRescheduleFunc registers the scheduler nudge invoked after Configure.
func (s *Service) SetRescheduleFunc(fn func()) {
	s.mu.Lock()
	s.rescheduleFn = fn
	s.mu.Unlock()
}

// RegisterRestoreHook adds a callback run after a successful restore, so
// services holding in-memory copies of restored documents can reload them.
func (s *Service) RegisterRestoreHook(fn func(context.Context) error) {
	s.mu.Lock()
	s.restoreHooks = append(s.restoreHooks, fn)
	s.mu.Unlock()
}

// Config returns a copy of the current configuration.
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Configure replaces the singleton config, persists it, and reschedules the
// next automatic run. It never returns an error: validation and persistence
// failures are logged and reported as false.
func (s *Service) Configure(ctx context.Context, cfg Config) bool {
	if err := validateConfig(cfg); err != nil {
		slog.Error("backup: rejected configuration", "error", err)
		return false
	}

	s.mu.Lock()
	s.config = cfg
	fn := s.rescheduleFn
	s.mu.Unlock()

	if err := s.store.Set(ctx, KeyConfig, cfg); err != nil {
		slog.Error("backup: failed to persist configuration", "error", err)
		return false
	}

	next := NextRunFrom(time.Now(), cfg)
	if err := s.store.Set(ctx, KeyNextRun, next); err != nil {
		slog.Error("backup: failed to persist next run", "error", err)
	}
	if fn != nil {
		fn()
	}

	if s.auditor != nil {
		s.auditor.LogBackupAction(ctx, "sistema", "configuracao atualizada", map[string]interface{}{
			"frequencia": cfg.Frequency,
			"horario":    cfg.Time,
			"destino":    cfg.Destination,
		}, audit.ResultSuccess)
	}
	return true
}

// Execute runs one backup of the given domain. It fails fast with
// ErrBackupRunning when another run holds the lock. Pipeline failures are
// recorded on the item as erro and returned to the caller so schedulers can
// alert.
func (s *Service) Execute(ctx context.Context, backupType string) (*Item, error) {
	if !validType(backupType) {
		return nil, fmt.Errorf("backup: unknown backup type: %s", backupType)
	}
	if !s.runMu.TryLock() {
		return nil, ErrBackupRunning
	}
	defer s.runMu.Unlock()

	start := time.Now()
	cfg := s.Config()

	item := Item{
		ID:         uuid.New().String(),
		Type:       backupType,
		CreatedAt:  start,
		Status:     StatusProcessing,
		File:       fmt.Sprintf("backup-%s-%s.bin", backupType, start.Format("20060102-150405")),
		Compressed: cfg.Compress,
		Encrypted:  cfg.Encrypt,
	}

	// The pending record is visible before any work so a crash mid-backup
	// leaves a diagnosable processando entry.
	s.mu.Lock()
	s.items = append([]Item{item}, s.items...)
	s.mu.Unlock()
	s.persistItems(ctx)

	data, err := s.buildArchive(ctx, backupType, start, cfg)
	if err == nil {
		err = s.writeArchive(ctx, item.File, data)
	}
	var sum string
	if err == nil {
		sum, err = checksum.CalculateSHA256(bytes.NewReader(data))
	}
	if err != nil {
		s.finalizeItem(ctx, item.ID, func(it *Item) {
			it.Status = StatusError
			it.Error = err.Error()
		})
		telemetry.BackupErrorsTotal.WithLabelValues(backupType).Inc()
		if s.auditor != nil {
			s.auditor.LogBackupAction(ctx, "sistema", "execucao falhou", map[string]interface{}{
				"tipo": backupType, "erro": err.Error(),
			}, audit.ResultError)
		}
		return nil, err
	}

	final := s.finalizeItem(ctx, item.ID, func(it *Item) {
		it.Status = StatusSuccess
		it.Size = int64(len(data))
		it.Checksum = sum
	})

	telemetry.BackupDuration.WithLabelValues(backupType).Observe(time.Since(start).Seconds())
	if s.auditor != nil {
		s.auditor.LogBackupAction(ctx, "sistema", "executado", map[string]interface{}{
			"tipo": backupType, "arquivo": item.File, "tamanho": len(data),
		}, audit.ResultSuccess)
	}
	slog.Info("backup: completed", "tipo", backupType, "arquivo", item.File, "bytes", len(data), "duration", time.Since(start))
	return final, nil
}

// Restore rewrites the store keys captured by the given backup. It returns
// false on any failure; errors are logged, never surfaced, which is asymmetric
// with Execute on purpose so automated callers can treat restore as a probe.
func (s *Service) Restore(ctx context.Context, id string) bool {
	if !s.runMu.TryLock() {
		slog.Warn("backup: restore rejected, another run in flight", "id", id)
		return false
	}
	defer s.runMu.Unlock()

	item, ok := s.findItem(id)
	if !ok {
		slog.Error("backup: restore of unknown backup", "id", id)
		return false
	}
	if item.Status != StatusSuccess {
		slog.Error("backup: restore requires a successful backup", "id", id, "status", item.Status)
		return false
	}

	if err := s.restoreItem(ctx, item); err != nil {
		slog.Error("backup: restore failed", "id", id, "error", err)
		telemetry.RestoresTotal.WithLabelValues("erro").Inc()
		if s.auditor != nil {
			s.auditor.LogBackupAction(ctx, "sistema", "restauracao falhou", map[string]interface{}{
				"id": id, "erro": err.Error(),
			}, audit.ResultError)
		}
		return false
	}

	telemetry.RestoresTotal.WithLabelValues("sucesso").Inc()
	if s.auditor != nil {
		s.auditor.LogBackupAction(ctx, "sistema", "restaurado", map[string]interface{}{
			"id": id, "tipo": item.Type, "arquivo": item.File,
		}, audit.ResultSuccess)
	}
	slog.Info("backup: restore completed", "id", id, "tipo", item.Type)
	return true
}

// List returns a copy of the backup list, most-recent-first.
func (s *Service) List() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// GetStats summarizes the backup list and the next scheduled run.
func (s *Service) GetStats(ctx context.Context) Stats {
	s.mu.RLock()
	stats := Stats{
		Total:    len(s.items),
		ByStatus: make(map[string]int),
	}
	for _, it := range s.items {
		stats.ByStatus[it.Status]++
		stats.TotalBytes += it.Size
	}
	s.mu.RUnlock()

	var next time.Time
	if err := s.store.Get(ctx, KeyNextRun, &next); err == nil && !next.IsZero() {
		stats.NextRun = &next
	}
	return stats
}

// CleanupOldBackups removes items older than the configured retention window,
// deleting the archive blob along with the record. Returns the count removed.
func (s *Service) CleanupOldBackups(ctx context.Context) int {
	cfg := s.Config()
	cutoff := time.Now().AddDate(0, 0, -cfg.RetentionDays)

	s.mu.Lock()
	kept := s.items[:0:0]
	var removed []Item
	for _, it := range s.items {
		if it.CreatedAt.Before(cutoff) {
			removed = append(removed, it)
		} else {
			kept = append(kept, it)
		}
	}
	s.items = kept
	s.mu.Unlock()

	for _, it := range removed {
		for _, b := range s.backends {
			if err := b.Delete(ctx, archivePrefix+it.File); err != nil {
				slog.Warn("backup: failed to delete archive blob", "arquivo", it.File, "error", err)
			}
		}
	}
	if len(removed) > 0 {
		s.persistItems(ctx)
		slog.Info("backup: retention cleanup", "removed", len(removed), "retention_days", cfg.RetentionDays)
	}
	return len(removed)
}

// NextRunFrom computes the next automatic run instant from cfg: today at
// horario if still ahead, otherwise rolled forward one day, week, or month.
func NextRunFrom(now time.Time, cfg Config) time.Time {
	hour, minute := 2, 0
	if n, err := fmt.Sscanf(cfg.Time, "%d:%d", &hour, &minute); n != 2 || err != nil {
		hour, minute = 2, 0
	}

	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if target.After(now) {
		return target
	}
	switch cfg.Frequency {
	case TypeWeekly:
		return target.AddDate(0, 0, 7)
	case TypeMonthly:
		return target.AddDate(0, 1, 0)
	default:
		return target.AddDate(0, 0, 1)
	}
}

// ---------------------------------------------------------------------------
// Pipeline internals
// ---------------------------------------------------------------------------

// buildArchive serializes the domain snapshot and applies compress-then-encrypt.
func (s *Service) buildArchive(ctx context.Context, backupType string, createdAt time.Time, cfg Config) ([]byte, error) {
	docs, err := s.gatherDocuments(ctx, backupType)
	if err != nil {
		return nil, err
	}

	snap := snapshot{Type: backupType, CreatedAt: createdAt, Documents: docs}
	if backupType == TypeFull {
		snap.Metadata = map[string]string{
			"versao":   "1",
			"geradoEm": createdAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("backup: serialize snapshot: %w", err)
	}

	if cfg.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("backup: compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("backup: compress: %w", err)
		}
		data = buf.Bytes()
	}

	if cfg.Encrypt {
		if s.cipher == nil {
			return nil, errors.New("backup: encryption enabled but no master key configured")
		}
		sealed, err := s.cipher.Seal(data)
		if err != nil {
			return nil, fmt.Errorf("backup: encrypt: %w", err)
		}
		data = sealed
	}
	return data, nil
}

// gatherDocuments reads the raw store documents for one backup domain.
// Missing documents are skipped, not errors: a fresh install has none.
func (s *Service) gatherDocuments(ctx context.Context, backupType string) (map[string]json.RawMessage, error) {
	var keys []string
	switch backupType {
	case TypeEvents:
		keys = []string{keyESocialEvents}
	case TypeConfigs:
		keys = []string{keyCertConfig, keyProxyConfig, webhook.KeySubscriptions, KeyConfig}
	case TypeCertificates:
		keys = []string{keyCertConfig, keyProxyConfig}
	case TypeLogs:
		keys = []string{webhook.KeyHistory, audit.KeyLogs, audit.KeyCritical}
	case TypeFull:
		keys = []string{
			keyESocialEvents,
			keyCertConfig, keyProxyConfig, webhook.KeySubscriptions, KeyConfig,
			webhook.KeyHistory, audit.KeyLogs, audit.KeyCritical,
		}
	}

	docs := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		var raw json.RawMessage
		switch err := s.store.Get(ctx, key, &raw); err {
		case nil:
			docs[key] = raw
		case kvstore.ErrNotFound:
		default:
			return nil, fmt.Errorf("backup: read %q: %w", key, err)
		}
	}
	return docs, nil
}

// writeArchive uploads the archive to every configured backend.
func (s *Service) writeArchive(ctx context.Context, file string, data []byte) error {
	for _, b := range s.backends {
		if _, err := b.Upload(ctx, archivePrefix+file, bytes.NewReader(data), int64(len(data))); err != nil {
			return fmt.Errorf("backup: upload %q: %w", file, err)
		}
	}
	return nil
}

// restoreItem downloads the archive, verifies it, reverses the pipeline, and
// rewrites the captured store keys.
func (s *Service) restoreItem(ctx context.Context, item Item) error {
	rc, err := s.openArchive(ctx, item.File)
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	if item.Checksum != "" {
		ok, err := checksum.VerifySHA256(bytes.NewReader(data), item.Checksum)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("archive checksum mismatch")
		}
	}

	if item.Encrypted {
		if s.cipher == nil {
			return errors.New("archive is encrypted but no master key is configured")
		}
		data, err = s.cipher.Open(data)
		if err != nil {
			return fmt.Errorf("decrypt: %w", err)
		}
	}
	if item.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
		data, err = io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	for key, doc := range snap.Documents {
		if err := s.store.Set(ctx, key, doc); err != nil {
			return fmt.Errorf("write %q: %w", key, err)
		}
	}

	s.mu.RLock()
	hooks := make([]func(context.Context) error, len(s.restoreHooks))
	copy(hooks, s.restoreHooks)
	s.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			slog.Warn("backup: restore hook failed", "error", err)
		}
	}
	return nil
}

// openArchive returns the first backend that holds the file.
func (s *Service) openArchive(ctx context.Context, file string) (io.ReadCloser, error) {
	path := archivePrefix + file
	for _, b := range s.backends {
		ok, err := b.Exists(ctx, path)
		if err != nil || !ok {
			continue
		}
		return b.Download(ctx, path)
	}
	return nil, fmt.Errorf("archive %q not found in any backend", file)
}

// finalizeItem mutates the item with the given ID and persists the list.
func (s *Service) finalizeItem(ctx context.Context, id string, mutate func(*Item)) *Item {
	var final *Item
	s.mu.Lock()
	for i := range s.items {
		if s.items[i].ID == id {
			mutate(&s.items[i])
			cp := s.items[i]
			final = &cp
			break
		}
	}
	s.mu.Unlock()
	s.persistItems(ctx)
	return final
}

func (s *Service) findItem(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

func (s *Service) persistItems(ctx context.Context) {
	s.mu.RLock()
	items := make([]Item, len(s.items))
	copy(items, s.items)
	s.mu.RUnlock()

	if err := s.store.Set(ctx, KeyItems, items); err != nil {
		slog.Error("backup: failed to persist backup list", "error", err)
	}
}

func validType(t string) bool {
	switch t {
	case TypeEvents, TypeConfigs, TypeCertificates, TypeLogs, TypeFull:
		return true
	}
	return false
}

func validateConfig(cfg Config) error {
	switch cfg.Frequency {
	case TypeDaily, TypeWeekly, TypeMonthly:
	default:
		return fmt.Errorf("invalid frequencia: %s", cfg.Frequency)
	}
	switch cfg.Destination {
	case DestLocal, DestCloud, DestBoth:
	default:
		return fmt.Errorf("invalid destino: %s", cfg.Destination)
	}
	var hour, minute int
	if n, err := fmt.Sscanf(cfg.Time, "%d:%d", &hour, &minute); n != 2 || err != nil {
		return fmt.Errorf("invalid horario: %s", cfg.Time)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("invalid horario: %s", cfg.Time)
	}
	if cfg.RetentionDays < 1 {
		return fmt.Errorf("retencao must be at least 1 day, got %d", cfg.RetentionDays)
	}
	return nil
}

// Frequencies and destinations.
const (
	TypeDaily   = "diario"
	TypeWeekly  = "semanal"
	TypeMonthly = "mensal"

	DestLocal = "local"
	DestCloud = "cloud"
	DestBoth  = "ambos"
)
