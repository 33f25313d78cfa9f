// Package audit implements the portal's audit trail: an append-only record of
// every sensitive action (eSocial filings, certificate handling, backups,
// webhook lifecycle changes). Audit records are intentionally separate from
// application logs because they have different consumers and retention
// requirements — application logs are ephemeral debug output consumed by
// on-call engineers, while the audit trail is an immutable record consumed by
// compliance reviews and may be retained for years.
//
// The trail is best-effort by contract: a storage failure while persisting an
// entry is logged and counted, never surfaced to the caller, because audit
// logging must not block or fail the operation being audited.
package audit

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domestica-portal/domestica-portal/internal/kvstore"
	"github.com/domestica-portal/domestica-portal/internal/telemetry"
)

// Persisted store keys. Exported because the backup engine snapshots the raw
// documents for the "logs" and "completo" backup domains.
const (
	KeyLogs     = "auditoria:logs"
	KeyCritical = "auditoria:critico"
	KeyEnabled  = "auditoria:habilitado"
)

// Result values for an audit entry.
const (
	ResultSuccess = "sucesso"
	ResultError   = "erro"
	ResultWarning = "aviso"
)

// Log is one recorded action. JSON field names are the portal's persisted
// contract and are kept in Portuguese.
type Log struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	User       string                 `json:"usuario"`
	Action     string                 `json:"acao"`
	Resource   string                 `json:"recurso"`
	Details    map[string]interface{} `json:"detalhes,omitempty"`
	Result     string                 `json:"resultado"`
	DurationMS int64                  `json:"duracao,omitempty"`
	IP         string                 `json:"ip,omitempty"`
	UserAgent  string                 `json:"userAgent,omitempty"`
	SessionID  string                 `json:"sessaoId,omitempty"`
}

// Entry is the caller-supplied input to LogAction. The service fills in the
// ID and timestamp and sanitizes Details.
type Entry struct {
	User       string
	Action     string
	Resource   string
	Details    map[string]interface{}
	Result     string
	DurationMS int64
	IP         string
	UserAgent  string
	SessionID  string
}

// Filter selects audit entries for search and export. User, Action, and
// Resource are case-insensitive substring matches; Result is exact; Start and
// End bound the timestamp inclusively; Limit truncates after sorting.
type Filter struct {
	User     string
	Action   string
	Resource string
	Result   string
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// Stats aggregates the trail over a trailing window of days.
type Stats struct {
	PeriodDays      int            `json:"periodoDias"`
	Total           int            `json:"total"`
	ByResult        map[string]int `json:"porResultado"`
	DistinctUsers   int            `json:"usuariosDistintos"`
	DistinctActions int            `json:"acoesDistintas"`
	CriticalTotal   int            `json:"totalCritico"`
}

// Service is the audit trail. Entries live in memory most-recent-first with a
// write-through copy in the store; a restart reloads the persisted state.
type Service struct {
	store kvstore.Store

	mu          sync.RWMutex
	logs        []Log // most-recent-first
	critical    []Log // most-recent-first, longer-lived
	enabled     bool
	maxEntries  int
	maxCritical int
}

// New creates the audit service, reloading any persisted trail. A missing
// document is a fresh install, not an error.
func New(ctx context.Context, store kvstore.Store, maxEntries, maxCritical int, enabled bool) (*Service, error) {
	s := &Service{
		store:       store,
		enabled:     enabled,
		maxEntries:  maxEntries,
		maxCritical: maxCritical,
	}

	if err := store.Get(ctx, KeyLogs, &s.logs); err != nil && err != kvstore.ErrNotFound {
		return nil, err
	}
	if err := store.Get(ctx, KeyCritical, &s.critical); err != nil && err != kvstore.ErrNotFound {
		return nil, err
	}
	var persistedEnabled bool
	switch err := store.Get(ctx, KeyEnabled, &persistedEnabled); err {
	case nil:
		// The runtime toggle outlives restarts and wins over configuration.
		s.enabled = persistedEnabled
	case kvstore.ErrNotFound:
	default:
		return nil, err
	}

	return s, nil
}

// LogAction records one action. Storage failures are swallowed: audit logging
// must never fail the operation being audited.
func (s *Service) LogAction(ctx context.Context, e Entry) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}

	entry := Log{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		User:       e.User,
		Action:     e.Action,
		Resource:   e.Resource,
		Details:    Sanitize(e.Details),
		Result:     e.Result,
		DurationMS: e.DurationMS,
		IP:         e.IP,
		UserAgent:  e.UserAgent,
		SessionID:  e.SessionID,
	}

	// Prepend: the trail is always read back most-recent-first.
	s.logs = append([]Log{entry}, s.logs...)
	if len(s.logs) > s.maxEntries {
		s.logs = s.logs[:s.maxEntries]
	}

	critical := isCritical(entry.Action)
	if critical {
		s.critical = append([]Log{entry}, s.critical...)
		if len(s.critical) > s.maxCritical {
			s.critical = s.critical[:s.maxCritical]
		}
	}
	s.mu.Unlock()

	telemetry.AuditEntriesTotal.WithLabelValues(entry.Result, strconv.FormatBool(critical)).Inc()
	s.persist(ctx, critical)
}

// Reload re-reads the persisted trail, discarding the in-memory copy. Called
// after a backup restore rewrites the underlying store keys.
func (s *Service) Reload(ctx context.Context) error {
	var logs, critical []Log
	if err := s.store.Get(ctx, KeyLogs, &logs); err != nil && err != kvstore.ErrNotFound {
		return err
	}
	if err := s.store.Get(ctx, KeyCritical, &critical); err != nil && err != kvstore.ErrNotFound {
		return err
	}

	s.mu.Lock()
	s.logs = logs
	s.critical = critical
	s.mu.Unlock()
	return nil
}

// SetEnabled toggles recording of new entries. The toggle is persisted so it
// survives restarts.
func (s *Service) SetEnabled(ctx context.Context, enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()

	if err := s.store.Set(ctx, KeyEnabled, enabled); err != nil {
		slog.Error("audit: failed to persist enabled flag", "error", err)
		telemetry.AuditPersistErrorsTotal.Inc()
	}
}

// Enabled reports whether new entries are being recorded.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SearchLogs returns the entries matching filter, most-recent-first.
func (s *Service) SearchLogs(filter Filter) []Log {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Log, 0, len(s.logs))
	for _, entry := range s.logs {
		if matches(entry, filter) {
			out = append(out, entry)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// CriticalLogs returns a copy of the critical-action trail, most-recent-first.
func (s *Service) CriticalLogs() []Log {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Log, len(s.critical))
	copy(out, s.critical)
	return out
}

// GetStats aggregates the trail over the trailing periodDays window.
func (s *Service) GetStats(periodDays int) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().AddDate(0, 0, -periodDays)
	stats := Stats{
		PeriodDays:    periodDays,
		ByResult:      make(map[string]int),
		CriticalTotal: len(s.critical),
	}
	users := make(map[string]struct{})
	actions := make(map[string]struct{})

	for _, entry := range s.logs {
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByResult[entry.Result]++
		users[entry.User] = struct{}{}
		actions[entry.Action] = struct{}{}
	}
	stats.DistinctUsers = len(users)
	stats.DistinctActions = len(actions)
	return stats
}

// CleanupOldLogs removes main-trail entries older than retentionDays and
// returns the count removed. The critical trail is not touched: it outlives
// the main trail's retention window by design of the retention policy.
func (s *Service) CleanupOldLogs(ctx context.Context, retentionDays int) int {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	s.mu.Lock()
	kept := s.logs[:0:0]
	for _, entry := range s.logs {
		if !entry.Timestamp.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	removed := len(s.logs) - len(kept)
	s.logs = kept
	s.mu.Unlock()

	if removed > 0 {
		s.persist(ctx, false)
		slog.Info("audit: retention cleanup", "removed", removed, "retention_days", retentionDays)
	}
	return removed
}

// ---------------------------------------------------------------------------
// Named presets — thin wrappers fixing the acao/recurso shape per domain.
// ---------------------------------------------------------------------------

// LogESocialEvent records an eSocial filing event (e.g. evento "S-1200").
func (s *Service) LogESocialEvent(ctx context.Context, user, event string, details map[string]interface{}, result string) {
	s.LogAction(ctx, Entry{User: user, Action: "eSocial: " + event, Resource: "esocial", Details: details, Result: result})
}

// LogCertificateAction records a digital certificate operation.
func (s *Service) LogCertificateAction(ctx context.Context, user, action string, details map[string]interface{}, result string) {
	s.LogAction(ctx, Entry{User: user, Action: "Certificado: " + action, Resource: "certificado", Details: details, Result: result})
}

// LogProxyAction records a proxy configuration change.
func (s *Service) LogProxyAction(ctx context.Context, user, action string, details map[string]interface{}, result string) {
	s.LogAction(ctx, Entry{User: user, Action: "Proxy: " + action, Resource: "proxy", Details: details, Result: result})
}

// LogBackupAction records a backup engine operation.
func (s *Service) LogBackupAction(ctx context.Context, user, action string, details map[string]interface{}, result string) {
	s.LogAction(ctx, Entry{User: user, Action: "Backup: " + action, Resource: "backup", Details: details, Result: result})
}

// LogWebhookAction records a webhook subscription or delivery lifecycle event.
func (s *Service) LogWebhookAction(ctx context.Context, user, action string, details map[string]interface{}, result string) {
	s.LogAction(ctx, Entry{User: user, Action: "Webhook: " + action, Resource: "webhook", Details: details, Result: result})
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// criticalPrefixes are the namespaced action families always mirrored into the
// critical trail.
var criticalPrefixes = []string{"eSocial:", "Certificado:", "Proxy:", "Backup:"}

// criticalVerbs mark destructive or privileged operations regardless of
// namespace. Matched case-insensitively as substrings so both English and
// Portuguese action labels are caught ("delete"/"excluir", "restore"/"restaurar").
var criticalVerbs = []string{"delet", "exclu", "remov", "restor", "restaur", "configur", "upload", "download"}

func isCritical(action string) bool {
	for _, p := range criticalPrefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	lower := strings.ToLower(action)
	for _, v := range criticalVerbs {
		if strings.Contains(lower, v) {
			return true
		}
	}
	return false
}

func matches(entry Log, f Filter) bool {
	if f.User != "" && !strings.Contains(strings.ToLower(entry.User), strings.ToLower(f.User)) {
		return false
	}
	if f.Action != "" && !strings.Contains(strings.ToLower(entry.Action), strings.ToLower(f.Action)) {
		return false
	}
	if f.Resource != "" && !strings.Contains(strings.ToLower(entry.Resource), strings.ToLower(f.Resource)) {
		return false
	}
	if f.Result != "" && entry.Result != f.Result {
		return false
	}
	if f.Start != nil && entry.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && entry.Timestamp.After(*f.End) {
		return false
	}
	return true
}

// persist writes the trail back to the store. Best-effort: failures are
// logged and counted but never returned.
func (s *Service) persist(ctx context.Context, includeCritical bool) {
	s.mu.RLock()
	logs := make([]Log, len(s.logs))
	copy(logs, s.logs)
	var critical []Log
	if includeCritical {
		critical = make([]Log, len(s.critical))
		copy(critical, s.critical)
	}
	s.mu.RUnlock()

	if err := s.store.Set(ctx, KeyLogs, logs); err != nil {
		slog.Error("audit: failed to persist trail", "error", err)
		telemetry.AuditPersistErrorsTotal.Inc()
	}
	if includeCritical {
		if err := s.store.Set(ctx, KeyCritical, critical); err != nil {
			slog.Error("audit: failed to persist critical trail", "error", err)
			telemetry.AuditPersistErrorsTotal.Inc()
		}
	}
}
