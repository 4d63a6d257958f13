package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// StateSource exposes the ledger state to archive. *ledger.Ledger satisfies
// it.
type StateSource interface {
	State() domain.LedgerState
}

// MessageSigner signs archived payloads so they can be attributed to the
// keeper wallet.
type MessageSigner interface {
	SignMessage(data []byte) (string, error)
}

// ArchiverConfig holds the archive parameters.
type ArchiverConfig struct {
	Interval time.Duration
	Prefix   string
	Name     string
	// MultipartThreshold switches to multipart uploads for larger payloads.
	MultipartThreshold int64
}

// Archiver periodically uploads the ledger state as JSON. Unchanged states
// are not re-uploaded.
type Archiver struct {
	source StateSource
	writer domain.BlobWriter
	signer MessageSigner
	audit  domain.AuditStore
	cfg    ArchiverConfig
	logger *slog.Logger

	mu       sync.Mutex
	lastSeen time.Time
}

// NewArchiver creates an Archiver. signer and audit may be nil.
func NewArchiver(source StateSource, writer domain.BlobWriter, signer MessageSigner, audit domain.AuditStore, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ledger"
	}
	if cfg.Name == "" {
		cfg.Name = "domatrade-storage"
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 16 << 20
	}
	return &Archiver{
		source: source,
		writer: writer,
		signer: signer,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Run archives every interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "ledger archive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ArchiveOnce uploads the current state if it changed since the previous
// upload and returns the object key, or "" when nothing was uploaded.
func (a *Archiver) ArchiveOnce(ctx context.Context) (string, error) {
	state := a.source.State()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !state.UpdatedAt.After(a.lastSeen) {
		return "", nil
	}

	body, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("archiver: encode state: %w", err)
	}
	key := ObjectKey(a.cfg.Prefix, a.cfg.Name, state.UpdatedAt)

	if int64(len(body)) >= a.cfg.MultipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(body), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(body), "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("archiver: upload %s: %w", key, err)
	}

	if a.signer != nil {
		sig, err := a.signer.SignMessage(body)
		if err != nil {
			return "", fmt.Errorf("archiver: sign %s: %w", key, err)
		}
		if err := a.writer.Put(ctx, key+".sig", bytes.NewReader([]byte(sig)), "text/plain"); err != nil {
			return "", fmt.Errorf("archiver: upload signature %s: %w", key, err)
		}
	}

	a.lastSeen = state.UpdatedAt
	a.logger.InfoContext(ctx, "ledger archived",
		slog.String("key", key),
		slog.Int("bytes", len(body)),
		slog.Int("positions", len(state.Positions)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "ledger.archived", map[string]any{"key": key, "bytes": len(body)}); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return key, nil
}

// ObjectKey returns the archive key for a snapshot taken at ts, e.g.
// ledger/2025/10/01/domatrade-storage-20251001T120000Z.json.
func ObjectKey(prefix, name string, ts time.Time) string {
	ts = ts.UTC()
	return path.Join(prefix, ts.Format("2006/01/02"), fmt.Sprintf("%s-%s.json", name, ts.Format("20060102T150405Z")))
}
