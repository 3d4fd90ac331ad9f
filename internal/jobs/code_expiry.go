// code_expiry.go implements the CodeExpiryJob background job. Each run does two
// things: it sweeps overdue active/used codes to expired (readers already treat
// overdue rows as expired via EffectiveState, the sweep just makes the rows
// match), and it emails a digest of codes approaching expiry to the configured
// recipients. Notification state is persisted in the database
// (expiry_notified_at column) so a code appears in at most one digest even
// across server restarts. The digest is a no-op when notifications.enabled is
// false or the SMTP host is not configured; the sweep always runs, so the job
// is always safe to start regardless of deployment environment.
package jobs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/sello-registry/sello/internal/config"
	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/lifecycle"
	"github.com/sello-registry/sello/internal/telemetry"
)

// sweepActor is the usage-log actor recorded for rows the sweep expires.
const sweepActor = "system:code-expiry"

// CodeExpiryJob periodically expires overdue codes and emails a warning digest
// for codes approaching their expiry date.
type CodeExpiryJob struct {
	manager  *lifecycle.Manager
	qrRepo   *repositories.QRCodeRepository
	cfg      *config.NotificationsConfig
	interval time.Duration
	stopChan chan struct{}
}

// NewCodeExpiryJob creates a new CodeExpiryJob.
// cfg.ExpiryCheckIntervalHours controls how often the check runs (default 24h).
func NewCodeExpiryJob(
	manager *lifecycle.Manager,
	qrRepo *repositories.QRCodeRepository,
	cfg *config.NotificationsConfig,
) *CodeExpiryJob {
	hours := cfg.ExpiryCheckIntervalHours
	if hours <= 0 {
		hours = 24
	}
	return &CodeExpiryJob{
		manager:  manager,
		qrRepo:   qrRepo,
		cfg:      cfg,
		interval: time.Duration(hours) * time.Hour,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background expiry loop. It runs an initial check
// immediately, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop() is called.
func (j *CodeExpiryJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("code expiry job started",
		"interval", j.interval,
		"warning_days", j.cfg.ExpiryWarningDays,
		"digest_enabled", j.digestEnabled(),
	)

	// Run once immediately on startup
	j.runCheck(ctx)

	for {
		select {
		case <-ticker.C:
			j.runCheck(ctx)
		case <-j.stopChan:
			slog.Info("code expiry job stopped")
			return
		case <-ctx.Done():
			slog.Info("code expiry job context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (j *CodeExpiryJob) Stop() {
	close(j.stopChan)
}

// digestEnabled reports whether warning emails can be sent at all.
func (j *CodeExpiryJob) digestEnabled() bool {
	return j.cfg.Enabled && j.cfg.SMTP.Host != "" && len(j.cfg.Recipients) > 0
}

// runCheck sweeps overdue rows, then sends the warning digest if enabled.
func (j *CodeExpiryJob) runCheck(ctx context.Context) {
	swept, err := j.manager.SweepExpired(ctx, sweepActor)
	if err != nil {
		slog.Error("code expiry job: sweep failed", "error", err)
	} else if swept > 0 {
		slog.Info("code expiry job: swept overdue codes", "count", swept)
	}

	if !j.digestEnabled() {
		return
	}

	warningDays := j.cfg.ExpiryWarningDays
	if warningDays <= 0 {
		warningDays = 7
	}

	codes, err := j.qrRepo.FindExpiringSoon(ctx, warningDays)
	if err != nil {
		slog.Error("code expiry job: failed to query expiring codes", "error", err)
		return
	}
	if len(codes) == 0 {
		return
	}

	slog.Info("code expiry job: codes approaching expiry", "count", len(codes))

	if err := j.sendDigest(codes, warningDays); err != nil {
		slog.Error("code expiry job: failed to send digest", "error", err)
		return
	}
	telemetry.ExpiryNotificationsSentTotal.Inc()

	// Mark only after the email went out, so a delivery failure retries the
	// whole batch on the next run.
	for _, qr := range codes {
		if err := j.qrRepo.MarkExpiryNotified(ctx, qr.ID); err != nil {
			slog.Warn("code expiry job: failed to mark code notified",
				"code", qr.Code, "error", err)
		}
	}
}

// sendDigest composes and delivers one plain-text digest email listing every
// code in the batch, addressed to all configured recipients.
func (j *CodeExpiryJob) sendDigest(codes []*models.QRCode, warningDays int) error {
	subject := fmt.Sprintf("%d QR code(s) expire within %d day(s)", len(codes), warningDays)

	lines := []string{
		fmt.Sprintf("The following %d code(s) are active and will expire within %d day(s).", len(codes), warningDays),
		"Codes not bound to a document by their expiry date become permanently unusable.",
		"",
	}
	for _, qr := range codes {
		lines = append(lines, fmt.Sprintf("  %s  (document type %s, expires %s)",
			qr.Code, qr.DocumentTypeID, qr.ExpiresAt.UTC().Format(time.RFC1123)))
	}
	lines = append(lines, "", "— Sello")
	body := strings.Join(lines, "\r\n")

	smtpCfg := &j.cfg.SMTP
	to := strings.Join(j.cfg.Recipients, ", ")
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		smtpCfg.From, to, subject,
	)
	msg := []byte(headers + body + "\r\n")

	addr := fmt.Sprintf("%s:%d", smtpCfg.Host, smtpCfg.Port)
	auth := smtp.PlainAuth("", smtpCfg.Username, smtpCfg.Password, smtpCfg.Host)

	if smtpCfg.UseTLS {
		return sendMailTLS(addr, smtpCfg.Host, auth, smtpCfg.From, j.cfg.Recipients, msg)
	}
	return smtp.SendMail(addr, auth, smtpCfg.From, j.cfg.Recipients, msg)
}

// sendMailTLS connects via implicit TLS (port 465 / SMTPS) and sends a message.
// Use this when UseTLS=true and the port is 465; for port 587 STARTTLS,
// smtp.SendMail handles the upgrade automatically — but we call this path for
// both so the config is unambiguous: UseTLS=true always means an encrypted connection.
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		// Fall back to STARTTLS via the standard smtp.SendMail path (port 587 pattern)
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	hostname, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
