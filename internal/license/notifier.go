package license

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"time"

	"mwbcli/internal/config"
)

// TransferNotice carries what the registered owner is told when someone
// transfers their license to new hardware.
type TransferNotice struct {
	LicenseKey    string
	LicenseeName  string
	LicenseeEmail string
	NewComponents [3]string
	RequestedAt   time.Time
	SourceIP      string
}

// Notifier delivers transfer notices to the registered licensee.
type Notifier interface {
	NotifyTransfer(ctx context.Context, notice TransferNotice) error
}

// transferMailBody is the owner notice. Component hashes are shown
// truncated; they identify the machine to support without leaking the full
// fingerprint.
const transferMailBody = `<!DOCTYPE html>
<html>
<body>
	<h2>License transfer notice</h2>
	<p>Hello {{.Name}},</p>
	<p>Your MWB Suite license {{.MaskedKey}} was transferred to a new machine
	on {{.RequestedAt}} (request origin {{.SourceIP}}).</p>
	<p>New hardware identifiers:</p>
	<ul>
		<li>network: {{.Network}}</li>
		<li>cpu: {{.CPU}}</li>
		<li>board: {{.Board}}</li>
	</ul>
	<p>If you did not request this transfer, contact support immediately.</p>
	<p>MWB Suite licensing</p>
</body>
</html>`

var transferMailTemplate = template.Must(template.New("transfer").Parse(transferMailBody))

// SMTPNotifier sends transfer notices over plain SMTP. An empty host
// disables sending; the would-be notice is logged instead so air-gapped
// deployments still leave a trace.
type SMTPNotifier struct {
	cfg    config.SMTPConfig
	logger *slog.Logger
}

// NewSMTPNotifier builds the notifier from the SMTP config section.
func NewSMTPNotifier(cfg config.SMTPConfig, logger *slog.Logger) *SMTPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPNotifier{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "transfer_notifier")),
	}
}

// NotifyTransfer renders and sends the owner notice. Callers treat errors
// as advisory; a mail outage never blocks a transfer.
func (n *SMTPNotifier) NotifyTransfer(ctx context.Context, notice TransferNotice) error {
	if notice.LicenseeEmail == "" {
		return fmt.Errorf("transfer notice has no recipient address")
	}

	body, err := n.render(notice)
	if err != nil {
		return fmt.Errorf("render transfer notice: %w", err)
	}

	if n.cfg.Host == "" {
		n.logger.InfoContext(ctx, "smtp disabled, transfer notice not sent",
			slog.String("recipient_masked", maskEmail(notice.LicenseeEmail)),
			slog.String("license_key_masked", MaskKey(notice.LicenseKey)),
			slog.String("source_ip", notice.SourceIP))
		return nil
	}

	subject := "MWB Suite license transferred to a new machine"
	msg := []byte(fmt.Sprintf("To: %s\r\nFrom: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
		notice.LicenseeEmail, n.cfg.From, subject, body))

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := smtp.SendMail(addr, auth, n.cfg.From, []string{notice.LicenseeEmail}, msg); err != nil {
		return fmt.Errorf("send transfer notice: %w", err)
	}

	n.logger.InfoContext(ctx, "transfer notice sent",
		slog.String("recipient_masked", maskEmail(notice.LicenseeEmail)),
		slog.String("license_key_masked", MaskKey(notice.LicenseKey)))
	return nil
}

func (n *SMTPNotifier) render(notice TransferNotice) (string, error) {
	name := notice.LicenseeName
	if name == "" {
		name = "licensee"
	}
	data := map[string]string{
		"Name":        name,
		"MaskedKey":   MaskKey(notice.LicenseKey),
		"RequestedAt": notice.RequestedAt.Format("2006-01-02 15:04 MST"),
		"SourceIP":    notice.SourceIP,
		"Network":     truncateHash(notice.NewComponents[0]),
		"CPU":         truncateHash(notice.NewComponents[1]),
		"Board":       truncateHash(notice.NewComponents[2]),
	}

	var buf bytes.Buffer
	if err := transferMailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func truncateHash(h string) string {
	if len(h) > 12 {
		return h[:12] + "..."
	}
	return h
}
