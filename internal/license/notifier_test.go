package license

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mwbcli/internal/config"
)

func testNotice() TransferNotice {
	return TransferNotice{
		LicenseKey:    testKey,
		LicenseeName:  "Site Hydrologist",
		LicenseeEmail: "owner@minesite.example",
		NewComponents: [3]string{
			"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			"cccccccccccccccccccccccccccccccc",
		},
		RequestedAt: time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC),
		SourceIP:    "203.0.113.9",
	}
}

func TestNotifierRenderMasksSensitiveContent(t *testing.T) {
	n := NewSMTPNotifier(config.SMTPConfig{}, slog.Default())

	body, err := n.render(testNotice())
	require.NoError(t, err)

	assert.Contains(t, body, "Site Hydrologist")
	assert.Contains(t, body, "MWB-1111-****-****")
	assert.NotContains(t, body, testKey, "the full key never appears in mail")
	assert.Contains(t, body, "203.0.113.9")
	assert.Contains(t, body, "2026-08-20 09:30 UTC")

	// Hashes appear truncated only.
	assert.Contains(t, body, "aaaaaaaaaaaa...")
	assert.NotContains(t, body, strings.Repeat("a", 32))
}

func TestNotifierRenderDefaultsName(t *testing.T) {
	n := NewSMTPNotifier(config.SMTPConfig{}, slog.Default())
	notice := testNotice()
	notice.LicenseeName = ""

	body, err := n.render(notice)
	require.NoError(t, err)
	assert.Contains(t, body, "Hello licensee,")
}

func TestNotifierDisabledWithoutHost(t *testing.T) {
	n := NewSMTPNotifier(config.SMTPConfig{}, slog.Default())

	err := n.NotifyTransfer(context.Background(), testNotice())
	require.NoError(t, err, "no SMTP host means the notice is logged, not an error")
}

func TestNotifierRejectsEmptyRecipient(t *testing.T) {
	n := NewSMTPNotifier(config.SMTPConfig{Host: "mail.minesite.example"}, slog.Default())
	notice := testNotice()
	notice.LicenseeEmail = ""

	err := n.NotifyTransfer(context.Background(), notice)
	assert.Error(t, err)
}

func TestTruncateHash(t *testing.T) {
	assert.Equal(t, "short", truncateHash("short"))
	assert.Equal(t, "aaaaaaaaaaaa...", truncateHash(strings.Repeat("a", 32)))
	assert.Equal(t, "", truncateHash(""))
}

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "not-an-email", want: "****"},
		{in: "ab@x.example", want: "**@x.example"},
		{in: "owner@minesite.example", want: "o****r@minesite.example"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskEmail(tt.in), "maskEmail(%q)", tt.in)
	}
}
