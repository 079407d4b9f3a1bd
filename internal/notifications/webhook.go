package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC of the webhook body when a secret is set.
const SignatureHeader = "X-Fleetcheck-Signature"

// blockedCIDRs are private and reserved ranges webhooks may not target.
var blockedCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
}

var blockedNets = func() []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blockedCIDRs))
	for _, cidr := range blockedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid blocked CIDR %q: %v", cidr, err))
		}
		nets = append(nets, n)
	}
	return nets
}()

func isBlockedIP(ip net.IP) bool {
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return ip.IsUnspecified()
}

// ValidateWebhookURL checks that a push webhook is an http(s) URL with a host.
// Literal IPs in private or reserved ranges are rejected; hostnames are
// checked again at dial time.
func ValidateWebhookURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTP or HTTPS scheme")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return fmt.Errorf("webhook URL targets blocked address %s", host)
	}
	return nil
}

// validatingDialer refuses connections whose resolved address is blocked.
func validatingDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", host, err)
		}
		for _, ip := range ips {
			if !isBlockedIP(ip.IP) {
				return dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
			}
		}
		return nil, fmt.Errorf("all resolved addresses for %q are blocked", host)
	}
}

// WebhookPayload is the body posted for each pushed notification.
type WebhookPayload struct {
	EventType    string              `json:"event_type"`
	Timestamp    time.Time           `json:"timestamp"`
	User         string              `json:"user"`
	Notification models.Notification `json:"notification"`
}

// WebhookPusher posts pushed notifications to an outside URL, signed with
// HMAC-SHA256 and retried with exponential backoff.
type WebhookPusher struct {
	client     *http.Client
	url        string
	secret     string
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
}

// NewWebhookPusher validates rawURL and creates a pusher. A nil client gets a
// default one whose dialer blocks private addresses.
func NewWebhookPusher(rawURL, secret string, client *http.Client, logger zerolog.Logger) (*WebhookPusher, error) {
	if err := ValidateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{DialContext: validatingDialer()},
		}
	}
	return &WebhookPusher{
		client:     client,
		url:        rawURL,
		secret:     secret,
		maxRetries: 3,
		backoff:    time.Second,
		logger:     logger.With().Str("component", "webhook_pusher").Logger(),
	}, nil
}

// Push posts n.
func (w *WebhookPusher) Push(ctx context.Context, user *models.User, n models.Notification) error {
	body, err := json.Marshal(WebhookPayload{
		EventType:    "notification." + string(n.Type),
		Timestamp:    time.Now().UTC(),
		User:         user.Username,
		Notification: n,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(2, float64(attempt-1))) * w.backoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			w.logger.Debug().Int("attempt", attempt+1).Msg("retrying webhook")
		}

		lastErr = w.send(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", w.maxRetries, lastErr)
}

func (w *WebhookPusher) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, computeHMAC(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.logger.Debug().Int("status", resp.StatusCode).Msg("webhook notification sent")
		return nil
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
