package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rodrigojille/kustodia-sub014/internal/idgen"
	"github.com/rodrigojille/kustodia-sub014/internal/payment"
	"github.com/rodrigojille/kustodia-sub014/internal/retry"
)

var (
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kustodia",
		Name:      "notifications_total",
		Help:      "Total notifications emitted by type.",
	}, []string{"type"})

	notificationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kustodia",
		Name:      "notification_errors_total",
		Help:      "Notifications that could not be delivered to the sink, by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(notificationsTotal, notificationErrors)
}

const (
	HeaderEvent     = "X-Kustodia-Event"
	HeaderDelivery  = "X-Kustodia-Delivery"
	HeaderTimestamp = "X-Kustodia-Timestamp"
	HeaderSinkSig   = "X-Kustodia-Signature"
)

// Delivery is the body posted to the notification sink.
type Delivery struct {
	ID string `json:"id"`
	payment.Notification
}

// Emitter implements payment.Notifier. Every notification is broadcast to
// the attached feeds and, when a sink is configured, signed and posted in
// the background. Notify never blocks on network I/O.
type Emitter struct {
	sinkURL string
	secret  string
	client  *http.Client
	policy  retry.Policy
	feeds   []payment.Notifier
	logger  *slog.Logger
	wg      sync.WaitGroup
	now     func() time.Time
}

var _ payment.Notifier = (*Emitter)(nil)

// NewEmitter creates an emitter posting to sinkURL; an empty sinkURL only
// broadcasts.
func NewEmitter(sinkURL, secret string, logger *slog.Logger) *Emitter {
	return &Emitter{
		sinkURL: sinkURL,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		policy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		logger: logger,
		now:    time.Now,
	}
}

// WithFeed attaches a notifier that sees every notification, such as the
// realtime hub.
func (e *Emitter) WithFeed(n payment.Notifier) *Emitter {
	e.feeds = append(e.feeds, n)
	return e
}

// WithRetryPolicy replaces the sink delivery policy.
func (e *Emitter) WithRetryPolicy(p retry.Policy) *Emitter {
	e.policy = p
	return e
}

// Notify fans the notification out.
func (e *Emitter) Notify(ctx context.Context, n payment.Notification) {
	if e == nil {
		return
	}
	notificationsTotal.WithLabelValues(n.Type).Inc()
	for _, feed := range e.feeds {
		feed.Notify(ctx, n)
	}
	if e.sinkURL == "" {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := e.deliver(sendCtx, n); err != nil {
			notificationErrors.WithLabelValues(n.Type).Inc()
			e.logger.Warn("notification delivery failed", "type", n.Type, "paymentId", n.PaymentID, "error", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

func (e *Emitter) deliver(ctx context.Context, n payment.Notification) error {
	delivery := Delivery{ID: idgen.WithPrefix("ntf_"), Notification: n}
	body, err := json.Marshal(delivery)
	if err != nil {
		return err
	}

	return e.policy.Do(ctx, func(int) error {
		ts := strconv.FormatInt(e.now().Unix(), 10)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sinkURL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, n.Type)
		req.Header.Set(HeaderDelivery, delivery.ID)
		req.Header.Set(HeaderTimestamp, ts)
		if e.secret != "" {
			req.Header.Set(HeaderSinkSig, SignDelivery(e.secret, ts, body))
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("sink returned status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("sink rejected notification: status %d", resp.StatusCode))
		}
	})
}

// SignDelivery returns hex(HMAC-SHA256(secret, timestamp + "." + body)).
func SignDelivery(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
