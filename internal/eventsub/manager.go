// Package eventsub implements the webhook event-subscription manager: an
// HTTPS callback server that creates, verifies, receives, and revokes push
// subscriptions with the platform's EventSub API.
package eventsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/rmoriz/twitcharchive/internal/randx"
)

const subscriptionsEndpoint = "https://api.twitch.tv/helix/eventsub/subscriptions"

// credentialDoer is the subset of credential.Broker the manager needs;
// declared locally so the manager can be tested against a stub without
// depending on a live token endpoint.
type credentialDoer interface {
	Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error)
	ClientID() string
}

// Manager is the webhook event-subscription manager described in
// SPEC_FULL.md §4.1.
type Manager struct {
	logger    *slog.Logger
	broker    credentialDoer
	publicURL string
	idx       *index
}

// NewManager constructs a Manager. publicURL is the externally reachable
// base address used when requesting subscriptions; the manager always
// appends "/callback" to it.
func NewManager(broker credentialDoer, publicURL string, logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		broker:    broker,
		publicURL: publicURL,
		idx:       newIndex(),
	}
}

func (m *Manager) callbackURL() string {
	return m.publicURL + "/callback"
}

// Subscribe registers a new subscription with the platform and returns a
// handle whose Recv yields decoded event bytes.
func (m *Manager) Subscribe(ctx context.Context, evt EventType, condition map[string]string) (*Subscription, error) {
	secret := randx.Secret()

	reqBody := createRequest{
		Type:      evt.Name,
		Version:   evt.Version,
		Condition: condition,
		Transport: transport{
			Method:   "webhook",
			Callback: m.callbackURL(),
			Secret:   secret,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription request: %w", err)
	}

	resp, err := m.broker.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscriptionsEndpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read subscription response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("create subscription: platform returned %d: %s", resp.StatusCode, body)
	}

	var created createResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("decode subscription response: %w", err)
	}
	if len(created.Data) != 1 {
		return nil, fmt.Errorf("create subscription: expected exactly one subscription in response, got %d", len(created.Data))
	}
	remote := created.Data[0]

	e := &entry{
		id:     remote.ID,
		status: newStatusCell(remote.Status),
		secret: secret,
		queue:  newEventQueue(),
	}
	m.idx.store(e)

	m.logger.Info("created eventsub subscription", "id", e.id, "type", evt.Name, "status", remote.Status)

	return &Subscription{ID: e.id, status: e.status, queue: e.queue}, nil
}

// HandleCallback implements the single POST /callback endpoint state
// machine described in SPEC_FULL.md §4.1.
func (m *Manager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	messageID := r.Header.Get("Twitch-Eventsub-Message-Id")
	timestamp := r.Header.Get("Twitch-Eventsub-Message-Timestamp")
	signature := r.Header.Get("Twitch-Eventsub-Message-Signature")
	messageType := r.Header.Get("Twitch-Eventsub-Message-Type")

	switch messageType {
	case "webhook_callback_verification":
		m.handleVerification(w, messageID, timestamp, signature, body)
	case "notification":
		m.handleNotification(w, messageID, timestamp, signature, body)
	case "revocation":
		m.handleRevocation(w, messageID, timestamp, signature, body)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (m *Manager) handleVerification(w http.ResponseWriter, messageID, timestamp, signature string, body []byte) {
	var payload verificationBody
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	e, ok := m.idx.load(payload.Subscription.ID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := verifySignature(e.secret, messageID, timestamp, body, signature); err != nil {
		m.logger.Warn("verification callback failed hmac check", "id", e.id)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if !e.status.CompareAndSwap(StatusVerificationPending, StatusEnabled) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(e.status.Load()))
		return
	}

	m.logger.Info("subscription verified", "id", e.id)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(payload.Challenge))
}

func (m *Manager) handleNotification(w http.ResponseWriter, messageID, timestamp, signature string, body []byte) {
	var payload notificationBody
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	e, ok := m.idx.load(payload.Subscription.ID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := verifySignature(e.secret, messageID, timestamp, body, signature); err != nil {
		m.logger.Warn("notification callback failed hmac check", "id", e.id)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if e.status.Load() != StatusEnabled {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(e.status.Load()))
		return
	}

	if !e.queue.Send(payload.Event) {
		m.idx.delete(e.id)
		w.WriteHeader(http.StatusGone)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Manager) handleRevocation(w http.ResponseWriter, messageID, timestamp, signature string, body []byte) {
	var payload revocationBody
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	e, ok := m.idx.load(payload.Subscription.ID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := verifySignature(e.secret, messageID, timestamp, body, signature); err != nil {
		m.logger.Warn("revocation callback failed hmac check", "id", e.id)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	m.idx.delete(e.id)
	e.status.Store(payload.Subscription.Status)
	e.queue.Close()

	m.logger.Info("subscription revoked", "id", e.id, "status", payload.Subscription.Status)
	w.WriteHeader(http.StatusOK)
}

// ListAll fetches every subscription owned by the credentials, following
// pagination.
func (m *Manager) ListAll(ctx context.Context) ([]remoteSubscription, error) {
	var all []remoteSubscription
	cursor := ""
	for {
		url := subscriptionsEndpoint
		if cursor != "" {
			url += "?after=" + cursor
		}

		resp, err := m.broker.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		})
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}

		var page listResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode subscriptions page: %w", err)
		}

		all = append(all, page.Data...)
		if page.Pagination.Cursor == "" {
			break
		}
		cursor = page.Pagination.Cursor
	}
	return all, nil
}

// Delete removes a single subscription by id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	resp, err := m.broker.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, subscriptionsEndpoint+"?id="+id, nil)
	})
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete subscription %s: platform returned %d", id, resp.StatusCode)
	}
	return nil
}

// Clean deletes every subscription whose remote status is no longer ok.
func (m *Manager) Clean(ctx context.Context) error {
	all, err := m.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, s := range all {
		if s.Status.IsOK() {
			continue
		}
		if err := m.Delete(ctx, s.ID); err != nil {
			m.logger.Warn("failed to delete stale subscription", "id", s.ID, "error", err)
		}
	}
	return nil
}

// Wipe deletes every subscription owned by the credentials, regardless of
// status. It is called at startup to clear state left over from a prior
// run.
func (m *Manager) Wipe(ctx context.Context) error {
	all, err := m.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, s := range all {
		if err := m.Delete(ctx, s.ID); err != nil {
			return fmt.Errorf("wipe: delete %s: %w", s.ID, err)
		}
	}
	return nil
}

// Shutdown closes every locally held subscription's event queue, waking
// any supervisor blocked in Recv immediately instead of leaving it to
// notice context cancellation on its own. It does not touch remote
// subscription state; call Wipe separately to delete it.
func (m *Manager) Shutdown() {
	for _, e := range m.idx.all() {
		e.queue.Close()
	}
}
