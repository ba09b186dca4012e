// Package pairing binds the gateway to a single owner on first contact and
// authorizes every later request against that owner.
package pairing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/basket/go-paw/internal/audit"
	"github.com/basket/go-paw/internal/config"
)

// Status is the outcome of Authorize.
type Status int

const (
	StatusStranger Status = iota
	StatusFirstContact
	StatusOwner
)

func (s Status) String() string {
	switch s {
	case StatusFirstContact:
		return "first_contact"
	case StatusOwner:
		return "owner"
	default:
		return "stranger"
	}
}

// DenialText is the only reply a stranger ever receives.
const DenialText = "⛔ Unauthorized. This bot is locked to another user."

var (
	ErrAlreadyBound = errors.New("owner already bound")
	ErrInvalidID    = errors.New("invalid requester id")
)

const notifyTimeout = 3 * time.Second

// Requester identifies who sent an inbound action. Local requesters arrive over
// the token-authenticated dashboard and act as the owner.
type Requester struct {
	ID    int64
	Local bool
}

// Manager evaluates requesters against the owner stored in Settings.
type Manager struct {
	store  *config.Store
	client *http.Client
	logger *slog.Logger
}

func New(store *config.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		client: &http.Client{Timeout: notifyTimeout},
		logger: logger.With("component", "pairing"),
	}
}

// Owner returns the bound owner id, or zero.
func (m *Manager) Owner() int64 {
	return m.store.Get().AllowedUserID
}

// Authorize reads the current owner on every call.
func (m *Manager) Authorize(r Requester) Status {
	if r.Local {
		return StatusOwner
	}
	owner := m.store.Get().AllowedUserID
	switch {
	case owner == 0:
		return StatusFirstContact
	case r.ID == owner:
		return StatusOwner
	default:
		return StatusStranger
	}
}

// Bind makes id the permanent owner. It fails with ErrAlreadyBound when any
// owner exists, leaving that owner untouched. The setup service is notified
// afterwards; a failed notification does not fail the bind.
func (m *Manager) Bind(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrInvalidID
	}
	err := m.store.Update(func(s *config.Settings) error {
		if s.AllowedUserID != 0 {
			return ErrAlreadyBound
		}
		s.AllowedUserID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyBound) {
			audit.Record(ctx, audit.DecisionDeny, "pairing.bind", "already_bound", strconv.FormatInt(id, 10))
		}
		return err
	}
	audit.Record(ctx, audit.DecisionAllow, "pairing.bind", "first_contact", strconv.FormatInt(id, 10))
	m.logger.Info("owner paired", "user_id", id)

	m.notify(ctx, id)
	return nil
}

func (m *Manager) notify(ctx context.Context, id int64) {
	endpoint := m.store.Get().SetupEndpoint() + "/complete?user_id=" + url.QueryEscape(strconv.FormatInt(id, 10))
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		m.logger.Debug("pairing notify skipped", "error", err)
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("pairing notify failed", "endpoint", endpoint, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.logger.Debug("pairing notify rejected", "status", resp.StatusCode)
	}
}
