// Package account implements the account registry (PM): it validates user
// entries from the accounts config, owns per-account identity and
// enable/disable state, and announces lifecycle changes on the bus.
//
// API credentials never leave the registry via events; components that need
// them (the data engine) look accounts up directly.
package account

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"perpbot/internal/bus"
)

// Account is one loaded user. Credentials stay in memory only.
type Account struct {
	UserID    string
	Name      string
	APIKey    string
	APISecret string
	Strategy  string
	Testnet   bool

	mu      sync.Mutex
	enabled bool
}

// Enabled reports whether the account is currently enabled.
func (a *Account) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *Account) setEnabled(v bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled == v {
		return false
	}
	a.enabled = v
	return true
}

// Registry validates and owns all accounts.
type Registry struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[string]*Account
	failed   map[string]string // user_id -> validation failure reason
}

// New creates an empty registry.
func New(b *bus.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		bus:      b,
		logger:   logger.With("component", "pm"),
		accounts: make(map[string]*Account),
		failed:   make(map[string]string),
	}
}

// LoadAccounts validates every entry, keeps the valid ones and records the
// rest. Each valid account emits pm.account.loaded; each invalid one emits
// pm.load.failed. A final pm.manager.ready carries the counts. Returns the
// number of accounts loaded.
func (r *Registry) LoadAccounts(users map[string]map[string]any) int {
	loaded := 0
	for _, userID := range sortedKeys(users) {
		acct, err := validate(userID, users[userID])
		if err != nil {
			r.recordFailure(userID, err.Error())
			continue
		}
		acct.enabled = true

		r.mu.Lock()
		r.accounts[userID] = acct
		r.mu.Unlock()
		loaded++

		r.logger.Info("account loaded", "user_id", userID, "name", acct.Name, "strategy", acct.Strategy)
		r.bus.Publish(bus.NewEventFrom("pm.account.loaded", map[string]any{
			"user_id":  userID,
			"name":     acct.Name,
			"strategy": acct.Strategy,
			"testnet":  acct.Testnet,
		}, "AccountRegistry"))
	}

	r.mu.RLock()
	failedCount := len(r.failed)
	userIDs := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		userIDs = append(userIDs, id)
	}
	r.mu.RUnlock()
	sort.Strings(userIDs)

	r.bus.Publish(bus.NewEventFrom("pm.manager.ready", map[string]any{
		"loaded_count": loaded,
		"failed_count": failedCount,
		"user_ids":     userIDs,
	}, "AccountRegistry"))
	r.logger.Info("account registry ready", "loaded", loaded, "failed", failedCount)
	return loaded
}

func (r *Registry) recordFailure(userID, reason string) {
	r.mu.Lock()
	r.failed[userID] = reason
	r.mu.Unlock()

	r.logger.Warn("account rejected", "user_id", userID, "reason", reason)
	r.bus.Publish(bus.NewEventFrom("pm.load.failed", map[string]any{
		"user_id": userID,
		"error":   reason,
	}, "AccountRegistry"))
}

// validate enforces the account entry contract: name, api_key, api_secret and
// strategy must be non-empty strings; testnet, if present, must be a boolean.
func validate(userID string, entry map[string]any) (*Account, error) {
	if entry == nil {
		return nil, fmt.Errorf("entry is not an object")
	}

	str := func(field string) (string, error) {
		v, ok := entry[field]
		if !ok {
			return "", fmt.Errorf("missing required field: %s", field)
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("field must be a string: %s", field)
		}
		if s == "" {
			return "", fmt.Errorf("field must be non-empty: %s", field)
		}
		return s, nil
	}

	name, err := str("name")
	if err != nil {
		return nil, err
	}
	apiKey, err := str("api_key")
	if err != nil {
		return nil, err
	}
	apiSecret, err := str("api_secret")
	if err != nil {
		return nil, err
	}
	strategy, err := str("strategy")
	if err != nil {
		return nil, err
	}

	testnet := false
	if v, ok := entry["testnet"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("field testnet must be a boolean")
		}
		testnet = b
	}

	return &Account{
		UserID:    userID,
		Name:      name,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Strategy:  strategy,
		Testnet:   testnet,
	}, nil
}

// Get looks an account up by user ID.
func (r *Registry) Get(userID string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[userID]
	return acct, ok
}

// UserIDs returns all loaded user IDs, sorted.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FailedAccounts returns the user_id -> reason map of rejected entries.
func (r *Registry) FailedAccounts() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.failed))
	for id, reason := range r.failed {
		out[id] = reason
	}
	return out
}

// Enable marks the account enabled and announces it.
func (r *Registry) Enable(userID string) error {
	return r.flip(userID, true, "pm.account.enabled")
}

// Disable marks the account disabled and announces it.
func (r *Registry) Disable(userID string) error {
	return r.flip(userID, false, "pm.account.disabled")
}

func (r *Registry) flip(userID string, enabled bool, subject string) error {
	acct, ok := r.Get(userID)
	if !ok {
		return fmt.Errorf("unknown account: %s", userID)
	}
	if !acct.setEnabled(enabled) {
		return nil
	}
	r.bus.Publish(bus.NewEventFrom(subject, map[string]any{"user_id": userID}, "AccountRegistry"))
	return nil
}

// Shutdown disables every account and announces manager shutdown.
func (r *Registry) Shutdown() {
	for _, id := range r.UserIDs() {
		if acct, ok := r.Get(id); ok && acct.setEnabled(false) {
			r.logger.Debug("account disabled on shutdown", "user_id", id)
		}
	}

	r.mu.RLock()
	count := len(r.accounts)
	r.mu.RUnlock()

	r.bus.Publish(bus.NewEventFrom("pm.manager.shutdown", map[string]any{
		"account_count": count,
	}, "AccountRegistry"))
}

func sortedKeys(m map[string]map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
