package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	log "github.com/sirupsen/logrus"
)

// AccountManager selects accounts per model family and tracks their rate-limit
// windows. All methods are safe for concurrent use; Save runs under the same
// lock as mutations so persisted state follows the in-memory sequence.
type AccountManager struct {
	mu           sync.Mutex
	accounts     []*ManagedAccount
	currentIndex int
	cursor       int
	storage      *AccountStorage
	now          func() time.Time
}

// NewAccountManager builds the account list. Persisted storage, when non-empty,
// is authoritative; the live credential's access token is attached to the
// active account only. Otherwise accounts are decoded from the packed refresh
// string of cred.
func NewAccountManager(cred *OAuthCredential, stored *AccountsFile, storage *AccountStorage) *AccountManager {
	m := &AccountManager{
		currentIndex: -1,
		storage:      storage,
		now:          time.Now,
	}
	nowMs := m.now().UnixMilli()

	if stored != nil && len(stored.Accounts) > 0 {
		for i, meta := range stored.Accounts {
			acc := &ManagedAccount{
				Index: i,
				Parts: CredentialParts{
					RefreshToken:     meta.RefreshToken,
					ProjectID:        meta.ProjectID,
					ManagedProjectID: meta.ManagedProjectID,
				},
				RateLimitResetAt: make(map[models.Family]int64),
				AddedAtMs:        meta.AddedAtMs,
				LastUsedAtMs:     meta.LastUsedAtMs,
				Email:            meta.Email,
				Tier:             meta.Tier,
				LastSwitchReason: meta.LastSwitchReason,
			}
			for family, reset := range meta.RateLimitResetTimes {
				acc.RateLimitResetAt[family] = reset
			}
			m.accounts = append(m.accounts, acc)
		}
		active := stored.ActiveIndex
		if active < 0 || active >= len(m.accounts) {
			active = 0
		}
		m.currentIndex = active
		if cred != nil {
			m.accounts[active].AccessToken = cred.Access
			m.accounts[active].AccessTokenExpiresAtMs = cred.Expires
		}
		return m
	}

	if cred == nil {
		return m
	}
	for i, parts := range ParseMultiAccountRefresh(cred.Refresh) {
		acc := &ManagedAccount{
			Index:            i,
			Parts:            parts,
			RateLimitResetAt: make(map[models.Family]int64),
			AddedAtMs:        nowMs,
			LastUsedAtMs:     0,
			LastSwitchReason: SwitchInitial,
		}
		if i == 0 {
			acc.AccessToken = cred.Access
			acc.AccessTokenExpiresAtMs = cred.Expires
			acc.Email = cred.Email
		}
		m.accounts = append(m.accounts, acc)
	}
	if len(m.accounts) > 0 {
		m.currentIndex = 0
	}
	return m
}

// SetClock replaces the time source. Intended for tests.
func (m *AccountManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Count returns the number of accounts.
func (m *AccountManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// Accounts returns copies of all accounts in index order.
func (m *AccountManager) Accounts() []ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ManagedAccount, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc.clone())
	}
	return out
}

// At returns the live account at index, or nil.
func (m *AccountManager) At(index int) *ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return nil
	}
	return m.accounts[index]
}

// Snapshot returns a copy of acc as currently known by the manager.
func (m *AccountManager) Snapshot(acc *ManagedAccount) ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return acc.clone()
}

// Current returns the current account, or nil when unset.
func (m *AccountManager) Current() *ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *AccountManager) currentLocked() *ManagedAccount {
	if m.currentIndex < 0 || m.currentIndex >= len(m.accounts) {
		return nil
	}
	return m.accounts[m.currentIndex]
}

// GetCurrentOrNextForFamily keeps the current account while it is usable for
// family and no paid account would outrank it; otherwise it selects the next
// eligible account and makes it current. Returns nil when every account is
// rate limited for family.
func (m *AccountManager) GetCurrentOrNextForFamily(family models.Family) *ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	m.clearExpiredLocked(nowMs)

	if current := m.currentLocked(); current != nil && !isRateLimited(current, family, nowMs) {
		outranked := current.Tier != TierPaid && m.hasAvailablePaidLocked(family, nowMs)
		if !outranked {
			current.LastUsedAtMs = nowMs
			return current
		}
	}

	next := m.nextLocked(family, nowMs)
	if next != nil {
		m.currentIndex = next.Index
	}
	return next
}

// GetNextForFamily round-robins over accounts not rate limited for family,
// restricted to paid accounts when any are eligible.
func (m *AccountManager) GetNextForFamily(family models.Family) *ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	m.clearExpiredLocked(nowMs)
	return m.nextLocked(family, nowMs)
}

func (m *AccountManager) nextLocked(family models.Family, nowMs int64) *ManagedAccount {
	var eligible, paid []*ManagedAccount
	for _, acc := range m.accounts {
		if isRateLimited(acc, family, nowMs) {
			continue
		}
		eligible = append(eligible, acc)
		if acc.Tier == TierPaid {
			paid = append(paid, acc)
		}
	}
	if len(paid) > 0 {
		eligible = paid
	}
	if len(eligible) == 0 {
		return nil
	}

	acc := eligible[m.cursor%len(eligible)]
	m.cursor++
	acc.LastUsedAtMs = nowMs
	return acc
}

func (m *AccountManager) hasAvailablePaidLocked(family models.Family, nowMs int64) bool {
	for _, acc := range m.accounts {
		if acc.Tier == TierPaid && !isRateLimited(acc, family, nowMs) {
			return true
		}
	}
	return false
}

func (m *AccountManager) clearExpiredLocked(nowMs int64) {
	for _, acc := range m.accounts {
		for family, reset := range acc.RateLimitResetAt {
			if nowMs >= reset {
				delete(acc.RateLimitResetAt, family)
			}
		}
	}
}

func isRateLimited(acc *ManagedAccount, family models.Family, nowMs int64) bool {
	reset, ok := acc.RateLimitResetAt[family]
	if !ok {
		return false
	}
	if nowMs >= reset {
		delete(acc.RateLimitResetAt, family)
		return false
	}
	return true
}

// MarkSwitched records why acc became current and makes it current. It does not persist.
func (m *AccountManager) MarkSwitched(acc *ManagedAccount, reason SwitchReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc.LastSwitchReason = reason
	if m.indexOfLocked(acc) >= 0 {
		m.currentIndex = acc.Index
	}
}

// MarkRateLimited blocks acc for family until now+retryAfter.
func (m *AccountManager) MarkRateLimited(acc *ManagedAccount, retryAfter time.Duration, family models.Family) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.RateLimitResetAt == nil {
		acc.RateLimitResetAt = make(map[models.Family]int64)
	}
	acc.RateLimitResetAt[family] = m.now().Add(retryAfter).UnixMilli()
}

// IsRateLimited reports whether acc is currently blocked for family.
func (m *AccountManager) IsRateLimited(acc *ManagedAccount, family models.Family) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return isRateLimited(acc, family, m.now().UnixMilli())
}

// GetMinWaitTimeForFamily returns zero when any account is eligible for family,
// otherwise the shortest remaining rate-limit window.
func (m *AccountManager) GetMinWaitTimeForFamily(family models.Family) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()
	var minWait int64 = -1
	for _, acc := range m.accounts {
		if !isRateLimited(acc, family, nowMs) {
			return 0
		}
		wait := acc.RateLimitResetAt[family] - nowMs
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}
	if minWait < 0 {
		return 0
	}
	return time.Duration(minWait) * time.Millisecond
}

// UpdateAccount applies a refreshed access token and, optionally, new refresh parts.
func (m *AccountManager) UpdateAccount(acc *ManagedAccount, accessToken string, expiresAtMs int64, parts *CredentialParts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc.AccessToken = accessToken
	acc.AccessTokenExpiresAtMs = expiresAtMs
	if parts != nil {
		acc.Parts = *parts
	}
}

// SetTier records the tier reported by the backend for acc.
func (m *AccountManager) SetTier(acc *ManagedAccount, tier Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc.Tier = tier
}

// AddAccount appends an account and returns it. The first account becomes current.
func (m *AccountManager) AddAccount(parts CredentialParts, email string, tier Tier) *ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := &ManagedAccount{
		Index:            len(m.accounts),
		Parts:            parts,
		RateLimitResetAt: make(map[models.Family]int64),
		AddedAtMs:        m.now().UnixMilli(),
		Email:            email,
		Tier:             tier,
	}
	m.accounts = append(m.accounts, acc)
	if m.currentIndex < 0 {
		m.currentIndex = acc.Index
		acc.LastSwitchReason = SwitchInitial
	}
	return acc
}

// RemoveAccount deletes acc and renumbers the remaining accounts. The current
// pointer follows its account; when the current account itself is removed the
// pointer moves to the account that took its slot, or is unset if none remain.
func (m *AccountManager) RemoveAccount(acc *ManagedAccount) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOfLocked(acc)
	if idx < 0 {
		return false
	}
	m.removeLocked(idx)
	return true
}

// RemoveAt removes the account at index.
func (m *AccountManager) RemoveAt(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return fmt.Errorf("account index %d out of range (have %d)", index, len(m.accounts))
	}
	m.removeLocked(index)
	return nil
}

func (m *AccountManager) removeLocked(idx int) {
	m.accounts = append(m.accounts[:idx], m.accounts[idx+1:]...)
	for i, a := range m.accounts {
		a.Index = i
	}

	switch {
	case len(m.accounts) == 0:
		m.currentIndex = -1
	case m.currentIndex > idx:
		m.currentIndex--
	case m.currentIndex >= len(m.accounts):
		m.currentIndex = 0
	}
}

func (m *AccountManager) indexOfLocked(acc *ManagedAccount) int {
	if acc == nil {
		return -1
	}
	if acc.Index >= 0 && acc.Index < len(m.accounts) && m.accounts[acc.Index] == acc {
		return acc.Index
	}
	for i, a := range m.accounts {
		if a == acc {
			return i
		}
	}
	return -1
}

// CredentialFor returns the single-account credential for acc.
func (m *AccountManager) CredentialFor(acc *ManagedAccount) *OAuthCredential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &OAuthCredential{
		Type:    "oauth",
		Refresh: FormatRefreshParts(acc.Parts),
		Access:  acc.AccessToken,
		Expires: acc.AccessTokenExpiresAtMs,
		Email:   acc.Email,
	}
}

// ToAuthDetails packs every account into one credential carrying the current
// account's live access token.
func (m *AccountManager) ToAuthDetails() *OAuthCredential {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := make([]CredentialParts, 0, len(m.accounts))
	for _, acc := range m.accounts {
		parts = append(parts, acc.Parts)
	}
	cred := &OAuthCredential{Type: "oauth", Refresh: FormatMultiAccountRefresh(parts)}
	if current := m.currentLocked(); current != nil {
		cred.Access = current.AccessToken
		cred.Expires = current.AccessTokenExpiresAtMs
		cred.Email = current.Email
	}
	return cred
}

// ToStorage maps the accounts to the v3 persisted document.
func (m *AccountManager) ToStorage() *AccountsFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toStorageLocked()
}

func (m *AccountManager) toStorageLocked() *AccountsFile {
	doc := &AccountsFile{
		Version:     StorageVersion,
		Accounts:    make([]AccountMetadata, 0, len(m.accounts)),
		ActiveIndex: m.currentIndex,
	}
	if doc.ActiveIndex < 0 {
		doc.ActiveIndex = 0
	}
	for _, acc := range m.accounts {
		meta := AccountMetadata{
			Email:            acc.Email,
			Tier:             acc.Tier,
			RefreshToken:     acc.Parts.RefreshToken,
			ProjectID:        acc.Parts.ProjectID,
			ManagedProjectID: acc.Parts.ManagedProjectID,
			AddedAtMs:        acc.AddedAtMs,
			LastUsedAtMs:     acc.LastUsedAtMs,
			LastSwitchReason: acc.LastSwitchReason,
		}
		if len(acc.RateLimitResetAt) > 0 {
			meta.RateLimitResetTimes = make(map[models.Family]int64, len(acc.RateLimitResetAt))
			for family, reset := range acc.RateLimitResetAt {
				meta.RateLimitResetTimes[family] = reset
			}
		}
		doc.Accounts = append(doc.Accounts, meta)
	}
	return doc
}

// Save persists the accounts in the v3 schema.
func (m *AccountManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storage == nil {
		return nil
	}
	if err := m.storage.Save(m.toStorageLocked()); err != nil {
		return err
	}
	log.Debugf("saved %d accounts to %s", len(m.accounts), m.storage.Path())
	return nil
}
