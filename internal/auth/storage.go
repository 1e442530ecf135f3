package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ceciliomichael/antigravity-gateway/internal/models"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// StorageVersion is the only schema version ever written.
const StorageVersion = 3

// AccountMetadata is one persisted account in the v3 schema.
type AccountMetadata struct {
	Email               string                  `json:"email,omitempty"`
	Tier                Tier                    `json:"tier,omitempty"`
	RefreshToken        string                  `json:"refreshToken"`
	ProjectID           string                  `json:"projectId,omitempty"`
	ManagedProjectID    string                  `json:"managedProjectId,omitempty"`
	AddedAtMs           int64                   `json:"addedAtMs"`
	LastUsedAtMs        int64                   `json:"lastUsedAtMs"`
	LastSwitchReason    SwitchReason            `json:"lastSwitchReason,omitempty"`
	RateLimitResetTimes map[models.Family]int64 `json:"rateLimitResetTimes,omitempty"`
}

// AccountsFile is the v3 on-disk document.
type AccountsFile struct {
	Version     int               `json:"version"`
	Accounts    []AccountMetadata `json:"accounts"`
	ActiveIndex int               `json:"activeIndex"`
}

type accountV1 struct {
	Email              string       `json:"email,omitempty"`
	Tier               Tier         `json:"tier,omitempty"`
	RefreshToken       string       `json:"refreshToken"`
	ProjectID          string       `json:"projectId,omitempty"`
	ManagedProjectID   string       `json:"managedProjectId,omitempty"`
	AddedAtMs          int64        `json:"addedAtMs"`
	LastUsedAtMs       int64        `json:"lastUsedAtMs"`
	LastSwitchReason   SwitchReason `json:"lastSwitchReason,omitempty"`
	IsRateLimited      bool         `json:"isRateLimited,omitempty"`
	RateLimitResetTime int64        `json:"rateLimitResetTime,omitempty"`
}

type accountsFileV1 struct {
	Version     int         `json:"version"`
	Accounts    []accountV1 `json:"accounts"`
	ActiveIndex int         `json:"activeIndex"`
}

type rateLimitsV2 struct {
	Claude *int64 `json:"claude,omitempty"`
	Gemini *int64 `json:"gemini,omitempty"`
}

type accountV2 struct {
	Email               string        `json:"email,omitempty"`
	Tier                Tier          `json:"tier,omitempty"`
	RefreshToken        string        `json:"refreshToken"`
	ProjectID           string        `json:"projectId,omitempty"`
	ManagedProjectID    string        `json:"managedProjectId,omitempty"`
	AddedAtMs           int64         `json:"addedAtMs"`
	LastUsedAtMs        int64         `json:"lastUsedAtMs"`
	LastSwitchReason    SwitchReason  `json:"lastSwitchReason,omitempty"`
	RateLimitResetTimes *rateLimitsV2 `json:"rateLimitResetTimes,omitempty"`
}

type accountsFileV2 struct {
	Version     int         `json:"version"`
	Accounts    []accountV2 `json:"accounts"`
	ActiveIndex int         `json:"activeIndex"`
}

// migrateV1ToV2 spreads the single v1 reset time across both v2 family keys.
// Accounts that were not rate limited carry no reset times at all.
func migrateV1ToV2(v1 *accountsFileV1) *accountsFileV2 {
	v2 := &accountsFileV2{Version: 2, ActiveIndex: v1.ActiveIndex, Accounts: make([]accountV2, 0, len(v1.Accounts))}
	for _, a := range v1.Accounts {
		acc := accountV2{
			Email:            a.Email,
			Tier:             a.Tier,
			RefreshToken:     a.RefreshToken,
			ProjectID:        a.ProjectID,
			ManagedProjectID: a.ManagedProjectID,
			AddedAtMs:        a.AddedAtMs,
			LastUsedAtMs:     a.LastUsedAtMs,
			LastSwitchReason: a.LastSwitchReason,
		}
		if a.IsRateLimited && a.RateLimitResetTime > 0 {
			reset := a.RateLimitResetTime
			acc.RateLimitResetTimes = &rateLimitsV2{Claude: &reset, Gemini: &reset}
		}
		v2.Accounts = append(v2.Accounts, acc)
	}
	return v2
}

// migrateV2ToV3 splits the combined gemini key into flash and pro.
func migrateV2ToV3(v2 *accountsFileV2) *AccountsFile {
	v3 := &AccountsFile{Version: StorageVersion, ActiveIndex: v2.ActiveIndex, Accounts: make([]AccountMetadata, 0, len(v2.Accounts))}
	for _, a := range v2.Accounts {
		acc := AccountMetadata{
			Email:            a.Email,
			Tier:             a.Tier,
			RefreshToken:     a.RefreshToken,
			ProjectID:        a.ProjectID,
			ManagedProjectID: a.ManagedProjectID,
			AddedAtMs:        a.AddedAtMs,
			LastUsedAtMs:     a.LastUsedAtMs,
			LastSwitchReason: a.LastSwitchReason,
		}
		if rl := a.RateLimitResetTimes; rl != nil && (rl.Claude != nil || rl.Gemini != nil) {
			acc.RateLimitResetTimes = make(map[models.Family]int64)
			if rl.Claude != nil {
				acc.RateLimitResetTimes[models.FamilyClaude] = *rl.Claude
			}
			if rl.Gemini != nil {
				acc.RateLimitResetTimes[models.FamilyGeminiFlash] = *rl.Gemini
				acc.RateLimitResetTimes[models.FamilyGeminiPro] = *rl.Gemini
			}
		}
		v3.Accounts = append(v3.Accounts, acc)
	}
	return v3
}

// AccountStorage persists the account document at a fixed path.
type AccountStorage struct {
	mu   sync.Mutex
	path string
}

// NewAccountStorage creates a store backed by path.
func NewAccountStorage(path string) *AccountStorage {
	return &AccountStorage{path: path}
}

// Path returns the storage file location.
func (s *AccountStorage) Path() string {
	return s.path
}

// Load reads the document, upgrading older schemas and persisting the upgrade.
// A missing, unreadable or unrecognised document yields nil.
func (s *AccountStorage) Load() *AccountsFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("read account storage %s: %v", s.path, err)
		}
		return nil
	}
	if !gjson.ValidBytes(data) {
		log.Warnf("account storage %s is not valid JSON, ignoring", s.path)
		return nil
	}
	if !gjson.GetBytes(data, "accounts").IsArray() {
		log.Warnf("account storage %s has no accounts array, ignoring", s.path)
		return nil
	}

	version := gjson.GetBytes(data, "version")
	if version.Type != gjson.Number {
		log.Warnf("account storage %s has no version, ignoring", s.path)
		return nil
	}

	var doc *AccountsFile
	migrated := false
	switch version.Int() {
	case 1:
		var v1 accountsFileV1
		if err := json.Unmarshal(data, &v1); err != nil {
			log.Warnf("parse v1 account storage: %v", err)
			return nil
		}
		doc = migrateV2ToV3(migrateV1ToV2(&v1))
		migrated = true
	case 2:
		var v2 accountsFileV2
		if err := json.Unmarshal(data, &v2); err != nil {
			log.Warnf("parse v2 account storage: %v", err)
			return nil
		}
		doc = migrateV2ToV3(&v2)
		migrated = true
	case StorageVersion:
		doc = &AccountsFile{}
		if err := json.Unmarshal(data, doc); err != nil {
			log.Warnf("parse account storage: %v", err)
			return nil
		}
	default:
		log.Warnf("account storage %s has unknown version %s, ignoring", s.path, version.Raw)
		return nil
	}

	if doc.ActiveIndex < 0 || doc.ActiveIndex >= len(doc.Accounts) {
		doc.ActiveIndex = 0
	}

	if migrated {
		log.Infof("migrated account storage from v%d to v%d", version.Int(), StorageVersion)
		if err := s.writeLocked(doc); err != nil {
			log.Warnf("persist migrated account storage: %v", err)
		}
	}
	return doc
}

// Save overwrites the document, creating parent directories as needed.
func (s *AccountStorage) Save(doc *AccountsFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(doc)
}

func (s *AccountStorage) writeLocked(doc *AccountsFile) error {
	if doc == nil {
		return fmt.Errorf("account storage: nil document")
	}
	doc.Version = StorageVersion
	if doc.Accounts == nil {
		doc.Accounts = []AccountMetadata{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account storage: %w", err)
	}

	if err := WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("write account storage: %w", err)
	}
	return nil
}
