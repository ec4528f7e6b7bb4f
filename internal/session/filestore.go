// Package session persists linked accounts and supervises their
// connection state and listeners.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
)

// Record is one entry of a platform's session file.
type Record struct {
	ID        string     `json:"id"`
	Provider  string     `json:"provider"`
	Label     string     `json:"label"`
	Data      RecordData `json:"data"`
	CreatedAt time.Time  `json:"createdAt"`
}

// RecordData holds the administrative flags plus credential metadata. Meta
// keys are stored inline next to the known fields.
type RecordData struct {
	IsActive    bool
	WorkspaceID string
	BrandID     string
	CreatedBy   string
	Meta        map[string]any
}

var knownDataKeys = []string{"isActive", "workspaceId", "brandId", "createdBy"}

func (d RecordData) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Meta)+4)
	for k, v := range d.Meta {
		m[k] = v
	}
	m["isActive"] = d.IsActive
	if d.WorkspaceID != "" {
		m["workspaceId"] = d.WorkspaceID
	}
	if d.BrandID != "" {
		m["brandId"] = d.BrandID
	}
	if d.CreatedBy != "" {
		m["createdBy"] = d.CreatedBy
	}
	return json.Marshal(m)
}

func (d *RecordData) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	d.IsActive, _ = m["isActive"].(bool)
	d.WorkspaceID, _ = m["workspaceId"].(string)
	d.BrandID, _ = m["brandId"].(string)
	d.CreatedBy, _ = m["createdBy"].(string)
	for _, k := range knownDataKeys {
		delete(m, k)
	}
	if len(m) > 0 {
		d.Meta = m
	}
	return nil
}

func recordFromAccount(a domain.Account) Record {
	return Record{
		ID:       a.ID,
		Provider: string(a.Platform),
		Label:    a.Label,
		Data: RecordData{
			IsActive:    a.Active,
			WorkspaceID: a.WorkspaceID,
			BrandID:     a.BrandID,
			CreatedBy:   a.CreatedBy,
			Meta:        a.Meta,
		},
		CreatedAt: a.CreatedAt,
	}
}

func (r Record) account() domain.Account {
	return domain.Account{
		ID:          r.ID,
		Platform:    domain.Platform(r.Provider),
		Label:       r.Label,
		WorkspaceID: r.Data.WorkspaceID,
		BrandID:     r.Data.BrandID,
		CreatedBy:   r.Data.CreatedBy,
		Active:      r.Data.IsActive,
		CreatedAt:   r.CreatedAt,
		Meta:        r.Data.Meta,
	}
}

// FileStore keeps one JSON array per platform ("whatsapp.json",
// "telegram.json"). Every mutation rewrites the file atomically.
type FileStore struct {
	mu      sync.RWMutex
	dir     string
	records map[domain.Platform][]Record
	log     *logging.Logger
	now     func() time.Time
}

// NewFileStore loads both platform files from dir. Malformed files are
// moved aside and replaced with an empty array.
func NewFileStore(dir string, log *logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	s := &FileStore{
		dir:     dir,
		records: make(map[domain.Platform][]Record),
		log:     log.Sub("sessions"),
		now:     time.Now,
	}
	for _, p := range domain.Platforms {
		recs, err := s.load(p)
		if err != nil {
			return nil, err
		}
		s.records[p] = recs
	}
	return s, nil
}

// Path returns the session file of a platform.
func (s *FileStore) Path(p domain.Platform) string {
	return filepath.Join(s.dir, string(p)+".json")
}

func (s *FileStore) load(p domain.Platform) ([]Record, error) {
	path := s.Path(p)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		aside := path + ".corrupt-" + strconv.FormatInt(s.now().Unix(), 10)
		s.log.Error().Err(err).Str("file", path).Str("movedTo", aside).Msg("session file is malformed, resetting")
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("moving corrupt session file: %w", rerr)
		}
		if werr := writeJSON(path, []Record{}); werr != nil {
			return nil, werr
		}
		return []Record{}, nil
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}

func (s *FileStore) save(p domain.Platform) error {
	return writeJSON(s.Path(p), s.records[p])
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Add appends an account. IDs must be unique across platforms.
func (s *FileStore) Add(a domain.Account) error {
	if !a.Platform.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedPlatform, a.Platform)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, _, ok := s.find(a.ID); ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	s.records[a.Platform] = append(s.records[a.Platform], recordFromAccount(a))
	if err := s.save(a.Platform); err != nil {
		s.records[a.Platform] = s.records[a.Platform][:len(s.records[a.Platform])-1]
		return err
	}
	return nil
}

// Update applies fn to the stored account and persists it.
func (s *FileStore) Update(id string, fn func(*domain.Account)) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, i, ok := s.find(id)
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrUnknownAccount, id)
	}
	prev := s.records[p][i]
	a := prev.account()
	fn(&a)
	a.ID, a.Platform = prev.ID, p
	s.records[p][i] = recordFromAccount(a)
	if err := s.save(p); err != nil {
		s.records[p][i] = prev
		return domain.Account{}, err
	}
	return a, nil
}

// SetActive toggles the administrative flag.
func (s *FileStore) SetActive(id string, active bool) (domain.Account, error) {
	return s.Update(id, func(a *domain.Account) { a.Active = active })
}

// Remove deletes an account. Removing an unknown id is not an error.
func (s *FileStore) Remove(id string) (domain.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, i, ok := s.find(id)
	if !ok {
		return domain.Account{}, false, nil
	}
	prev := slices.Clone(s.records[p])
	a := prev[i].account()
	s.records[p] = slices.Delete(s.records[p], i, i+1)
	if err := s.save(p); err != nil {
		s.records[p] = prev
		return a, false, err
	}
	return a, true, nil
}

// Get returns an account by id.
func (s *FileStore) Get(id string) (domain.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, i, ok := s.find(id)
	if !ok {
		return domain.Account{}, false
	}
	return s.records[p][i].account(), true
}

// List returns a platform's accounts in file order. An empty platform lists
// all accounts.
func (s *FileStore) List(p domain.Platform) []domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Account
	for _, plat := range domain.Platforms {
		if p != "" && plat != p {
			continue
		}
		for _, r := range s.records[plat] {
			out = append(out, r.account())
		}
	}
	return out
}

func (s *FileStore) find(id string) (domain.Platform, int, bool) {
	for _, p := range domain.Platforms {
		for i, r := range s.records[p] {
			if r.ID == id {
				return p, i, true
			}
		}
	}
	return "", 0, false
}
