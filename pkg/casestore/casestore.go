// Package casestore implements the per-user case ledger (spec component
// C1): an append-only JSONL history of uploaded images, case summaries,
// uncertain/rejected markers, and labels, plus the per-user case-ID
// allocator. It is grounded in original_source/AllCare/backserver's
// back.py ledger helpers (_log_case_entry, _next_case_id_for_user,
// _update_case_in_entries, _read_all_metadata_entries and friends),
// translated from Python's dynamic dicts to a Go Entry map so every
// caller-defined field the original produces (gender, symptoms,
// annotations, ...) still round-trips without a rigid struct.
package casestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/allcare-health/al-backend/internal/config"
	"github.com/allcare-health/al-backend/pkg/cryptostore"
	alerrors "github.com/allcare-health/al-backend/pkg/shared/errors"
	"github.com/allcare-health/al-backend/pkg/shared/logging"
)

// Entry types recognized by the ledger.
const (
	EntryTypeImage     = ""
	EntryTypeCase      = "case"
	EntryTypeUncertain = "uncertain"
	EntryTypeReject    = "reject"
)

// caseSummaryEntryTypes are the case summary entry types (every type
// but an image upload); updatableEntryTypes below is the subset a case
// update may mutate, which leaves out rejections.
var caseSummaryEntryTypes = map[string]bool{
	EntryTypeCase:      true,
	EntryTypeUncertain: true,
	EntryTypeReject:    true,
}

var updatableEntryTypes = map[string]bool{
	EntryTypeCase:      true,
	EntryTypeUncertain: true,
}

// Entry is one ledger line: an image upload, a case summary, an
// uncertain marker, or a rejection -- distinguished by EntryType().
type Entry map[string]interface{}

func (e Entry) str(key string) string {
	if v, ok := e[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// CaseID returns the entry's case_id field.
func (e Entry) CaseID() string { return e.str("case_id") }

// ImageID returns the entry's image_id field, if any.
func (e Entry) ImageID() string { return e.str("image_id") }

// EntryType returns the entry's entry_type field. An image upload
// entry has no entry_type (EntryTypeImage, "").
func (e Entry) EntryType() string { return e.str("entry_type") }

// Status returns the entry's status field.
func (e Entry) Status() string { return e.str("status") }

// UserID returns the entry's user_id field.
func (e Entry) UserID() string { return e.str("user_id") }

// CorrectLabel returns the entry's correct_label field.
func (e Entry) CorrectLabel() string { return e.str("correct_label") }

// ImagePaths returns the entry's image_paths field as a string slice,
// tolerating the mixed []interface{}/[]string shapes a JSON round-trip
// can produce.
func (e Entry) ImagePaths() []string {
	v, ok := e["image_paths"]
	if !ok {
		return nil
	}
	switch paths := v.(type) {
	case []string:
		return paths
	case []interface{}:
		out := make([]string, 0, len(paths))
		for _, p := range paths {
			if s, ok := p.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Clone returns a shallow copy so callers can mutate without aliasing
// the original map.
func (e Entry) Clone() Entry {
	out := make(Entry, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Store is the ledger store for every user under the configured
// storage root.
type Store struct {
	cfg    *config.Config
	crypto *cryptostore.Store

	mu    sync.Mutex
	locks map[string]*flock.Flock
}

// New builds a Store. crypto may be a disabled Store (cryptostore.New(false, "")).
func New(cfg *config.Config, crypto *cryptostore.Store) *Store {
	return &Store{cfg: cfg, crypto: crypto, locks: make(map[string]*flock.Flock)}
}

func (s *Store) lockFor(path string) *flock.Flock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[path]; ok {
		return l
	}
	l := flock.New(path + ".lock")
	s.locks[path] = l
	return l
}

// withUserLock serializes read-modify-write sequences against a single
// user's ledger, matching spec §5's per-user (not global) mutual
// exclusion requirement.
func (s *Store) withUserLock(userID string, fn func() error) error {
	path := s.UserMetadataPath(userID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return alerrors.FailedToWithDetails("create user storage directory", "casestore", userID, err)
	}
	l := s.lockFor(path)
	if err := l.Lock(); err != nil {
		return alerrors.FailedToWithDetails("acquire ledger lock", "casestore", userID, err)
	}
	defer l.Unlock()
	return fn()
}

// UserStorageDir returns the per-user storage directory.
func (s *Store) UserStorageDir(userID string) string { return s.cfg.UserStorageDir(userID) }

// UserMetadataPath returns the per-user ledger file path.
func (s *Store) UserMetadataPath(userID string) string { return s.cfg.UserMetadataPath(userID) }

// serializeEntry renders an entry as a single ledger line, encrypting
// it first if the store has encryption enabled.
func (s *Store) serializeEntry(entry Entry) (string, error) {
	if s.crypto.Enabled {
		line, err := s.crypto.EncryptJSON(entry)
		if err != nil {
			return "", err
		}
		return string(line), nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return "", alerrors.FailedToWithDetails("marshal ledger entry", "casestore", entry.CaseID(), err)
	}
	return string(line), nil
}

func (s *Store) parseLine(line string) (Entry, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	if cryptostore.IsEnvelope([]byte(line)) {
		var entry Entry
		if err := s.crypto.DecryptJSON([]byte(line), &entry); err != nil {
			return nil, false
		}
		return entry, true
	}
	var entry Entry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return nil, false
	}
	return entry, true
}

// ReadEntries reads every ledger line from path, tolerating a missing
// file (returns no entries) and skipping any line that fails to parse
// or decrypt -- a torn append from a crash produces at most one such
// line at the tail.
func (s *Store) ReadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, alerrors.FailedToWithDetails("read ledger", "casestore", path, err)
	}
	lines := strings.Split(string(data), "\n")
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if entry, ok := s.parseLine(line); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// WriteEntries atomically rewrites path with entries, one JSON object
// per line, via a temp-file-then-rename so a reader never observes a
// partially written ledger.
func (s *Store) WriteEntries(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return alerrors.FailedToWithDetails("create ledger directory", "casestore", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ledger-*.tmp")
	if err != nil {
		return alerrors.FailedToWithDetails("create temp ledger file", "casestore", path, err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	for _, entry := range entries {
		line, err := s.serializeEntry(entry)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.WriteString(line + "\n"); err != nil {
			tmp.Close()
			return alerrors.FailedToWithDetails("write ledger entry", "casestore", path, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return alerrors.FailedToWithDetails("sync ledger file", "casestore", path, err)
	}
	if err := tmp.Close(); err != nil {
		return alerrors.FailedToWithDetails("close ledger file", "casestore", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return alerrors.FailedToWithDetails("rename ledger file", "casestore", path, err)
	}
	success = true
	return nil
}

// AppendEntry appends a single line to path without rewriting the
// whole file, for the high-frequency image-upload path.
func (s *Store) AppendEntry(path string, entry Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return alerrors.FailedToWithDetails("create ledger directory", "casestore", path, err)
	}
	line, err := s.serializeEntry(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return alerrors.FailedToWithDetails("open ledger for append", "casestore", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return alerrors.FailedToWithDetails("append ledger entry", "casestore", path, err)
	}
	return f.Sync()
}

// ReadUserEntries returns every ledger entry for userID.
func (s *Store) ReadUserEntries(userID string) ([]Entry, error) {
	return s.ReadEntries(s.UserMetadataPath(userID))
}

// userDirs lists the (userID, metadataPath) pairs under the storage root.
func (s *Store) userDirs() ([][2]string, error) {
	root := s.cfg.Storage.Root
	infos, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, alerrors.FailedToWithDetails("list storage root", "casestore", root, err)
	}
	var out [][2]string
	for _, info := range infos {
		if info.IsDir() {
			out = append(out, [2]string{info.Name(), filepath.Join(root, info.Name(), s.cfg.Storage.MetadataFilename)})
		}
	}
	return out, nil
}

// ReadAllEntries returns every ledger entry across every user,
// plus the legacy single-file ledger if it still exists.
func (s *Store) ReadAllEntries() ([]Entry, error) {
	dirs, err := s.userDirs()
	if err != nil {
		return nil, err
	}
	var all []Entry
	for _, d := range dirs {
		entries, err := s.ReadEntries(d[1])
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	legacy, err := s.ReadEntries(s.cfg.Storage.LegacyMetadataFile)
	if err != nil {
		return nil, err
	}
	return append(all, legacy...), nil
}

// CountRejectedLabeledImages counts images attached to labeled
// rejection entries, the trigger metric for automatic retraining (C8).
func CountRejectedLabeledImages(entries []Entry) int {
	count := 0
	for _, e := range entries {
		if e.EntryType() != EntryTypeReject {
			continue
		}
		if e.CorrectLabel() == "" {
			continue
		}
		if paths, ok := e["image_paths"].([]interface{}); ok {
			count += len(paths)
		}
	}
	return count
}

// --- case-ID allocation ---

type counterFile struct {
	LastCaseID int `json:"last_case_id"`
}

func (s *Store) readUserCounter(userID string) (int, bool) {
	data, err := os.ReadFile(s.cfg.UserCounterPath(userID))
	if err != nil {
		return 0, false
	}
	var c counterFile
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, false
	}
	return c.LastCaseID, true
}

func (s *Store) writeUserCounter(userID string, lastID int) error {
	path := s.cfg.UserCounterPath(userID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return alerrors.FailedToWithDetails("create user storage directory", "casestore", userID, err)
	}
	data, err := json.Marshal(counterFile{LastCaseID: lastID})
	if err != nil {
		return alerrors.FailedToWithDetails("marshal case counter", "casestore", userID, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Store) maxCaseIDFromMetadata(userID string) int {
	entries, err := s.ReadUserEntries(userID)
	if err != nil {
		return 0
	}
	max := 0
	for _, e := range entries {
		id := e.CaseID()
		if id == "" || len(id) > s.cfg.Case.MaxDigits {
			continue
		}
		value, err := strconv.Atoi(id)
		if err != nil || value < s.cfg.Case.IDStart {
			continue
		}
		if value > max {
			max = value
		}
	}
	return max
}

// NextCaseID allocates and persists the next case ID for userID,
// starting from config.Case.IDStart.
func (s *Store) NextCaseID(userID string) (string, error) {
	var nextID string
	err := s.withUserLock(userID, func() error {
		lastID, ok := s.readUserCounter(userID)
		if !ok {
			if max := s.maxCaseIDFromMetadata(userID); max > 0 {
				lastID = max
			} else {
				lastID = s.cfg.Case.IDStart - 1
			}
		}
		next := lastID + 1
		if next < s.cfg.Case.IDStart {
			next = s.cfg.Case.IDStart
		}
		if err := s.writeUserCounter(userID, next); err != nil {
			return err
		}
		nextID = strconv.Itoa(next)
		return nil
	})
	return nextID, err
}

// ReleaseCaseIDResult reports the outcome of ReleaseCaseID.
type ReleaseCaseIDResult struct {
	Status     string
	Reason     string
	LastCaseID string
}

// ReleaseCaseID returns a reserved-but-unused case ID to the pool,
// provided it's still the counter's most recent value and nothing has
// been logged under it yet.
func (s *Store) ReleaseCaseID(userID, caseID string) (ReleaseCaseIDResult, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" || !isDigits(caseID) {
		return ReleaseCaseIDResult{}, alerrors.ValidationError("case_id", "must be a non-empty numeric string")
	}

	var result ReleaseCaseIDResult
	err := s.withUserLock(userID, func() error {
		lastID, ok := s.readUserCounter(userID)
		if !ok {
			result = ReleaseCaseIDResult{Status: "skipped", Reason: "missing_counter"}
			return nil
		}
		if strconv.Itoa(lastID) != caseID {
			result = ReleaseCaseIDResult{Status: "skipped", Reason: "counter_mismatch", LastCaseID: strconv.Itoa(lastID)}
			return nil
		}
		entries, err := s.ReadUserEntries(userID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.CaseID() == caseID {
				result = ReleaseCaseIDResult{Status: "skipped", Reason: "case_in_use"}
				return nil
			}
		}
		next := lastID - 1
		if next < s.cfg.Case.IDStart-1 {
			next = s.cfg.Case.IDStart - 1
		}
		if err := s.writeUserCounter(userID, next); err != nil {
			return err
		}
		result = ReleaseCaseIDResult{Status: "ok"}
		return nil
	})
	return result, err
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// --- case-entry logging ---

var caseSummaryKeys = []string{"gender", "age", "location", "symptoms", "notes"}

func applyCaseSummaryToImage(image Entry, caseEntry Entry) Entry {
	updated := image.Clone()
	updated["case_status"] = caseEntry.Status()
	updated["case_entry_type"] = caseEntry.EntryType()
	updated["case_updated_at"] = caseEntry["created_at"]
	if uid := caseEntry.UserID(); uid != "" {
		updated["user_id"] = uid
	}
	if role, ok := caseEntry["user_role"]; ok && role != "" {
		updated["user_role"] = role
	}
	for _, key := range caseSummaryKeys {
		if v, ok := caseEntry[key]; ok && !isEmptyValue(v) {
			updated[key] = v
		}
	}
	return updated
}

func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func collectImageIDs(entries []Entry, caseID string) []string {
	seen := map[string]bool{}
	for _, e := range entries {
		if e.CaseID() == caseID {
			if id := e.ImageID(); id != "" {
				seen[id] = true
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LogCaseEntry persists a case-level entry (a "case", "uncertain", or
// "reject" record), allocating a case ID if payload doesn't carry one,
// eliding any prior summary entry for the same case, and denormalizing
// the case's accumulated image IDs/paths onto the new entry. Returns
// the entry as stored.
func (s *Store) LogCaseEntry(payload Entry, entryType, defaultStatus, userID, userRole string) (Entry, error) {
	entry := payload.Clone()

	var storedEntry Entry
	err := s.withUserLock(userID, func() error {
		caseID := entry.CaseID()
		if caseID == "" {
			next, err := s.allocateLocked(userID)
			if err != nil {
				return err
			}
			caseID = next
		}
		entry["case_id"] = caseID
		entry["entry_type"] = entryType
		if entry.Status() == "" {
			entry["status"] = defaultStatus
		}
		entry["user_id"] = userID
		if userRole != "" {
			entry["user_role"] = userRole
		}
		if entry["created_at"] == nil || entry["created_at"] == "" {
			entry["created_at"] = time.Now().Format(time.RFC3339)
		}

		path := s.UserMetadataPath(userID)
		existing, err := s.ReadEntries(path)
		if err != nil {
			return err
		}

		updated := make([]Entry, 0, len(existing)+1)
		for _, e := range existing {
			if e.CaseID() == caseID {
				if caseSummaryEntryTypes[e.EntryType()] {
					continue
				}
				if e.ImageID() != "" {
					updated = append(updated, applyCaseSummaryToImage(e, entry))
					continue
				}
			}
			updated = append(updated, e)
		}

		if imageIDs := collectImageIDs(updated, caseID); len(imageIDs) > 0 {
			entry["image_ids"] = imageIDs
			paths := make([]string, len(imageIDs))
			for i, id := range imageIDs {
				paths[i] = fmt.Sprintf("%s/%s%s", userID, id, s.cfg.Storage.ImageExtension)
			}
			entry["image_paths"] = paths
		}

		updated = append(updated, entry)
		if err := s.WriteEntries(path, updated); err != nil {
			return err
		}
		storedEntry = entry
		return nil
	})
	return storedEntry, err
}

// allocateLocked is NextCaseID's body, callable from within a lock
// already held by the caller (LogCaseEntry uses flock.Flock, which is
// not reentrant, so it inlines the allocation rather than re-acquire).
func (s *Store) allocateLocked(userID string) (string, error) {
	lastID, ok := s.readUserCounter(userID)
	if !ok {
		if max := s.maxCaseIDFromMetadata(userID); max > 0 {
			lastID = max
		} else {
			lastID = s.cfg.Case.IDStart - 1
		}
	}
	next := lastID + 1
	if next < s.cfg.Case.IDStart {
		next = s.cfg.Case.IDStart
	}
	if err := s.writeUserCounter(userID, next); err != nil {
		return "", err
	}
	return strconv.Itoa(next), nil
}

// UpdateCaseInEntries mutates the most recent case/uncertain entry for
// caseID in place with updateFields, returning the updated entry and
// whether one was found.
func UpdateCaseInEntries(entries []Entry, caseID string, updateFields Entry) (Entry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.CaseID() != caseID || !updatableEntryTypes[e.EntryType()] {
			continue
		}
		for k, v := range updateFields {
			e[k] = v
		}
		e["updated_at"] = time.Now().Format(time.RFC3339)
		entries[i] = e
		return e, true
	}
	return nil, false
}

// UpdateCaseInUserStorage applies UpdateCaseInEntries against a single
// user's ledger and persists the result if a match was found.
func (s *Store) UpdateCaseInUserStorage(userID, caseID string, updateFields Entry) (Entry, error) {
	var result Entry
	err := s.withUserLock(userID, func() error {
		path := s.UserMetadataPath(userID)
		entries, err := s.ReadEntries(path)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		updated, found := UpdateCaseInEntries(entries, caseID, updateFields)
		if !found {
			return nil
		}
		if err := s.WriteEntries(path, entries); err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

// UpdateCaseAcrossUsers searches every user's ledger (and the legacy
// ledger) for caseID, used for admin-role updates that don't pin a
// target user.
func (s *Store) UpdateCaseAcrossUsers(caseID string, updateFields Entry) (Entry, error) {
	dirs, err := s.userDirs()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		userID := d[0]
		var result Entry
		err := s.withUserLock(userID, func() error {
			entries, err := s.ReadEntries(d[1])
			if err != nil {
				return err
			}
			updated, found := UpdateCaseInEntries(entries, caseID, updateFields)
			if !found {
				return nil
			}
			if err := s.WriteEntries(d[1], entries); err != nil {
				return err
			}
			result = updated
			return nil
		})
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}

	legacyPath := s.cfg.Storage.LegacyMetadataFile
	entries, err := s.ReadEntries(legacyPath)
	if err != nil {
		return nil, err
	}
	if updated, found := UpdateCaseInEntries(entries, caseID, updateFields); found {
		if err := s.WriteEntries(legacyPath, entries); err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, nil
}

// ErrAmbiguousCase is returned by AnnotateCaseAcrossUsers when more than
// one user's ledger has a rejected entry matching caseID and the caller
// supplied no case_user_id to disambiguate (spec §7 conflict -> 409;
// original: back.py's save_annotations 409 check).
var ErrAmbiguousCase = errors.New("multiple rejected cases match case_id; provide case_user_id")

// findRejectedCaseIndex returns the index of the most recent rejected
// entry for caseID in entries, or -1 if none matches.
func findRejectedCaseIndex(entries []Entry, caseID string) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].CaseID() == caseID && entries[i].EntryType() == EntryTypeReject {
			return i
		}
	}
	return -1
}

// AnnotateCaseInEntries locates the entry an annotation targets: a
// case's rejected entry when one exists -- recording corrections for a
// case the reviewer rejected is this endpoint's whole purpose -- falling
// back to its case/uncertain summary, mirroring SubmitLabel's lookup
// order rather than update_case's case/uncertain-only restriction.
func AnnotateCaseInEntries(entries []Entry, caseID string, updateFields Entry) (Entry, bool) {
	caseIndex := -1
	fallbackIndex := -1
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.CaseID() != caseID {
			continue
		}
		switch e.EntryType() {
		case EntryTypeReject:
			caseIndex = i
		case EntryTypeCase, EntryTypeUncertain:
			if fallbackIndex == -1 {
				fallbackIndex = i
			}
		}
		if caseIndex != -1 {
			break
		}
	}
	if caseIndex == -1 {
		caseIndex = fallbackIndex
	}
	if caseIndex == -1 {
		return nil, false
	}

	entry := entries[caseIndex]
	for k, v := range updateFields {
		entry[k] = v
	}
	entry["updated_at"] = time.Now().Format(time.RFC3339)
	entries[caseIndex] = entry
	return entry, true
}

// AnnotateCaseInUserStorage applies AnnotateCaseInEntries against a
// single user's ledger and persists the result if a match was found.
func (s *Store) AnnotateCaseInUserStorage(userID, caseID string, updateFields Entry) (Entry, error) {
	var result Entry
	err := s.withUserLock(userID, func() error {
		path := s.UserMetadataPath(userID)
		entries, err := s.ReadEntries(path)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		updated, found := AnnotateCaseInEntries(entries, caseID, updateFields)
		if !found {
			return nil
		}
		if err := s.WriteEntries(path, entries); err != nil {
			return err
		}
		result = updated
		return nil
	})
	return result, err
}

// AnnotateCaseAcrossUsers searches every user's ledger for a rejected
// case matching caseID, for doctor/admin annotation requests that don't
// pin a case_user_id. Returns ErrAmbiguousCase if more than one user's
// ledger has a matching rejection, since the reviewer must disambiguate
// rather than have the first match picked silently; falls back to the
// legacy ledger (reject-first, then case/uncertain) when no per-user
// ledger has one.
func (s *Store) AnnotateCaseAcrossUsers(caseID string, updateFields Entry) (Entry, error) {
	dirs, err := s.userDirs()
	if err != nil {
		return nil, err
	}

	matchedUser := ""
	matchCount := 0
	for _, d := range dirs {
		userID, path := d[0], d[1]
		err := s.withUserLock(userID, func() error {
			entries, err := s.ReadEntries(path)
			if err != nil {
				return err
			}
			if findRejectedCaseIndex(entries, caseID) != -1 {
				matchCount++
				matchedUser = userID
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if matchCount > 1 {
		return nil, ErrAmbiguousCase
	}
	if matchCount == 1 {
		return s.AnnotateCaseInUserStorage(matchedUser, caseID, updateFields)
	}

	legacyPath := s.cfg.Storage.LegacyMetadataFile
	entries, err := s.ReadEntries(legacyPath)
	if err != nil {
		return nil, err
	}
	updated, found := AnnotateCaseInEntries(entries, caseID, updateFields)
	if !found {
		return nil, nil
	}
	if err := s.WriteEntries(legacyPath, entries); err != nil {
		return nil, err
	}
	return updated, nil
}

// ShouldIncludeEntry reports whether entry belongs in a case listing
// given the allowed entry types and an optional case-insensitive
// status filter.
func ShouldIncludeEntry(entry Entry, allowedEntryTypes map[string]bool, statusFilter string) bool {
	if !allowedEntryTypes[entry.EntryType()] {
		return false
	}
	if statusFilter == "" {
		return true
	}
	return strings.EqualFold(entry.Status(), statusFilter)
}

// SubmitLabel attaches a ground-truth label to a case, preferring its
// rejected entry and falling back to its case/uncertain summary.
func (s *Store) SubmitLabel(userID, caseID, correctLabel, notes string) (Entry, error) {
	var result Entry
	err := s.withUserLock(userID, func() error {
		path := s.UserMetadataPath(userID)
		entries, err := s.ReadEntries(path)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return alerrors.FailedToWithDetails("find case", "casestore", caseID, fmt.Errorf("user metadata not found"))
		}

		caseIndex := -1
		fallbackIndex := -1
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.CaseID() != caseID {
				continue
			}
			switch e.EntryType() {
			case EntryTypeReject:
				caseIndex = i
			case EntryTypeCase, EntryTypeUncertain:
				if fallbackIndex == -1 {
					fallbackIndex = i
				}
			}
			if caseIndex != -1 {
				break
			}
		}
		if caseIndex == -1 {
			caseIndex = fallbackIndex
		}
		if caseIndex == -1 {
			return alerrors.FailedToWithDetails("find case", "casestore", caseID, fmt.Errorf("case not found"))
		}

		entry := entries[caseIndex]
		entry["correct_label"] = correctLabel
		entry["labeled_by"] = userID
		entry["labeled_at"] = time.Now().Format(time.RFC3339)
		entry["label_notes"] = notes
		entry["updated_at"] = time.Now().Format(time.RFC3339)
		entries[caseIndex] = entry

		if err := s.WriteEntries(path, entries); err != nil {
			return err
		}
		result = entry
		return nil
	})
	return result, err
}

// SaveImage persists an uploaded image under the user's storage
// directory, transparently encrypting it (and switching its extension
// to .bin) when the store's cryptostore is enabled. Returns the
// generated image ID and the path written.
func (s *Store) SaveImage(userID string, data []byte) (imageID, path string, err error) {
	imageID = uuid.NewString()
	dir := s.UserStorageDir(userID)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", "", alerrors.FailedToWithDetails("create user storage directory", "casestore", userID, err)
	}

	if s.crypto.Enabled {
		encrypted, encErr := s.crypto.EncryptBytes(data)
		if encErr != nil {
			return "", "", encErr
		}
		path = filepath.Join(dir, imageID+".bin")
		if err = os.WriteFile(path, encrypted, 0o644); err != nil {
			return "", "", alerrors.FailedToWithDetails("write encrypted image", "casestore", userID, err)
		}
		return imageID, path, nil
	}

	path = filepath.Join(dir, imageID+s.cfg.Storage.ImageExtension)
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return "", "", alerrors.FailedToWithDetails("write image", "casestore", userID, err)
	}
	return imageID, path, nil
}

// logFields is a convenience for callers that want a CaseFields logger
// entry scoped to this package's component name.
func logFields(operation, caseID string) logging.Fields {
	return logging.CaseFields(operation, caseID)
}
