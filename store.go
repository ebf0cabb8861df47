package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateTag rejects committing a version under a taken tag.
	ErrDuplicateTag = errors.New("version tag already exists")
	// ErrUnknownVersion is returned for lookups of a tag never committed.
	ErrUnknownVersion = errors.New("unknown version tag")
)

// Version lifecycle states. Transitions only move forward.
const (
	VersionDraft    = "draft"
	VersionStable   = "stable"
	VersionArchived = "archived"
)

// Version is one immutable committed dataset snapshot.
type Version struct {
	ID          string            `json:"id"`
	Tag         string            `json:"tag"`
	Description string            `json:"description,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by,omitempty"`
	TrainFile   string            `json:"train_file"`
	EvalFile    string            `json:"eval_file"`
	TrainHash   string            `json:"train_hash"`
	EvalHash    string            `json:"eval_hash"`
	Stats       DatasetStats      `json:"stats"`
	Domains     []string          `json:"domains,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (v Version) HasLabel(label string) bool {
	for _, l := range v.Labels {
		if l == label {
			return true
		}
	}
	return false
}

type registry struct {
	Versions []Version `json:"versions"`
}

// VersionDiff is the result of comparing two committed versions.
type VersionDiff struct {
	TagA          string
	TagB          string
	SameTrain     bool
	SameEval      bool
	SampleDelta   int
	DomainDeltas  map[string]int
	StatusChanged bool
}

// VersionStore keeps committed datasets under a root directory:
// versions/<tag>/{train.jsonl,eval.jsonl,metadata.json}, a versions.json
// registry and a CURRENT pointer file naming the checked-out tag. Committed
// files are never rewritten.
type VersionStore struct {
	cfg StoreConfig
}

func NewVersionStore(cfg StoreConfig) (*VersionStore, error) {
	s := &VersionStore{cfg: cfg}
	if err := os.MkdirAll(s.versionsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return s, nil
}

func (s *VersionStore) versionsDir() string  { return filepath.Join(s.cfg.Dir, "versions") }
func (s *VersionStore) registryPath() string { return filepath.Join(s.cfg.Dir, "versions.json") }
func (s *VersionStore) currentPath() string  { return filepath.Join(s.cfg.Dir, "CURRENT") }

// NextTag derives the tag a fresh commit would receive: v1.0.0 for an
// empty store, otherwise the latest tag bumped at the configured level.
func (s *VersionStore) NextTag(increment string) (string, error) {
	reg, err := s.loadRegistry()
	if err != nil {
		return "", err
	}
	latest := ""
	for _, v := range reg.Versions {
		if latest == "" || semverLess(latest, v.Tag) {
			latest = v.Tag
		}
	}
	if latest == "" {
		return "v1.0.0", nil
	}
	return bumpSemver(latest, increment)
}

// CommitVersion snapshots the writer output under an immutable tag.
// Caller-supplied metadata is persisted with the version. Committing a tag
// twice fails with ErrDuplicateTag.
func (s *VersionStore) CommitVersion(tag, description, createdBy string, res WriteResult, metadata map[string]string) (Version, error) {
	reg, err := s.loadRegistry()
	if err != nil {
		return Version{}, err
	}
	for _, v := range reg.Versions {
		if v.Tag == tag {
			return Version{}, fmt.Errorf("tag %s: %w", tag, ErrDuplicateTag)
		}
	}
	if _, _, _, err := parseSemver(tag); err != nil {
		return Version{}, err
	}

	dir := filepath.Join(s.versionsDir(), tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Version{}, fmt.Errorf("creating version dir: %w", err)
	}
	trainDst := filepath.Join(dir, "train.jsonl")
	evalDst := filepath.Join(dir, "eval.jsonl")
	if err := copyFile(res.TrainPath, trainDst); err != nil {
		return Version{}, err
	}
	if err := copyFile(res.EvalPath, evalDst); err != nil {
		return Version{}, err
	}
	trainHash, err := fileHash(trainDst)
	if err != nil {
		return Version{}, err
	}
	evalHash, err := fileHash(evalDst)
	if err != nil {
		return Version{}, err
	}

	var domains []string
	for d := range res.Stats.DomainCounts {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	v := Version{
		ID:          uuid.NewString(),
		Tag:         tag,
		Description: description,
		Status:      VersionDraft,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   createdBy,
		TrainFile:   trainDst,
		EvalFile:    evalDst,
		TrainHash:   trainHash,
		EvalHash:    evalHash,
		Stats:       res.Stats,
		Domains:     domains,
		Metadata:    metadata,
	}

	meta, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Version{}, fmt.Errorf("encoding version metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), meta, 0o644); err != nil {
		return Version{}, fmt.Errorf("writing version metadata: %w", err)
	}

	reg.Versions = append(reg.Versions, v)
	s.enforceRetention(&reg)
	if err := s.saveRegistry(reg); err != nil {
		return Version{}, err
	}
	log.Printf("store committed tag=%s train=%d eval=%d", tag, v.Stats.TrainCount, v.Stats.EvalCount)
	return v, nil
}

// Checkout marks a committed tag as current. Checking out the same tag
// repeatedly always resolves to the same files.
func (s *VersionStore) Checkout(tag string) (Version, error) {
	v, err := s.GetVersion(tag)
	if err != nil {
		return Version{}, err
	}
	tmp := s.currentPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(tag+"\n"), 0o644); err != nil {
		return Version{}, fmt.Errorf("writing current pointer: %w", err)
	}
	if err := os.Rename(tmp, s.currentPath()); err != nil {
		return Version{}, fmt.Errorf("replacing current pointer: %w", err)
	}
	return v, nil
}

// Current returns the checked-out version, ok=false when nothing is
// checked out yet.
func (s *VersionStore) Current() (Version, bool, error) {
	data, err := os.ReadFile(s.currentPath())
	if os.IsNotExist(err) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, fmt.Errorf("reading current pointer: %w", err)
	}
	tag := strings.TrimSpace(string(data))
	v, err := s.GetVersion(tag)
	if err != nil {
		return Version{}, false, err
	}
	return v, true, nil
}

func (s *VersionStore) GetVersion(tag string) (Version, error) {
	reg, err := s.loadRegistry()
	if err != nil {
		return Version{}, err
	}
	for _, v := range reg.Versions {
		if v.Tag == tag {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("tag %s: %w", tag, ErrUnknownVersion)
}

// ListVersions returns committed versions newest first, optionally
// filtered by lifecycle status and free-form label. With an empty status,
// archived versions are skipped.
func (s *VersionStore) ListVersions(status, label string) ([]Version, error) {
	reg, err := s.loadRegistry()
	if err != nil {
		return nil, err
	}
	out := make([]Version, 0, len(reg.Versions))
	for _, v := range reg.Versions {
		if status == "" && v.Status == VersionArchived {
			continue
		}
		if status != "" && v.Status != status {
			continue
		}
		if label != "" && !v.HasLabel(label) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return semverLess(out[j].Tag, out[i].Tag)
	})
	return out, nil
}

// TagVersion attaches a free-form label, such as "production", to a
// committed version. Labels in the store's protected set shield the
// version from retention archiving.
func (s *VersionStore) TagVersion(tag, label string) error {
	if label == "" {
		return fmt.Errorf("label must not be empty")
	}
	reg, err := s.loadRegistry()
	if err != nil {
		return err
	}
	for i, v := range reg.Versions {
		if v.Tag != tag {
			continue
		}
		if v.HasLabel(label) {
			return nil
		}
		reg.Versions[i].Labels = append(reg.Versions[i].Labels, label)
		return s.saveRegistry(reg)
	}
	return fmt.Errorf("tag %s: %w", tag, ErrUnknownVersion)
}

// SetStatus advances a version's lifecycle. Only forward moves are
// allowed: draft to stable, stable to archived.
func (s *VersionStore) SetStatus(tag, status string) error {
	rank := map[string]int{VersionDraft: 0, VersionStable: 1, VersionArchived: 2}
	newRank, ok := rank[status]
	if !ok {
		return fmt.Errorf("unknown status %q", status)
	}
	reg, err := s.loadRegistry()
	if err != nil {
		return err
	}
	for i, v := range reg.Versions {
		if v.Tag != tag {
			continue
		}
		if newRank < rank[v.Status] {
			return fmt.Errorf("cannot move tag %s from %s back to %s", tag, v.Status, status)
		}
		reg.Versions[i].Status = status
		return s.saveRegistry(reg)
	}
	return fmt.Errorf("tag %s: %w", tag, ErrUnknownVersion)
}

// CompareVersions diffs two committed versions by content hash and stats.
func (s *VersionStore) CompareVersions(tagA, tagB string) (VersionDiff, error) {
	a, err := s.GetVersion(tagA)
	if err != nil {
		return VersionDiff{}, err
	}
	b, err := s.GetVersion(tagB)
	if err != nil {
		return VersionDiff{}, err
	}
	diff := VersionDiff{
		TagA:          tagA,
		TagB:          tagB,
		SameTrain:     a.TrainHash == b.TrainHash,
		SameEval:      a.EvalHash == b.EvalHash,
		SampleDelta:   b.Stats.TotalSamples - a.Stats.TotalSamples,
		DomainDeltas:  make(map[string]int),
		StatusChanged: a.Status != b.Status,
	}
	for d, n := range b.Stats.DomainCounts {
		diff.DomainDeltas[d] = n - a.Stats.DomainCounts[d]
	}
	for d, n := range a.Stats.DomainCounts {
		if _, ok := b.Stats.DomainCounts[d]; !ok {
			diff.DomainDeltas[d] = -n
		}
	}
	return diff, nil
}

// ReadRecords streams back the train and eval records of a committed tag.
func (s *VersionStore) ReadRecords(tag string) (train, eval []DatasetRecord, err error) {
	v, err := s.GetVersion(tag)
	if err != nil {
		return nil, nil, err
	}
	train, err = readJSONL(v.TrainFile)
	if err != nil {
		return nil, nil, err
	}
	eval, err = readJSONL(v.EvalFile)
	if err != nil {
		return nil, nil, err
	}
	return train, eval, nil
}

// enforceRetention archives the oldest non-protected versions once the
// registry exceeds MaxVersions. Files stay on disk; only status changes.
func (s *VersionStore) enforceRetention(reg *registry) {
	if !s.cfg.AutoArchiveOld {
		return
	}
	active := 0
	for _, v := range reg.Versions {
		if v.Status != VersionArchived {
			active++
		}
	}
	if active <= s.cfg.MaxVersions {
		return
	}
	protected := func(v Version) bool {
		for _, p := range s.cfg.ProtectedTags {
			if v.Tag == p || v.HasLabel(p) {
				return true
			}
		}
		return false
	}
	idx := make([]int, 0, len(reg.Versions))
	for i, v := range reg.Versions {
		if v.Status != VersionArchived && !protected(v) {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		return reg.Versions[idx[a]].CreatedAt.Before(reg.Versions[idx[b]].CreatedAt)
	})
	for _, i := range idx {
		if active <= s.cfg.MaxVersions {
			break
		}
		reg.Versions[i].Status = VersionArchived
		active--
		log.Printf("store auto-archived tag=%s", reg.Versions[i].Tag)
	}
}

func (s *VersionStore) loadRegistry() (registry, error) {
	var reg registry
	data, err := os.ReadFile(s.registryPath())
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return reg, fmt.Errorf("reading registry: %w", err)
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, fmt.Errorf("parsing registry: %w", err)
	}
	return reg, nil
}

// saveRegistry writes atomically via a temp file rename.
func (s *VersionStore) saveRegistry(reg registry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	tmp := s.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := os.Rename(tmp, s.registryPath()); err != nil {
		return fmt.Errorf("replacing registry: %w", err)
	}
	return nil
}

func parseSemver(tag string) (major, minor, patch int, err error) {
	trimmed := strings.TrimPrefix(tag, "v")
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("tag %q is not vMAJOR.MINOR.PATCH", tag)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("tag %q is not vMAJOR.MINOR.PATCH", tag)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

func bumpSemver(tag, increment string) (string, error) {
	major, minor, patch, err := parseSemver(tag)
	if err != nil {
		return "", err
	}
	switch increment {
	case "major":
		major, minor, patch = major+1, 0, 0
	case "minor":
		minor, patch = minor+1, 0
	case "patch":
		patch++
	default:
		return "", fmt.Errorf("unknown increment %q", increment)
	}
	return fmt.Sprintf("v%d.%d.%d", major, minor, patch), nil
}

func semverLess(a, b string) bool {
	am, an, ap, errA := parseSemver(a)
	bm, bn, bp, errB := parseSemver(b)
	if errA != nil || errB != nil {
		return a < b
	}
	if am != bm {
		return am < bm
	}
	if an != bn {
		return an < bn
	}
	return ap < bp
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	return out.Close()
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readJSONL(path string) ([]DatasetRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []DatasetRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec DatasetRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return records, nil
}
