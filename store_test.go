package main

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*VersionStore, *DatasetWriter) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewVersionStore(StoreConfig{
		Dir:            filepath.Join(dir, "storage"),
		MaxVersions:    100,
		AutoArchiveOld: true,
		Increment:      "minor",
	})
	if err != nil {
		t.Fatalf("NewVersionStore: %v", err)
	}
	writer := NewDatasetWriter(WriterConfig{
		OutputDir:           filepath.Join(dir, "out"),
		EvalFraction:        0.2,
		MinEvalSamples:      1,
		MinSamplesPerDomain: 1,
		MinTextLength:       3,
		MaxTextLength:       5000,
	})
	return store, writer
}

func commitSamples(t *testing.T, store *VersionStore, writer *DatasetWriter, tag string, samples []LabeledSample) Version {
	t.Helper()
	res, err := writer.Write(samples)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, err := store.CommitVersion(tag, "test commit", "tester", res, nil)
	if err != nil {
		t.Fatalf("CommitVersion %s: %v", tag, err)
	}
	return v
}

func TestSemverProgression(t *testing.T) {
	store, writer := newTestStore(t)

	tag, err := store.NextTag("minor")
	if err != nil {
		t.Fatalf("NextTag: %v", err)
	}
	if tag != "v1.0.0" {
		t.Errorf("empty store next tag = %q, want v1.0.0", tag)
	}
	commitSamples(t, store, writer, tag, makeSamples("utilities", 10, 0.9))

	tag, err = store.NextTag("minor")
	if err != nil {
		t.Fatalf("NextTag: %v", err)
	}
	if tag != "v1.1.0" {
		t.Errorf("after v1.0.0 minor bump = %q, want v1.1.0", tag)
	}

	if tag, _ := store.NextTag("major"); tag != "v2.0.0" {
		t.Errorf("major bump = %q, want v2.0.0", tag)
	}
	if tag, _ := store.NextTag("patch"); tag != "v1.0.1" {
		t.Errorf("patch bump = %q, want v1.0.1", tag)
	}
}

func TestCommitRejectsDuplicateTag(t *testing.T) {
	store, writer := newTestStore(t)
	commitSamples(t, store, writer, "v1.0.0", makeSamples("utilities", 10, 0.9))

	res, err := writer.Write(makeSamples("payments", 10, 0.9))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := store.CommitVersion("v1.0.0", "again", "tester", res, nil); !errors.Is(err, ErrDuplicateTag) {
		t.Errorf("err = %v, want ErrDuplicateTag", err)
	}
}

func TestCommitRejectsMalformedTag(t *testing.T) {
	store, writer := newTestStore(t)
	res, err := writer.Write(makeSamples("utilities", 10, 0.9))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, tag := range []string{"1.0", "release-1", "v1.2", "v1.2.x"} {
		if _, err := store.CommitVersion(tag, "", "tester", res, nil); err == nil {
			t.Errorf("tag %q accepted, want error", tag)
		}
	}
}

func TestCommitReadRoundTrip(t *testing.T) {
	store, writer := newTestStore(t)
	samples := append(makeSamples("utilities", 20, 0.9), makeSamples("payments", 10, 0.8)...)
	v := commitSamples(t, store, writer, "v1.0.0", samples)

	train, eval, err := store.ReadRecords("v1.0.0")
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(train) != v.Stats.TrainCount || len(eval) != v.Stats.EvalCount {
		t.Errorf("read %d/%d, stats say %d/%d", len(train), len(eval), v.Stats.TrainCount, v.Stats.EvalCount)
	}
	if len(train)+len(eval) != 30 {
		t.Errorf("total records = %d, want 30", len(train)+len(eval))
	}
	for _, r := range train {
		if r.Label != "utilities" && r.Label != "payments" {
			t.Errorf("record label = %q", r.Label)
		}
	}
}

func TestCommitPersistsMetadata(t *testing.T) {
	store, writer := newTestStore(t)
	res, err := writer.Write(makeSamples("utilities", 10, 0.9))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, err := store.CommitVersion("v1.0.0", "nightly", "tester", res, map[string]string{"run_id": "run-42"})
	if err != nil {
		t.Fatalf("CommitVersion: %v", err)
	}
	if v.Metadata["run_id"] != "run-42" {
		t.Errorf("committed metadata = %v", v.Metadata)
	}
	got, err := store.GetVersion("v1.0.0")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.Metadata["run_id"] != "run-42" {
		t.Errorf("registry metadata = %v, want run_id preserved", got.Metadata)
	}
}

func TestCheckoutIsDeterministic(t *testing.T) {
	store, writer := newTestStore(t)
	commitSamples(t, store, writer, "v1.0.0", makeSamples("utilities", 10, 0.9))
	commitSamples(t, store, writer, "v1.1.0", makeSamples("payments", 10, 0.9))

	first, err := store.Checkout("v1.0.0")
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	second, err := store.Checkout("v1.0.0")
	if err != nil {
		t.Fatalf("second Checkout: %v", err)
	}
	if first.TrainHash != second.TrainHash || first.TrainFile != second.TrainFile {
		t.Error("repeated checkout resolved to different content")
	}

	current, ok, err := store.Current()
	if err != nil || !ok {
		t.Fatalf("Current: ok=%v err=%v", ok, err)
	}
	if current.Tag != "v1.0.0" {
		t.Errorf("current = %q, want v1.0.0", current.Tag)
	}

	if _, err := store.Checkout("v9.9.9"); !errors.Is(err, ErrUnknownVersion) {
		t.Errorf("unknown checkout err = %v, want ErrUnknownVersion", err)
	}
}

func TestStatusTransitionsForwardOnly(t *testing.T) {
	store, writer := newTestStore(t)
	commitSamples(t, store, writer, "v1.0.0", makeSamples("utilities", 10, 0.9))

	if err := store.SetStatus("v1.0.0", VersionStable); err != nil {
		t.Fatalf("draft->stable: %v", err)
	}
	if err := store.SetStatus("v1.0.0", VersionDraft); err == nil {
		t.Error("stable->draft should fail")
	}
	if err := store.SetStatus("v1.0.0", VersionArchived); err != nil {
		t.Fatalf("stable->archived: %v", err)
	}
	if err := store.SetStatus("v1.0.0", VersionStable); err == nil {
		t.Error("archived->stable should fail")
	}
	if err := store.SetStatus("v9.9.9", VersionStable); !errors.Is(err, ErrUnknownVersion) {
		t.Errorf("unknown tag err = %v", err)
	}
}

func TestListVersionsSkipsArchived(t *testing.T) {
	store, writer := newTestStore(t)
	commitSamples(t, store, writer, "v1.0.0", makeSamples("utilities", 10, 0.9))
	commitSamples(t, store, writer, "v1.1.0", makeSamples("utilities", 10, 0.9))
	if err := store.SetStatus("v1.0.0", VersionArchived); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	active, err := store.ListVersions("", "")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(active) != 1 || active[0].Tag != "v1.1.0" {
		t.Errorf("active versions = %+v", active)
	}
	archived, err := store.ListVersions(VersionArchived, "")
	if err != nil {
		t.Fatalf("ListVersions archived: %v", err)
	}
	if len(archived) != 1 || archived[0].Tag != "v1.0.0" {
		t.Errorf("archived versions = %+v", archived)
	}
}

func TestTagVersionAndLabelFilter(t *testing.T) {
	store, writer := newTestStore(t)
	commitSamples(t, store, writer, "v1.0.0", makeSamples("utilities", 10, 0.9))
	commitSamples(t, store, writer, "v1.1.0", makeSamples("utilities", 10, 0.9))

	if err := store.TagVersion("v1.0.0", "production"); err != nil {
		t.Fatalf("TagVersion: %v", err)
	}
	// Re-tagging is a no-op, not an error.
	if err := store.TagVersion("v1.0.0", "production"); err != nil {
		t.Fatalf("repeat TagVersion: %v", err)
	}
	if err := store.TagVersion("v9.9.9", "x"); !errors.Is(err, ErrUnknownVersion) {
		t.Errorf("unknown tag err = %v", err)
	}

	prod, err := store.ListVersions("", "production")
	if err != nil {
		t.Fatalf("ListVersions by label: %v", err)
	}
	if len(prod) != 1 || prod[0].Tag != "v1.0.0" {
		t.Errorf("production versions = %+v", prod)
	}
	v, err := store.GetVersion("v1.0.0")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if !v.HasLabel("production") {
		t.Error("label not persisted")
	}
}

func TestCompareVersions(t *testing.T) {
	store, writer := newTestStore(t)
	commitSamples(t, store, writer, "v1.0.0", makeSamples("utilities", 10, 0.9))
	commitSamples(t, store, writer, "v1.1.0",
		append(makeSamples("utilities", 10, 0.9), makeSamples("payments", 5, 0.9)...))

	diff, err := store.CompareVersions("v1.0.0", "v1.1.0")
	if err != nil {
		t.Fatalf("CompareVersions: %v", err)
	}
	if diff.SampleDelta != 5 {
		t.Errorf("sample delta = %d, want 5", diff.SampleDelta)
	}
	if diff.DomainDeltas["payments"] != 5 {
		t.Errorf("payments delta = %d, want 5", diff.DomainDeltas["payments"])
	}
	if diff.SameTrain {
		t.Error("train files should differ")
	}

	same, err := store.CompareVersions("v1.0.0", "v1.0.0")
	if err != nil {
		t.Fatalf("self compare: %v", err)
	}
	if !same.SameTrain || !same.SameEval || same.SampleDelta != 0 {
		t.Errorf("self diff = %+v", same)
	}
}

func TestRetentionArchivesOldest(t *testing.T) {
	dir := t.TempDir()
	store, err := NewVersionStore(StoreConfig{
		Dir:            filepath.Join(dir, "storage"),
		MaxVersions:    2,
		AutoArchiveOld: true,
		ProtectedTags:  []string{"v1.0.0"},
		Increment:      "minor",
	})
	if err != nil {
		t.Fatalf("NewVersionStore: %v", err)
	}
	writer := NewDatasetWriter(WriterConfig{
		OutputDir:           filepath.Join(dir, "out"),
		EvalFraction:        0.2,
		MinEvalSamples:      1,
		MinSamplesPerDomain: 1,
		MinTextLength:       3,
		MaxTextLength:       5000,
	})

	for _, tag := range []string{"v1.0.0", "v1.1.0", "v1.2.0", "v1.3.0"} {
		commitSamples(t, store, writer, tag, makeSamples("utilities", 10, 0.9))
	}

	active, err := store.ListVersions("", "")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	// The protected tag survives even though it is the oldest.
	tags := map[string]bool{}
	for _, v := range active {
		tags[v.Tag] = true
	}
	if !tags["v1.0.0"] {
		t.Error("protected tag was archived")
	}
	if !tags["v1.3.0"] {
		t.Error("newest tag missing from active set")
	}
}
