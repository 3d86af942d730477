package casestore_test

import (
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/allcare-health/al-backend/internal/config"
	"github.com/allcare-health/al-backend/pkg/casestore"
	"github.com/allcare-health/al-backend/pkg/cryptostore"
)

func TestCasestore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Casestore Suite")
}

func newTestConfig(tempDir string) *config.Config {
	cfg := config.Default()
	cfg.Storage.Root = tempDir
	cfg.Storage.LegacyMetadataFile = tempDir + "/metadata.jsonl"
	return cfg
}

func newTestStore(cfg *config.Config) *casestore.Store {
	crypto, err := cryptostore.New(false, "")
	Expect(err).NotTo(HaveOccurred())
	return casestore.New(cfg, crypto)
}

var _ = Describe("Store", func() {
	var (
		tempDir string
		cfg     *config.Config
		store   *casestore.Store
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "casestore-test-*")
		Expect(err).NotTo(HaveOccurred())
		cfg = newTestConfig(tempDir)
		store = newTestStore(cfg)
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("NextCaseID", func() {
		It("starts from the configured start value", func() {
			id, err := store.NextCaseID("alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("10000"))
		})

		It("increments on each call", func() {
			first, err := store.NextCaseID("alice")
			Expect(err).NotTo(HaveOccurred())
			second, err := store.NextCaseID("alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(Equal("10000"))
			Expect(second).To(Equal("10001"))
		})

		It("keeps separate counters per user", func() {
			aliceFirst, err := store.NextCaseID("alice")
			Expect(err).NotTo(HaveOccurred())
			bobFirst, err := store.NextCaseID("bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(aliceFirst).To(Equal("10000"))
			Expect(bobFirst).To(Equal("10000"))
		})

		It("recovers from ledger entries when the counter file is missing", func() {
			_, err := store.LogCaseEntry(casestore.Entry{"case_id": "10050"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			os.Remove(cfg.UserCounterPath("alice"))

			next, err := store.NextCaseID("alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(next).To(Equal("10051"))
		})
	})

	Describe("ReleaseCaseID", func() {
		It("releases the most recently allocated ID", func() {
			id, err := store.NextCaseID("alice")
			Expect(err).NotTo(HaveOccurred())

			result, err := store.ReleaseCaseID("alice", id)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal("ok"))

			again, err := store.NextCaseID("alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(id))
		})

		It("skips when the counter doesn't match", func() {
			_, err := store.NextCaseID("alice")
			Expect(err).NotTo(HaveOccurred())

			result, err := store.ReleaseCaseID("alice", "1")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal("skipped"))
			Expect(result.Reason).To(Equal("counter_mismatch"))
		})

		It("skips when the case has already been logged", func() {
			id, err := store.NextCaseID("alice")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.LogCaseEntry(casestore.Entry{"case_id": id}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			result, err := store.ReleaseCaseID("alice", id)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal("skipped"))
			Expect(result.Reason).To(Equal("case_in_use"))
		})

		It("rejects a non-numeric case id", func() {
			_, err := store.ReleaseCaseID("alice", "not-a-number")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("LogCaseEntry", func() {
		It("allocates a case id when the payload doesn't carry one", func() {
			entry, err := store.LogCaseEntry(casestore.Entry{}, casestore.EntryTypeCase, "pending", "alice", "gp")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.CaseID()).To(Equal("10000"))
			Expect(entry.Status()).To(Equal("pending"))
			Expect(entry.UserID()).To(Equal("alice"))
		})

		It("elides a prior case summary for the same case id", func() {
			_, err := store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeReject, "rejected", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			entries, err := store.ReadUserEntries("alice")
			Expect(err).NotTo(HaveOccurred())
			caseEntries := 0
			for _, e := range entries {
				if e.CaseID() == "10000" {
					caseEntries++
				}
			}
			Expect(caseEntries).To(Equal(1))
			Expect(entries[len(entries)-1].EntryType()).To(Equal(casestore.EntryTypeReject))
		})

		It("denormalizes accumulated image ids onto the case summary", func() {
			imageID, _, err := store.SaveImage("alice", []byte("fake-jpeg-bytes"))
			Expect(err).NotTo(HaveOccurred())
			Expect(store.AppendEntry(store.UserMetadataPath("alice"), casestore.Entry{
				"case_id":  "10000",
				"image_id": imageID,
			})).To(Succeed())

			entry, err := store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			ids, ok := entry["image_ids"].([]string)
			Expect(ok).To(BeTrue())
			Expect(ids).To(ConsistOf(imageID))
		})
	})

	Describe("UpdateCaseInUserStorage", func() {
		It("updates the most recent case-like entry", func() {
			_, err := store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			updated, err := store.UpdateCaseInUserStorage("alice", "10000", casestore.Entry{"status": "reviewed"})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated).NotTo(BeNil())
			Expect(updated.Status()).To(Equal("reviewed"))
		})

		It("returns nil when the case doesn't exist", func() {
			updated, err := store.UpdateCaseInUserStorage("alice", "99999", casestore.Entry{"status": "reviewed"})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated).To(BeNil())
		})
	})

	Describe("SubmitLabel", func() {
		It("prefers a rejected entry over a case summary", func() {
			_, err := store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeReject, "rejected", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			entry, err := store.SubmitLabel("alice", "10000", "mel", "looks malignant")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.EntryType()).To(Equal(casestore.EntryTypeReject))
			Expect(entry.CorrectLabel()).To(Equal("mel"))
		})

		It("errors when the case doesn't exist", func() {
			_, err := store.SubmitLabel("alice", "10000", "mel", "")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("AnnotateCaseInUserStorage", func() {
		It("prefers a rejected entry over a case summary", func() {
			_, err := store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeReject, "rejected", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			entry, err := store.AnnotateCaseInUserStorage("alice", "10000", casestore.Entry{"correct_label": "mel"})
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).NotTo(BeNil())
			Expect(entry.EntryType()).To(Equal(casestore.EntryTypeReject))
			Expect(entry["correct_label"]).To(Equal("mel"))
		})

		It("falls back to a case summary when no rejection exists", func() {
			_, err := store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			entry, err := store.AnnotateCaseInUserStorage("alice", "10000", casestore.Entry{"correct_label": "nv"})
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).NotTo(BeNil())
			Expect(entry.EntryType()).To(Equal(casestore.EntryTypeCase))
			Expect(entry["correct_label"]).To(Equal("nv"))
		})

		It("returns nil when the case doesn't exist", func() {
			entry, err := store.AnnotateCaseInUserStorage("alice", "99999", casestore.Entry{"correct_label": "mel"})
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).To(BeNil())
		})
	})

	Describe("AnnotateCaseAcrossUsers", func() {
		It("annotates the single user whose ledger has the matching rejection", func() {
			_, err := store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeReject, "rejected", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			entry, err := store.AnnotateCaseAcrossUsers("10000", casestore.Entry{"correct_label": "mel"})
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).NotTo(BeNil())
			Expect(entry["correct_label"]).To(Equal("mel"))
		})

		It("errors with ErrAmbiguousCase when more than one user's ledger has a matching rejection", func() {
			_, err := store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeReject, "rejected", "alice", "")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "bob", "")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeReject, "rejected", "bob", "")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AnnotateCaseAcrossUsers("10000", casestore.Entry{"correct_label": "mel"})
			Expect(err).To(MatchError(casestore.ErrAmbiguousCase))
		})

		It("returns nil when no user's ledger has the case", func() {
			entry, err := store.AnnotateCaseAcrossUsers("99999", casestore.Entry{"correct_label": "mel"})
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).To(BeNil())
		})
	})

	Describe("SaveImage", func() {
		It("writes a plaintext jpeg when encryption is disabled", func() {
			imageID, path, err := store.SaveImage("alice", []byte("fake-jpeg"))
			Expect(err).NotTo(HaveOccurred())
			Expect(imageID).NotTo(BeEmpty())
			Expect(path).To(HaveSuffix(".jpg"))
			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("fake-jpeg")))
		})

		It("writes an encrypted .bin file when encryption is enabled", func() {
			crypto, err := cryptostore.New(true, "MDEyMzQ1Njc4OWFiY2RlZg")
			Expect(err).NotTo(HaveOccurred())
			cfg := config.Default()
			cfg.Storage.Root = tempDir
			encStore := casestore.New(cfg, crypto)

			imageID, path, err := encStore.SaveImage("alice", []byte("fake-jpeg"))
			Expect(err).NotTo(HaveOccurred())
			Expect(imageID).NotTo(BeEmpty())
			Expect(path).To(HaveSuffix(".bin"))

			raw, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			decrypted, err := crypto.DecryptBytes(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(decrypted).To(Equal([]byte("fake-jpeg")))
		})
	})

	Describe("ReadAllEntries", func() {
		It("aggregates every user's ledger plus the legacy ledger", func() {
			_, err := store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "alice", "")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.LogCaseEntry(casestore.Entry{"case_id": "10000"}, casestore.EntryTypeCase, "pending", "bob", "")
			Expect(err).NotTo(HaveOccurred())

			all, err := store.ReadAllEntries()
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(2))
		})
	})

	Describe("ShouldIncludeEntry", func() {
		It("filters by entry type and case-insensitive status", func() {
			allowed := map[string]bool{casestore.EntryTypeCase: true}
			entry := casestore.Entry{"entry_type": casestore.EntryTypeCase, "status": "Pending"}
			Expect(casestore.ShouldIncludeEntry(entry, allowed, "pending")).To(BeTrue())
			Expect(casestore.ShouldIncludeEntry(entry, allowed, "reviewed")).To(BeFalse())
		})
	})
})
