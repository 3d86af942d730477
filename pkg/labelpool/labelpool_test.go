package labelpool_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/allcare-health/al-backend/pkg/labelpool"
)

func TestLabelpool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Labelpool Suite")
}

var _ = Describe("Pool", func() {
	var (
		tempDir string
		pool    *labelpool.Pool
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "labelpool-test-*")
		Expect(err).NotTo(HaveOccurred())
		pool = labelpool.New(filepath.Join(tempDir, "db", "labels_pool.jsonl"))
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("AddLabel", func() {
		It("appends a new label for a case id not already in the pool", func() {
			label, err := pool.AddLabel("10000", []string{"alice/img1.jpg"}, "mel", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(label.CorrectLabel).To(Equal("mel"))
			Expect(label.UsedInModels).To(BeEmpty())
			Expect(label.ImageRetrainHistory).To(HaveKey("alice/img1.jpg"))

			count, err := pool.GetLabelCount()
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))
		})

		It("overwrites an existing case id with latest-wins semantics", func() {
			first, err := pool.AddLabel("10000", []string{"alice/img1.jpg"}, "mel", "alice")
			Expect(err).NotTo(HaveOccurred())

			second, err := pool.AddLabel("10000", []string{"alice/img1.jpg"}, "nv", "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.CorrectLabel).To(Equal("nv"))
			Expect(second.UserID).To(Equal("bob"))
			Expect(second.CreatedAt).To(Equal(first.CreatedAt))

			count, err := pool.GetLabelCount()
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))
		})

		It("preserves used-model history across an overwrite", func() {
			_, err := pool.AddLabel("10000", []string{"alice/img1.jpg"}, "mel", "alice")
			Expect(err).NotTo(HaveOccurred())
			_, err = pool.MarkLabelsUsed("v1", nil)
			Expect(err).NotTo(HaveOccurred())

			updated, err := pool.AddLabel("10000", []string{"alice/img1.jpg"}, "nv", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.UsedInModels).To(ConsistOf("v1"))
		})
	})

	Describe("GetUnusedLabels / MarkLabelsUsed", func() {
		It("excludes labels already marked as used by a version", func() {
			_, err := pool.AddLabel("10000", []string{"alice/img1.jpg"}, "mel", "alice")
			Expect(err).NotTo(HaveOccurred())
			_, err = pool.AddLabel("10001", []string{"alice/img2.jpg"}, "nv", "alice")
			Expect(err).NotTo(HaveOccurred())

			marked, err := pool.MarkLabelsUsed("v1", []string{"10000"})
			Expect(err).NotTo(HaveOccurred())
			Expect(marked).To(Equal(1))

			unused, err := pool.GetUnusedLabels()
			Expect(err).NotTo(HaveOccurred())
			Expect(unused).To(HaveLen(1))
			Expect(unused[0].CaseID).To(Equal("10001"))
		})

		It("does not double count a label already marked with the same version", func() {
			_, err := pool.AddLabel("10000", []string{"alice/img1.jpg"}, "mel", "alice")
			Expect(err).NotTo(HaveOccurred())

			first, err := pool.MarkLabelsUsed("v1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(Equal(1))

			second, err := pool.MarkLabelsUsed("v1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(0))
		})

		It("records the version in each covered image's retrain history", func() {
			_, err := pool.AddLabel("10000", []string{"alice/img1.jpg", "alice/img2.jpg"}, "mel", "alice")
			Expect(err).NotTo(HaveOccurred())
			_, err = pool.MarkLabelsUsed("v1", nil)
			Expect(err).NotTo(HaveOccurred())

			label, found, err := pool.GetLabelByCase("10000")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(label.ImageRetrainHistory["alice/img1.jpg"]).To(ConsistOf("v1"))
			Expect(label.ImageRetrainHistory["alice/img2.jpg"]).To(ConsistOf("v1"))
		})
	})

	Describe("DeleteLabel", func() {
		It("removes a label and reports success", func() {
			_, err := pool.AddLabel("10000", []string{"alice/img1.jpg"}, "mel", "alice")
			Expect(err).NotTo(HaveOccurred())

			removed, err := pool.DeleteLabel("10000")
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(BeTrue())

			count, err := pool.GetLabelCount()
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(0))
		})

		It("reports false for a case id that isn't in the pool", func() {
			removed, err := pool.DeleteLabel("no-such-case")
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(BeFalse())
		})
	})

	Describe("GetLabelsForTraining", func() {
		It("flattens each label into one sample per image path", func() {
			_, err := pool.AddLabel("10000", []string{"alice/img1.jpg", "alice/img2.jpg"}, "mel", "alice")
			Expect(err).NotTo(HaveOccurred())

			samples, err := pool.GetLabelsForTraining()
			Expect(err).NotTo(HaveOccurred())
			Expect(samples).To(HaveLen(2))
			for _, s := range samples {
				Expect(s.Label).To(Equal("mel"))
				Expect(s.CaseID).To(Equal("10000"))
			}
		})
	})

	Describe("GetLabelsSince", func() {
		It("returns only labels updated after the given timestamp", func() {
			_, err := pool.AddLabel("10000", []string{"alice/img1.jpg"}, "mel", "alice")
			Expect(err).NotTo(HaveOccurred())

			since, err := pool.GetLabelsSince("9999-01-01T00:00:00Z")
			Expect(err).NotTo(HaveOccurred())
			Expect(since).To(BeEmpty())

			since, err = pool.GetLabelsSince("0000-01-01T00:00:00Z")
			Expect(err).NotTo(HaveOccurred())
			Expect(since).To(HaveLen(1))
		})
	})
})
