package eventlog_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/allcare-health/al-backend/pkg/eventlog"
)

func TestEventlog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Eventlog Suite")
}

var _ = Describe("Log", func() {
	var (
		tempDir string
		log     *eventlog.Log
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "eventlog-test-*")
		Expect(err).NotTo(HaveOccurred())
		log = eventlog.New(filepath.Join(tempDir, "db", "event_log.jsonl"))
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("LogEvent / GetAllEvents", func() {
		It("returns events newest first", func() {
			_, err := log.LogEvent(eventlog.RetrainTriggered, "first", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = log.LogEvent(eventlog.ModelPromoted, "second", nil)
			Expect(err).NotTo(HaveOccurred())

			events, err := log.GetAllEvents()
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].Message).To(Equal("second"))
			Expect(events[1].Message).To(Equal("first"))
		})

		It("returns an empty slice for a log that doesn't exist yet", func() {
			events, err := log.GetAllEvents()
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(BeEmpty())
		})
	})

	Describe("GetRecentEvents", func() {
		It("caps the result at the given limit", func() {
			for i := 0; i < 5; i++ {
				_, err := log.LogEvent(eventlog.ConfigUpdated, "event", nil)
				Expect(err).NotTo(HaveOccurred())
			}
			recent, err := log.GetRecentEvents(2)
			Expect(err).NotTo(HaveOccurred())
			Expect(recent).To(HaveLen(2))
		})
	})

	Describe("GetEventsByType", func() {
		It("filters to only the matching type", func() {
			_, err := log.LogEvent(eventlog.TrainingStarted, "started", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = log.LogEvent(eventlog.TrainingFailed, "failed", nil)
			Expect(err).NotTo(HaveOccurred())

			failures, err := log.GetEventsByType(eventlog.TrainingFailed, 50)
			Expect(err).NotTo(HaveOccurred())
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Message).To(Equal("failed"))
		})
	})

	Describe("convenience constructors", func() {
		It("log_training_completed formats accuracy as a percentage", func() {
			event, err := log.LogTrainingCompleted("v1", 0.873, 120)
			Expect(err).NotTo(HaveOccurred())
			Expect(event.Message).To(ContainSubstring("87.3%"))
			Expect(event.Metadata["version_id"]).To(Equal("v1"))
		})

		It("log_model_rollback records from/to/reason", func() {
			event, err := log.LogModelRollback("v2", "v1", "accuracy regression")
			Expect(err).NotTo(HaveOccurred())
			Expect(event.Metadata["from_version"]).To(Equal("v2"))
			Expect(event.Metadata["to_version"]).To(Equal("v1"))
		})
	})

	Describe("ClearEvents", func() {
		It("truncates the log and reports how many events it held", func() {
			_, err := log.LogEvent(eventlog.RetrainTriggered, "one", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = log.LogEvent(eventlog.RetrainTriggered, "two", nil)
			Expect(err).NotTo(HaveOccurred())

			count, err := log.ClearEvents()
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(2))

			remaining, err := log.GetAllEvents()
			Expect(err).NotTo(HaveOccurred())
			Expect(remaining).To(BeEmpty())
		})
	})
})
