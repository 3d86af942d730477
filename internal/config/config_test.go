package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/allcare-health/al-backend/internal/config"
)

var _ = Describe("Config", func() {
	var tempDir string

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "al-config-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
		for _, key := range []string{
			"STORAGE_ROOT", "API_KEY", "JWT_SECRET_KEY", "JWT_EXPIRATION_HOURS",
			"CASE_ID_START", "RETRAIN_MIN_NEW_LABELS", "ENCRYPT_STORAGE",
			"DATA_ENCRYPTION_KEY", "ALLOWED_ORIGINS", "BACKSERVER_PORT",
		} {
			os.Unsetenv(key)
		}
	})

	Describe("Default", func() {
		It("returns defaults matching the original system's constants", func() {
			cfg := config.Default()
			Expect(cfg.Case.IDStart).To(Equal(10000))
			Expect(cfg.AL.RetrainMinNewLabels).To(Equal(20))
			Expect(cfg.AL.DefaultArchitecture).To(Equal("efficientnet_v2_m"))
			Expect(cfg.Replay.Quota).To(Equal(150))
			Expect(cfg.Replay.HerdingRatio).To(Equal(0.8))
			Expect(cfg.AL.SplitTrainRatio).To(Equal(0.8))
			Expect(cfg.Encryption.Enabled).To(BeFalse())
		})
	})

	Describe("Load", func() {
		Context("with no file and no env overrides", func() {
			It("returns validated defaults", func() {
				cfg, err := config.Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Case.IDStart).To(Equal(10000))
				Expect(cfg.AL.ModelsDir).To(Equal(filepath.Join(cfg.AL.WorkspaceRoot, "models")))
			})
		})

		Context("with environment overrides", func() {
			It("applies them over the defaults", func() {
				os.Setenv("CASE_ID_START", "20000")
				os.Setenv("RETRAIN_MIN_NEW_LABELS", "5")
				os.Setenv("ENCRYPT_STORAGE", "true")
				os.Setenv("DATA_ENCRYPTION_KEY", "a-very-secret-key")

				cfg, err := config.Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Case.IDStart).To(Equal(20000))
				Expect(cfg.AL.RetrainMinNewLabels).To(Equal(5))
				Expect(cfg.Encryption.Enabled).To(BeTrue())
				Expect(cfg.Encryption.Key).To(Equal("a-very-secret-key"))
			})

			It("rejects a malformed integer override", func() {
				os.Setenv("CASE_ID_START", "not-a-number")
				_, err := config.Load("")
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with a YAML config file", func() {
			It("overlays file values over env and defaults, and re-derives AL paths", func() {
				path := filepath.Join(tempDir, "config.yaml")
				contents := []byte(`
al:
  workspace_root: /srv/alt-workspace
  retrain_min_new_labels: 7
server:
  port: "9090"
`)
				Expect(os.WriteFile(path, contents, 0o644)).To(Succeed())

				cfg, err := config.Load(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.AL.RetrainMinNewLabels).To(Equal(7))
				Expect(cfg.Server.Port).To(Equal("9090"))
				Expect(cfg.AL.ModelsDir).To(Equal("/srv/alt-workspace/models"))
				Expect(cfg.AL.ModelRegistryFile).To(Equal("/srv/alt-workspace/db/model_registry.json"))
			})
		})

		Context("with a missing explicit file path", func() {
			It("returns an error rather than silently falling back to defaults", func() {
				_, err := config.Load(filepath.Join(tempDir, "does-not-exist.yaml"))
				Expect(err).To(HaveOccurred())
			})
		})

		Context("validation", func() {
			It("rejects encryption enabled without a key", func() {
				os.Setenv("ENCRYPT_STORAGE", "true")
				_, err := config.Load("")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("encryption.key"))
			})

			It("rejects an unsupported default architecture from a file", func() {
				path := filepath.Join(tempDir, "config.yaml")
				Expect(os.WriteFile(path, []byte("al:\n  default_architecture: not_a_real_arch\n"), 0o644)).To(Succeed())
				_, err := config.Load(path)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("not supported"))
			})

			It("rejects a split ratio outside (0, 1)", func() {
				path := filepath.Join(tempDir, "config.yaml")
				Expect(os.WriteFile(path, []byte("al:\n  split_train_ratio: 1.5\n"), 0o644)).To(Succeed())
				_, err := config.Load(path)
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("per-user path helpers", func() {
		It("joins storage root and user id consistently", func() {
			cfg := config.Default()
			cfg.Storage.Root = "/data"
			Expect(cfg.UserStorageDir("alice")).To(Equal("/data/alice"))
			Expect(cfg.UserMetadataPath("alice")).To(Equal("/data/alice/metadata.jsonl"))
			Expect(cfg.UserCounterPath("alice")).To(Equal("/data/alice/case_counter.json"))
		})
	})
})
