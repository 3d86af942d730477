package cryptostore_test

import (
	"encoding/base64"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/allcare-health/al-backend/pkg/cryptostore"
)

func TestCryptostore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cryptostore Suite")
}

type labelEntry struct {
	ImageID string `json:"image_id"`
	Label   string `json:"label"`
}

var _ = Describe("Store", func() {
	validKey := base64.URLEncoding.EncodeToString(make([]byte, 32))

	Describe("New", func() {
		It("builds a disabled pass-through store when enabled is false", func() {
			store, err := cryptostore.New(false, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Enabled).To(BeFalse())
		})

		It("rejects an empty key when enabled", func() {
			_, err := cryptostore.New(true, "")
			Expect(err).To(HaveOccurred())
		})

		It("rejects a key that doesn't decode to 16/24/32 bytes", func() {
			shortKey := base64.URLEncoding.EncodeToString(make([]byte, 10))
			_, err := cryptostore.New(true, shortKey)
			Expect(err).To(HaveOccurred())
		})

		It("accepts a valid 32-byte key", func() {
			store, err := cryptostore.New(true, validKey)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Enabled).To(BeTrue())
		})
	})

	Describe("EncryptBytes / DecryptBytes", func() {
		var store *cryptostore.Store

		BeforeEach(func() {
			var err error
			store, err = cryptostore.New(true, validKey)
			Expect(err).NotTo(HaveOccurred())
		})

		It("round-trips arbitrary bytes", func() {
			plaintext := []byte("image bytes go here")
			ciphertext, err := store.EncryptBytes(plaintext)
			Expect(err).NotTo(HaveOccurred())
			Expect(ciphertext).NotTo(Equal(plaintext))

			decrypted, err := store.DecryptBytes(ciphertext)
			Expect(err).NotTo(HaveOccurred())
			Expect(decrypted).To(Equal(plaintext))
		})

		It("produces different ciphertext for the same plaintext on each call", func() {
			plaintext := []byte("same input")
			first, err := store.EncryptBytes(plaintext)
			Expect(err).NotTo(HaveOccurred())
			second, err := store.EncryptBytes(plaintext)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).NotTo(Equal(second))
		})

		It("rejects a truncated payload", func() {
			_, err := store.DecryptBytes([]byte("short"))
			Expect(err).To(HaveOccurred())
		})

		It("refuses to encrypt when disabled", func() {
			disabled, err := cryptostore.New(false, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = disabled.EncryptBytes([]byte("x"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("EncryptJSON / DecryptJSON", func() {
		var store *cryptostore.Store

		BeforeEach(func() {
			var err error
			store, err = cryptostore.New(true, validKey)
			Expect(err).NotTo(HaveOccurred())
		})

		It("round-trips a struct through the enc/v envelope", func() {
			entry := labelEntry{ImageID: "img-1", Label: "melanoma"}
			line, err := store.EncryptJSON(entry)
			Expect(err).NotTo(HaveOccurred())
			Expect(cryptostore.IsEnvelope(line)).To(BeTrue())

			var out labelEntry
			Expect(store.DecryptJSON(line, &out)).To(Succeed())
			Expect(out).To(Equal(entry))
		})

		It("reports plaintext JSON as not an envelope", func() {
			Expect(cryptostore.IsEnvelope([]byte(`{"image_id":"img-1"}`))).To(BeFalse())
		})

		It("fails to decrypt a line missing the enc field", func() {
			err := store.DecryptJSON([]byte(`{"v":1}`), &labelEntry{})
			Expect(err).To(HaveOccurred())
		})
	})
})
