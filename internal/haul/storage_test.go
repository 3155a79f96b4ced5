package haul

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "uploads"))
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			name  string
			saved string
			err   error
		)

		BeforeEach(func() {
			name = "id-1_order.png"
		})

		JustBeforeEach(func() {
			saved, err = storage.Save(name, []byte("png-data"))
		})

		It("should return the name to load the file with", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(saved).To(Equal(name))
		})

		It("should write the file into the storage directory", func() {
			Expect(filepath.Join(tmpDir, "uploads", name)).To(BeAnExistingFile())
		})

		It("should leave no temporary files behind", func() {
			entries, readErr := os.ReadDir(filepath.Join(tmpDir, "uploads"))
			Expect(readErr).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		When("the name tries to leave the directory", func() {
			BeforeEach(func() {
				name = "../escape.png"
			})

			It("should refuse it", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid file name")))
				Expect(filepath.Join(tmpDir, "escape.png")).NotTo(BeAnExistingFile())
			})
		})

		When("the name is hidden", func() {
			BeforeEach(func() {
				name = ".upload-123"
			})

			It("should refuse it", func() {
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Get", func() {
		It("should read a saved file back", func() {
			_, err := storage.Save("a.jpg", []byte("jpeg-data"))
			Expect(err).NotTo(HaveOccurred())

			data, err := storage.Get("a.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("jpeg-data"))
		})

		It("should fail for a missing file", func() {
			_, err := storage.Get("missing.jpg")
			Expect(err).To(MatchError(ContainSubstring("reading file")))
		})
	})

	Describe("Delete", func() {
		It("should remove a saved file", func() {
			_, err := storage.Save("a.jpg", []byte("jpeg-data"))
			Expect(err).NotTo(HaveOccurred())

			Expect(storage.Delete("a.jpg")).To(Succeed())
			Expect(filepath.Join(tmpDir, "uploads", "a.jpg")).NotTo(BeAnExistingFile())
		})

		It("should fail for a missing file", func() {
			Expect(storage.Delete("missing.jpg")).To(MatchError(ContainSubstring("deleting file")))
		})
	})
})
