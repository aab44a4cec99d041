package rag

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("FileExtractor", func() {
	var (
		extractor *FileExtractor
		dir       string
		ctx       context.Context
	)

	BeforeEach(func() {
		extractor = NewFileExtractor(nil)
		dir = GinkgoT().TempDir()
		ctx = context.Background()
	})

	writeFile := func(name, content string) string {
		path := filepath.Join(dir, name)
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
		return path
	}

	Describe("plain text files", func() {
		It("should return the whole file as one section", func() {
			path := writeFile("doc.txt", "line one\nline two\n")

			sections, err := extractor.Extract(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(sections).To(HaveLen(1))
			Expect(sections[0].Text).To(Equal("line one\nline two"))
			Expect(sections[0].Page).To(BeZero())
		})

		It("should normalize line endings and collapse blank-line runs", func() {
			path := writeFile("doc.md", "a\r\nb\r\r\n\n\n\nc")

			sections, err := extractor.Extract(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(sections[0].Text).To(Equal("a\nb\n\nc"))
		})

		It("should reject whitespace-only files", func() {
			path := writeFile("empty.txt", "   \n\t\n")

			_, err := extractor.Extract(ctx, path)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("empty"))
		})

		It("should fail on missing files", func() {
			_, err := extractor.Extract(ctx, filepath.Join(dir, "absent.txt"))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("remote PDF extraction", func() {
		It("should upload the file and map returned pages to sections", func() {
			var got remoteExtractRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(json.NewDecoder(r.Body).Decode(&got)).To(Succeed())
				json.NewEncoder(w).Encode(map[string]interface{}{
					"pages": []map[string]interface{}{
						{"page": 1, "text": "first page"},
						{"page": 2, "text": "   "},
						{"page": 3, "text": "third page"},
					},
				})
			}))
			defer srv.Close()

			extractor = NewFileExtractor(&ExtractionConfig{
				PDFEngine:      "remote",
				RemoteEndpoint: srv.URL,
				TimeoutSeconds: 5,
			})
			path := writeFile("scan.pdf", "%PDF-fake")

			sections, err := extractor.Extract(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(sections).To(HaveLen(2))
			Expect(sections[0].Text).To(Equal("first page"))
			Expect(sections[0].Page).To(Equal(1))
			Expect(sections[1].Text).To(Equal("third page"))
			Expect(sections[1].Page).To(Equal(3))

			Expect(got.Filename).To(Equal("scan.pdf"))
			decoded, err := base64.StdEncoding.DecodeString(got.Content)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(decoded)).To(Equal("%PDF-fake"))
		})

		It("should keep image-only pages for multimodal embedding", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"pages": []map[string]interface{}{
						{"page": 1, "text": "", "image": "aW1n"},
					},
				})
			}))
			defer srv.Close()

			extractor = NewFileExtractor(&ExtractionConfig{
				PDFEngine:       "remote",
				RemoteEndpoint:  srv.URL,
				RenderPageImage: true,
				TimeoutSeconds:  5,
			})
			path := writeFile("scan.pdf", "%PDF-fake")

			sections, err := extractor.Extract(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(sections).To(HaveLen(1))
			Expect(sections[0].Text).To(BeEmpty())
			Expect(sections[0].ImageB64).To(Equal("aW1n"))
		})

		It("should surface service errors with the status code", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			}))
			defer srv.Close()

			extractor = NewFileExtractor(&ExtractionConfig{
				PDFEngine:      "remote",
				RemoteEndpoint: srv.URL,
				TimeoutSeconds: 5,
			})
			path := writeFile("scan.pdf", "%PDF-fake")

			_, err := extractor.Extract(ctx, path)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("status 503"))
			Expect(err.Error()).To(ContainSubstring("model overloaded"))
		})
	})

	Describe("RemoteBacked", func() {
		It("should report only pdf files routed to the remote engine", func() {
			Expect(extractor.RemoteBacked("x.pdf")).To(BeFalse())

			remote := NewFileExtractor(&ExtractionConfig{
				PDFEngine:      "remote",
				RemoteEndpoint: "http://doc-extractor",
			})
			Expect(remote.RemoteBacked("x.pdf")).To(BeTrue())
			Expect(remote.RemoteBacked("X.PDF")).To(BeTrue())
			Expect(remote.RemoteBacked("x.txt")).To(BeFalse())
		})
	})
})

var _ = Describe("Loader", func() {
	var (
		loader *Loader
		ctx    context.Context
	)

	BeforeEach(func() {
		loader = NewLoader(nil)
		ctx = context.Background()
	})

	Describe("LoadFile", func() {
		It("should shape document metadata from the path", func() {
			path := filepath.Join(GinkgoT().TempDir(), "Quarterly Report.txt")
			Expect(os.WriteFile(path, []byte("the report body"), 0o644)).To(Succeed())

			docs, err := loader.LoadFile(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(1))

			doc := docs[0]
			Expect(doc.Content).To(Equal("the report body"))
			Expect(doc.Meta.Source).To(Equal(path))
			Expect(doc.Meta.Title).To(Equal("Quarterly Report"))
			Expect(doc.Meta.FileType).To(Equal("txt"))
			Expect(doc.Meta.Page).To(BeZero())
			Expect(doc.ID).NotTo(BeEmpty())
			Expect(doc.ContentHash).To(Equal(hashContent("the report body")))
		})

		It("should produce one document per extracted page", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"pages": []map[string]interface{}{
						{"page": 1, "text": "page one"},
						{"page": 2, "text": "page two", "image": "aW1n"},
					},
				})
			}))
			defer srv.Close()

			loader = NewLoader(NewFileExtractor(&ExtractionConfig{
				PDFEngine:      "remote",
				RemoteEndpoint: srv.URL,
				TimeoutSeconds: 5,
			}))
			path := filepath.Join(GinkgoT().TempDir(), "scan.pdf")
			Expect(os.WriteFile(path, []byte("%PDF-fake"), 0o644)).To(Succeed())

			docs, err := loader.LoadFile(ctx, path)
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(2))
			Expect(docs[0].Meta.Page).To(Equal(1))
			Expect(docs[1].Meta.Page).To(Equal(2))
			Expect(docs[1].Meta.FileType).To(Equal("pdf"))
			Expect(docs[1].Meta.Extra).To(HaveKeyWithValue(extraPageImage, "aW1n"))
		})
	})

	Describe("LoadText", func() {
		It("should wrap raw text in a document", func() {
			doc, err := loader.LoadText("plain content", DocumentMeta{Source: "inline"})
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Content).To(Equal("plain content"))
			Expect(doc.Meta.Source).To(Equal("inline"))
			Expect(doc.ContentHash).NotTo(BeEmpty())
		})

		It("should reject blank content", func() {
			_, err := loader.LoadText("   \n\t", DocumentMeta{})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("RemoteBacked", func() {
		It("should defer to the extractor when it can tell", func() {
			loader = NewLoader(NewFileExtractor(&ExtractionConfig{
				PDFEngine:      "remote",
				RemoteEndpoint: "http://doc-extractor",
			}))
			Expect(loader.RemoteBacked("scan.pdf")).To(BeTrue())
			Expect(loader.RemoteBacked("notes.txt")).To(BeFalse())
		})
	})
})
