package docstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/model"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	doc := Document{Content: []byte("CONTRACT CTR-2026-XYZ"), ContentType: "text/plain; charset=utf-8"}
	if err := s.Put(ctx, "contracts/app-1/c-1.txt", doc); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "contracts/app-1/c-1.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Content) != string(doc.Content) || got.ContentType != doc.ContentType {
		t.Errorf("Get = %q (%s)", got.Content, got.ContentType)
	}

	_, err = s.Get(ctx, "contracts/missing.txt")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Get missing = %v, want NOT_FOUND", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_isolatesContent(t *testing.T) {
	m := NewMemory()
	buf := []byte("original")
	_ = m.Put(context.Background(), "k", Document{Content: buf})
	buf[0] = 'X'
	got, _ := m.Get(context.Background(), "k")
	if string(got.Content) != "original" {
		t.Errorf("stored content mutated: %q", got.Content)
	}
}

// fakeS3 implements the handful of path-style object calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]Document
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if parts[0] != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	if len(parts) == 1 || parts[1] == "" {
		// HEAD bucket
		w.WriteHeader(http.StatusOK)
		return
	}
	key := parts[1]

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
			body = decodeAWSChunked(body)
		}
		f.objects[key] = Document{Content: body, ContentType: r.Header.Get("Content-Type")}
		w.Header().Set("ETag", `"etag-1"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		doc, ok := f.objects[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Type", doc.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(doc.Content)))
		w.Header().Set("ETag", `"etag-1"`)
		w.Header().Set("Last-Modified", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(doc.Content)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// decodeAWSChunked strips the signed chunk framing the client uses on
// plain-HTTP uploads: "<hex size>;chunk-signature=...\r\n<data>\r\n".
func decodeAWSChunked(b []byte) []byte {
	var out []byte
	for len(b) > 0 {
		i := strings.Index(string(b), "\r\n")
		if i < 0 {
			break
		}
		header := string(b[:i])
		if j := strings.IndexByte(header, ';'); j >= 0 {
			header = header[:j]
		}
		n, err := strconv.ParseInt(header, 16, 64)
		if err != nil || n == 0 {
			break
		}
		b = b[i+2:]
		out = append(out, b[:n]...)
		b = b[n+2:]
	}
	return out
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>`+code+`</Code><Message>not found</Message></Error>`)
}

func TestMinio_againstFakeS3(t *testing.T) {
	fake := &fakeS3{bucket: "accredit-contracts", objects: map[string]Document{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	t.Setenv("TEST_S3_ACCESS", "access")
	t.Setenv("TEST_S3_SECRET", "secret")
	s, err := NewMinio(config.DocumentsConfig{
		Driver:       "minio",
		Endpoint:     strings.TrimPrefix(srv.URL, "http://"),
		Bucket:       "accredit-contracts",
		Region:       "us-east-1",
		AccessKeyEnv: "TEST_S3_ACCESS",
		SecretKeyEnv: "TEST_S3_SECRET",
	})
	if err != nil {
		t.Fatalf("NewMinio: %v", err)
	}
	exerciseStore(t, s)
}
