package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panelbroker/gamebroker/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 stores objects in memory behind path-style URLs.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]http.Header
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	f := &fakeS3{objects: map[string][]byte{}, metadata: map[string]http.Header{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.metadata[r.URL.Path] = r.Header.Clone()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>archive</Name><IsTruncated>false</IsTruncated>`)
		for p := range f.objects {
			key := strings.TrimPrefix(p, "/archive/")
			if strings.HasPrefix(key, prefix) {
				b.WriteString("<Contents><Key>" + key + "</Key></Contents>")
			}
		}
		b.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(b.String()))

	case r.Method == http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if sum := f.metadata[r.URL.Path].Get("X-Amz-Meta-Sha256"); sum != "" {
			w.Header().Set("X-Amz-Meta-Sha256", sum)
		}
		w.Write(body)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), Options{
		Bucket:    "archive",
		Region:    "us-east-1",
		Prefix:    "gamebroker",
		Endpoint:  endpoint,
		Anonymous: true,
	})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func decided() []*db.Request {
	processed := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	admin := int64(7)
	return []*db.Request{
		{
			ID: 1, UserID: 42, Username: "steve", GameName: "minecraft", Status: db.StatusApproved,
			RequestedAt: processed.Add(-time.Hour), ProcessedAt: &processed, ProcessedBy: &admin,
			Notes: "Approved by admin", AccountHandle: "steve", InstanceID: "task-1",
		},
		{
			ID: 2, UserID: 43, Username: "alex", GameName: "ark", Status: db.StatusRejected,
			RequestedAt: processed.Add(-time.Hour), ProcessedAt: &processed, ProcessedBy: &admin,
			Notes: "No capacity",
		},
	}
}

func TestArchiveAndDownload(t *testing.T) {
	fake, srv := newFakeS3(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	result, err := c.Archive(ctx, decided())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 2, result.Count)
	assert.True(t, strings.HasPrefix(result.Key, "gamebroker/decisions/2026/03/01/decisions-"))
	assert.True(t, strings.HasSuffix(result.Key, ".jsonl"))

	stored := fake.objects["/archive/"+result.Key]
	require.NotEmpty(t, stored)
	sum := sha256.Sum256(stored)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.SHA256)

	records, err := DecodeRecords(bytes.NewReader(stored))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "task-1", records[0].InstanceID)
	assert.Equal(t, "rejected", records[1].Status)

	local := filepath.Join(t.TempDir(), "archive.jsonl")
	dl, err := c.Download(ctx, result.Key, local)
	require.NoError(t, err)
	assert.Equal(t, result.SHA256, dl.SHA256)
	assert.Equal(t, result.Size, dl.Size)

	onDisk, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, stored, onDisk)

	keys, err := c.ListObjects(ctx, "2026")
	require.NoError(t, err)
	assert.Equal(t, []string{result.Key}, keys)
}

func TestArchiveEmptyBatch(t *testing.T) {
	fake, srv := newFakeS3(t)
	c := newTestClient(t, srv.URL)

	result, err := c.Archive(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, fake.objects)
}

func TestNewClientRequiresBucket(t *testing.T) {
	_, err := NewClient(context.Background(), Options{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestEncodeRecords(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRecords(&buf, decided()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"amp_user_id":"steve"`)
	assert.Contains(t, lines[0], `"processed_by":7`)
	assert.NotContains(t, lines[1], "amp_instance_id", "empty handles are omitted")
}
