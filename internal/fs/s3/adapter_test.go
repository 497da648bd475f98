package s3

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bisync/internal/crypto"
	"bisync/internal/fs"
)

func TestAdapter_KeyMapping(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		rel    string
		want   string
	}{
		{name: "no prefix", prefix: "", rel: "docs/a.txt", want: "docs/a.txt"},
		{name: "prefix", prefix: "backups/laptop", rel: "docs/a.txt", want: "backups/laptop/docs/a.txt"},
		{name: "dirty prefix", prefix: "/backups/laptop/", rel: "a.txt", want: "backups/laptop/a.txt"},
		{name: "root", prefix: "backups", rel: "", want: "backups"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(nil, "bucket", tt.prefix, nil)
			key, err := a.objectKey(tt.rel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)

			if tt.rel != "" {
				rel, err := a.relPath(key)
				require.NoError(t, err)
				assert.Equal(t, tt.rel, rel)
			}
		})
	}
}

func TestAdapter_EncryptedNames(t *testing.T) {
	a := NewAdapter(nil, "bucket", "root", crypto.NewCipher("pw"))

	key, err := a.objectKey("docs/report.pdf")
	require.NoError(t, err)
	assert.NotContains(t, key, "report.pdf")
	assert.Contains(t, key, "root/")

	rel, err := a.relPath(key)
	require.NoError(t, err)
	assert.Equal(t, "docs/report.pdf", rel)
}

func TestAdapter_KeyOutsidePrefix(t *testing.T) {
	a := NewAdapter(nil, "bucket", "root", nil)
	_, err := a.relPath("other/file")
	assert.Error(t, err)
}

func TestAdapter_Root(t *testing.T) {
	assert.Equal(t, "s3://bucket/p", NewAdapter(nil, "bucket", "p", nil).Root())
}

func TestPutOptions(t *testing.T) {
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	known := putOptions(1234, mtime)
	assert.Zero(t, known.PartSize)
	assert.Equal(t, "2024-05-01T12:00:00Z", known.UserMetadata["mtime"])

	unknown := putOptions(-1, time.Time{})
	assert.Equal(t, uint64(unknownSizePart), unknown.PartSize)
	assert.Nil(t, unknown.UserMetadata)
}

// objectServer answers the list and delete calls of an S3 bucket.
type objectServer struct {
	mu      gosync.Mutex
	bucket  string
	objects map[string]bool
}

type listContents struct {
	Key          string `xml:"Key"`
	Size         int64  `xml:"Size"`
	ETag         string `xml:"ETag"`
	LastModified string `xml:"LastModified"`
}

type listResult struct {
	XMLName     xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name        string         `xml:"Name"`
	Prefix      string         `xml:"Prefix"`
	KeyCount    int            `xml:"KeyCount"`
	MaxKeys     int            `xml:"MaxKeys"`
	IsTruncated bool           `xml:"IsTruncated"`
	Contents    []listContents `xml:"Contents"`
}

func (s *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"+s.bucket), "/")
	switch {
	case r.Method == http.MethodGet && key == "":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: s.bucket, Prefix: prefix, MaxKeys: 1000}
		var keys []string
		for k := range s.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, listContents{Key: k, ETag: `"d41d8cd98f00b204e9800998ecf8427e"`, LastModified: "2024-01-01T00:00:00.000Z"})
		}
		res.KeyCount = len(res.Contents)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodDelete:
		delete(s.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (s *objectServer) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[key]
}

func newObjectServer(t *testing.T, keys ...string) (*Adapter, *objectServer) {
	t.Helper()
	srv := &objectServer{bucket: "bucket", objects: map[string]bool{}}
	for _, k := range keys {
		srv.objects[k] = true
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	client, err := NewClient(&Options{Endpoint: u.Host, AccessKey: "key", SecretKey: "secret", Region: "us-east-1"})
	require.NoError(t, err)
	return NewAdapter(client, "bucket", "root", nil), srv
}

func TestAdapter_DeleteLeavesFolderWithOtherEntries(t *testing.T) {
	a, srv := newObjectServer(t, "root/proj/", "root/proj/a.txt", "root/proj/notes.secret")
	ctx := context.Background()

	require.NoError(t, a.Delete(ctx, "proj/a.txt"))
	assert.False(t, srv.has("root/proj/a.txt"))

	err := a.Delete(ctx, "proj")
	assert.ErrorIs(t, err, fs.ErrDirNotEmpty)
	assert.True(t, srv.has("root/proj/notes.secret"))
	assert.True(t, srv.has("root/proj/"))

	require.NoError(t, a.Delete(ctx, "proj/notes.secret"))
	require.NoError(t, a.Delete(ctx, "proj"))
	assert.False(t, srv.has("root/proj/"))
}
