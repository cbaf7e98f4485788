package prefetch

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/trace"
)

type entry struct {
	name string
	body string
	dir  bool
	link string
}

func tarGz(t *testing.T, entries ...entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr = &tar.Header{Name: e.name, Mode: 0755, Typeflag: tar.TypeDir}
		case e.link != "":
			hdr = &tar.Header{Name: e.name, Mode: 0777, Typeflag: tar.TypeSymlink, Linkname: e.link}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	return buf.Bytes()
}

func validArchive(t *testing.T) []byte {
	return tarGz(t,
		entry{name: "root/", dir: true},
		entry{name: "root/a.txt", body: "alpha"},
		entry{name: "root/sub/", dir: true},
		entry{name: "root/sub/b.txt", body: "bravo"},
	)
}

// archiveServer answers HEAD and GET with the given status and body and
// counts every request it receives
func archiveServer(t *testing.T, status int, body []byte) (*httptest.Server, *int64) {
	t.Helper()
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(status)
		if r.Method == http.MethodGet {
			w.Write(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestPrefetcher(ci bool) *Prefetcher {
	return New(Options{
		CI:       ci,
		RetryMax: 0,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestStripFirstSegment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"root/a.txt", "a.txt"},
		{"root/sub/b.txt", "sub/b.txt"},
		{"root/sub/", "sub"},
		{"root/", ""},
		{"root", ""},
		{"pax_global_header", ""},
		{"./root/a.txt", "a.txt"},
		{"ruleset.skk.moe-master/List/ip/reject.conf", "List/ip/reject.conf"},
		{"root//double.txt", "double.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFirstSegment(tt.in))
		})
	}
}

func TestPrefetch_SkipsPopulatedDir(t *testing.T) {
	srv, hits := archiveServer(t, http.StatusOK, validArchive(t))

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "existing.conf"), []byte("x"), 0644))

	p := newTestPrefetcher(true)
	for i := 0; i < 3; i++ {
		res, err := p.Prefetch(context.Background(), trace.New("root"), target, Sources{Primary: srv.URL, Fallback: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, domain.PrefetchSkipped, res.Outcome)
	}
	assert.Zero(t, atomic.LoadInt64(hits), "no network call expected")
}

func TestPrefetch_FallbackWhenPrimaryUnhealthy(t *testing.T) {
	primary, primaryHits := archiveServer(t, http.StatusServiceUnavailable, nil)
	fallback, _ := archiveServer(t, http.StatusOK, validArchive(t))

	target := filepath.Join(t.TempDir(), "public")
	res, err := newTestPrefetcher(false).Prefetch(context.Background(), trace.New("root"), target,
		Sources{Primary: primary.URL, Fallback: fallback.URL})

	require.NoError(t, err)
	assert.Equal(t, domain.PrefetchMaterialized, res.Outcome)
	assert.Equal(t, fallback.URL, res.Source)
	assert.Equal(t, int64(1), atomic.LoadInt64(primaryHits), "primary is only probed")
	assert.Equal(t, "alpha", readFile(t, filepath.Join(target, "a.txt")))
}

func TestPrefetch_PrimaryUsedWhenHealthy(t *testing.T) {
	primary, _ := archiveServer(t, http.StatusOK, validArchive(t))
	fallback, fallbackHits := archiveServer(t, http.StatusOK, validArchive(t))

	target := filepath.Join(t.TempDir(), "public")
	res, err := newTestPrefetcher(true).Prefetch(context.Background(), trace.New("root"), target,
		Sources{Primary: primary.URL, Fallback: fallback.URL})

	require.NoError(t, err)
	assert.Equal(t, primary.URL, res.Source)
	assert.Zero(t, atomic.LoadInt64(fallbackHits))
}

func TestPrefetch_NonOKStatusWithUsableBody(t *testing.T) {
	primary, _ := archiveServer(t, http.StatusNonAuthoritativeInfo, validArchive(t))

	target := filepath.Join(t.TempDir(), "public")
	res, err := newTestPrefetcher(false).Prefetch(context.Background(), trace.New("root"), target,
		Sources{Primary: primary.URL})

	require.NoError(t, err)
	assert.Equal(t, domain.PrefetchMaterialized, res.Outcome)
	assert.Equal(t, "bravo", readFile(t, filepath.Join(target, "sub", "b.txt")))
}

func TestPrefetch_CIDegradesWhenAllSourcesFail(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	failing := func(t *testing.T, kind string) string {
		switch kind {
		case "404":
			srv, _ := archiveServer(t, http.StatusNotFound, nil)
			return srv.URL
		case "500":
			srv, _ := archiveServer(t, http.StatusInternalServerError, []byte("oops"))
			return srv.URL
		case "garbage":
			srv, _ := archiveServer(t, http.StatusOK, []byte("definitely not gzip"))
			return srv.URL
		case "truncated":
			archive := validArchive(t)
			srv, _ := archiveServer(t, http.StatusOK, archive[:len(archive)/2])
			return srv.URL
		default:
			return closedURL
		}
	}

	kinds := []string{"404", "500", "garbage", "truncated", "unreachable"}
	for _, pk := range kinds {
		for _, fk := range kinds {
			t.Run(pk+"/"+fk, func(t *testing.T) {
				target := filepath.Join(t.TempDir(), "public")
				res, err := newTestPrefetcher(true).Prefetch(context.Background(), trace.New("root"), target,
					Sources{Primary: failing(t, pk), Fallback: failing(t, fk)})

				require.NoError(t, err)
				assert.Equal(t, domain.PrefetchDegraded, res.Outcome)
				_, statErr := os.Stat(target)
				assert.True(t, os.IsNotExist(statErr), "failed prefetch must not leave a partial tree")
			})
		}
	}
}

func TestPrefetch_LocalPropagatesNotFound(t *testing.T) {
	primary, _ := archiveServer(t, http.StatusNotFound, nil)
	fallback, _ := archiveServer(t, http.StatusNotFound, nil)

	res, err := newTestPrefetcher(false).Prefetch(context.Background(), trace.New("root"),
		filepath.Join(t.TempDir(), "public"), Sources{Primary: primary.URL, Fallback: fallback.URL})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, domain.PrefetchDegraded, res.Outcome)
}

func TestPrefetch_EndToEndFallbackAfterPrimary404(t *testing.T) {
	primary, _ := archiveServer(t, http.StatusNotFound, nil)
	fallback, _ := archiveServer(t, http.StatusOK, tarGz(t,
		entry{name: "root/a.txt", body: "alpha"},
		entry{name: "root/sub/b.txt", body: "bravo"},
	))

	target := t.TempDir() // exists but empty
	root := trace.New("root")
	res, err := newTestPrefetcher(true).Prefetch(context.Background(), root, target,
		Sources{Primary: primary.URL, Fallback: fallback.URL})
	root.Stop()

	require.NoError(t, err)
	assert.Equal(t, domain.PrefetchMaterialized, res.Outcome)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, int64(len("alpha")+len("bravo")), res.Bytes)
	assert.Equal(t, "alpha", readFile(t, filepath.Join(target, "a.txt")))
	assert.Equal(t, "bravo", readFile(t, filepath.Join(target, "sub", "b.txt")))
	_, statErr := os.Stat(filepath.Join(target, "root"))
	assert.True(t, os.IsNotExist(statErr))

	r := root.Result()
	_, ok := r.Find("get tar.gz url")
	assert.True(t, ok)
	_, ok = r.Find("download & extract previous build")
	assert.True(t, ok)
}

func TestPrefetch_RejectsEscapingEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
		outside string
	}{
		{
			name: "dot-dot path",
			entries: []entry{
				{name: "root/ok.txt", body: "ok"},
				{name: "root/../../evil.txt", body: "evil"},
			},
			outside: "evil.txt",
		},
		{
			name: "link pointing outside",
			entries: []entry{
				{name: "root/out", link: "../.."},
			},
		},
		{
			name: "write through chained links",
			entries: []entry{
				{name: "root/s", link: "."},
				{name: "root/s/x", link: "../"},
				{name: "root/s/x/pwn", body: "pwn"},
			},
			outside: "pwn",
		},
		{
			name: "file below an extracted link",
			entries: []entry{
				{name: "root/sub/", dir: true},
				{name: "root/l", link: "sub"},
				{name: "root/l/f.txt", body: "f"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := archiveServer(t, http.StatusOK, tarGz(t, tt.entries...))

			base := t.TempDir()
			target := filepath.Join(base, "public")
			_, err := newTestPrefetcher(false).Prefetch(context.Background(), trace.New("root"), target,
				Sources{Primary: srv.URL})

			assert.ErrorIs(t, err, ErrUnsafePath)
			if tt.outside != "" {
				assert.NoFileExists(t, filepath.Join(base, tt.outside))
			}
			_, statErr := os.Stat(target)
			assert.True(t, os.IsNotExist(statErr))
			entries, err := os.ReadDir(base)
			require.NoError(t, err)
			assert.Empty(t, entries, "staging directory left behind")
		})
	}
}

func TestPrefetch_MergesIntoTargetWrittenDuringDownload(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "public")
	body := tarGz(t,
		entry{name: "root/a.txt", body: "alpha"},
		entry{name: "root/Mock/", dir: true},
		entry{name: "root/Mock/y.js", body: "archived"},
		entry{name: "root/sub/b.txt", body: "bravo"},
	)

	// A builder that does not wait for the prefetch writes into the target
	// before the archive body arrives.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := os.MkdirAll(filepath.Join(target, "Mock"), 0755); err != nil {
			t.Errorf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(filepath.Join(target, "Mock", "x.js"), []byte("mock"), 0644); err != nil {
			t.Errorf("WriteFile: %v", err)
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	res, err := newTestPrefetcher(false).Prefetch(context.Background(), trace.New("root"), target,
		Sources{Primary: srv.URL})

	require.NoError(t, err)
	assert.Equal(t, domain.PrefetchMaterialized, res.Outcome)
	assert.Equal(t, "alpha", readFile(t, filepath.Join(target, "a.txt")))
	assert.Equal(t, "bravo", readFile(t, filepath.Join(target, "sub", "b.txt")))
	assert.Equal(t, "archived", readFile(t, filepath.Join(target, "Mock", "y.js")))
	assert.Equal(t, "mock", readFile(t, filepath.Join(target, "Mock", "x.js")))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging directory left behind")
}

func TestPending_SharedByManyWaiters(t *testing.T) {
	srv, hits := archiveServer(t, http.StatusOK, validArchive(t))

	root := trace.New("root")
	pd := newTestPrefetcher(true).Start(context.Background(), root, filepath.Join(t.TempDir(), "public"),
		Sources{Primary: srv.URL})

	var wg sync.WaitGroup
	outcomes := make([]domain.PrefetchOutcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = pd.Outcome()
		}(i)
	}
	wg.Wait()

	for _, o := range outcomes {
		assert.Equal(t, domain.PrefetchMaterialized, o)
	}
	// one HEAD-less GET: there is no fallback so the primary is not probed
	assert.Equal(t, int64(1), atomic.LoadInt64(hits))

	_, ok := root.Result().Find("download previous build")
	assert.True(t, ok)
}
