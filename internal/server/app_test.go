package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/config"
	"github.com/JakeFAU/pmc-harvester/internal/record"
	"github.com/JakeFAU/pmc-harvester/internal/store"
)

const articleSet = `<?xml version="1.0" encoding="UTF-8"?>
<pmc-articleset>
<article article-type="research-article"><front><article-meta>
  <article-id pub-id-type="pmid">38000001</article-id>
  <article-id pub-id-type="doi">10.1000/one</article-id>
  <title-group><article-title>One</article-title></title-group>
  <kwd-group><kwd>malaria</kwd></kwd-group>
</article-meta></front></article>
<article article-type="research-article"><front><article-meta>
  <article-id pub-id-type="pmid">38000002</article-id>
  <title-group><article-title>Two</article-title></title-group>
</article-meta></front></article>
</pmc-articleset>`

func newArchive(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/entrez/eutils/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("term") == "broken" {
			http.Error(w, "backend unavailable", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"esearchresult":{"count":"2","retmax":"0","retstart":"0","querykey":"1","webenv":"MCID_app","idlist":[]}}`)
	})
	mux.HandleFunc("/entrez/eutils/esummary.fcgi", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"result":{"uids":["111","222"],`+
			`"111":{"uid":"111","title":"First","articleids":[{"idtype":"pmid","value":"38000001"},{"idtype":"pmcid","value":"PMC111"}]},`+
			`"222":{"uid":"222","title":"Second","articleids":[{"idtype":"pmid","value":"38000002"}]}}}`)
	})
	mux.HandleFunc("/entrez/eutils/efetch.fcgi", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, articleSet)
	})
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
	})
	mux.HandleFunc("/articles/e1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
<a aria-label="Download XML" href="/articles/e1/XML">XML</a>
<a aria-label="Export metadata in BibTeX" href="/articles/e1/citation.bib">BibTeX</a>
</body></html>`)
	})
	mux.HandleFunc("/articles/e1/XML", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<article/>")
	})
	mux.HandleFunc("/articles/e1/citation.bib", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "@article{e1}")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, archiveURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.EUtils.BaseURL = archiveURL + "/entrez/eutils"
	cfg.EUtils.RateLimit = 1000
	cfg.EUtils.Burst = 10
	cfg.Harvest.Concurrency = 2
	cfg.Storage.BlobBackend = "memory"
	cfg.Export.CSVDir = t.TempDir()
	cfg.Robots.UserAgent = "harvester-test"
	return cfg
}

func buildApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, zap.NewNop(), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func TestAppHarvestRunsBothModes(t *testing.T) {
	archive := newArchive(t)
	cfg := testConfig(t, archive.URL)
	app := buildApp(t, cfg)

	err := app.Harvest(context.Background(), []string{"malaria"}, nil)
	require.NoError(t, err)

	msgs := app.Messages()
	require.Len(t, msgs, 4)
	assert.JSONEq(t, `{"id":"38000001","source":"summary","query":"malaria"}`, string(msgs[0].Data))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Close(ctx))

	done := store.RunSuccess
	runs, err := app.Runs().ListRuns(context.Background(), &done, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "malaria", runs[0].Query)
	assert.Equal(t, int64(4), runs[0].Records)
	assert.Equal(t, int64(2), runs[0].Pages)

	keywords, err := os.ReadFile(filepath.Join(cfg.Export.CSVDir, "keyword.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(keywords), "10.1000/one")
}

func TestAppHarvestReportsFailedQueries(t *testing.T) {
	archive := newArchive(t)
	app := buildApp(t, testConfig(t, archive.URL))

	err := app.Harvest(context.Background(), []string{"broken", "malaria"}, []record.Source{record.SourceSummary})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"broken"`)
	assert.NotContains(t, err.Error(), `"malaria"`)
	assert.Len(t, app.Messages(), 2)
}

func TestAppHarvestRequiresQueries(t *testing.T) {
	archive := newArchive(t)
	app := buildApp(t, testConfig(t, archive.URL))
	require.Error(t, app.Harvest(context.Background(), nil, nil))
}

func TestAppFetchDocs(t *testing.T) {
	archive := newArchive(t)
	app := buildApp(t, testConfig(t, archive.URL))

	results, err := app.FetchDocs(context.Background(), []string{
		archive.URL + "/articles/e1",
		archive.URL + "/private/e2",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Allowed)
	assert.Len(t, results[0].Files, 2)
	assert.False(t, results[1].Allowed)
}

func TestAppHandlerServesProbes(t *testing.T) {
	archive := newArchive(t)
	app := buildApp(t, testConfig(t, archive.URL))

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
