package wcs

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/field-series-etl/internal/domain"
)

const (
	testUser     = "jki-user"
	testPassword = "secret"
	testPolygon  = "POLYGON((500000 5800000,500100 5800000,500100 5800100,500000 5800000))"
)

func testClient(baseURL string) *Client {
	return NewClient(baseURL, testUser, testPassword, []string{"B03", "B08"}, 5*time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testRequest() domain.AcquisitionRequest {
	return domain.AcquisitionRequest{
		Polygon: testPolygon,
		Layer:   "codede_reflectanceXboaXs2gg_irregular",
		Date:    "2023-06-02",
		EPSG:    25832,
	}
}

var fakeTiff = append([]byte("II*\x00"), bytes.Repeat([]byte{1}, 256)...)

func TestClient_Fetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, testUser, user)
		assert.Equal(t, testPassword, pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "ProcessCoverages", r.PostForm.Get("request"))
		q := r.PostForm.Get("query")
		assert.Contains(t, q, "for $c in (codede_reflectanceXboaXs2gg_irregular)")
		assert.Contains(t, q, `$c[ansi("2023-06-02")]`)
		assert.Contains(t, q, testPolygon)
		assert.Contains(t, q, "EPSG/0/25832")
		assert.Contains(t, q, `"image/tiff"`)

		w.Header().Set("Content-Type", "image/tiff")
		w.Write(fakeTiff) //nolint:errcheck
	}))
	defer srv.Close()

	payload, err := testClient(srv.URL).Fetch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, fakeTiff, payload)
}

func TestClient_Fetch_BandSubset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.PostForm.Get("query"), `$c.{B03; B08}[ansi("2023-06-02")]`)
		w.Write(fakeTiff) //nolint:errcheck
	}))
	defer srv.Close()

	req := testRequest()
	req.BandSubset = true
	_, err := testClient(srv.URL).Fetch(context.Background(), req)
	require.NoError(t, err)
}

func TestClient_Fetch_NoData(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"not found", http.StatusNotFound, ""},
		{"no content", http.StatusNoContent, ""},
		{"empty body", http.StatusOK, ""},
		{"short body", http.StatusOK, "null"},
		{"empty subset exception", http.StatusBadRequest,
			`<ows:ExceptionReport><ows:Exception exceptionCode="InvalidRequest"><ows:ExceptionText>Subset results in an empty array</ows:ExceptionText></ows:Exception></ows:ExceptionReport>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body)) //nolint:errcheck
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).Fetch(context.Background(), testRequest())
			require.ErrorIs(t, err, domain.ErrNoData)
		})
	}
}

func TestClient_Fetch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal error")) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Fetch(context.Background(), testRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNoData)
	assert.Contains(t, err.Error(), "status 500")
}

func TestClient_Fetch_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write(fakeTiff) //nolint:errcheck
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testClient(srv.URL).Fetch(ctx, testRequest())
	require.Error(t, err)
}

func TestClient_PointSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "GetCoverage", q.Get("request"))
		assert.Equal(t, "dwd_temperatureXaverage_daily", q.Get("coverageId"))
		assert.Equal(t, []string{
			`ansi("2023-06-01T12:00:00.000Z","2023-06-03T12:00:00.000Z")`,
			"E(500050.5)",
			"N(5800050)",
		}, q["subset"])
		w.Write([]byte("{153,170,-12}")) //nolint:errcheck
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).PointSeries(context.Background(), domain.PointSeriesRequest{
		Layer:    "dwd_temperatureXaverage_daily",
		Start:    "2023-06-01",
		End:      "2023-06-03",
		Easting:  500050.5,
		Northing: 5800050,
		DayBegin: "T12:00:00.000Z",
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{153, 170, -12}, got)
}

func TestParseSeries(t *testing.T) {
	tests := []struct {
		body string
		want []float64
	}{
		{"1,2,3", []float64{1, 2, 3}},
		{"{1,2,3}", []float64{1, 2, 3}},
		{`"4 5 6"`, []float64{4, 5, 6}},
		{"7\n8\r\n", []float64{7, 8}},
		{"", []float64{}},
	}
	for _, tt := range tests {
		got, err := parseSeries([]byte(tt.body))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := parseSeries([]byte("1,abc"))
	require.Error(t, err)
}

func TestClient_PointSeries_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{}")) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).PointSeries(context.Background(), domain.PointSeriesRequest{Layer: "dwd_precipitation_daily"})
	require.ErrorIs(t, err, domain.ErrNoData)
}
