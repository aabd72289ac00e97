package wcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/field-series-etl/internal/domain"
)

// minPayloadSize is the smallest body treated as a raster. The service
// answers some empty subsets with a short text body and status 200.
const minPayloadSize = 100

// Client implements domain.CoverageClient and domain.PointSeriesSource
// against a rasdaman WCS 2.0.1 endpoint.
type Client struct {
	baseURL    string
	user       string
	password   string
	bands      []string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a coverage client. bands is the range subset used for
// requests with BandSubset set.
func NewClient(baseURL, user, password string, bands []string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		user:     user,
		password: password,
		bands:    bands,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Fetch runs a WCPS clip query for one layer, date, and polygon and returns
// the GeoTIFF payload.
func (c *Client) Fetch(ctx context.Context, req domain.AcquisitionRequest) ([]byte, error) {
	form := url.Values{
		"service": {"WCS"},
		"version": {"2.0.1"},
		"request": {"ProcessCoverages"},
		"query":   {c.clipQuery(req)},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(httpReq, req.Layer)
	if err != nil {
		return nil, err
	}
	if len(body) < minPayloadSize || isEmptySubset(body) {
		return nil, fmt.Errorf("%s %s: %w", req.Layer, req.Date, domain.ErrNoData)
	}
	return body, nil
}

// PointSeries returns the daily values of a layer at one coordinate.
func (c *Client) PointSeries(ctx context.Context, req domain.PointSeriesRequest) ([]float64, error) {
	params := url.Values{
		"service":    {"WCS"},
		"version":    {"2.0.1"},
		"request":    {"GetCoverage"},
		"coverageId": {req.Layer},
		"format":     {"text/csv"},
		"subset": {
			fmt.Sprintf(`ansi("%s%s","%s%s")`, req.Start, req.DayBegin, req.End, req.DayBegin),
			fmt.Sprintf("E(%s)", strconv.FormatFloat(req.Easting, 'f', -1, 64)),
			fmt.Sprintf("N(%s)", strconv.FormatFloat(req.Northing, 'f', -1, 64)),
		},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	body, err := c.do(httpReq, req.Layer)
	if err != nil {
		return nil, err
	}
	values, err := parseSeries(body)
	if err != nil {
		return nil, fmt.Errorf("%s series: %w", req.Layer, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s series: %w", req.Layer, domain.ErrNoData)
	}
	return values, nil
}

func (c *Client) do(req *http.Request, layer string) ([]byte, error) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s coverage request: %w", layer, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read body: %w", layer, err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s status %d: %w", layer, resp.StatusCode, domain.ErrNoData)
	case resp.StatusCode >= 300 && isEmptySubset(body):
		c.logger.Debug("coverage reported empty subset", "layer", layer, "status", resp.StatusCode)
		return nil, fmt.Errorf("%s status %d: %w", layer, resp.StatusCode, domain.ErrNoData)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("coverage API error: status %d: %s", resp.StatusCode, truncate(body, 512))
	}
	return body, nil
}

// clipQuery builds the WCPS expression clipping the layer to the polygon on one day.
func (c *Client) clipQuery(req domain.AcquisitionRequest) string {
	cov := "$c"
	if req.BandSubset && len(c.bands) > 0 {
		cov = fmt.Sprintf("$c.{%s}", strings.Join(c.bands, "; "))
	}
	crs := fmt.Sprintf("http://www.opengis.net/def/crs/EPSG/0/%d", req.EPSG)
	return fmt.Sprintf(`for $c in (%s) return encode(clip(%s[ansi("%s")], %s, "%s"), "image/tiff")`,
		req.Layer, cov, req.Date, req.Polygon, crs)
}

// isEmptySubset recognizes the exception texts rasdaman returns when a
// subset holds no data.
func isEmptySubset(body []byte) bool {
	if !bytes.Contains(body, []byte("Exception")) {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range []string{"empty", "no data", "does not intersect", "out of bounds"} {
		if bytes.Contains(lower, []byte(marker)) {
			return true
		}
	}
	return false
}

// parseSeries reads "{1,2,3}", "1,2,3", or whitespace separated numbers.
func parseSeries(body []byte) ([]float64, error) {
	fields := strings.FieldsFunc(string(body), func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t', '{', '}', '"', '[', ']':
			return true
		}
		return false
	})

	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parse value %q: %w", f, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
