package vm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Record is one grid cell of a reduced statistic.
type Record struct {
	// Timestamp is the start of the statistic's time window in unix ms.
	Timestamp int64
	Label     string
	Season    string
	Statistic string
	Latitude  float64
	Longitude float64
	Value     float64
}

// Client is a Victoria Metrics client capable of inserting reduced
// statistics via various protocols.
type Client struct {
	logger       *slog.Logger
	httpCli      *http.Client
	insertURL    string
	metricPrefix string
	format       recToTextFunc
}

const metricPrefixRE = "^[a-zA-Z0-9_]+$"

// NewClient creates a new VM client.
func NewClient(logger *slog.Logger, insertURL string, maxConns int, metricPrefix string) (*Client, error) {
	url, err := url.Parse(insertURL)
	if err != nil {
		return nil, err
	}

	matches, err := regexp.Match(metricPrefixRE, []byte(metricPrefix))
	if err != nil {
		return nil, err
	}
	if !matches {
		return nil, fmt.Errorf("metric prefix %q does not match %q regular expression", metricPrefix, metricPrefixRE)
	}

	proto, ok := protocols[url.Path]
	if !ok {
		return nil, fmt.Errorf("inserting into %q is not supported", insertURL)
	}
	q := url.Query()
	for name, value := range proto.params(metricPrefix) {
		q.Add(name, value)
	}
	url.RawQuery = q.Encode()

	return &Client{
		logger: logger,
		httpCli: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        maxConns,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: maxConns,
				MaxConnsPerHost:     maxConns,
			},
		},
		insertURL:    url.String(),
		metricPrefix: metricPrefix,
		format:       proto.format,
	}, nil
}

// Insert inserts records into Victoria Metrics in batches of batchSize.
func (c *Client) Insert(ctx context.Context, recs []Record, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(recs)
	}
	for begin := 0; begin < len(recs); begin += batchSize {
		limit := min(begin+batchSize, len(recs))
		if err := c.post(ctx, recs[begin:limit]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, recs []Record) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.insertURL, body(recs, c.metricPrefix, c.format))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	res, err := c.httpCli.Do(req)
	if err != nil {
		return fmt.Errorf("post data: %w", err)
	}
	defer res.Body.Close()
	if _, err := io.Copy(io.Discard, res.Body); err != nil {
		c.logger.Error("Failed to drain response body", "err", err)
	}
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d from %s", res.StatusCode, c.insertURL)
	}
	return nil
}

// protocol describes how one insert endpoint takes its query parameters and
// records.
type protocol struct {
	params func(metricPrefix string) map[string]string
	format recToTextFunc
}

var (
	influxDB = protocol{influxDBAPIParams, recToInfluxDB}
	csv      = protocol{csvAPIParams, recToCSV}
)

// protocols maps VM insert paths to the protocol they accept.
var protocols = map[string]protocol{
	"/influx/write":        influxDB,
	"/influx/api/v2/write": influxDB,
	"/write":               influxDB,
	"/api/v2/write":        influxDB,
	"/api/v1/import/csv":   csv,
}

func influxDBAPIParams(metricPrefix string) map[string]string {
	return map[string]string{"precision": "ms"}
}

func csvAPIParams(metricPrefix string) map[string]string {
	return map[string]string{
		"format": fmt.Sprintf(""+
			"1:time:unix_ms,"+
			"2:label:label,"+
			"3:label:season,"+
			"4:label:la,"+
			"5:label:lo,"+
			"6:metric:%[1]s_mean,"+
			"7:metric:%[1]s_std", metricPrefix),
	}
}

type recToTextFunc func(*strings.Builder, *Record, string)

// body renders a batch, one record per line.
func body(recs []Record, metricPrefix string, format recToTextFunc) io.Reader {
	var sb strings.Builder
	for i := range recs {
		format(&sb, &recs[i], metricPrefix)
		sb.WriteByte('\n')
	}
	return strings.NewReader(sb.String())
}

var influxDBFmt = "%s,label=%s,season=%s,la=%.2f,lo=%.2f %s=%g %d"

// recToInfluxDB converts a record into InfluxDB line protocol v2 and appends
// it to the string builder.
func recToInfluxDB(sb *strings.Builder, r *Record, metricPrefix string) {
	sb.WriteString(fmt.Sprintf(influxDBFmt, []any{
		metricPrefix,
		r.Label,
		r.Season,
		r.Latitude,
		r.Longitude,
		r.Statistic,
		r.Value,
		r.Timestamp,
	}...))
}

var csvFmt = "%d,%s,%s,%.2f,%.2f,%s"

// recToCSV converts a record into a CSV record and appends it to the string
// builder. The value lands in the column of its statistic.
func recToCSV(sb *strings.Builder, r *Record, _ string) {
	mean, std := "", ""
	if r.Statistic == "std" {
		std = fmt.Sprintf("%g", r.Value)
	} else {
		mean = fmt.Sprintf("%g", r.Value)
	}
	sb.WriteString(fmt.Sprintf(csvFmt, []any{
		r.Timestamp,
		r.Label,
		r.Season,
		r.Latitude,
		r.Longitude,
		mean + "," + std,
	}...))
}
