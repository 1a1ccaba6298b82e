package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"beesense/internal/monitor"
	logx "beesense/pkg/logx"

	"golang.org/x/time/rate"
)

// TimestampLayout is the server's measurement time format.
const TimestampLayout = "2006-01-02 15:04:05"

const maxBodyBytes = 8 << 20

type Config struct {
	BaseURL    string
	APIKey     string
	APIKeyFile string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	// Location interprets server timestamps; time.Local when nil.
	Location *time.Location
}

// Client implements monitor.MeasurementSource.
type Client struct {
	base    *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	loc     *time.Location
	log     logx.Logger
}

var _ monitor.MeasurementSource = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("source.base_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("source.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("source.base_url: unsupported scheme %q", u.Scheme)
	}

	key := strings.TrimSpace(cfg.APIKey)
	if key == "" && strings.TrimSpace(cfg.APIKeyFile) != "" {
		key, err = ReadAPIKeyFile(cfg.APIKeyFile)
		if err != nil {
			return nil, err
		}
	}
	if key == "" {
		return nil, errors.New("source api key is empty")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    u,
		apiKey:  key,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		loc:     cfg.Location,
		log:     log,
	}, nil
}

// envelope is the API response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// row is one measurement as sent by the server; Data is a JSON document in a string.
type row struct {
	ID        flexInt `json:"id"`
	Timestamp string  `json:"timestamp"`
	Data      string  `json:"data"`
}

type sensors struct {
	WeightLeft         float64 `json:"weight_left"`
	WeightRight        float64 `json:"weight_right"`
	TemperatureSensor  float64 `json:"temperature_sensor"`
	TemperatureOutside float64 `json:"temperature_outside"`
	Humidity           float64 `json:"humidity"`
	Pressure           float64 `json:"pressure"`
}

// ListEntityIDs returns every hive that has at least one measurement.
func (c *Client) ListEntityIDs(ctx context.Context) ([]string, error) {
	env, err := c.get(ctx, url.Values{"cmd": {"all_tables_last_row"}})
	if err != nil {
		return nil, err
	}
	var tables map[string]json.RawMessage
	// An empty PHP array encodes as [] rather than {}.
	switch strings.TrimSpace(string(env.Data)) {
	case "", "null", "[]":
	default:
		if err := json.Unmarshal(env.Data, &tables); err != nil {
			return nil, fmt.Errorf("all_tables_last_row: %w: %w", monitor.ErrMalformed, err)
		}
	}
	ids := make([]string, 0, len(tables))
	for id := range tables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetLastTwoMeasurements returns up to two measurements, newest first.
func (c *Client) GetLastTwoMeasurements(ctx context.Context, entity string) ([]monitor.Measurement, error) {
	ms, err := c.rows(ctx, entity, url.Values{"table": {entity}, "cmd": {"last_two"}})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(ms)
	if len(ms) > 2 {
		ms = ms[:2]
	}
	return ms, nil
}

// GetLastXDays returns the measurements of the last days days, newest first.
func (c *Client) GetLastXDays(ctx context.Context, entity string, days int) ([]monitor.Measurement, error) {
	if days < 1 {
		return nil, fmt.Errorf("days must be >= 1, got %d", days)
	}
	ms, err := c.rows(ctx, entity, url.Values{
		"table": {entity},
		"cmd":   {"last_x_days"},
		"days":  {strconv.Itoa(days)},
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(ms)
	return ms, nil
}

func (c *Client) rows(ctx context.Context, entity string, q url.Values) ([]monitor.Measurement, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, errors.New("entity id is empty")
	}
	env, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}
	var rows []row
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", entity, monitor.ErrMalformed, err)
		}
	}
	out := make([]monitor.Measurement, 0, len(rows))
	for _, r := range rows {
		m, err := c.decode(entity, r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) decode(entity string, r row) (monitor.Measurement, error) {
	var s sensors
	if err := json.Unmarshal([]byte(r.Data), &s); err != nil {
		return monitor.Measurement{}, fmt.Errorf("%s row %d: %w: %w", entity, r.ID, monitor.ErrMalformed, err)
	}
	m := monitor.Measurement{
		EntityID:   entity,
		ID:         int64(r.ID),
		RawTime:    r.Timestamp,
		TotalKg:    s.WeightLeft + s.WeightRight,
		LeftKg:     s.WeightLeft,
		RightKg:    s.WeightRight,
		TempInside: s.TemperatureSensor,
		TempOut:    s.TemperatureOutside,
		Humidity:   s.Humidity,
		Pressure:   s.Pressure,
	}
	if ts, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(r.Timestamp), c.loc); err == nil {
		m.Timestamp = ts
	}
	return m, nil
}

func (c *Client) get(ctx context.Context, q url.Values) (envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return envelope{}, err
	}
	u := *c.base
	merged := u.Query()
	for k, v := range q {
		merged[k] = v
	}
	u.RawQuery = merged.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%s: %w", q.Get("cmd"), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return envelope{}, fmt.Errorf("%s: read body: %w", q.Get("cmd"), err)
	}
	c.log.Debug("api request", logx.String("cmd", q.Get("cmd")), logx.String("table", q.Get("table")),
		logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return envelope{}, &StatusError{Code: resp.StatusCode, Cmd: q.Get("cmd")}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("%s: %w: %w", q.Get("cmd"), monitor.ErrMalformed, err)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "success=false"
		}
		return envelope{}, fmt.Errorf("%s: api error: %s", q.Get("cmd"), msg)
	}
	return env, nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code int
	Cmd  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Cmd, e.Code)
}

// sortNewestFirst orders by parsed timestamp when every timestamp parsed,
// otherwise keeps the server order.
func sortNewestFirst(ms []monitor.Measurement) {
	for _, m := range ms {
		if m.Timestamp.IsZero() {
			return
		}
	}
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Timestamp.After(ms[j].Timestamp) })
}

// flexInt accepts both 12 and "12".
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}
