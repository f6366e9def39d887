// Package departures fetches and normalizes a stop-area's departure board
// from the polling API.
package departures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"busmap/internal/cache"
	"busmap/internal/lines"
	"busmap/internal/metrics"
	"busmap/internal/ovapi"
)

// ErrMissingCode means the caller passed an empty stop-area code.
var ErrMissingCode = errors.New("missing stop-area code")

// Departure is one upcoming pass at a timing point. Time is the best
// available timestamp: actual beats expected beats target.
type Departure struct {
	LineNumber      string `json:"lineNumber,omitempty"`
	Destination     string `json:"destination,omitempty"`
	TimingPointName string `json:"timingPointName,omitempty"`
	JourneyNumber   string `json:"journeyNumber,omitempty"`
	StopStatus      string `json:"stopStatus,omitempty"`
	ActualTime      int64  `json:"actualTime,omitempty"`
	ExpectedTime    int64  `json:"expectedTime,omitempty"`
	TargetTime      int64  `json:"targetTime,omitempty"`
	Time            int64  `json:"time,omitempty"`
}

// Board is a stop-area's departure list, ordered ascending by best-available
// time with timeless entries last.
type Board struct {
	StopAreaCode string      `json:"stopAreaCode"`
	Departures   []Departure `json:"departures"`
}

// Client fetches departure boards with a short per-code cache.
type Client struct {
	baseURL   string
	userAgent string
	ttl       time.Duration
	memory    *cache.Memory
	client    *http.Client
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// NewClient creates a Client.
func NewClient(baseURL, userAgent string, ttl time.Duration, memory *cache.Memory, mc *metrics.Collector, logger *slog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		ttl:       ttl,
		memory:    memory,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		metrics:   mc,
	}
}

// Board returns the departure board for a stop area.
func (c *Client) Board(ctx context.Context, code string) (*Board, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrMissingCode
	}

	v, err := c.memory.GetOrPopulate(ctx, "departures:"+code, c.ttl, func(ctx context.Context) (any, error) {
		return c.fetch(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Board), nil
}

type timingPoint struct {
	TimingPointName   string          `json:"TimingPointName"`
	TimingPointName50 string          `json:"TimingPointName50"`
	TimingPointCode   string          `json:"TimingPointCode"`
	Passes            map[string]pass `json:"Passes"`
	Departures        map[string]pass `json:"Departures"`
}

// pass's journey number arrives as a number or a string depending on the
// upstream; a malformed one must not fail the whole board decode.
type pass struct {
	LinePublicNumber      string       `json:"LinePublicNumber"`
	LinePlanningNumber    string       `json:"LinePlanningNumber"`
	LineName              string       `json:"LineName"`
	DestinationName50     string       `json:"DestinationName50"`
	DestinationName       string       `json:"DestinationName"`
	JourneyNumber         ovapi.String `json:"JourneyNumber"`
	TripStopStatus        string       `json:"TripStopStatus"`
	ActualDepartureTime   string       `json:"ActualDepartureTime"`
	ActualArrivalTime     string       `json:"ActualArrivalTime"`
	ExpectedDepartureTime string       `json:"ExpectedDepartureTime"`
	ExpectedArrivalTime   string       `json:"ExpectedArrivalTime"`
	TargetDepartureTime   string       `json:"TargetDepartureTime"`
	TargetArrivalTime     string       `json:"TargetArrivalTime"`
}

func (c *Client) fetch(ctx context.Context, code string) (*Board, error) {
	c.metrics.Request("departures")
	u := c.baseURL + "/stopareacode/" + url.PathEscape(code) + "/departures"
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.RequestError("departures")
		return nil, fmt.Errorf("fetch departures: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.RequestError("departures")
		return nil, fmt.Errorf("departures status %d", resp.StatusCode)
	}

	var data map[string]map[string]*timingPoint
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode departures: %w", err)
	}

	return parseBoard(data, code), nil
}

// parseBoard flattens the payload's timing points into one sorted list. The
// payload key is matched tolerantly: exact, then case-insensitive, then the
// first entry.
func parseBoard(data map[string]map[string]*timingPoint, code string) *Board {
	board := &Board{StopAreaCode: code, Departures: []Departure{}}
	payload := pickPayload(data, code)
	if payload == nil {
		return board
	}

	tpKeys := make([]string, 0, len(payload))
	for k := range payload {
		tpKeys = append(tpKeys, k)
	}
	sort.Strings(tpKeys)

	for _, k := range tpKeys {
		tp := payload[k]
		if tp == nil {
			continue
		}
		name := tp.TimingPointName
		if name == "" {
			name = tp.TimingPointName50
		}
		if name == "" {
			name = tp.TimingPointCode
		}

		passes := tp.Passes
		if len(passes) == 0 {
			passes = tp.Departures
		}

		for _, p := range passes {
			lineNumber := lines.NormalizeNumber(p.LinePublicNumber)
			if lineNumber == "" {
				lineNumber = lines.NormalizeNumber(p.LinePlanningNumber)
			}
			destination := p.DestinationName50
			if destination == "" {
				destination = p.DestinationName
			}
			if destination == "" {
				destination = p.LineName
			}

			d := Departure{
				LineNumber:      lineNumber,
				Destination:     destination,
				TimingPointName: name,
				JourneyNumber:   p.JourneyNumber.String(),
				StopStatus:      p.TripStopStatus,
				ActualTime:      firstTime(p.ActualDepartureTime, p.ActualArrivalTime),
				ExpectedTime:    firstTime(p.ExpectedDepartureTime, p.ExpectedArrivalTime),
				TargetTime:      firstTime(p.TargetDepartureTime, p.TargetArrivalTime),
			}
			switch {
			case d.ActualTime != 0:
				d.Time = d.ActualTime
			case d.ExpectedTime != 0:
				d.Time = d.ExpectedTime
			default:
				d.Time = d.TargetTime
			}
			board.Departures = append(board.Departures, d)
		}
	}

	sort.SliceStable(board.Departures, func(i, j int) bool {
		a, b := board.Departures[i].Time, board.Departures[j].Time
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})
	return board
}

func pickPayload(data map[string]map[string]*timingPoint, code string) map[string]*timingPoint {
	if len(data) == 0 {
		return nil
	}
	if p, ok := data[code]; ok {
		return p
	}
	for k, p := range data {
		if strings.EqualFold(k, code) {
			return p
		}
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return data[keys[0]]
}

func firstTime(values ...string) int64 {
	for _, v := range values {
		if v == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
				return t.Unix()
			}
		}
	}
	return 0
}
