package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhishimianbao/tripmind/internal/buildinfo"
	"github.com/zhishimianbao/tripmind/internal/httpkit"
)

// DefaultAmapBaseURL is the Amap (Gaode) web service API root.
const DefaultAmapBaseURL = "https://restapi.amap.com/v3"

// AmapOptions configures an AmapClient.
type AmapOptions struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64 // default 3, the free-tier QPS
	Burst             int
	Timeout           time.Duration // default 10s
	Logger            *slog.Logger
}

// AmapClient calls the Amap geocoding, routing and place APIs. It holds
// no per-call state; the limiter inside its HTTP client is shared.
type AmapClient struct {
	key     string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewAmapClient creates a client.
func NewAmapClient(opts AmapOptions) *AmapClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultAmapBaseURL
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 3
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AmapClient{
		key:     opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client: httpkit.NewClient(
			httpkit.WithTimeout(opts.Timeout),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithRateLimit(rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst)),
		),
		logger: opts.Logger.With("component", "amap"),
	}
}

// amapResponse covers the fields the adapters read. Every endpoint
// reports status "1" on success and a human-readable info otherwise.
type amapResponse struct {
	Status    string            `json:"status"`
	Info      string            `json:"info"`
	InfoCode  string            `json:"infocode"`
	Geocodes  []json.RawMessage `json:"geocodes"`
	Regeocode json.RawMessage   `json:"regeocode"`
	Pois      []json.RawMessage `json:"pois"`
	Route     struct {
		Paths []json.RawMessage `json:"paths"`
	} `json:"route"`
}

func (c *AmapClient) get(ctx context.Context, tool, path string, q url.Values) (*amapResponse, error) {
	q.Set("key", c.key)
	q.Set("output", "JSON")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, invalidArg(tool, "build request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("amap %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstream(tool, "amap HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out amapResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, upstream(tool, "decode amap response: %v", err)
	}
	if out.Status != "1" {
		info := out.Info
		if info == "" {
			info = "unknown error"
		}
		c.logger.Debug("amap request failed", "path", path, "info", info, "infocode", out.InfoCode)
		return nil, upstream(tool, "%s", info)
	}
	return &out, nil
}

// Geocode resolves an address to coordinates and returns the first
// match as JSON.
func (c *AmapClient) Geocode(ctx context.Context, args map[string]any) (string, error) {
	q := url.Values{"address": {argString(args, "address")}}
	if city := argString(args, "city"); city != "" {
		q.Set("city", city)
	}
	resp, err := c.get(ctx, "geocode", "/geocode/geo", q)
	if err != nil {
		return "", err
	}
	if len(resp.Geocodes) == 0 {
		return "", upstream("geocode", "no match for %q", argString(args, "address"))
	}
	return string(resp.Geocodes[0]), nil
}

// ReverseGeocode resolves "lng,lat" to an address with surrounding
// POIs.
func (c *AmapClient) ReverseGeocode(ctx context.Context, args map[string]any) (string, error) {
	loc := argString(args, "location")
	if !validLocation(loc) {
		return "", invalidArg("reverse_geocode", "location must be \"lng,lat\", got %q", loc)
	}
	q := url.Values{"location": {loc}, "extensions": {"all"}}
	if r := argInt(args, "radius", 0); r > 0 {
		q.Set("radius", strconv.Itoa(r))
	}
	resp, err := c.get(ctx, "reverse_geocode", "/geocode/regeo", q)
	if err != nil {
		return "", err
	}
	if len(resp.Regeocode) == 0 || string(resp.Regeocode) == "null" {
		return "", upstream("reverse_geocode", "no address for %s", loc)
	}
	return string(resp.Regeocode), nil
}

// DrivingRoute plans a driving route and returns the top two paths.
func (c *AmapClient) DrivingRoute(ctx context.Context, args map[string]any) (string, error) {
	q, err := routeQuery("driving_route", args)
	if err != nil {
		return "", err
	}
	if wp := argString(args, "waypoints"); wp != "" {
		q.Set("waypoints", wp)
	}
	return c.route(ctx, "driving_route", "/direction/driving", q)
}

// WalkingRoute plans a walking route and returns the top two paths.
func (c *AmapClient) WalkingRoute(ctx context.Context, args map[string]any) (string, error) {
	q, err := routeQuery("walking_route", args)
	if err != nil {
		return "", err
	}
	return c.route(ctx, "walking_route", "/direction/walking", q)
}

func routeQuery(tool string, args map[string]any) (url.Values, error) {
	origin, dest := argString(args, "origin"), argString(args, "destination")
	if !validLocation(origin) {
		return nil, invalidArg(tool, "origin must be \"lng,lat\", got %q", origin)
	}
	if !validLocation(dest) {
		return nil, invalidArg(tool, "destination must be \"lng,lat\", got %q", dest)
	}
	return url.Values{"origin": {origin}, "destination": {dest}, "extensions": {"all"}}, nil
}

func (c *AmapClient) route(ctx context.Context, tool, path string, q url.Values) (string, error) {
	resp, err := c.get(ctx, tool, path, q)
	if err != nil {
		return "", err
	}
	paths := resp.Route.Paths
	if len(paths) == 0 {
		return "", upstream(tool, "no route found")
	}
	if len(paths) > 2 {
		paths = paths[:2]
	}
	out, err := json.Marshal(paths)
	if err != nil {
		return "", upstream(tool, "encode paths: %v", err)
	}
	return string(out), nil
}

// PlaceSearch finds points of interest by keyword within a city.
func (c *AmapClient) PlaceSearch(ctx context.Context, args map[string]any) (string, error) {
	q := url.Values{
		"keywords": {argString(args, "keywords")},
		"city":     {argString(args, "city")},
		"offset":   {strconv.Itoa(argInt(args, "offset", 10))},
	}
	if typ := argString(args, "type"); typ != "" {
		q.Set("types", typ)
	}
	resp, err := c.get(ctx, "place_search", "/place/text", q)
	if err != nil {
		return "", err
	}
	if len(resp.Pois) == 0 {
		return "", upstream("place_search", "no places match %q", argString(args, "keywords"))
	}
	out, err := json.Marshal(resp.Pois)
	if err != nil {
		return "", upstream("place_search", "encode pois: %v", err)
	}
	return string(out), nil
}

// validLocation checks the "lng,lat" form Amap expects.
func validLocation(s string) bool {
	lng, lat, ok := strings.Cut(s, ",")
	if !ok {
		return false
	}
	x, err1 := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	y, err2 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	return err1 == nil && err2 == nil && x >= -180 && x <= 180 && y >= -90 && y <= 90
}

// RegisterAmap registers the five map tools.
func RegisterAmap(r *Registry, c *AmapClient) error {
	lngLat := "Coordinates as \"longitude,latitude\""
	defs := []*Tool{
		{
			Name:        "geocode",
			Description: "Convert an address or landmark name into longitude/latitude coordinates.",
			Params: []Param{
				{Name: "address", Type: String, Description: "Full address or landmark name", Required: true},
				{Name: "city", Type: String, Description: "City to narrow the search (optional)"},
			},
			Handler:   c.Geocode,
			Cacheable: true,
		},
		{
			Name:        "reverse_geocode",
			Description: "Convert coordinates into an address and nearby points of interest.",
			Params: []Param{
				{Name: "location", Type: String, Description: lngLat, Required: true},
				{Name: "radius", Type: Integer, Description: "Search radius in meters (optional, default 1000)"},
			},
			Handler:   c.ReverseGeocode,
			Cacheable: true,
		},
		{
			Name:        "driving_route",
			Description: "Plan a driving route between two points. Returns up to two candidate paths with distance and duration.",
			Params: []Param{
				{Name: "origin", Type: String, Description: "Start, " + lngLat, Required: true},
				{Name: "destination", Type: String, Description: "End, " + lngLat, Required: true},
				{Name: "waypoints", Type: String, Description: "Intermediate points separated by | (optional)"},
			},
			Handler: c.DrivingRoute,
		},
		{
			Name:        "walking_route",
			Description: "Plan a walking route between two points. Returns up to two candidate paths.",
			Params: []Param{
				{Name: "origin", Type: String, Description: "Start, " + lngLat, Required: true},
				{Name: "destination", Type: String, Description: "End, " + lngLat, Required: true},
			},
			Handler: c.WalkingRoute,
		},
		{
			Name:        "place_search",
			Description: "Search points of interest (sights, restaurants, hotels) by keyword in a city.",
			Params: []Param{
				{Name: "keywords", Type: String, Description: "Search keywords", Required: true},
				{Name: "city", Type: String, Description: "City name", Required: true},
				{Name: "type", Type: String, Description: "POI type code, e.g. 050000 for sights (optional)"},
				{Name: "offset", Type: Integer, Description: "Number of results (optional, default 10)"},
			},
			Handler:   c.PlaceSearch,
			Cacheable: true,
		},
	}
	for _, t := range defs {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
