// Package geoip resolves buyer client IPs to a coarse location.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://ip-api.com/json/"
	lookupTimeout  = 2 * time.Second
)

// Location is the result of a lookup. Region is the first-level
// administrative area, used as the message's city.
type Location struct {
	Country string
	Region  string
}

// Resolver looks up locations via an ip-api compatible endpoint.
type Resolver struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewResolver creates a Resolver. An empty baseURL selects DefaultBaseURL.
func NewResolver(baseURL string, logger *slog.Logger) *Resolver {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: lookupTimeout},
		logger:  logger,
	}
}

type apiResponse struct {
	Status     string `json:"status"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
}

// Lookup resolves ip. Empty ip returns an empty Location without a request.
func (r *Resolver) Lookup(ctx context.Context, ip string) (Location, error) {
	if ip == "" {
		return Location{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+ip, nil)
	if err != nil {
		return Location{}, fmt.Errorf("build geoip request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geoip request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("geoip status %d", resp.StatusCode)
	}
	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("decode geoip response: %w", err)
	}
	if body.Status != "success" {
		r.logger.Debug("GeoIP lookup unsuccessful", "ip", ip, "status", body.Status)
		return Location{}, nil
	}
	return Location{Country: body.Country, Region: body.RegionName}, nil
}
