package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/handi/backend/geo"
)

// AddressSuggestion is one autocomplete result
type AddressSuggestion struct {
	Label         string  `json:"label"`
	City          string  `json:"city,omitempty"`
	CanonicalCity string  `json:"canonical_city,omitempty"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
}

// Geocoder turns a partial address into suggestions
type Geocoder interface {
	Search(ctx context.Context, query string) ([]AddressSuggestion, error)
}

// MapboxGeocoder talks to a Mapbox places compatible endpoint
type MapboxGeocoder struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewMapboxGeocoder(baseURL, apiKey string) *MapboxGeocoder {
	return &MapboxGeocoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type mapboxResponse struct {
	Features []mapboxFeature `json:"features"`
}

type mapboxFeature struct {
	PlaceName string    `json:"place_name"`
	Text      string    `json:"text"`
	PlaceType []string  `json:"place_type"`
	Center    []float64 `json:"center"` // lng, lat
	Context   []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"context"`
}

// city returns the place (municipality) the feature belongs to
func (f mapboxFeature) city() string {
	if slices.Contains(f.PlaceType, "place") {
		return f.Text
	}
	for _, c := range f.Context {
		if strings.HasPrefix(c.ID, "place.") {
			return c.Text
		}
	}
	return ""
}

func (m *MapboxGeocoder) Search(ctx context.Context, query string) ([]AddressSuggestion, error) {
	params := url.Values{}
	params.Set("access_token", m.apiKey)
	params.Set("autocomplete", "true")
	params.Set("country", "mx")
	params.Set("language", "es")
	params.Set("limit", "5")

	endpoint := fmt.Sprintf("%s/%s.json?%s", m.baseURL, url.PathEscape(query), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("geocoding API error: %d - %s", resp.StatusCode, string(body))
	}

	var decoded mapboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode geocoding response: %w", err)
	}

	suggestions := make([]AddressSuggestion, 0, len(decoded.Features))
	for _, feature := range decoded.Features {
		if len(feature.Center) != 2 {
			continue
		}
		city := feature.city()
		suggestion := AddressSuggestion{
			Label: feature.PlaceName,
			City:  city,
			Lng:   feature.Center[0],
			Lat:   feature.Center[1],
		}
		if city != "" {
			suggestion.CanonicalCity = geo.CanonicalCity(city)
		}
		suggestions = append(suggestions, suggestion)
	}

	slog.Debug("Geocoding search", "query_length", len(query), "results", len(suggestions))
	return suggestions, nil
}
