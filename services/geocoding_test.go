package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mapboxFixture = `{
  "features": [
    {
      "place_name": "Avenida Constitución 100, Centro, Monterrey, Nuevo León, México",
      "text": "Avenida Constitución",
      "place_type": ["address"],
      "center": [-100.3161, 25.6866],
      "context": [
        {"id": "neighborhood.1", "text": "Centro"},
        {"id": "place.2", "text": "monterrey"},
        {"id": "region.3", "text": "Nuevo León"}
      ]
    },
    {
      "place_name": "Ciudad de México, México",
      "text": "Ciudad de México",
      "place_type": ["place"],
      "center": [-99.1332, 19.4326]
    },
    {
      "place_name": "broken feature",
      "center": [1]
    }
  ]
}`

func TestMapboxGeocoder_Search(t *testing.T) {
	var gotPath, gotToken, gotCountry string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotToken = r.URL.Query().Get("access_token")
		gotCountry = r.URL.Query().Get("country")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(mapboxFixture))
	}))
	defer server.Close()

	geocoder := NewMapboxGeocoder(server.URL+"/geocoding/v5/mapbox.places/", "pk.test")
	suggestions, err := geocoder.Search(context.Background(), "constitucion 100")
	require.NoError(t, err)

	assert.Equal(t, "/geocoding/v5/mapbox.places/constitucion%20100.json", gotPath)
	assert.Equal(t, "pk.test", gotToken)
	assert.Equal(t, "mx", gotCountry)

	require.Len(t, suggestions, 2)
	assert.Equal(t, "monterrey", suggestions[0].City)
	assert.Equal(t, "Monterrey", suggestions[0].CanonicalCity)
	assert.InDelta(t, 25.6866, suggestions[0].Lat, 1e-6)
	assert.InDelta(t, -100.3161, suggestions[0].Lng, 1e-6)
	assert.Equal(t, "Ciudad de México", suggestions[1].CanonicalCity)
}

func TestMapboxGeocoder_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Authorized - Invalid Token"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewMapboxGeocoder(server.URL, "bad").Search(context.Background(), "monterrey")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "401"))
}

// fakeGeocoder answers every query with the same suggestion
type fakeGeocoder struct {
	queries []string
}

func (f *fakeGeocoder) Search(_ context.Context, query string) ([]AddressSuggestion, error) {
	f.queries = append(f.queries, query)
	return []AddressSuggestion{{Label: query, City: "mty", CanonicalCity: "Monterrey"}}, nil
}

func TestRequestEndpoints_Geocode(t *testing.T) {
	env := newTestEnv(t)

	t.Run("not configured", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/geocode?q=monterrey", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	geocoder := &fakeGeocoder{}
	env.server.requests.geocoder = geocoder
	router := env.server.SetupRoutes()
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("short queries return nothing without calling the api", func(t *testing.T) {
		rec := get("/api/geocode?q=mt")
		require.Equal(t, http.StatusOK, rec.Code)
		var suggestions []AddressSuggestion
		decodeEnvelope(t, rec, &suggestions)
		assert.Empty(t, suggestions)
		assert.Empty(t, geocoder.queries)
	})

	t.Run("search", func(t *testing.T) {
		rec := get("/api/geocode?q=av+constitucion")
		require.Equal(t, http.StatusOK, rec.Code)
		var suggestions []AddressSuggestion
		decodeEnvelope(t, rec, &suggestions)
		require.Len(t, suggestions, 1)
		assert.Equal(t, "Monterrey", suggestions[0].CanonicalCity)
		assert.Equal(t, []string{"av constitucion"}, geocoder.queries)
	})

	t.Run("overlong query", func(t *testing.T) {
		rec := get("/api/geocode?q=" + strings.Repeat("a", 201))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}
