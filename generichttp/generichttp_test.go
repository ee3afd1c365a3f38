package generichttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHTTPer struct {
	rt RouteTable
}

func (f fakeHTTPer) RT() RouteTable { return f.rt }

func TestSubMuxSanitize(t *testing.T) {
	for in, want := range map[string]string{
		"omc/nkt":    "/omc/nkt",
		"/omc/nkt/*": "/omc/nkt",
		"/omc/nkt/":  "/omc/nkt",
		"":           "/",
	} {
		assert.Equal(t, want, SubMuxSanitize(in), in)
	}
}

func TestEndpointsSortedUnique(t *testing.T) {
	rt := RouteTable{
		{http.MethodGet, "/b"}:  nil,
		{http.MethodPost, "/b"}: nil,
		{http.MethodGet, "/a"}:  nil,
	}
	assert.Equal(t, []string{"/a", "/b"}, rt.Endpoints())
}

func TestBuildMux(t *testing.T) {
	n := 0
	node := fakeHTTPer{RouteTable{
		{http.MethodGet, "/count"}: GetInt(func() (int, error) { n++; return n, nil }),
		{http.MethodGet, "/broken"}: GetFloat(func() (float64, error) {
			return 0, errors.New("instrument unplugged")
		}),
		{http.MethodGet, "/name"}: GetString(func() (string, error) { return "tellie", nil }),
	}}
	srv := httptest.NewServer(BuildMux(map[string]HTTPer{"bench/led": node}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bench/led/count")
	require.NoError(t, err)
	var i IntT
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&i))
	resp.Body.Close()
	assert.Equal(t, 1, i.Int)

	resp, err = http.Get(srv.URL + "/bench/led/name")
	require.NoError(t, err)
	var s StrT
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	resp.Body.Close()
	assert.Equal(t, "tellie", s.Str)

	resp, err = http.Get(srv.URL + "/bench/led/broken")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/endpoints")
	require.NoError(t, err)
	graph := map[string][]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&graph))
	resp.Body.Close()
	assert.Equal(t, []string{"/broken", "/count", "/name"}, graph["/bench/led"])
}
