package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSite serves JSON arrays of RawRow from <base>/search.
type fakeSite struct {
	key  string
	base string
	caps Capabilities
	// buildRow, when set, post-processes each decoded row.
	buildRow func(i int, row RawRow) RawRow
}

func (s *fakeSite) Key() string                { return s.key }
func (s *fakeSite) Capabilities() Capabilities { return s.caps }

func (s *fakeSite) BuildSearchRequest(ctx context.Context, sr SearchRequest) (*http.Request, error) {
	q := url.Values{}
	q.Set("q", sr.Term)
	if len(sr.Categories) > 0 {
		q.Set("cat", strings.Join(sr.Categories, ","))
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/search?"+q.Encode(), nil)
}

func (s *fakeSite) ParseRows(body []byte) (iter.Seq2[RawRow, error], error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.New("not a list")
	}
	return func(yield func(RawRow, error) bool) {
		for i, msg := range raw {
			row, err := recoverRow(func() (RawRow, error) {
				var row RawRow
				if err := json.Unmarshal(msg, &row); err != nil {
					return row, err
				}
				if s.buildRow != nil {
					row = s.buildRow(i, row)
				}
				return row, nil
			})
			if !yield(row, err) {
				return
			}
		}
	}, nil
}

func (s *fakeSite) ExtractLoginError(body []byte) string {
	if _, msg, ok := bytes.Cut(body, []byte("error:")); ok {
		return strings.TrimSpace(string(msg))
	}
	return ""
}

func (s *fakeSite) DetectExpiryMarker(body []byte) bool {
	return bytes.Contains(body, []byte("LOGGED_OUT"))
}

// fakeLoginSite logs in by posting to /login and expects "welcome" back.
type fakeLoginSite struct {
	*fakeSite
	spec LoginSpec
}

func (s *fakeLoginSite) LoginURL() string { return "/login" }

func (s *fakeLoginSite) LoginSpec(creds Credentials) (LoginSpec, error) {
	spec := s.spec
	spec.Inputs = map[string]string{"username": creds["username"], "password": creds["password"]}
	return spec, nil
}

func (s *fakeLoginSite) CheckLogin(resp *Response) bool {
	return resp.StatusCode == http.StatusOK && bytes.Contains(resp.Body, []byte("welcome"))
}

func newTestSession(t *testing.T, site Site, base string) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(site, SessionOptions{BaseURL: base})
	require.NoError(t, err)
	return m
}

func rowsJSON(t *testing.T, rows ...RawRow) []byte {
	t.Helper()
	data, err := json.Marshal(rows)
	require.NoError(t, err)
	return data
}

var testCreds = Credentials{"username": "alice", "password": "secret"}
