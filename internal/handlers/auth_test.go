package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/sealedchat/internal/auth"
	"github.com/pliu/sealedchat/internal/metrics"
	"github.com/pliu/sealedchat/internal/models"
	"github.com/pliu/sealedchat/internal/store/sqlstore"
)

type testServer struct {
	store   *sqlstore.SQLStore
	metrics *metrics.Metrics
	router  *mux.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metrics.New()
	return &testServer{
		store:   store,
		metrics: m,
		router:  NewRouter(RouterConfig{Store: store, Metrics: m, ExposeMetrics: true}),
	}
}

func (s *testServer) do(method, path string, body interface{}, cookie *http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

// user creates a user directly in the store and returns it with a valid
// session cookie.
func (s *testServer) user(t *testing.T, name string) (*models.User, *http.Cookie) {
	t.Helper()
	u := &models.User{Username: name, Email: name + "@example.com", Password: "x"}
	require.NoError(t, s.store.CreateUser(context.Background(), u))
	return u, auth.SessionCookie(u.ID, auth.DefaultSessionTTL)
}

func TestSignup(t *testing.T) {
	s := newTestServer(t)

	req := SignupRequest{Username: "testuser", Email: "test@example.com", Password: "password123"}
	rr := s.do("POST", "/signup", req, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var user models.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &user))
	assert.NotZero(t, user.ID)
	assert.NotContains(t, rr.Body.String(), "password123")

	// Test duplicate user
	rr = s.do("POST", "/signup", req, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do("POST", "/signup", SignupRequest{Username: " "}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)

	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, s.store.CreateUser(context.Background(), &models.User{
		Username: "testuser", Email: "test@example.com", Password: string(hashedPassword),
	}))

	rr := s.do("POST", "/login", Credentials{Username: "testuser", Password: "password123"}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	// Check cookies
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.CookieName, cookies[0].Name)

	// The cookie is accepted by authenticated endpoints.
	rr = s.do("GET", "/conversations", nil, cookies[0])
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do("POST", "/login", Credentials{Username: "testuser", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do("POST", "/login", Credentials{Username: "nobody", Password: "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/conversations", "/messages", "/users/search?q=a", "/users/1/key"} {
		rr := s.do("GET", path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}

	forged := &http.Cookie{Name: auth.CookieName, Value: "1"}
	rr := s.do("GET", "/messages", nil, forged)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSearchUsers(t *testing.T) {
	s := newTestServer(t)
	_, cookie := s.user(t, "alice")
	s.user(t, "alex")
	s.user(t, "bob")

	rr := s.do("GET", "/users/search?q=al", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	var users []models.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &users))
	assert.Len(t, users, 2)

	rr = s.do("GET", "/users/search", nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestGetUser(t *testing.T) {
	s := newTestServer(t)
	alice, cookie := s.user(t, "alice")

	rr := s.do("GET", "/users/"+itoa(alice.ID), nil, cookie)
	require.Equal(t, http.StatusOK, rr.Code)
	var u models.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	assert.Equal(t, "alice", u.Username)
	assert.Empty(t, u.Email)

	rr = s.do("GET", "/users/999", nil, cookie)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = s.do("GET", "/users/abc", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
