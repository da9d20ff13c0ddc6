package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/chessmatch/auth"
	"github.com/wricardo/chessmatch/game/engine"
	"github.com/wricardo/chessmatch/game/profile"
	"github.com/wricardo/chessmatch/game/service"
	"github.com/wricardo/chessmatch/game/session"
)

// MockMatchService implements service.MatchService for testing
type MockMatchService struct {
	CreateSessionFunc func(ctx context.Context, mode session.Mode) (*session.Session, error)
	JoinSessionFunc   func(ctx context.Context, id, identity string) (*session.Session, error)
	ApplyMoveFunc     func(ctx context.Context, id, identity, move string) (*session.Session, error)
	GetSessionFunc    func(ctx context.Context, id string) (*session.Session, error)
}

func (m *MockMatchService) CreateSession(ctx context.Context, mode session.Mode) (*session.Session, error) {
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, mode)
	}
	return &session.Session{ID: "test-session", Mode: mode, Status: session.StatusWaiting, Version: 1}, nil
}

func (m *MockMatchService) JoinSession(ctx context.Context, id, identity string) (*session.Session, error) {
	if m.JoinSessionFunc != nil {
		return m.JoinSessionFunc(ctx, id, identity)
	}
	return &session.Session{ID: id, White: identity, Version: 2}, nil
}

func (m *MockMatchService) ApplyMove(ctx context.Context, id, identity, move string) (*session.Session, error) {
	if m.ApplyMoveFunc != nil {
		return m.ApplyMoveFunc(ctx, id, identity, move)
	}
	return &session.Session{ID: id, LastMove: move, Version: 4}, nil
}

func (m *MockMatchService) GetSession(ctx context.Context, id string) (*session.Session, error) {
	if m.GetSessionFunc != nil {
		return m.GetSessionFunc(ctx, id)
	}
	return &session.Session{ID: id, Version: 1}, nil
}

type staticLeader struct {
	leader bool
	holder string
}

func (l staticLeader) IsLeader() bool   { return l.leader }
func (l staticLeader) HolderID() string { return l.holder }

func setupTestServer(matches service.MatchService, profiles profile.Store, opts ...Option) *Server {
	if profiles == nil {
		profiles = profile.NewMemoryStore()
	}
	authenticator := &auth.Authenticator{Dev: auth.InsecureValidator{}}
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return NewServer(matches, profiles, authenticator, opts...)
}

func makeRequest(method, path string, body interface{}, credential string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", credential)
	}
	return req
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func TestCreateSession(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    interface{}
		setupMock      func(*MockMatchService)
		expectedStatus int
		validateResp   func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name:           "Create session with default mode",
			expectedStatus: http.StatusCreated,
			setupMock: func(m *MockMatchService) {
				m.CreateSessionFunc = func(ctx context.Context, mode session.Mode) (*session.Session, error) {
					assert.Equal(t, session.Mode(""), mode)
					return &session.Session{ID: "sess-123", Mode: session.ModePvP, Version: 1}, nil
				}
			},
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp session.Session
				parseResponse(t, w, &resp)
				assert.Equal(t, "sess-123", resp.ID)
			},
		},
		{
			name:           "Create bot session",
			requestBody:    map[string]string{"mode": "bot"},
			expectedStatus: http.StatusCreated,
			setupMock: func(m *MockMatchService) {
				m.CreateSessionFunc = func(ctx context.Context, mode session.Mode) (*session.Session, error) {
					assert.Equal(t, session.ModeBot, mode)
					return &session.Session{ID: "sess-456", Mode: mode, Black: session.AutomationSeat}, nil
				}
			},
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp session.Session
				parseResponse(t, w, &resp)
				assert.Equal(t, session.AutomationSeat, resp.Black)
			},
		},
		{
			name:           "Unknown mode",
			requestBody:    map[string]string{"mode": "blitz"},
			expectedStatus: http.StatusConflict,
			setupMock: func(m *MockMatchService) {
				m.CreateSessionFunc = func(ctx context.Context, mode session.Mode) (*session.Session, error) {
					return nil, &service.Error{Kind: service.KindInvalidState, Reason: service.ReasonUnknownMode}
				}
			},
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp ErrorResponse
				parseResponse(t, w, &resp)
				assert.Equal(t, "invalid_state", resp.Kind)
				assert.Equal(t, service.ReasonUnknownMode, resp.Reason)
			},
		},
		{
			name:           "Untyped service error",
			expectedStatus: http.StatusInternalServerError,
			setupMock: func(m *MockMatchService) {
				m.CreateSessionFunc = func(ctx context.Context, mode session.Mode) (*session.Session, error) {
					return nil, fmt.Errorf("service error")
				}
			},
			validateResp: func(t *testing.T, w *httptest.ResponseRecorder) {
				var resp ErrorResponse
				parseResponse(t, w, &resp)
				assert.Equal(t, "service error", resp.Error)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &MockMatchService{}
			if tt.setupMock != nil {
				tt.setupMock(mockService)
			}

			server := setupTestServer(mockService, nil)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, makeRequest(http.MethodPost, "/api/sessions", tt.requestBody, ""))

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.validateResp != nil {
				tt.validateResp(t, w)
			}
		})
	}
}

func TestGetSession(t *testing.T) {
	mockService := &MockMatchService{
		GetSessionFunc: func(ctx context.Context, id string) (*session.Session, error) {
			if id == "missing" {
				return nil, &service.Error{Kind: service.KindNotFound, SessionID: id}
			}
			return &session.Session{ID: id, Version: 7}, nil
		},
	}
	server := setupTestServer(mockService, nil)

	w := httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest(http.MethodGet, "/api/sessions/abc", nil, ""))
	assert.Equal(t, http.StatusOK, w.Code)
	var resp session.Session
	parseResponse(t, w, &resp)
	assert.Equal(t, int64(7), resp.Version)

	w = httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest(http.MethodGet, "/api/sessions/missing", nil, ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
	var errResp ErrorResponse
	parseResponse(t, w, &errResp)
	assert.Equal(t, "not_found", errResp.Kind)
}

func TestJoinSession(t *testing.T) {
	var gotIdentity string
	mockService := &MockMatchService{
		JoinSessionFunc: func(ctx context.Context, id, identity string) (*session.Session, error) {
			gotIdentity = identity
			return &session.Session{ID: id, White: identity, Version: 2}, nil
		},
	}
	server := setupTestServer(mockService, nil)

	w := httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest(http.MethodPost, "/api/sessions/abc/join", nil, ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, gotIdentity)

	w = httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest(http.MethodPost, "/api/sessions/abc/join", nil, "dev alice"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", gotIdentity)
}

func TestMove(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		err            error
		expectedStatus int
		expectedKind   string
	}{
		{"accepted", map[string]string{"move": "e2e4"}, nil, http.StatusOK, ""},
		{"missing move", map[string]string{}, nil, http.StatusBadRequest, ""},
		{"not your turn", map[string]string{"move": "e7e5"}, service.ErrNotYourTurn, http.StatusForbidden, "unauthorized"},
		{"illegal", map[string]string{"move": "e2e5"}, &service.Error{Kind: service.KindIllegalMove, Err: engine.ErrIllegalMove}, http.StatusUnprocessableEntity, "illegal_move"},
		{"finished", map[string]string{"move": "e2e4"}, service.ErrNotActive, http.StatusConflict, "invalid_state"},
		{"conflict", map[string]string{"move": "e2e4"}, service.ErrConflict, http.StatusConflict, "conflict"},
		{"store down", map[string]string{"move": "e2e4"}, &service.Error{Kind: service.KindUpstreamFailure, Err: errors.New("redis: connection refused")}, http.StatusBadGateway, "upstream_failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := &MockMatchService{
				ApplyMoveFunc: func(ctx context.Context, id, identity, move string) (*session.Session, error) {
					assert.Equal(t, "bob", identity)
					if tt.err != nil {
						return nil, tt.err
					}
					return &session.Session{ID: id, LastMove: move, Version: 4}, nil
				},
			}
			server := setupTestServer(mockService, nil)

			w := httptest.NewRecorder()
			server.ServeHTTP(w, makeRequest(http.MethodPost, "/api/sessions/abc/move", tt.body, "dev bob"))
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedKind != "" {
				var resp ErrorResponse
				parseResponse(t, w, &resp)
				assert.Equal(t, tt.expectedKind, resp.Kind)
			}
		})
	}
}

func TestGetProfile(t *testing.T) {
	ctx := context.Background()
	store := profile.NewMemoryStore()
	_, err := store.Settle(ctx, "m1", "alice", "bob", func(white, black *profile.Profile) *profile.MatchRecord {
		return &profile.MatchRecord{
			WhiteID:           white.ID,
			BlackID:           black.ID,
			Winner:            profile.WinnerWhite,
			Method:            engine.MethodCheckmate,
			WhiteRatingBefore: white.Rating,
			WhiteRatingAfter:  white.Rating + 16,
			BlackRatingBefore: black.Rating,
			BlackRatingAfter:  black.Rating - 16,
		}
	})
	require.NoError(t, err)

	server := setupTestServer(&MockMatchService{}, store)

	w := httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest(http.MethodGet, "/api/profiles/alice", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	var resp ProfileResponse
	parseResponse(t, w, &resp)
	assert.Equal(t, 1016, resp.Profile.Rating)
	assert.Equal(t, 1, resp.Profile.Wins)
	require.Len(t, resp.RecentMatches, 1)
	assert.Equal(t, "m1", resp.RecentMatches[0].SessionID)

	// unknown players get the starting record
	w = httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest(http.MethodGet, "/api/profiles/carol", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	parseResponse(t, w, &resp)
	assert.Equal(t, profile.DefaultRating, resp.Profile.Rating)
	assert.Empty(t, resp.RecentMatches)
}

func TestHealth(t *testing.T) {
	server := setupTestServer(&MockMatchService{}, nil, WithLeadership(staticLeader{leader: true, holder: "replica-1"}))

	w := httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest(http.MethodGet, "/health", nil, ""))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	parseResponse(t, w, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["leader"])
	assert.Equal(t, "replica-1", resp["holder_id"])
}

func TestMetricsAndMounts(t *testing.T) {
	mounted := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(name))
		})
	}
	server := setupTestServer(&MockMatchService{}, nil,
		WithWebSocket(mounted("ws")),
		WithTelegramWebhook(mounted("webhook")),
		WithMCP(mounted("mcp")),
	)

	w := httptest.NewRecorder()
	server.ServeHTTP(w, makeRequest(http.MethodGet, "/metrics", nil, ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")

	for path, want := range map[string]string{"/ws": "ws", "/webhook/telegram": "webhook", "/mcp": "mcp"} {
		w := httptest.NewRecorder()
		method := http.MethodPost
		if path == "/ws" {
			method = http.MethodGet
		}
		server.ServeHTTP(w, makeRequest(method, path, nil, ""))
		assert.Equal(t, want, w.Body.String(), path)
	}
}
