package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wricardo/chessmatch/game/profile"
	"github.com/wricardo/chessmatch/game/session"
)

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API. token is
// sent as the Authorization header value, e.g. "Bearer <jwt>" or "dev agent".
func NewClient(baseURL, token string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Chess Match",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Chess Match - MCP Interface

This is a thin client that proxies all requests to the REST API server.

Matches are two-seat chess games. Moves use UCI notation: e2e4, g1f3,
e7e8q for a promotion. The board is reported as FEN.

AVAILABLE TOOLS:
- create_match: Create a match (pvp, bot, bot_white)
- get_match: Current state of a match
- join_match: Take the first free seat
- make_move: Submit a move for your seat
- get_profile: Rating and recent results for a player

In bot matches the server answers your move automatically; call get_match
after a short pause to see the reply.`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.NewTool("create_match",
		mcp.WithDescription("Create a new chess match"),
		mcp.WithString("mode",
			mcp.Description("pvp (two humans), bot (bot plays black) or bot_white (bot plays white)"),
			mcp.Enum(string(session.ModePvP), string(session.ModeBot), string(session.ModeBotWhite)),
		),
	), c.handleCreateMatch)

	c.mcpServer.AddTool(mcp.NewTool("get_match",
		mcp.WithDescription("Get the current state of a match"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Match id")),
	), c.handleGetMatch)

	c.mcpServer.AddTool(mcp.NewTool("join_match",
		mcp.WithDescription("Join a match as the configured identity"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Match id")),
	), c.handleJoinMatch)

	c.mcpServer.AddTool(mcp.NewTool("make_move",
		mcp.WithDescription("Submit a move in UCI notation"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Match id")),
		mcp.WithString("move", mcp.Required(), mcp.Description("UCI move such as e2e4 or e7e8q")),
	), c.handleMakeMove)

	c.mcpServer.AddTool(mcp.NewTool("get_profile",
		mcp.WithDescription("Get a player's rating and recent matches"),
		mcp.WithString("player_id", mcp.Required(), mcp.Description("Player identity, e.g. tg:12345")),
	), c.handleGetProfile)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// HTTPHandler serves the tools over streamable HTTP.
func (c *Client) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(c.mcpServer)
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func sessionPath(id string) string {
	return "/api/sessions/" + url.PathEscape(id)
}

// Tool handlers

func (c *Client) handleCreateMatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := map[string]string{}
	if mode := request.GetString("mode", ""); mode != "" {
		body["mode"] = mode
	}

	var s session.Session
	if err := c.apiCall(ctx, http.MethodPost, "/api/sessions", body, &s); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText("Created match " + s.ID + "\n" + formatSession(&s)), nil
}

func (c *Client) handleGetMatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var s session.Session
	if err := c.apiCall(ctx, http.MethodGet, sessionPath(id), nil, &s); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatSession(&s)), nil
}

func (c *Client) handleJoinMatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var s session.Session
	if err := c.apiCall(ctx, http.MethodPost, sessionPath(id)+"/join", nil, &s); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Joined match " + s.ID + "\n" + formatSession(&s)), nil
}

func (c *Client) handleMakeMove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	move, err := request.RequireString("move")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var s session.Session
	if err := c.apiCall(ctx, http.MethodPost, sessionPath(id)+"/move", map[string]string{"move": move}, &s); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Played " + move + "\n" + formatSession(&s)), nil
}

func (c *Client) handleGetProfile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("player_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var resp struct {
		Profile       *profile.Profile       `json:"profile"`
		RecentMatches []*profile.MatchRecord `json:"recent_matches"`
	}
	if err := c.apiCall(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(id), nil, &resp); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if resp.Profile == nil {
		return mcp.NewToolResultError("empty profile response"), nil
	}
	return mcp.NewToolResultText(formatProfile(resp.Profile, resp.RecentMatches)), nil
}

func seatName(id string) string {
	switch id {
	case "":
		return "(open)"
	case session.AutomationSeat:
		return "bot"
	}
	return id
}

func formatSession(s *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Match: %s (%s)\n", s.ID, s.Mode)
	fmt.Fprintf(&b, "Status: %s\n", s.Status)
	fmt.Fprintf(&b, "White: %s\n", seatName(s.White))
	fmt.Fprintf(&b, "Black: %s\n", seatName(s.Black))
	fmt.Fprintf(&b, "Moves: %d", s.MoveCount)
	if s.LastMove != "" {
		fmt.Fprintf(&b, " (last %s)", s.LastMove)
	}
	b.WriteString("\n")

	if s.Outcome != nil {
		if s.Outcome.Draw {
			fmt.Fprintf(&b, "Result: draw by %s\n", s.Outcome.Method)
		} else {
			fmt.Fprintf(&b, "Result: %s wins by %s\n", s.Outcome.Winner, s.Outcome.Method)
		}
	} else if s.Status == session.StatusActive {
		fmt.Fprintf(&b, "To move: %s\n", s.Turn)
	}

	fmt.Fprintf(&b, "Board: %s\n", s.Board)
	fmt.Fprintf(&b, "Version: %d\n", s.Version)
	return b.String()
}

func formatProfile(p *profile.Profile, recent []*profile.MatchRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Player: %s\n", p.ID)
	fmt.Fprintf(&b, "Rating: %d\n", p.Rating)
	fmt.Fprintf(&b, "Games: %d (W%d L%d D%d)\n", p.Games, p.Wins, p.Losses, p.Draws)

	if len(recent) > 0 {
		b.WriteString("Recent:\n")
		for _, m := range recent {
			result := "draw"
			switch m.Winner {
			case profile.WinnerWhite:
				result = "white won"
			case profile.WinnerBlack:
				result = "black won"
			}
			fmt.Fprintf(&b, "  %s %s vs %s: %s (%s, %d moves)\n", m.SessionID, m.WhiteID, m.BlackID, result, m.Method, m.Moves)
		}
	}
	return b.String()
}
