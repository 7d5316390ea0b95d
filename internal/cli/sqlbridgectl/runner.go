package sqlbridgectl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlbridgectl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "bridge base URL")
	token := fs.String("token", defaults.Token, "bearer token for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "request timeout (e.g. 30s)")
	rowLimit := fs.Int("row-limit", 0, "row limit override for query (0 uses the server default)")
	timeoutMs := fs.Int("timeout-ms", 0, "statement timeout override in milliseconds (0 uses the server default)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	if *token != "" {
		client = withBearerToken(client, *token)
	}

	command := strings.TrimSpace(fs.Arg(0))
	switch command {
	case "health":
		return runHTTPCheck(ctx, client, *baseURL, "/healthz", stdout, stderr)
	case "ready":
		return runHTTPCheck(ctx, client, *baseURL, "/readyz", stdout, stderr)
	case "query":
		if fs.NArg() < 2 {
			_, _ = fmt.Fprintln(stderr, "query requires a SQL argument")
			return 2
		}
		sqlText := strings.Join(fs.Args()[1:], " ")
		return runQuery(ctx, client, *baseURL, sqlText, *rowLimit, *timeoutMs, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func runHTTPCheck(ctx context.Context, client *http.Client, baseURL, path string, stdout, stderr io.Writer) int {
	endpoint := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read response: %v\n", err)
		return 1
	}
	if resp.StatusCode >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return 1
	}
	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	_, _ = fmt.Fprintln(stdout, strings.TrimSpace(string(body)))
	return 0
}

func runQuery(ctx context.Context, client *http.Client, baseURL, sqlText string, rowLimit, timeoutMs int, stdout, stderr io.Writer) int {
	mcpClient := mcp.NewClient(&mcp.Implementation{Name: "sqlbridgectl", Version: "dev"}, nil)
	transport := &mcp.StreamableClientTransport{
		Endpoint:   strings.TrimRight(baseURL, "/") + "/",
		HTTPClient: client,
	}

	session, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	defer func() { _ = session.Close() }()

	arguments := map[string]any{"sql": sqlText}
	if rowLimit > 0 {
		arguments["row_limit"] = rowLimit
	}
	if timeoutMs > 0 {
		arguments["timeout_ms"] = timeoutMs
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "run_sql_query",
		Arguments: arguments,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "call failed: %v\n", err)
		return 1
	}

	if result.IsError {
		for _, content := range result.Content {
			if text, ok := content.(*mcp.TextContent); ok {
				_, _ = fmt.Fprintln(stderr, text.Text)
			}
		}
		return 1
	}

	if result.StructuredContent != nil {
		rendered, err := json.MarshalIndent(result.StructuredContent, "", "  ")
		if err == nil {
			_, _ = fmt.Fprintln(stdout, string(rendered))
			return 0
		}
	}
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			_, _ = fmt.Fprintln(stdout, text.Text)
		}
	}
	return 0
}

type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(clone)
}

func withBearerToken(client *http.Client, token string) *http.Client {
	next := client.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	wrapped := *client
	wrapped.Transport = &bearerTransport{token: token, next: next}
	return &wrapped
}

func prettyJSON(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return "", false
	}
	return buf.String(), true
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlbridgectl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health            check bridge liveness")
	_, _ = fmt.Fprintln(w, "  ready             check bridge readiness")
	_, _ = fmt.Fprintln(w, "  query <sql>       run a SQL statement through the bridge")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "flags:")
	_, _ = fmt.Fprintln(w, "  -base-url, -token, -timeout, -row-limit, -timeout-ms")
}
