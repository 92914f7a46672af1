package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/gateway/httpapi"
)

// Exit codes for the query and batch commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitBlocked     = 2
	ExitCancelled   = 3
	ExitUnavailable = 4
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitFailure
}

var (
	queryGatewayURL string
	queryAPIKey     string
	queryTimeout    int
	queryJSON       bool
)

var queryCmd = &cobra.Command{
	Use:   "query REQUEST...",
	Short: "Send a one-shot request to a running gateway",
	Long: `Send a request to the opsgate HTTP gateway and print the result.

Examples:
  opsgate query "show disk usage"
  opsgate query --json "restart nginx"

Exit codes:
  0  success
  1  failure
  2  blocked by the security gate
  3  cancelled (confirmation denied)
  4  gateway unavailable`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryGatewayURL, "gateway-url", "http://localhost:8090", "gateway HTTP API URL (or OPSGATE_GATEWAY_URL env)")
	queryCmd.Flags().StringVar(&queryAPIKey, "api-key", "", "API key for gateway authentication (or OPSGATE_API_KEY env)")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 300, "timeout in seconds")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the raw JSON response")
}

func runQuery(_ *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	gatewayURL := strings.TrimRight(goutils.Env("OPSGATE_GATEWAY_URL", queryGatewayURL), "/")
	apiKey := goutils.Env("OPSGATE_API_KEY", queryAPIKey)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryTimeout)*time.Second)
	defer cancel()

	resp, raw, err := postOperation(ctx, http.DefaultClient, gatewayURL, apiKey, text)
	if err != nil {
		return err
	}
	if queryJSON {
		fmt.Println(string(raw))
	} else {
		printOperation(os.Stdout, resp)
	}
	return outcomeError(resp.Outcome)
}

// postOperation submits text to POST /v1/operations. Transport and HTTP
// errors come back as exitError values.
func postOperation(ctx context.Context, client *http.Client, gatewayURL, apiKey, text string) (*httpapi.OperationResponse, []byte, error) {
	body, err := json.Marshal(httpapi.OperationRequest{Text: text})
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, &exitError{code: ExitUnavailable, err: fmt.Errorf("cannot reach gateway at %s: %w", gatewayURL, err)}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &exitError{code: ExitUnavailable, err: fmt.Errorf("reading gateway response: %w", err)}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out httpapi.OperationResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, nil, fmt.Errorf("decoding gateway response: %w", err)
		}
		return &out, raw, nil
	case http.StatusUnauthorized:
		return nil, nil, &exitError{code: ExitFailure, err: errors.New("unauthorized (check API key)")}
	case http.StatusTooManyRequests:
		return nil, nil, &exitError{code: ExitFailure, err: errors.New("rate limited, try again later")}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return nil, nil, &exitError{code: ExitUnavailable, err: fmt.Errorf("gateway unavailable (%d)", resp.StatusCode)}
	default:
		var eb httpapi.ErrorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return nil, nil, &exitError{code: ExitFailure, err: fmt.Errorf("gateway returned %d: %s", resp.StatusCode, msg)}
	}
}

// outcomeError maps a non-success outcome to its exit code.
func outcomeError(o domain.Outcome) error {
	switch o {
	case domain.OutcomeSuccess:
		return nil
	case domain.OutcomeBlocked:
		return &exitError{code: ExitBlocked, err: errors.New("operation blocked by the security gate")}
	case domain.OutcomeCancelled:
		return &exitError{code: ExitCancelled, err: errors.New("operation cancelled")}
	default:
		return &exitError{code: ExitFailure, err: errors.New("operation failed")}
	}
}

func printOperation(w io.Writer, resp *httpapi.OperationResponse) {
	fmt.Fprintf(w, "%s %s (%dms)\n", outcomeTag(resp.Outcome), resp.ID, resp.DurationMS)
	if len(resp.ToolsUsed) > 0 {
		fmt.Fprintf(w, "tools: %s\n", strings.Join(resp.ToolsUsed, ", "))
	}
	if resp.Output != "" {
		fmt.Fprintln(w, resp.Output)
	}
}
