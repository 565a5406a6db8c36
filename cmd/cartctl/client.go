package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/leekchan/accounting"
	"github.com/shopspring/decimal"

	"cartsync/internal/model"
)

// ANSI color codes
type palette struct {
	reset, red, green, yellow, cyan, gray, bold string
}

var colors = palette{
	reset:  "\033[0m",
	red:    "\033[31m",
	green:  "\033[32m",
	yellow: "\033[33m",
	cyan:   "\033[36m",
	gray:   "\033[90m",
	bold:   "\033[1m",
}

// daemonClient talks to a running cartsync daemon.
type daemonClient struct {
	baseURL string
	http    *http.Client
	out     io.Writer
	quiet   bool
	verbose bool
	color   palette
	money   *accounting.Accounting
}

func newDaemonClient(baseURL string, out io.Writer, quiet, verbose, noColor bool) *daemonClient {
	c := &daemonClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		out:     out,
		quiet:   quiet,
		verbose: verbose,
		color:   colors,
		money:   &accounting.Accounting{Symbol: "$", Precision: 2, Thousand: ",", Decimal: "."},
	}
	if noColor {
		c.color = palette{}
	}
	return c
}

// cartEnvelope mirrors the daemon's cart responses.
type cartEnvelope struct {
	Cart         model.Cart `json:"cart"`
	State        string     `json:"state"`
	MergePending bool       `json:"mergePending"`
}

type linesEnvelope struct {
	Lines []struct {
		model.LineItem
		Updating bool `json:"updating"`
	} `json:"lines"`
}

// daemonError is a non-2xx response decoded from the daemon's error body.
type daemonError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter string
}

func (e *daemonError) Error() string {
	msg := fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	if e.RetryAfter != "" {
		msg += fmt.Sprintf(" (retry after %ss)", e.RetryAfter)
	}
	return msg
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *daemonClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	var reqJSON []byte
	if body != nil {
		var err error
		reqJSON, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(reqJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.verbose {
		c.printRequest(method, path, reqJSON)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if c.verbose {
		c.printResponse(resp.StatusCode, respBody, time.Since(start))
	}

	if resp.StatusCode >= 400 {
		derr := &daemonError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error.Code != "" {
			derr.Code, derr.Message = envelope.Error.Code, envelope.Error.Message
		} else {
			derr.Message = strings.TrimSpace(string(respBody))
		}
		return derr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// cart performs a request that answers with a cart and prints it.
func (c *daemonClient) cart(ctx context.Context, method, path string, body any, done string) error {
	var env cartEnvelope
	if err := c.do(ctx, method, path, body, &env); err != nil {
		return err
	}
	c.printSuccess("%s", done)
	c.printCart(env)
	return nil
}

// watch streams cart events until ctx ends or the daemon closes the stream.
func (c *daemonClient) watch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cart/events", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// Event streams stay open; only the context bounds them.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &daemonError{Status: resp.StatusCode, Message: "event stream unavailable"}
	}

	c.printInfo("Watching %s (Ctrl-C to stop)", c.baseURL)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var cart model.Cart
		if err := json.Unmarshal([]byte(data), &cart); err != nil {
			return fmt.Errorf("parsing event: %w", err)
		}
		fmt.Fprintf(c.out, "%s[rev %d]%s ", c.color.gray, cart.Revision, c.color.reset)
		c.printCart(cartEnvelope{Cart: cart})
	}
	if err := scanner.Err(); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("reading events: %w", err)
	}
	return nil
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

func (c *daemonClient) formatMoney(d decimal.Decimal) string {
	return c.money.FormatMoney(d.InexactFloat64())
}

func (c *daemonClient) printCart(env cartEnvelope) {
	cart := env.Cart
	if c.quiet {
		fmt.Fprintln(c.out, c.formatMoney(cart.TotalPrice))
		return
	}

	header := cart.OwnerKey
	if env.State != "" {
		header = fmt.Sprintf("%s (%s)", cart.OwnerKey, env.State)
	}
	fmt.Fprintf(c.out, "%sCart%s %s%s%s\n", c.color.bold, c.color.reset, c.color.cyan, header, c.color.reset)
	if env.MergePending {
		c.printWarning("Anonymous cart not merged yet; run 'cartctl merge'")
	}

	if len(cart.Items) == 0 {
		fmt.Fprintf(c.out, "  %s(empty)%s\n", c.color.gray, c.color.reset)
	}
	for _, it := range cart.Items {
		name, price := "unavailable", "-"
		if it.Detail != nil {
			name = it.Detail.Name
			price = c.formatMoney(it.LineTotal())
		}
		fmt.Fprintf(c.out, "  %-8s %6d  %-28s x%-4d %10s\n", it.Kind, it.ItemID, name, it.Quantity, price)
	}

	if cart.DiscountCode != "" {
		fmt.Fprintf(c.out, "  %sDiscount %s%s (%s) -%s\n", c.color.yellow, cart.DiscountCode, c.color.reset,
			cart.DiscountSource, c.formatMoney(cart.DiscountAmount))
	}
	fmt.Fprintf(c.out, "  Total: %s%s%s\n", c.color.green, c.formatMoney(cart.TotalPrice), c.color.reset)
}

func (c *daemonClient) printLines(env linesEnvelope) {
	for _, l := range env.Lines {
		marker := ""
		if l.Updating {
			marker = c.color.yellow + " (updating)" + c.color.reset
		}
		fmt.Fprintf(c.out, "  %-8s %6d  x%d%s\n", l.Kind, l.ItemID, l.Quantity, marker)
	}
}

func (c *daemonClient) printRequest(method, path string, body []byte) {
	fmt.Fprintf(c.out, "\n%s▶ REQUEST%s %s%s %s%s\n", c.color.yellow, c.color.reset, c.color.bold, method, path, c.color.reset)
	if body != nil {
		c.printJSON(body, "  ")
	}
}

func (c *daemonClient) printResponse(status int, body []byte, duration time.Duration) {
	statusColor := c.color.green
	if status >= 400 {
		statusColor = c.color.red
	}
	fmt.Fprintf(c.out, "\n%s◀ RESPONSE%s %s%d%s (%v)\n", c.color.cyan, c.color.reset, statusColor, status, c.color.reset, duration)
	c.printJSON(body, "  ")
}

func (c *daemonClient) printJSON(data []byte, prefix string) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, prefix, "  "); err != nil {
		fmt.Fprintf(c.out, "%s%s\n", prefix, string(data))
		return
	}
	fmt.Fprintln(c.out, prefix+pretty.String())
}

func (c *daemonClient) printSuccess(format string, args ...any) {
	if !c.quiet {
		fmt.Fprintf(c.out, "%s✓ %s%s\n", c.color.green, fmt.Sprintf(format, args...), c.color.reset)
	}
}

func (c *daemonClient) printWarning(format string, args ...any) {
	fmt.Fprintf(c.out, "%s⚠ %s%s\n", c.color.yellow, fmt.Sprintf(format, args...), c.color.reset)
}

func (c *daemonClient) printInfo(format string, args ...any) {
	if !c.quiet {
		fmt.Fprintf(c.out, "%s→ %s%s\n", c.color.gray, fmt.Sprintf(format, args...), c.color.reset)
	}
}
