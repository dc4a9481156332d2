// relayctl is a small operator CLI for poking a running gateway: it
// sends one message to a thread and prints the reply, either as the
// final JSON envelope or streamed delta by delta.
//
// Exit codes: 0 success, 64 invalid arguments, 69 service unavailable,
// 75 transient upstream failure (worth retrying).
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitTempFail    = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr     = flag.String("addr", "http://localhost:8080", "gateway base URL")
		org      = flag.String("org", "", "org id (required)")
		threadID = flag.String("thread", "", "thread id (required)")
		provider = flag.String("provider", "", "provider override")
		model    = flag.String("model", "", "model override")
		stream   = flag.Bool("stream", false, "stream the reply over SSE")
		timeout  = flag.Duration("timeout", 2*time.Minute, "request timeout")
	)
	flag.Parse()

	content := strings.Join(flag.Args(), " ")
	if *org == "" || *threadID == "" || content == "" {
		fmt.Fprintln(os.Stderr, "usage: relayctl -org ORG -thread THREAD [-stream] [-provider P -model M] message...")
		return exitUsage
	}

	body, err := json.Marshal(map[string]any{
		"role":     "user",
		"content":  content,
		"provider": *provider,
		"model":    *model,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		return exitUsage
	}

	path := fmt.Sprintf("%s/api/threads/%s/messages", strings.TrimRight(*addr, "/"), *threadID)
	if *stream {
		path += "/stream"
	}

	req, err := http.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return exitUsage
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-org-id", *org)

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway unreachable: %v\n", err)
		return exitUnavailable
	}
	defer resp.Body.Close()

	if *stream {
		return consumeStream(resp.Body)
	}
	return consumeEnvelope(resp)
}

func consumeEnvelope(resp *http.Response) int {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		return exitUnavailable
	}

	if resp.StatusCode != http.StatusOK {
		detail := gjson.GetBytes(raw, "detail").String()
		fmt.Fprintf(os.Stderr, "gateway error (%d): %s\n", resp.StatusCode, detail)
		return exitForKind(gjson.GetBytes(raw, "kind").String(), resp.StatusCode)
	}

	fmt.Println(gjson.GetBytes(raw, "assistant_content").String())
	meta := gjson.GetBytes(raw, "provider_meta")
	fmt.Fprintf(os.Stderr, "provider=%s model=%s ttft=%dms total_queue_wait=%dms retries=%d\n",
		meta.Get("provider").String(),
		meta.Get("model").String(),
		meta.Get("ttft_ms").Int(),
		meta.Get("queue_wait_ms").Int(),
		meta.Get("retries").Int(),
	)
	return exitOK
}

func consumeStream(body io.Reader) int {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "delta":
				fmt.Print(gjson.Get(data, "content").String())
			case "done":
				fmt.Println()
				fmt.Fprintf(os.Stderr, "done total=%dms hash=%s\n",
					gjson.Get(data, "total_ms").Int(),
					gjson.Get(data, "final_hash").String(),
				)
				return exitOK
			case "error":
				fmt.Println()
				fmt.Fprintf(os.Stderr, "error: %s (%s)\n",
					gjson.Get(data, "message").String(),
					gjson.Get(data, "kind").String(),
				)
				return exitForKind(gjson.Get(data, "kind").String(), 0)
			case "dropped":
				fmt.Fprintf(os.Stderr, "\n[%d events dropped]\n", gjson.Get(data, "count").Int())
			}
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "stream interrupted: %v\n", err)
	}
	return exitUnavailable
}

// exitForKind maps an error kind (or HTTP status when the kind is
// absent) onto the sysexits-style codes.
func exitForKind(kind string, status int) int {
	switch kind {
	case "validation", "auth":
		return exitUsage
	case "rate_limited", "upstream_transient", "timeout":
		return exitTempFail
	case "upstream_fatal":
		return exitUnavailable
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return exitUsage
	case status == http.StatusTooManyRequests || status == http.StatusGatewayTimeout:
		return exitTempFail
	default:
		return exitUnavailable
	}
}
