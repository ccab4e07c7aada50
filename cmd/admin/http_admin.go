package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string)    { adminHTTPCmd("state", http.MethodGet, "/admin/v1/state", args) }
func snapshotCmd(args []string) { adminHTTPCmd("snapshot", http.MethodPost, "/admin/v1/snapshot", args) }
func sessionsCmd(args []string) { adminHTTPCmd("sessions", http.MethodGet, "/admin/v1/sessions", args) }

// adminHTTPCmd calls one loopback admin endpoint of a running server and
// prints the response body.
func adminHTTPCmd(name, method, path string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	_ = fs.Parse(args)

	code, body, err := adminRequest(&http.Client{Timeout: *timeout}, method, *baseURL, path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if code/100 != 2 {
		os.Exit(1)
	}
}

func adminRequest(cl *http.Client, method, baseURL, path string) (int, []byte, error) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := cl.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}
