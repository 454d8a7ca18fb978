package main

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "verify":
		runVerify(os.Args[2:])
	case "policy":
		runPolicy(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "killswitch":
		runKillSwitch(os.Args[2:])
	case "token":
		runToken(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nexusctl <verify|policy|run|killswitch|token> [...]")
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "orchestrator URL")
	token := fs.String("token", "", "optional API token")
	_ = fs.Parse(args)

	body := mustGet(*url, "/healthz", *token)
	fmt.Printf("ok: %s\n", strings.TrimSpace(string(body)))
}

func runPolicy(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: nexusctl policy <put|status> [...]")
		os.Exit(1)
	}
	switch args[0] {
	case "put":
		runPolicyPut(args[1:])
	case "status":
		runPolicyStatus(args[1:])
	default:
		fmt.Fprintln(os.Stderr, "usage: nexusctl policy <put|status> [...]")
		os.Exit(1)
	}
}

func runPolicyPut(args []string) {
	fs := flag.NewFlagSet("policy put", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "orchestrator URL")
	token := fs.String("token", "", "API token")
	scope := fs.String("scope", "default", "policy scope")
	file := fs.String("file", "", "path to the YAML policy document")
	_ = fs.Parse(args)

	if strings.TrimSpace(*file) == "" {
		fatalf("--file is required")
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		fatalf("read policy file: %v", err)
	}
	payload, _ := json.Marshal(map[string]string{"scope": *scope, "document": string(raw)})
	body := mustDo(http.MethodPut, *url, "/v1/admin/policy", *token, payload, nil)
	fmt.Println(strings.TrimSpace(string(body)))
}

func runPolicyStatus(args []string) {
	fs := flag.NewFlagSet("policy status", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "orchestrator URL")
	token := fs.String("token", "", "API token")
	scope := fs.String("scope", "default", "policy scope")
	_ = fs.Parse(args)

	body := mustGet(*url, "/v1/admin/policy?scope="+*scope, *token)
	fmt.Println(strings.TrimSpace(string(body)))
}

func runRun(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: nexusctl run <status|trace|cancel> <run-id> [...]")
		os.Exit(1)
	}
	verb, runID := args[0], args[1]
	fs := flag.NewFlagSet("run "+verb, flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "orchestrator URL")
	token := fs.String("token", "", "API token")
	tenant := fs.String("tenant", "default", "tenant")
	reason := fs.String("reason", "operator_request", "cancellation reason")
	_ = fs.Parse(args[2:])

	headers := map[string]string{"X-Tenant-ID": *tenant}
	switch verb {
	case "status":
		body := mustDo(http.MethodGet, *url, "/v1/runs/"+runID, *token, nil, headers)
		fmt.Println(strings.TrimSpace(string(body)))
	case "trace":
		body := mustDo(http.MethodGet, *url, "/v1/runs/"+runID+"/trace", *token, nil, headers)
		fmt.Println(strings.TrimSpace(string(body)))
	case "cancel":
		payload, _ := json.Marshal(map[string]string{"reason": *reason})
		body := mustDo(http.MethodPost, *url, "/v1/runs/"+runID+"/cancel", *token, payload, headers)
		fmt.Println(strings.TrimSpace(string(body)))
	default:
		fmt.Fprintln(os.Stderr, "usage: nexusctl run <status|trace|cancel> <run-id> [...]")
		os.Exit(1)
	}
}

func runKillSwitch(args []string) {
	if len(args) < 1 || args[0] != "reset" {
		fmt.Fprintln(os.Stderr, "usage: nexusctl killswitch reset [...]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("killswitch reset", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "orchestrator URL")
	token := fs.String("token", "", "API token")
	scope := fs.String("scope", "default", "policy scope")
	confirm := fs.String("confirm", "", "typed confirmation token")
	_ = fs.Parse(args[1:])

	headers := map[string]string{}
	if strings.TrimSpace(*confirm) != "" {
		headers["X-Nexus-Confirm"] = strings.TrimSpace(*confirm)
	}
	body := mustDo(http.MethodPost, *url, "/v1/admin/policy/killswitch/reset?scope="+*scope, *token, nil, headers)
	fmt.Println(strings.TrimSpace(string(body)))
}

func runToken(args []string) {
	if len(args) < 1 || args[0] != "create" {
		fmt.Fprintln(os.Stderr, "usage: nexusctl token create [--length N]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	length := fs.Int("length", 32, "random bytes before base64url encoding")
	_ = fs.Parse(args[1:])
	if *length < 16 {
		fatalf("length must be >= 16")
	}
	b := make([]byte, *length)
	if _, err := rand.Read(b); err != nil {
		fatalf("generate token: %v", err)
	}
	fmt.Println(base64.RawURLEncoding.EncodeToString(b))
}

func mustGet(baseURL, path, token string) []byte {
	return mustDo(http.MethodGet, baseURL, path, token, nil, nil)
}

func mustDo(method, baseURL, path, token string, payload []byte, headers map[string]string) []byte {
	fullURL := strings.TrimRight(baseURL, "/") + path
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, fullURL, reqBody)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s failed: %v", method, fullURL, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		fatalf("%s %s returned %s: %s", method, fullURL, resp.Status, strings.TrimSpace(string(body)))
	}
	return body
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
