package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"orchestrator/pkg/config"
	"orchestrator/pkg/httpapi"
)

// runInteractive is the thin convenience wrapper described in SPEC_FULL
// §4.15: it is not a required integration path, just a terminal prompt that
// collects an app spec and POSTs it to this process's own /builds endpoint.
func runInteractive(httpAddr string) {
	fmt.Println()
	fmt.Println("Enter an application spec (end with a blank line):")

	reader := bufio.NewReader(os.Stdin)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\n")
		if trimmed == "" {
			break
		}
		lines = append(lines, trimmed)
		if err != nil {
			break
		}
	}

	appSpec := strings.Join(lines, "\n")
	if strings.TrimSpace(appSpec) == "" {
		fmt.Println("empty app spec, nothing submitted")
		return
	}

	if err := submitBuild(httpAddr, appSpec); err != nil {
		fmt.Fprintf(os.Stderr, "failed to submit build: %v\n", err)
	}
}

func submitBuild(httpAddr, appSpec string) error {
	body, err := json.Marshal(map[string]any{
		"appSpec":            appSpec,
		"reviewGatesEnabled": true,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("http://localhost%s/builds", httpAddr)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(httpapi.BasicAuthUser, config.GetWebUIPassword())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("post /builds: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on a one-shot CLI request

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d from /builds", resp.StatusCode)
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Printf("build submitted: %v\n", decoded["build"])
	return nil
}
