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
)

func main() {
	server := flag.String("server", "http://localhost:8080", "finbrief server URL")
	voice := flag.Bool("voice", false, "request synthesized audio with each answer")
	flag.Parse()

	fmt.Println("finbrief CLI")
	fmt.Printf("Server: %s\n", *server)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /credentials, /runs, /reset <provider>")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if input == "/credentials" {
			fetchCredentials(*server)
			continue
		}
		if input == "/runs" {
			fetchRuns(*server)
			continue
		}
		if provider, ok := strings.CutPrefix(input, "/reset "); ok {
			resetProvider(*server, strings.TrimSpace(provider))
			continue
		}

		ask(*server, input, *voice)
	}
}

func ask(server, query string, voice bool) {
	body, _ := json.Marshal(map[string]interface{}{
		"query": query,
		"voice": voice,
	})

	client := &http.Client{Timeout: 65 * time.Second}
	resp, err := client.Post(server+"/api/query", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var answer struct {
		RunID       string   `json:"run_id"`
		Answer      string   `json:"answer"`
		Citations   []string `json:"citations"`
		Degraded    bool     `json:"degraded"`
		AudioHandle string   `json:"audio_handle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}

	if answer.Degraded {
		fmt.Println("\033[33m[degraded]\033[0m")
	}
	fmt.Println(answer.Answer)
	if len(answer.Citations) > 0 {
		fmt.Printf("\033[36msources: %s\033[0m\n", strings.Join(answer.Citations, ", "))
	}
	if answer.AudioHandle != "" {
		fmt.Printf("\033[36maudio: %s\033[0m\n", answer.AudioHandle)
	}
}

func fetchCredentials(server string) {
	resp, err := http.Get(server + "/api/credentials")
	if err != nil {
		printError("Failed to fetch credentials: %v", err)
		return
	}
	defer resp.Body.Close()

	var statuses []struct {
		Provider  string `json:"provider"`
		Total     int    `json:"total"`
		Available int    `json:"available"`
		Exhausted int    `json:"exhausted"`
		Invalid   int    `json:"invalid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		printError("Failed to parse credentials: %v", err)
		return
	}
	if len(statuses) == 0 {
		fmt.Println("No providers configured.")
		return
	}
	fmt.Println("Credential status:")
	for _, s := range statuses {
		icon := "\033[32m✓\033[0m"
		if s.Available == 0 {
			icon = "\033[31m✗\033[0m"
		}
		fmt.Printf("  %s %s: %d/%d available", icon, s.Provider, s.Available, s.Total)
		if s.Exhausted > 0 {
			fmt.Printf(", %d exhausted", s.Exhausted)
		}
		if s.Invalid > 0 {
			fmt.Printf(", %d invalid", s.Invalid)
		}
		fmt.Println()
	}
}

func fetchRuns(server string) {
	resp, err := http.Get(server + "/api/runs?limit=10")
	if err != nil {
		printError("Failed to fetch runs: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var runs []struct {
		ID       string `json:"id"`
		Workflow string `json:"workflow"`
		Status   string `json:"status"`
		Degraded bool   `json:"degraded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		printError("Failed to parse runs: %v", err)
		return
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return
	}
	fmt.Println("Recent runs:")
	for _, r := range runs {
		marker := ""
		if r.Degraded {
			marker = " \033[33m[degraded]\033[0m"
		}
		fmt.Printf("  %s  %-12s %s%s\n", r.ID, r.Workflow, r.Status, marker)
	}
}

func resetProvider(server, provider string) {
	if provider == "" {
		printError("Usage: /reset <provider>")
		return
	}
	resp, err := http.Post(server+"/api/credentials/"+provider+"/reset", "application/json", nil)
	if err != nil {
		printError("Reset failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	fmt.Printf("Provider %s reset.\n", provider)
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
