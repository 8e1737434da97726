// Replay tool for measuring Harrier against labeled transaction data.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/labeled.csv -url http://localhost:8080
//
// This tool:
//  1. Reads labeled transactions from a CSV file
//  2. Sends each transaction to Harrier for fraud triage
//  3. Labels the resulting events with the known outcome
//  4. Prints the confusion matrix and the server's own KPIs
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	csvPath := flag.String("csv", "", "Path to labeled transaction CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	tenantID := flag.String("tenant", "replay", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	label := flag.Bool("label", true, "Label events with the known outcome")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/labeled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("HARRIER REPLAY")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Harrier URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	client := &Client{
		BaseURL:  *baseURL,
		TenantID: *tenantID,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}

	if err := client.Health(); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run ./cmd/harrier serve")
		os.Exit(1)
	}
	fmt.Println("Harrier is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	rows, err := ReadCSV(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(rows))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	result := Replay(client, rows, *workers, *label, *verbose)
	duration := time.Since(start)

	PrintResults(os.Stdout, result, duration)

	if *label {
		kpis, err := client.KPIs()
		if err != nil {
			fmt.Printf("WARN: failed to fetch server KPIs: %v\n", err)
			return
		}
		PrintKPIs(os.Stdout, kpis)
	}
}
