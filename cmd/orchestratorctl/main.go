// Command orchestratorctl is the operator's command-line companion to the
// running daemon: it queries the operator HTTP API for live state, and
// carries a standalone "schema" action for direct, daemon-independent
// inspection of a SQLite store file. It is grounded on the teacher's
// scripts/check-db-schema.go and cmd/dbctl — flag-driven actions, JSON
// output mode, and direct database/sql access via mattn/go-sqlite3 for
// the offline inspection path, since that path must work even when the
// daemon (and its pure-Go modernc.org/sqlite-backed store) is not running.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	action := flag.String("action", "status", "status | tasks | agents | escalations | resources | schema")
	apiAddr := flag.String("api", "http://localhost:8080", "base URL of a running orchestratord's operator API")
	dbPath := flag.String("db", "orchestrator.db", "path to the SQLite store file (schema action only)")
	jsonOutput := flag.Bool("json", false, "print raw JSON instead of a formatted summary")
	flag.Parse()

	var err error
	switch *action {
	case "status":
		err = fetchAndPrint(*apiAddr+"/api/health", *jsonOutput)
	case "tasks":
		err = fetchAndPrint(*apiAddr+"/api/tasks", *jsonOutput)
	case "agents":
		err = fetchAndPrint(*apiAddr+"/api/agents", *jsonOutput)
	case "escalations":
		err = fetchAndPrint(*apiAddr+"/api/escalations", *jsonOutput)
	case "resources":
		err = fetchAndPrint(*apiAddr+"/api/resources", *jsonOutput)
	case "schema":
		err = printSchema(*dbPath, *jsonOutput)
	default:
		fmt.Fprintf(os.Stderr, "orchestratorctl: unknown action %q\n", *action)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratorctl: %v\n", err)
		os.Exit(1)
	}
}

func fetchAndPrint(url string, jsonOutput bool) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %s: %s", url, resp.Status, string(body))
	}

	if jsonOutput {
		fmt.Println(string(body))
		return nil
	}
	return printPretty(body)
}

func printPretty(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		// Not JSON-structured output worth reformatting; print as-is.
		fmt.Println(string(body))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

// collectionCount is one row of the schema action's per-collection census.
type collectionCount struct {
	Collection string `json:"collection"`
	Items      int    `json:"items"`
}

// printSchema opens the SQLite store file directly (bypassing the daemon
// entirely) and reports the schema version plus a per-collection item
// count, so an operator can sanity-check a store file offline.
func printSchema(path string, jsonOutput bool) error {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	var version int
	if err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	rows, err := db.Query(`SELECT collection, COUNT(*) FROM items GROUP BY collection ORDER BY collection`)
	if err != nil {
		return fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	var counts []collectionCount
	for rows.Next() {
		var c collectionCount
		if err := rows.Scan(&c.Collection, &c.Items); err != nil {
			return fmt.Errorf("scan item count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"schema_version": version,
			"collections":    counts,
		})
	}

	fmt.Printf("schema version: %d\n", version)
	fmt.Println("collections:")
	for _, c := range counts {
		fmt.Printf("  %-16s %d\n", c.Collection, c.Items)
	}
	return nil
}
