package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/template"
)

const configTemplate = `# Inventory sync configuration.
# Generated by configgen. Adjust the values before deploying.
version: 1

# Identity of this server in the sync network. Must be unique and stable
# across restarts.
server_id: {{.ServerID}}

# Set to false to run this server standalone, with no cross-server sync.
enabled: true

etcd:
  endpoints:
{{- range .Endpoints}}
    - {{.}}
{{- end}}
  prefix: /invsync
  dial_timeout: 5s

sync:
  channel: inventory
  heartbeat_interval: 5s
  heartbeat_timeout: 15s
  purge_after: 60s
  transfer_lock_timeout: 10s
{{if .WithPostgres}}
# Snapshot store. Remove this section to run without PostgreSQL.
postgres:
  host: localhost
  port: 5432
  user: invsync
  password: invsync
  database: invsync
  sslmode: disable
{{end}}
# Prometheus metrics endpoint. Leave empty to disable.
metrics_addr: ":9137"
`

type templateData struct {
	ServerID     string
	Endpoints    []string
	WithPostgres bool
}

func main() {
	var (
		out       = flag.String("out", "config.yml", "Output file path")
		serverID  = flag.String("server-id", "server-1", "Unique server identifier")
		endpoints = flag.String("endpoints", "localhost:2379", "Comma-separated etcd endpoints")
		postgres  = flag.Bool("postgres", false, "Include a PostgreSQL snapshot store section")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generates a starter configuration file for the inventory sync daemon.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -out lobby-1.yml -server-id lobby-1\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -server-id survival-2 -endpoints etcd-1:2379,etcd-2:2379 -postgres\n", os.Args[0])
	}

	flag.Parse()

	if err := generateConfig(*out, *serverID, splitEndpoints(*endpoints), *postgres); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s for server '%s'\n", *out, *serverID)
}

// generateConfig writes a starter configuration to path. The result parses
// with config.LoadConfig and validates as-is.
func generateConfig(path string, serverID string, endpoints []string, withPostgres bool) error {
	if serverID == "" {
		return fmt.Errorf("server id cannot be empty")
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("at least one etcd endpoint is required")
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	data := templateData{
		ServerID:     serverID,
		Endpoints:    endpoints,
		WithPostgres: withPostgres,
	}
	if err := tmpl.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func splitEndpoints(s string) []string {
	var endpoints []string
	for _, ep := range strings.Split(s, ",") {
		ep = strings.TrimSpace(ep)
		if ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}
