// Kustodia MCP Server - arbitration tools over the Kustodia API for LLM assistants
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rodrigojille/kustodia-sub014/internal/apiclient"
	"github.com/rodrigojille/kustodia-sub014/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := apiclient.Config{
		APIURL: envOrDefault("KUSTODIA_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("KUSTODIA_TOKEN"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "KUSTODIA_TOKEN is required (an admin JWT; mint one with kustodiactl token mint)")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
