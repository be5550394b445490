// Command wick runs deep agents from an agents file and inspects the
// backends they work on.
//
//	wick run --agent coder "add a README"
//	wick fs --backend workspace ls /
//	echo hello | wick fs --root ./sandbox write /hello.txt
//
// Environment variables:
//
//	WICK_CONFIG  agents file (default: none, a single ephemeral agent)
//	WICK_AGENT   agent to run
//	WICK_MODEL   model spec when the agent has none, e.g. "openai:gpt-4o"
//	WICK_DEBUG   any non-empty value enables debug logging
//	TAVILY_API_KEY  enables web_search for agents with web.enabled
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd, c := newRootCmd()
	if err := c.execute(cmd); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "wick:", err)
		}
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
