// Command antigravity-gateway serves Gemini-compatible model calls through
// the Antigravity backend using a pool of OAuth accounts.
package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	if wd, err := os.Getwd(); err == nil {
		if err := godotenv.Load(filepath.Join(wd, ".env")); err != nil && !os.IsNotExist(err) {
			log.Warnf("failed to load .env file: %v", err)
		}
	}

	root := NewRootCmd()
	root.SetContext(context.Background())
	root.SetOut(os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
