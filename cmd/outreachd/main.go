package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/relayfield/outreach/internal/daemon"
	"github.com/relayfield/outreach/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	// Optional .env next to the working directory; real config lives in
	// ~/.outreach/config.toml.
	_ = godotenv.Load()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			ListenAddr:  *listenFlag,
		}),
	)

	app.Run()
}
