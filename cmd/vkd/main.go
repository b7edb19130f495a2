package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/pcoutinho/vkd/internal/daemon"
	"github.com/pcoutinho/vkd/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (defaults to config default_session or \"main\")")
	flag.Parse()

	// Credentials may come from .env or the environment; both are optional.
	_ = godotenv.Load()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Login:       os.Getenv("VKD_LOGIN"),
			Password:    os.Getenv("VKD_PASSWORD"),
		}),
	)

	app.Run()
}
