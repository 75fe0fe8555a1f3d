package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/connexa/chatsync/internal/api"
	"github.com/connexa/chatsync/internal/daemon"
	"github.com/connexa/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", session.DefaultName, "session name")
	flag.Parse()

	if err := session.ValidateName(*sessionFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: *sessionFlag}),
		api.Module(),
	)

	app.Run()
}
