package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"maunium.net/go/mautrix/id"

	"github.com/weftchat/weft/pkg/matrix"
)

var loginCommand = &cli.Command{
	Name:   "login",
	Usage:  "Log into the configured homeserver with a password",
	Before: prepareApp,
	Action: cmdLogin,
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Drop the stored session and sync state",
	Before: requiresAuth,
	Action: cmdLogout,
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return strings.ToUpper(hex.EncodeToString(b))
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

func cmdLogin(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	transport, err := matrix.NewTransport(cfg.Homeserver, getLogger(ctx))
	if err != nil {
		return err
	}

	user, err := readLine("Username: ")
	if err != nil {
		return err
	}
	password, err := readLine("Password: ")
	if err != nil {
		return err
	}

	deviceID := id.DeviceID("weft_" + randomHex(4))
	creds, err := matrix.Login(ctx.Context, transport, user, password, deviceID)
	if err != nil {
		return err
	}
	if err = getStore(ctx).PutCredentials(ctx.Context, cfg.Homeserver, creds); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	fmt.Printf("Logged in as %s (device %s)\n", creds.UserID, creds.DeviceID)
	return nil
}

func cmdLogout(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	store := getStore(ctx)
	creds, _, err := store.GetCredentials(ctx.Context, cfg.Homeserver)
	if err != nil {
		return err
	}
	if err = store.Clear(ctx.Context, cfg.Homeserver); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	fmt.Printf("Logged out of %s\n", creds.UserID)
	return nil
}
