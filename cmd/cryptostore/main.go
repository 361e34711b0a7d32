// ABOUTME: CLI for inspecting and managing a device's crypto session store
// ABOUTME: Opens the store from a YAML config and dispatches on subcommands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-cryptostore/internal/config"
	"github.com/2389/coven-cryptostore/internal/store"
)

const banner = `
                        _            _
  ___ _ __ _   _ _ __ | |_ ___  ___| |_ ___  _ __ ___
 / __| '__| | | | '_ \| __/ _ \/ __| __/ _ \| '__/ _ \
| (__| |  | |_| | |_) | || (_) \__ \ || (_) | | |  __/
 \___|_|   \__, | .__/ \__\___/|___/\__\___/|_|  \___|
           |___/|_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	s, err := openStore(cfg)
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx := context.Background()
	switch cmd {
	case "info":
		err = cmdInfo(ctx, s)
	case "devices":
		err = cmdDevices(ctx, s)
	case "sessions":
		err = cmdSessions(ctx, s)
	case "rooms":
		err = cmdRooms(ctx, s)
	case "room-remove":
		err = cmdRoomRemove(ctx, s, args)
	case "requests":
		err = cmdRequests(ctx, s)
	case "request-add":
		err = cmdRequestAdd(ctx, s, args)
	case "request-remove":
		err = cmdRequestRemove(ctx, s, args)
	case "verify", "unverify", "blacklist", "unblacklist", "ignore", "unignore":
		err = cmdTrust(ctx, s, cmd, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: cryptostore <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  info                              Show account and store summary")
	fmt.Println("  devices                           List known peer devices with trust state")
	fmt.Println("  sessions                          List Olm and Megolm sessions")
	fmt.Println("  rooms                             List rooms marked as encrypted")
	fmt.Println("  room-remove <room-id>             Remove a room's encrypted marker")
	fmt.Println("  requests                          List in-flight room key requests")
	fmt.Println("  request-add <room-id> <session>   Record an outgoing room key request")
	fmt.Println("  request-remove <request-id>       Remove a room key request")
	fmt.Println("  verify <user-id> <device-id>      Mark a device as verified")
	fmt.Println("  unverify <user-id> <device-id>    Clear a device's verified mark")
	fmt.Println("  blacklist <user-id> <device-id>   Mark a device as blacklisted")
	fmt.Println("  unblacklist <user-id> <device-id> Clear a device's blacklist mark")
	fmt.Println("  ignore <user-id> <device-id>      Mark a device as ignored")
	fmt.Println("  unignore <user-id> <device-id>    Clear a device's ignore mark")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CRYPTOSTORE_CONFIG     Config file path (default: config.yaml)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  cryptostore info")
	fmt.Println("  cryptostore verify @bob:example.org BOBDEV")
	fmt.Println("  cryptostore request-add '!room:example.org' megolm-session-id")
	fmt.Println()
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("CRYPTOSTORE_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(cfg *config.Config) (*store.Store, error) {
	userID := id.UserID(cfg.Store.UserID)
	deviceID := id.DeviceID(cfg.Store.DeviceID)
	opts := store.Options{
		Passphrase:   cfg.Store.Passphrase,
		DatabaseName: cfg.Store.DatabaseName,
	}

	if cfg.Store.TrustBackend == "sqlite" {
		return store.NewSQLiteStore(userID, deviceID, cfg.Store.Path, opts)
	}
	return store.NewDefaultStore(userID, deviceID, cfg.Store.Path, opts)
}

func cmdInfo(ctx context.Context, s *store.Store) error {
	account, err := s.LoadAccount(ctx)
	if err != nil {
		return err
	}
	sessions, err := s.LoadSessions(ctx)
	if err != nil {
		return err
	}
	groups, err := s.LoadInboundGroupSessions(ctx)
	if err != nil {
		return err
	}
	devices, err := s.LoadDeviceKeys(ctx)
	if err != nil {
		return err
	}
	rooms, err := s.LoadEncryptedRooms(ctx)
	if err != nil {
		return err
	}

	olmCount := 0
	for _, list := range sessions {
		olmCount += len(list)
	}
	deviceCount := 0
	for _, userDevices := range devices {
		deviceCount += len(userDevices)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Store")
	cyan.Println("  -----")
	fmt.Printf("  Identity:        %s / %s\n", s.UserID(), s.DeviceID())
	if account == nil {
		fmt.Println("  Account:         not saved")
	} else {
		fmt.Printf("  Account:         saved (shared: %v)\n", account.Shared)
	}
	fmt.Printf("  Olm sessions:    %d\n", olmCount)
	fmt.Printf("  Megolm sessions: %d\n", len(groups))
	fmt.Printf("  Peer devices:    %d\n", deviceCount)
	fmt.Printf("  Encrypted rooms: %d\n", len(rooms))
	fmt.Println()
	return nil
}

func cmdDevices(ctx context.Context, s *store.Store) error {
	devices, err := s.LoadDeviceKeys(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USER\tDEVICE\tNAME\tTRUST\tFINGERPRINT")
	fmt.Fprintln(w, "  ----\t------\t----\t-----\t-----------")

	users := make([]id.UserID, 0, len(devices))
	for userID := range devices {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	for _, userID := range users {
		for _, device := range devices[userID] {
			trust, err := deviceTrust(ctx, s, device)
			if err != nil {
				return err
			}
			name := device.DisplayName
			if device.Deleted {
				name += " (deleted)"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
				device.UserID, device.DeviceID, name, trust, device.SigningKey())
		}
	}
	return w.Flush()
}

func deviceTrust(ctx context.Context, s *store.Store, device *store.Device) (string, error) {
	verified, err := s.IsDeviceVerified(ctx, device)
	if err != nil {
		return "", err
	}
	if verified {
		return store.TrustVerified.String(), nil
	}
	blacklisted, err := s.IsDeviceBlacklisted(ctx, device)
	if err != nil {
		return "", err
	}
	if blacklisted {
		return store.TrustBlacklisted.String(), nil
	}
	ignored, err := s.IsDeviceIgnored(ctx, device)
	if err != nil {
		return "", err
	}
	if ignored {
		return store.TrustIgnored.String(), nil
	}
	return store.TrustUnset.String(), nil
}

func cmdSessions(ctx context.Context, s *store.Store) error {
	sessions, err := s.LoadSessions(ctx)
	if err != nil {
		return err
	}
	groups, err := s.LoadInboundGroupSessions(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TYPE\tSESSION\tPEER/ROOM\tCREATED\tLAST USED")
	fmt.Fprintln(w, "  ----\t-------\t---------\t-------\t---------")

	senderKeys := make([]id.Curve25519, 0, len(sessions))
	for senderKey := range sessions {
		senderKeys = append(senderKeys, senderKey)
	}
	sort.Slice(senderKeys, func(i, j int) bool { return senderKeys[i] < senderKeys[j] })

	for _, senderKey := range senderKeys {
		for _, session := range sessions[senderKey] {
			fmt.Fprintf(w, "  olm\t%s\t%s\t%s\t%s\n",
				session.SessionID, senderKey,
				session.CreationTime.Format("2006-01-02 15:04"),
				session.LastUsed.Format("2006-01-02 15:04"))
		}
	}
	for _, group := range groups {
		fmt.Fprintf(w, "  megolm\t%s\t%s\t\t\n", group.SessionID, group.RoomID)
	}
	return w.Flush()
}

func cmdRooms(ctx context.Context, s *store.Store) error {
	rooms, err := s.LoadEncryptedRooms(ctx)
	if err != nil {
		return err
	}

	sorted := make([]id.RoomID, 0, len(rooms))
	for roomID := range rooms {
		sorted = append(sorted, roomID)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, roomID := range sorted {
		fmt.Printf("  %s\n", roomID)
	}
	fmt.Printf("\n  %d encrypted room(s)\n", len(rooms))
	return nil
}

func cmdRoomRemove(ctx context.Context, s *store.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cryptostore room-remove <room-id>")
	}
	if err := s.DeleteEncryptedRoom(ctx, id.RoomID(args[0])); err != nil {
		return err
	}
	color.Green("Removed encrypted marker for %s\n", args[0])
	return nil
}

func cmdRequests(ctx context.Context, s *store.Store) error {
	requests, err := s.LoadOutgoingKeyRequests(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  REQUEST\tSESSION\tROOM\tALGORITHM")
	fmt.Fprintln(w, "  -------\t-------\t----\t---------")
	for _, request := range requests {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			request.RequestID, request.SessionID, request.RoomID, request.Algorithm)
	}
	return w.Flush()
}

func cmdRequestAdd(ctx context.Context, s *store.Store, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: cryptostore request-add <room-id> <session-id>")
	}

	request := &store.OutgoingKeyRequest{
		RequestID: uuid.NewString(),
		SessionID: id.SessionID(args[1]),
		RoomID:    id.RoomID(args[0]),
		Algorithm: id.AlgorithmMegolmV1,
	}
	if err := s.AddOutgoingKeyRequest(ctx, request); err != nil {
		return err
	}
	color.Green("Recorded key request %s\n", request.RequestID)
	return nil
}

func cmdRequestRemove(ctx context.Context, s *store.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cryptostore request-remove <request-id>")
	}
	if err := s.RemoveOutgoingKeyRequest(ctx, args[0]); err != nil {
		return err
	}
	color.Green("Removed key request %s\n", args[0])
	return nil
}

func cmdTrust(ctx context.Context, s *store.Store, cmd string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: cryptostore %s <user-id> <device-id>", cmd)
	}
	userID := id.UserID(args[0])
	deviceID := id.DeviceID(args[1])

	devices, err := s.LoadDeviceKeys(ctx)
	if err != nil {
		return err
	}
	device := devices[userID][deviceID]
	if device == nil {
		return fmt.Errorf("no key record for %s/%s", userID, deviceID)
	}

	var changed bool
	switch cmd {
	case "verify":
		changed, err = s.VerifyDevice(ctx, device)
	case "unverify":
		changed, err = s.UnverifyDevice(ctx, device)
	case "blacklist":
		changed, err = s.BlacklistDevice(ctx, device)
	case "unblacklist":
		changed, err = s.UnblacklistDevice(ctx, device)
	case "ignore":
		changed, err = s.IgnoreDevice(ctx, device)
	case "unignore":
		changed, err = s.UnignoreDevice(ctx, device)
	}
	if err != nil {
		return err
	}

	if changed {
		color.Green("%s: %s/%s\n", cmd, userID, deviceID)
	} else {
		color.Yellow("%s: %s/%s (no change)\n", cmd, userID, deviceID)
	}
	return nil
}
