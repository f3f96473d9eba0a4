// Command tasklink-emulator stands in for an engine proxy during local
// development. Workers are kept in a SQLite store instead of a real engine.
//
// It listens on TASKLINK_EMULATOR_LISTEN (unix, tcp or vsock target).
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/tasklink/internal/config"
	"github.com/seantiz/tasklink/internal/emulator"
	"github.com/seantiz/tasklink/internal/proxy"
	"github.com/seantiz/tasklink/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	target, err := proxy.ParseTarget(cfg.EmulatorListen)
	if err != nil {
		log.Fatalf("parse listen target: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.EmulatorDB)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	l, err := listen(target)
	if err != nil {
		log.Fatalf("listen on %s: %v", target, err)
	}

	logger.Info("tasklink-emulator: listening", "target", target.String(), "db_path", cfg.EmulatorDB)

	emu := emulator.New(db, emulator.Options{Logger: logger})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("tasklink-emulator: shutting down", "signal", s.String())
		l.Close()
	}()

	if err := emu.Serve(l); err != nil {
		logger.Error("serve", "error", err)
	}
	emu.Close()
}

func listen(t proxy.Target) (net.Listener, error) {
	switch t.Network {
	case "vsock":
		_, p, _ := strings.Cut(t.Address, ":")
		port, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock port %q: %w", p, err)
		}
		return vsock.Listen(uint32(port), nil)
	case "unix":
		if err := os.Remove(t.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	return net.Listen(t.Network, t.Address)
}
