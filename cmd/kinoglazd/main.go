// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// kinoglazd is the streaming server daemon: it serves the media under the
// configured base directory over RTSP, paced as RTP with RTCP feedback.
//
// Usage:
//
//	kinoglazd [--fork|--nofork] [--log-level debug] <config.ini>
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drubbo/kinoglaz-sub001/config"
	"github.com/drubbo/kinoglaz-sub001/rtsp"
)

const daemonEnv = "KINOGLAZD_DAEMON"

func main() {
	fork := flag.Bool("fork", false, "detach and run in the background")
	nofork := flag.Bool("nofork", false, "stay in the foreground (default)")
	level := flag.String("log-level", "info", "zerolog level")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [--fork|--nofork] <config.ini>\n", os.Args[0])
		os.Exit(2)
	}
	iniPath := flag.Arg(0)

	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).With().Timestamp().Logger()

	cfg, err := config.Load(iniPath)
	if err != nil {
		log.Error().Err(err).Str("file", iniPath).Msg("Cannot load configuration")
		os.Exit(1)
	}

	if *fork && !*nofork && os.Getenv(daemonEnv) == "" {
		if err := detach(); err != nil {
			log.Error().Err(err).Msg("Cannot detach")
			os.Exit(1)
		}
		return
	}

	if err := run(iniPath, cfg); err != nil {
		log.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}

// detach re-executes the binary with the daemon marker set and leaves it
// running in its own session.
func detach() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	log.Info().Int("pid", cmd.Process.Pid).Msg("Detached")
	return cmd.Process.Release()
}

func run(iniPath string, cfg config.Config) error {
	if err := writePidfile(cfg.Daemon.PidFile); err != nil {
		return err
	}
	defer os.Remove(cfg.Daemon.PidFile)

	srv := rtsp.NewServer(cfg)
	if err := srv.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			srv.Shutdown()
			return err
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				// re-read the INI; listener and pools keep running, new
				// connections pick the fresh settings up
				if ncfg, err := config.Load(iniPath); err != nil {
					log.Error().Err(err).Msg("Reload failed, keeping old configuration")
				} else {
					srv.Reload(ncfg)
					log.Info().Str("file", iniPath).Msg("Configuration reloaded")
				}
			default:
				log.Info().Str("signal", sig.String()).Msg("Shutting down")
				srv.Shutdown()
				return nil
			}
		}
	}
}

func writePidfile(path string) error {
	if path == "" {
		return nil
	}
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && pid > 0 {
			if proc, err := os.FindProcess(pid); err == nil {
				if proc.Signal(syscall.Signal(0)) == nil {
					return fmt.Errorf("already running with pid %d", pid)
				}
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
