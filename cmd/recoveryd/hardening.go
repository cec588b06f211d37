package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// hardenProcess applies runtime hardening before any key material is
// handled: memory locked against swap, core dumps off, no privilege
// escalation through setuid binaries. Individual failures (ulimits,
// container restrictions) are logged and tolerated.
func hardenProcess(devMode bool) error {
	if devMode {
		log.Warn().Msg("SECURITY WARNING: Running in dev mode, hardening not enforced")
		return nil
	}
	if runtime.GOOS != "linux" {
		log.Warn().Str("os", runtime.GOOS).Msg("Process hardening only supported on Linux")
		return nil
	}

	if os.Geteuid() == 0 {
		log.Warn().Msg("SECURITY WARNING: Running as root is not recommended")
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to set no_new_privs")
	} else {
		log.Info().Msg("Set no_new_privs flag")
	}

	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		log.Warn().Err(err).Msg("Failed to disable core dumps")
	} else {
		log.Info().Msg("Disabled core dumps")
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Warn().Err(err).Msg("Failed to lock memory (mlockall)")
	} else {
		log.Info().Msg("Memory locked (mlockall)")
	}

	return nil
}

// watchHardening periodically rechecks the flags applied at startup.
func watchHardening(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := verifyHardening(); err != nil {
				log.Error().Err(err).Msg("SECURITY VIOLATION: hardening check failed")
			}
		}
	}
}

// verifyHardening rechecks the flags applied at startup. Returns an
// error when a previously applied restriction has been lifted.
func verifyHardening() error {
	if runtime.GOOS != "linux" {
		return nil
	}

	ret, _, errno := syscall.Syscall(syscall.SYS_PRCTL, uintptr(unix.PR_GET_NO_NEW_PRIVS), 0, 0)
	if errno != 0 {
		return fmt.Errorf("cannot check no_new_privs: %v", errno)
	}
	if ret == 0 {
		return fmt.Errorf("no_new_privs is not set")
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlim); err != nil {
		return fmt.Errorf("cannot check RLIMIT_CORE: %w", err)
	}
	if rlim.Cur != 0 || rlim.Max != 0 {
		return fmt.Errorf("core dumps are enabled")
	}
	return nil
}
