//go:build !linux

package main

import (
	"errors"
	"log/slog"

	"github.com/AlaAlba/microps/internal/netstack"
)

func attachTap(*netstack.Stack, Config, *slog.Logger) error {
	return errors.New("tap interfaces are only supported on linux")
}
