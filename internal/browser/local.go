package browser

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-rod/rod/lib/launcher"
)

// Local launches Chrome as a child process.
type Local struct {
	Bin      string
	Headless bool
}

func (l *Local) Start(ctx context.Context, id, downloadDir string) (*Instance, error) {
	dir, err := filepath.Abs(downloadDir)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}

	ln := launcher.New().
		Context(ctx).
		Headless(l.Headless).
		Set("no-sandbox").
		Set("disable-gpu")
	if l.Bin != "" {
		ln = ln.Bin(l.Bin)
	}

	url, err := ln.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch chrome: %w", err)
	}

	return &Instance{
		ID:           id,
		ConnectURL:   url,
		DownloadPath: dir,
		local:        ln,
	}, nil
}

func (l *Local) Stop(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.local == nil {
		return nil
	}
	inst.local.Kill()
	inst.local.Cleanup()
	return nil
}
